package audio

import (
	"errors"
	"testing"
	"time"
)

func testBuffer() *Buffer {
	samples := make([]int16, 2*441) // 10ms stereo at 44.1kHz
	for i := range samples {
		samples[i] = int16(i%200 - 100)
	}
	return &Buffer{SampleRate: 44100, Channels: 2, Samples: samples}
}

func TestBufferDuration(t *testing.T) {
	buf := testBuffer()
	got := buf.Duration()
	want := 10 * time.Millisecond
	if got != want {
		t.Errorf("Duration() = %v, want %v", got, want)
	}

	empty := &Buffer{}
	if d := empty.Duration(); d != 0 {
		t.Errorf("empty buffer Duration() = %v, want 0", d)
	}
}

func TestBufferSizeBytes(t *testing.T) {
	buf := testBuffer()
	if got := buf.SizeBytes(); got != int64(len(buf.Samples))*2 {
		t.Errorf("SizeBytes() = %d, want %d", got, len(buf.Samples)*2)
	}
}

func TestBufferClone(t *testing.T) {
	buf := testBuffer()
	clone := buf.Clone()

	clone.Samples[0] = 12345
	if buf.Samples[0] == 12345 {
		t.Error("mutating a clone changed the original buffer")
	}
	if clone.SampleRate != buf.SampleRate || clone.Channels != buf.Channels {
		t.Error("clone did not copy format parameters")
	}
}

func TestPCMRoundTrip(t *testing.T) {
	buf := testBuffer()
	raw := EncodePCM(buf)

	decoded, err := DecodePCM(raw, buf.SampleRate, buf.Channels)
	if err != nil {
		t.Fatalf("DecodePCM() error: %v", err)
	}
	if decoded.SampleRate != buf.SampleRate || decoded.Channels != buf.Channels {
		t.Errorf("format changed: got %d/%d, want %d/%d",
			decoded.SampleRate, decoded.Channels, buf.SampleRate, buf.Channels)
	}
	if len(decoded.Samples) != len(buf.Samples) {
		t.Fatalf("sample count changed: got %d, want %d", len(decoded.Samples), len(buf.Samples))
	}
	for i := range buf.Samples {
		if decoded.Samples[i] != buf.Samples[i] {
			t.Fatalf("sample %d changed: got %d, want %d", i, decoded.Samples[i], buf.Samples[i])
		}
	}
}

func TestDecodePCMErrors(t *testing.T) {
	if _, err := DecodePCM(nil, 44100, 2); !errors.Is(err, ErrEmptyAudio) {
		t.Errorf("empty input: got %v, want ErrEmptyAudio", err)
	}
	if _, err := DecodePCM([]byte{1, 2, 3}, 44100, 2); !errors.Is(err, ErrUnsupportedAudio) {
		t.Errorf("odd length: got %v, want ErrUnsupportedAudio", err)
	}
	if _, err := DecodePCM([]byte{1, 2}, 44100, 0); !errors.Is(err, ErrUnsupportedAudio) {
		t.Errorf("zero channels: got %v, want ErrUnsupportedAudio", err)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	buf := testBuffer()
	wav := EncodeWAV(buf)

	decoded, err := WAVDecoder{}.Decode(wav)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if decoded.SampleRate != buf.SampleRate {
		t.Errorf("sample rate = %d, want %d", decoded.SampleRate, buf.SampleRate)
	}
	if decoded.Channels != buf.Channels {
		t.Errorf("channels = %d, want %d", decoded.Channels, buf.Channels)
	}
	if len(decoded.Samples) != len(buf.Samples) {
		t.Fatalf("sample count = %d, want %d", len(decoded.Samples), len(buf.Samples))
	}
	for i := range buf.Samples {
		if decoded.Samples[i] != buf.Samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, decoded.Samples[i], buf.Samples[i])
		}
	}
}

func TestWAVDecodeErrors(t *testing.T) {
	valid := EncodeWAV(testBuffer())

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrEmptyAudio},
		{"truncated header", valid[:8], ErrUnsupportedAudio},
		{"wrong magic", append([]byte("JUNK"), valid[4:]...), ErrUnsupportedAudio},
		{"truncated body", valid[:len(valid)/2], ErrUnsupportedAudio},
		{"no chunks", valid[:12], ErrUnsupportedAudio},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := (WAVDecoder{}).Decode(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("Decode(%s) = %v, want %v", tt.name, err, tt.want)
			}
		})
	}
}

func TestWAVDecodeRejectsNonPCM(t *testing.T) {
	wav := EncodeWAV(testBuffer())
	// Overwrite the format tag (offset 20) with 3 = IEEE float.
	wav[20] = 3
	if _, err := (WAVDecoder{}).Decode(wav); !errors.Is(err, ErrUnsupportedAudio) {
		t.Errorf("float format: got %v, want ErrUnsupportedAudio", err)
	}
}

func TestWAVDecodeRejectsNon16Bit(t *testing.T) {
	wav := EncodeWAV(testBuffer())
	// Overwrite bits-per-sample (offset 34).
	wav[34] = 8
	if _, err := (WAVDecoder{}).Decode(wav); !errors.Is(err, ErrUnsupportedAudio) {
		t.Errorf("8-bit samples: got %v, want ErrUnsupportedAudio", err)
	}
}
