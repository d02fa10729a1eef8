// Package audio provides the decoded sample representation shared by the
// cache and download pipeline, plus PCM serialization for the persistent
// tier and a WAV decoder for fetched previews.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnsupportedAudio is returned when raw bytes cannot be decoded
	// as PCM WAV data.
	ErrUnsupportedAudio = errors.New("unsupported or corrupt audio data")

	// ErrEmptyAudio is returned for zero-length input.
	ErrEmptyAudio = errors.New("empty audio data")
)

// Buffer holds decoded, interleaved 16-bit PCM samples. It is the in-memory
// representation handed to callers; the cache owns inserted buffers and may
// evict them at any time, so consumers must copy out what they need.
type Buffer struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

// SampleCount returns the number of frames per channel.
func (b *Buffer) SampleCount() int {
	if b.Channels == 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate == 0 {
		return 0
	}
	frames := b.SampleCount()
	return time.Duration(float64(frames) / float64(b.SampleRate) * float64(time.Second))
}

// SizeBytes returns the in-memory payload size of the sample data.
func (b *Buffer) SizeBytes() int64 {
	return int64(len(b.Samples)) * 2
}

// Clone returns a deep copy of the buffer. Callers that need audio to
// survive a cache eviction copy it out with this.
func (b *Buffer) Clone() *Buffer {
	samples := make([]int16, len(b.Samples))
	copy(samples, b.Samples)
	return &Buffer{
		SampleRate: b.SampleRate,
		Channels:   b.Channels,
		Samples:    samples,
	}
}

// EncodePCM serializes the buffer's samples as little-endian interleaved
// 16-bit PCM. Sample rate and channel count travel separately in the
// persistent record.
func EncodePCM(b *Buffer) []byte {
	out := make([]byte, len(b.Samples)*2)
	for i, s := range b.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM reverses EncodePCM.
func DecodePCM(raw []byte, sampleRate, channels int) (*Buffer, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyAudio
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: PCM data length %d not aligned to 16-bit samples", ErrUnsupportedAudio, len(raw))
	}
	if channels < 1 {
		return nil, fmt.Errorf("%w: invalid channel count %d", ErrUnsupportedAudio, channels)
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return &Buffer{SampleRate: sampleRate, Channels: channels, Samples: samples}, nil
}

// Decoder turns raw downloaded bytes into a decoded buffer. A single shared
// decoder is injected into the download pipeline so decoding is mockable and
// no per-fetch decoding state is constructed.
type Decoder interface {
	Decode(raw []byte) (*Buffer, error)
}

// WAVDecoder decodes RIFF/WAVE files containing 16-bit PCM, the format of
// Freesound's high-quality previews.
type WAVDecoder struct{}

const (
	riffHeaderSize  = 12
	chunkHeaderSize = 8
	wavFormatPCM    = 1
)

// Decode parses a WAV file. Only uncompressed 16-bit PCM is supported;
// anything else fails with ErrUnsupportedAudio.
func (WAVDecoder) Decode(raw []byte) (*Buffer, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyAudio
	}
	if len(raw) < riffHeaderSize {
		return nil, fmt.Errorf("%w: truncated RIFF header", ErrUnsupportedAudio)
	}
	if !bytes.Equal(raw[0:4], []byte("RIFF")) || !bytes.Equal(raw[8:12], []byte("WAVE")) {
		return nil, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrUnsupportedAudio)
	}

	var (
		sampleRate    int
		channels      int
		bitsPerSample int
		haveFormat    bool
		data          []byte
	)

	// Walk the chunk list. Chunks are word-aligned.
	pos := riffHeaderSize
	for pos+chunkHeaderSize <= len(raw) {
		id := string(raw[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(raw[pos+4 : pos+8]))
		body := pos + chunkHeaderSize
		if size < 0 || body+size > len(raw) {
			return nil, fmt.Errorf("%w: chunk %q overruns file", ErrUnsupportedAudio, id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%w: fmt chunk too short", ErrUnsupportedAudio)
			}
			format := int(binary.LittleEndian.Uint16(raw[body:]))
			if format != wavFormatPCM {
				return nil, fmt.Errorf("%w: format tag %d (only PCM supported)", ErrUnsupportedAudio, format)
			}
			channels = int(binary.LittleEndian.Uint16(raw[body+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(raw[body+4:]))
			bitsPerSample = int(binary.LittleEndian.Uint16(raw[body+14:]))
			haveFormat = true
		case "data":
			data = raw[body : body+size]
		}

		pos = body + size
		if size%2 == 1 {
			pos++ // padding byte
		}
	}

	if !haveFormat {
		return nil, fmt.Errorf("%w: missing fmt chunk", ErrUnsupportedAudio)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: missing data chunk", ErrUnsupportedAudio)
	}
	if bitsPerSample != 16 {
		return nil, fmt.Errorf("%w: %d-bit samples (only 16-bit supported)", ErrUnsupportedAudio, bitsPerSample)
	}
	if channels < 1 || sampleRate < 1 {
		return nil, fmt.Errorf("%w: invalid fmt parameters (channels=%d rate=%d)", ErrUnsupportedAudio, channels, sampleRate)
	}

	return DecodePCM(data, sampleRate, channels)
}

// EncodeWAV writes a buffer back out as a 16-bit PCM WAV file. Used by
// tests and by callers exporting cached samples.
func EncodeWAV(b *Buffer) []byte {
	pcm := EncodePCM(b)
	var out bytes.Buffer
	out.Grow(riffHeaderSize + 2*chunkHeaderSize + 16 + len(pcm))

	byteRate := b.SampleRate * b.Channels * 2
	blockAlign := b.Channels * 2

	out.WriteString("RIFF")
	binary.Write(&out, binary.LittleEndian, uint32(4+chunkHeaderSize+16+chunkHeaderSize+len(pcm))) //nolint:errcheck
	out.WriteString("WAVE")

	out.WriteString("fmt ")
	binary.Write(&out, binary.LittleEndian, uint32(16))              //nolint:errcheck
	binary.Write(&out, binary.LittleEndian, uint16(wavFormatPCM))    //nolint:errcheck
	binary.Write(&out, binary.LittleEndian, uint16(b.Channels))      //nolint:errcheck
	binary.Write(&out, binary.LittleEndian, uint32(b.SampleRate))    //nolint:errcheck
	binary.Write(&out, binary.LittleEndian, uint32(byteRate))        //nolint:errcheck
	binary.Write(&out, binary.LittleEndian, uint16(blockAlign))      //nolint:errcheck
	binary.Write(&out, binary.LittleEndian, uint16(16))              //nolint:errcheck

	out.WriteString("data")
	binary.Write(&out, binary.LittleEndian, uint32(len(pcm))) //nolint:errcheck
	out.Write(pcm)

	return out.Bytes()
}
