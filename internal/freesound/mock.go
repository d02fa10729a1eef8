package freesound

import (
	"context"
	"fmt"
	"sync"
)

// MockSound is a canned sound served by the MockClient.
type MockSound struct {
	Info *SoundInfo
	Data []byte
}

// MockClient is a scriptable Client for tests. It serves canned sounds,
// counts calls, and can be told to fail the next N downloads.
type MockClient struct {
	mu sync.Mutex

	sounds map[int64]MockSound

	// Failure scripting
	failDownloads int   // fail this many downloads before succeeding
	downloadErr   error // error to return while failing

	// Hooks
	OnDownloadStart func(previewURL string)

	// Call counters
	InfoCalls     int
	DownloadCalls int
}

// NewMockClient creates an empty mock client.
func NewMockClient() *MockClient {
	return &MockClient{sounds: make(map[int64]MockSound)}
}

// AddSound registers a canned sound.
func (m *MockClient) AddSound(info *SoundInfo, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sounds[info.ID] = MockSound{Info: info, Data: data}
}

// FailNextDownloads makes the next n DownloadPreview calls fail with err.
func (m *MockClient) FailNextDownloads(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDownloads = n
	m.downloadErr = err
}

// SoundInfo implements Client.
func (m *MockClient) SoundInfo(_ context.Context, id int64) (*SoundInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InfoCalls++

	sound, ok := m.sounds[id]
	if !ok {
		return nil, fmt.Errorf("sound %d: %w", id, ErrNotFound)
	}
	info := *sound.Info
	return &info, nil
}

// DownloadPreview implements Client.
func (m *MockClient) DownloadPreview(_ context.Context, previewURL string, onProgress ProgressFunc) ([]byte, error) {
	m.mu.Lock()
	m.DownloadCalls++
	hook := m.OnDownloadStart
	if m.failDownloads > 0 {
		m.failDownloads--
		err := m.downloadErr
		m.mu.Unlock()
		if hook != nil {
			hook(previewURL)
		}
		if err == nil {
			err = ErrNetwork
		}
		return nil, err
	}

	var data []byte
	for _, sound := range m.sounds {
		if sound.Info.PreviewURL == previewURL {
			data = sound.Data
			break
		}
	}
	m.mu.Unlock()

	if hook != nil {
		hook(previewURL)
	}
	if data == nil {
		return nil, ErrNoPreview
	}
	if onProgress != nil {
		total := int64(len(data))
		half := total / 2
		onProgress(half, total)
		onProgress(total, total)
	}
	return data, nil
}

// Ensure MockClient implements Client.
var _ Client = (*MockClient)(nil)
