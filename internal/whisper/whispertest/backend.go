// Package whispertest provides a scriptable in-memory whisper.Backend.
package whispertest

import (
	"fmt"
	"sync"

	"github.com/obiente/translate/gotranscribe/internal/whisper"
)

// Load records one LoadModel call.
type Load struct {
	Name   whisper.ModelName
	Device whisper.Device
}

// Model is the handle type returned by Backend.
type Model struct {
	Name   whisper.ModelName
	Device whisper.Device
	ID     int

	mu     sync.Mutex
	closed bool
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *Model) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Backend is a whisper.Backend whose behaviour is set through its hook fields.
// Unset hooks succeed: loads return a fresh Model, detection returns "en" and
// decoding returns "chunk <n>".
type Backend struct {
	GPU bool

	// LoadErr, when set, is consulted for every load; a nil return means success.
	LoadErr func(call int, name whisper.ModelName, device whisper.Device) error
	// DetectFunc overrides language detection.
	DetectFunc func(m *Model, window []float32) (string, error)
	// DecodeFunc overrides decoding; call counts from zero.
	DecodeFunc func(call int, m *Model, window []float32, opts whisper.DecodeOptions) (string, error)

	mu       sync.Mutex
	loads    []Load
	models   []*Model
	detects  int
	decodes  []whisper.DecodeOptions
	reclaims int
}

var _ whisper.Backend = (*Backend)(nil)

func (b *Backend) GPUAvailable() bool { return b.GPU }

func (b *Backend) LoadModel(name whisper.ModelName, device whisper.Device) (whisper.Model, error) {
	b.mu.Lock()
	call := len(b.loads)
	b.loads = append(b.loads, Load{Name: name, Device: device})
	hook := b.LoadErr
	b.mu.Unlock()

	if hook != nil {
		if err := hook(call, name, device); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m := &Model{Name: name, Device: device, ID: len(b.models)}
	b.models = append(b.models, m)
	return m, nil
}

func (b *Backend) DetectLanguage(m whisper.Model, window []float32) (string, error) {
	b.mu.Lock()
	b.detects++
	hook := b.DetectFunc
	b.mu.Unlock()

	tm, ok := m.(*Model)
	if !ok {
		return "", fmt.Errorf("whispertest: foreign model %T", m)
	}
	if hook != nil {
		return hook(tm, window)
	}
	return "en", nil
}

func (b *Backend) Decode(m whisper.Model, window []float32, opts whisper.DecodeOptions) (string, error) {
	b.mu.Lock()
	call := len(b.decodes)
	b.decodes = append(b.decodes, opts)
	hook := b.DecodeFunc
	b.mu.Unlock()

	tm, ok := m.(*Model)
	if !ok {
		return "", fmt.Errorf("whispertest: foreign model %T", m)
	}
	if hook != nil {
		return hook(call, tm, window, opts)
	}
	return fmt.Sprintf("chunk %d", call+1), nil
}

func (b *Backend) ReclaimMemory() {
	b.mu.Lock()
	b.reclaims++
	b.mu.Unlock()
}

// Loads returns every LoadModel call in order.
func (b *Backend) Loads() []Load {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Load(nil), b.loads...)
}

// Models returns every successfully loaded model in order.
func (b *Backend) Models() []*Model {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Model(nil), b.models...)
}

// Detects returns the number of DetectLanguage calls.
func (b *Backend) Detects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detects
}

// Decodes returns the options of every Decode call.
func (b *Backend) Decodes() []whisper.DecodeOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]whisper.DecodeOptions(nil), b.decodes...)
}

// Reclaims returns the number of ReclaimMemory calls.
func (b *Backend) Reclaims() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reclaims
}
