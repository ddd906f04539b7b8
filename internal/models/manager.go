package models

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/obiente/translate/gotranscribe/internal/failure"
	"github.com/obiente/translate/gotranscribe/internal/whisper"
)

// Handle is a loaded model bound to a device. The device never changes for
// the lifetime of a handle.
type Handle struct {
	Name   whisper.ModelName
	Device whisper.Device
	Model  whisper.Model
}

// StatusFunc receives user-facing status lines, e.g. a fallback notice.
type StatusFunc func(msg string)

// Manager acquires, caches and evicts model handles. The cache is keyed by
// tier name and is unbounded unless maxCached > 0, in which case the least
// recently used handle other than the active one is evicted.
type Manager struct {
	backend   whisper.Backend
	maxCached int
	log       zerolog.Logger

	mu     sync.Mutex
	cache  map[whisper.ModelName]*Handle
	order  []whisper.ModelName // least recently used first
	active *Handle
}

func NewManager(backend whisper.Backend, maxCached int, logger zerolog.Logger) *Manager {
	if maxCached < 0 {
		maxCached = 0
	}
	return &Manager{
		backend:   backend,
		maxCached: maxCached,
		log:       logger.With().Str("component", "models.Manager").Logger(),
		cache:     make(map[whisper.ModelName]*Handle),
	}
}

// fallbackTier is the smaller tier tried after memory exhaustion.
func fallbackTier(name whisper.ModelName) (whisper.ModelName, bool) {
	switch name {
	case whisper.Large:
		return whisper.Base, true
	case whisper.Medium:
		return whisper.Tiny, true
	}
	return "", false
}

// Acquire returns the cached handle for name or constructs one on the
// preferred device, applying the out-of-memory policy on failure.
func (m *Manager) Acquire(name whisper.ModelName, status StatusFunc) (*Handle, error) {
	return m.acquire(name, "", status)
}

// AcquireOn is Acquire pinned to device. A cached handle on another device is
// dropped and rebuilt.
func (m *Manager) AcquireOn(name whisper.ModelName, device whisper.Device, status StatusFunc) (*Handle, error) {
	return m.acquire(name, device, status)
}

func (m *Manager) acquire(name whisper.ModelName, device whisper.Device, status StatusFunc) (*Handle, error) {
	if status == nil {
		status = func(string) {}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if h := m.cache[name]; h != nil {
		if device == "" || h.Device == device {
			m.touchLocked(name)
			m.active = h
			m.log.Debug().Str("model", string(name)).Str("device", string(h.Device)).Msg("models: cache hit")
			return h, nil
		}
		m.removeLocked(h)
	}
	if device == "" {
		device = m.preferredDevice()
	}
	// only one model is active; the previous one stays cached
	m.active = nil

	h, err := m.loadLocked(name, device)
	if err == nil {
		return h, nil
	}
	if !failure.IsOutOfMemory(err) {
		return nil, failure.Wrap(failure.ModelLoadError, fmt.Sprintf("acquire %s", name), err)
	}

	cause := err
	m.log.Warn().Err(err).Str("model", string(name)).Str("device", string(device)).Msg("models: out of memory, clearing cache")
	m.clearLocked()
	m.backend.ReclaimMemory()

	if device == whisper.GPU {
		h, err = m.loadLocked(name, device)
		if err == nil {
			return h, nil
		}
		if !failure.IsOutOfMemory(err) {
			return nil, failure.Wrap(failure.ModelLoadError, fmt.Sprintf("acquire %s", name), err)
		}
	}

	fb, ok := fallbackTier(name)
	if !ok {
		return nil, failure.Wrap(failure.ModelLoadError, fmt.Sprintf("acquire %s", name), cause)
	}
	m.log.Warn().Str("model", string(name)).Str("fallback", string(fb)).Msg("models: falling back to smaller model")
	status(fmt.Sprintf("Memory issue with %s model, falling back to %s model...", name, fb))

	h, err = m.loadLocked(fb, device)
	if err != nil {
		return nil, failure.Wrap(failure.ModelLoadError, fmt.Sprintf("acquire %s (fallback %s)", name, fb), err)
	}
	return h, nil
}

func (m *Manager) preferredDevice() whisper.Device {
	if m.backend.GPUAvailable() {
		return whisper.GPU
	}
	return whisper.CPU
}

func (m *Manager) loadLocked(name whisper.ModelName, device whisper.Device) (*Handle, error) {
	model, err := m.backend.LoadModel(name, device)
	if err != nil {
		return nil, err
	}
	h := &Handle{Name: name, Device: device, Model: model}
	m.cache[name] = h
	m.touchLocked(name)
	m.active = h
	m.evictLocked()
	m.log.Info().Str("model", string(name)).Str("device", string(device)).Int("cached", len(m.cache)).Msg("models: model ready")
	return h, nil
}

func (m *Manager) touchLocked(name whisper.ModelName) {
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.order = append(m.order, name)
}

func (m *Manager) evictLocked() {
	if m.maxCached == 0 {
		return
	}
	for i := 0; len(m.cache) > m.maxCached && i < len(m.order); {
		h := m.cache[m.order[i]]
		if h == nil || h == m.active {
			i++
			continue
		}
		m.log.Info().Str("model", string(h.Name)).Msg("models: evicting least recently used model")
		m.removeLocked(h)
	}
}

func (m *Manager) removeLocked(h *Handle) {
	if cur := m.cache[h.Name]; cur == h {
		delete(m.cache, h.Name)
		for i, n := range m.order {
			if n == h.Name {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	if m.active == h {
		m.active = nil
	}
	if err := h.Model.Close(); err != nil {
		m.log.Warn().Err(err).Str("model", string(h.Name)).Msg("models: close failed")
	}
}

func (m *Manager) clearLocked() {
	for _, h := range m.cache {
		if err := h.Model.Close(); err != nil {
			m.log.Warn().Err(err).Str("model", string(h.Name)).Msg("models: close failed")
		}
	}
	m.cache = make(map[whisper.ModelName]*Handle)
	m.order = nil
	m.active = nil
}

// Drop evicts h and releases its backend memory.
func (m *Manager) Drop(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(h)
	m.backend.ReclaimMemory()
}

// ReleaseAll clears the cache and the active handle.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.cache)
	m.clearLocked()
	m.backend.ReclaimMemory()
	m.log.Info().Int("released", n).Msg("models: released all models")
}

// Active returns the most recently acquired handle, if still held.
func (m *Manager) Active() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Cached lists cached tiers, least recently used first.
func (m *Manager) Cached() []whisper.ModelName {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]whisper.ModelName(nil), m.order...)
}
