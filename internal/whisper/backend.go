package whisper

import (
	"fmt"
	"strings"
)

// ModelName is a whisper model tier.
type ModelName string

const (
	Tiny   ModelName = "tiny"
	Base   ModelName = "base"
	Small  ModelName = "small"
	Medium ModelName = "medium"
	Large  ModelName = "large"
)

// ParseModelName validates a tier name, case-insensitively.
func ParseModelName(s string) (ModelName, error) {
	n := ModelName(strings.ToLower(strings.TrimSpace(s)))
	switch n {
	case Tiny, Base, Small, Medium, Large:
		return n, nil
	}
	return "", fmt.Errorf("whisper: unknown model %q (want tiny, base, small, medium or large)", s)
}

// Device is where a model's weights live.
type Device string

const (
	CPU Device = "cpu"
	GPU Device = "gpu"
)

// Model is an opaque reference to a loaded backend model.
type Model interface {
	Close() error
}

// DecodeOptions configures one decode call.
type DecodeOptions struct {
	// Language is an ISO code or name; empty means auto.
	Language string
	// Translate asks the model to translate into English.
	Translate bool
}

// Backend is the inference surface the engine drives. Implementations raise
// the failure package sentinels (ErrOutOfMemory, ErrDevice, ErrModelLoad) so
// callers can classify without matching on text.
type Backend interface {
	// GPUAvailable reports whether new models may be placed on a GPU.
	GPUAvailable() bool
	// LoadModel constructs a model of the given tier on device.
	LoadModel(name ModelName, device Device) (Model, error)
	// DetectLanguage identifies the spoken language of a padded 30s window.
	DetectLanguage(m Model, window []float32) (string, error)
	// Decode transcribes a padded 30s window.
	Decode(m Model, window []float32, opts DecodeOptions) (string, error)
	// ReclaimMemory releases memory the backend holds outside live models.
	ReclaimMemory()
}
