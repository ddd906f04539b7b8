//go:build !whisper_cpp

package whisper

import (
	"runtime"

	"github.com/rs/zerolog"
)

// Default stub (no cgo) so the project builds without whisper_cpp tag.
type stubBackend struct{}

type stubModel struct{}

func (stubModel) Close() error { return nil }

// NewBackend returns the stub backend. Transcripts come back empty.
func NewBackend(opts Options, logger zerolog.Logger) (Backend, error) {
	logger.Warn().Msg("whisper: built without whisper_cpp tag; transcripts will be empty")
	return stubBackend{}, nil
}

func (stubBackend) GPUAvailable() bool { return false }
func (stubBackend) LoadModel(name ModelName, device Device) (Model, error) {
	return stubModel{}, nil
}
func (stubBackend) DetectLanguage(m Model, window []float32) (string, error) {
	return "en", nil
}
func (stubBackend) Decode(m Model, window []float32, opts DecodeOptions) (string, error) {
	return "", nil
}
func (stubBackend) ReclaimMemory() { runtime.GC() }
