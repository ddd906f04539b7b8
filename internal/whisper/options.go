package whisper

// Options configures backend construction.
type Options struct {
	// ModelDir holds ggml-<tier>.bin files.
	ModelDir string
	// Threads used per decode; 0 means one per CPU.
	Threads uint
	// UseGPU allows GPU placement when the backend supports it.
	UseGPU bool
}
