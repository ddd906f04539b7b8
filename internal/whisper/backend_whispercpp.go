//go:build whisper_cpp

package whisper

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rs/zerolog"

	"github.com/obiente/translate/gotranscribe/internal/failure"
)

// CPPBackend is the whisper.cpp-backed implementation of Backend.
type CPPBackend struct {
	modelDir string
	threads  uint
	useGPU   bool
	log      zerolog.Logger
}

// cppModel serializes access to one whisper.cpp model; concurrent contexts on
// the same model crash the library.
type cppModel struct {
	name   ModelName
	device Device
	path   string
	model  whisperpkg.Model
	mu     sync.Mutex
}

func (m *cppModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil
	}
	err := m.model.Close()
	m.model = nil
	return err
}

func NewBackend(opts Options, logger zerolog.Logger) (Backend, error) {
	threads := opts.Threads
	if threads == 0 {
		threads = uint(runtime.NumCPU())
		logger.Info().Uint("threads", threads).Msg("whisper: using default thread count (CPU cores)")
	} else {
		logger.Info().Uint("threads", threads).Msg("whisper: using configured thread count")
	}
	if fi, err := os.Stat(opts.ModelDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("whisper: model dir %q: %w", opts.ModelDir, failure.ErrModelLoad)
	}
	return &CPPBackend{
		modelDir: opts.ModelDir,
		threads:  threads,
		useGPU:   opts.UseGPU,
		log:      logger.With().Str("component", "whisper.cpp").Logger(),
	}, nil
}

// GPUAvailable reports the configured preference. whisper.cpp picks its
// accelerator at link time; the Go bindings cannot force CPU placement.
func (b *CPPBackend) GPUAvailable() bool { return b.useGPU }

func (b *CPPBackend) modelPath(name ModelName) (string, error) {
	candidates := []string{"ggml-" + string(name) + ".bin", "ggml-" + string(name) + ".en.bin"}
	if name == Large {
		candidates = append(candidates, "ggml-large-v3.bin", "ggml-large-v2.bin")
	}
	for _, c := range candidates {
		p := filepath.Join(b.modelDir, c)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no model file for %s in %s: %w", name, b.modelDir, failure.ErrModelLoad)
}

func (b *CPPBackend) LoadModel(name ModelName, device Device) (Model, error) {
	path, err := b.modelPath(name)
	if err != nil {
		return nil, err
	}
	m, err := whisperpkg.New(path)
	if err != nil {
		return nil, b.loadError(name, err)
	}
	b.log.Info().Str("model", string(name)).Str("path", path).Str("device", string(device)).Msg("whisper: model loaded successfully")
	return &cppModel{name: name, device: device, path: path, model: m}, nil
}

// loadError separates allocation failures from other load failures. The
// bindings collapse most causes into ErrUnableToLoadModel; ggml prints the
// real reason to stderr, so only failures whose text names memory become
// ErrOutOfMemory.
func (b *CPPBackend) loadError(name ModelName, err error) error {
	if failure.IsOutOfMemory(err) {
		return fmt.Errorf("load %s: %w: %v", name, failure.ErrOutOfMemory, err)
	}
	if errors.Is(err, whisperpkg.ErrUnableToLoadModel) {
		b.log.Warn().Err(err).Str("model", string(name)).Msg("whisper: model init returned no context")
	}
	return fmt.Errorf("load %s: %w: %v", name, failure.ErrModelLoad, err)
}

// context must be called with cm.mu held.
func (b *CPPBackend) context(cm *cppModel, lang string, translate bool) (whisperpkg.Context, error) {
	if cm.model == nil {
		return nil, fmt.Errorf("whisper: %w: model is closed", failure.ErrModelLoad)
	}
	ctx, err := cm.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}
	ctx.SetThreads(b.threads)
	if lang == "" {
		lang = "auto"
	}
	if err := ctx.SetLanguage(lang); err != nil {
		return nil, fmt.Errorf("set language %q: %w", lang, err)
	}
	ctx.SetTranslate(translate)
	ctx.SetSplitOnWord(true)
	ctx.SetTokenTimestamps(true)
	ctx.SetMaxSegmentLength(0)
	ctx.SetMaxTokensPerSegment(0)
	ctx.SetAudioCtx(0)
	return ctx, nil
}

func (b *CPPBackend) DetectLanguage(m Model, window []float32) (string, error) {
	cm, ok := m.(*cppModel)
	if !ok {
		return "", fmt.Errorf("whisper: %w: foreign model handle", failure.ErrModelLoad)
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	ctx, err := b.context(cm, "auto", false)
	if err != nil {
		return "", err
	}
	if err := ctx.Process(window, nil, nil, nil); err != nil {
		return "", b.processError(err)
	}
	lang := ctx.DetectedLanguage()
	if lang == "" {
		lang = ctx.Language()
	}
	return lang, nil
}

func (b *CPPBackend) Decode(m Model, window []float32, opts DecodeOptions) (string, error) {
	cm, ok := m.(*cppModel)
	if !ok {
		return "", fmt.Errorf("whisper: %w: foreign model handle", failure.ErrModelLoad)
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	ctx, err := b.context(cm, opts.Language, opts.Translate)
	if err != nil {
		return "", err
	}
	if err := ctx.Process(window, nil, nil, nil); err != nil {
		return "", b.processError(err)
	}

	var segments []string
	for {
		seg, err := ctx.NextSegment()
		if err != nil {
			if err == io.EOF {
				break
			}
			b.log.Warn().Err(err).Msg("whisper: error reading segment")
			break
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			segments = append(segments, text)
		}
	}
	return strings.TrimSpace(strings.Join(segments, " ")), nil
}

func (b *CPPBackend) processError(err error) error {
	if failure.IsOutOfMemory(err) {
		return fmt.Errorf("process audio: %w: %v", failure.ErrOutOfMemory, err)
	}
	return fmt.Errorf("process audio: %w: %v", failure.ErrDecode, err)
}

func (b *CPPBackend) ReclaimMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}
