package audio

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/obiente/translate/gotranscribe/internal/failure"
)

// Decoder loads an audio file as mono float32 samples at the returned rate.
type Decoder interface {
	Load(path string) ([]float32, int, error)
}

// FileDecoder reads WAV and raw PCM16 files directly and hands every other
// container to ffmpeg, which converts it to mono 16 kHz WAV first.
type FileDecoder struct {
	FFmpegPath string
	TmpDir     string
	log        zerolog.Logger
}

func NewFileDecoder(ffmpegPath, tmpDir string, logger zerolog.Logger) *FileDecoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &FileDecoder{
		FFmpegPath: ffmpegPath,
		TmpDir:     tmpDir,
		log:        logger.With().Str("component", "audio.FileDecoder").Logger(),
	}
}

// CheckReadable reports ErrFileNotFound unless path is a readable regular file.
func CheckReadable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", failure.ErrFileNotFound, path, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("%w: %s is a directory", failure.ErrFileNotFound, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", failure.ErrFileNotFound, path, err)
	}
	return f.Close()
}

func (d *FileDecoder) Load(path string) ([]float32, int, error) {
	if err := CheckReadable(path); err != nil {
		return nil, 0, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return d.loadWAV(path)
	case ".pcm", ".raw":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %w", failure.ErrFileNotFound, err)
		}
		return DecodePCM16LEToFloat32(b, SampleRate)
	default:
		return d.loadViaFFmpeg(path)
	}
}

func (d *FileDecoder) loadWAV(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", failure.ErrFileNotFound, err)
	}
	defer f.Close()
	samples, sr, err := DecodeWAV(f)
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	d.log.Debug().Str("path", path).Int("samples", len(samples)).Int("sample_rate", sr).Msg("decoded wav")
	return samples, sr, nil
}

// loadViaFFmpeg runs: ffmpeg -y -i input -ac 1 -ar 16000 -f wav output
func (d *FileDecoder) loadViaFFmpeg(path string) ([]float32, int, error) {
	tmp, err := os.CreateTemp(d.TmpDir, "gotranscribe-*.wav")
	if err != nil {
		return nil, 0, fmt.Errorf("create temp wav: %w", err)
	}
	out := tmp.Name()
	tmp.Close()
	defer os.Remove(out)

	var stderr bytes.Buffer
	cmd := exec.Command(d.FFmpegPath,
		"-nostdin", "-y", "-i", path,
		"-ac", "1", "-ar", fmt.Sprint(SampleRate),
		"-f", "wav",
		out,
	)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, 0, fmt.Errorf("%w: %s needs ffmpeg, which is not installed", failure.ErrUnsupportedFormat, filepath.Ext(path))
		}
		d.log.Debug().Str("path", path).Str("stderr", lastLine(stderr.String())).Msg("ffmpeg failed")
		return nil, 0, fmt.Errorf("%w: ffmpeg: %v", failure.ErrUnsupportedFormat, err)
	}
	return d.loadWAV(out)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
