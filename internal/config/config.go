package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obiente/translate/gotranscribe/internal/whisper"
)

type Config struct {
	Addr         string `yaml:"addr"`
	ModelDir     string `yaml:"model_dir"`
	DefaultModel string `yaml:"model"`
	Language     string `yaml:"language"`
	UseGPU       bool   `yaml:"use_gpu"`
	Threads      int    `yaml:"threads"`
	Translate    bool   `yaml:"translate"`

	MaxCachedModels    int    `yaml:"max_cached_models"`
	FFmpegPath         string `yaml:"ffmpeg_path"`
	TmpDir             string `yaml:"tmp_dir"`
	TeardownTimeoutSec int    `yaml:"teardown_timeout"`

	TranslationBaseURL    string `yaml:"translation_base_url"`
	TranslationEnabled    bool   `yaml:"translations"`
	TranslationTimeoutSec int    `yaml:"translation_timeout"`
}

func Default() Config {
	return Config{
		Addr:                  ":8080",
		ModelDir:              "./models",
		DefaultModel:          string(whisper.Base),
		UseGPU:                true,
		FFmpegPath:            "ffmpeg",
		TmpDir:                os.TempDir(),
		TeardownTimeoutSec:    3,
		TranslationBaseURL:    "https://libretranslate.obiente.cloud",
		TranslationEnabled:    true,
		TranslationTimeoutSec: 8,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch v {
		case "0", "false", "no", "off", "False", "FALSE":
			return false
		default:
			return true
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Load builds the configuration from defaults, the YAML file named by
// WHISPER_CONFIG_FILE (if any) and finally the environment.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("WHISPER_CONFIG_FILE"); path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Addr = getenv("WHISPER_GO_ADDR", c.Addr)
	c.ModelDir = getenv("WHISPER_MODEL_DIR", c.ModelDir)
	c.DefaultModel = getenv("WHISPER_MODEL", c.DefaultModel)
	c.Language = getenv("WHISPER_LANGUAGE", c.Language)
	c.UseGPU = getenvBool("WHISPER_USE_GPU", c.UseGPU)
	c.Threads = getenvInt("WHISPER_THREADS", c.Threads)
	c.Translate = getenvBool("WHISPER_TRANSLATE", c.Translate)
	c.MaxCachedModels = getenvInt("WHISPER_MAX_CACHED_MODELS", c.MaxCachedModels)
	c.FFmpegPath = getenv("FFMPEG_PATH", c.FFmpegPath)
	c.TmpDir = getenv("WHISPER_TMP_DIR", c.TmpDir)
	c.TeardownTimeoutSec = getenvInt("WHISPER_TEARDOWN_TIMEOUT", c.TeardownTimeoutSec)
	c.TranslationBaseURL = getenv("TRANSLATION_BASE_URL", c.TranslationBaseURL)
	c.TranslationEnabled = getenvBool("WHISPER_SERVER_TRANSLATIONS", c.TranslationEnabled)
	c.TranslationTimeoutSec = getenvInt("TRANSLATION_TIMEOUT", c.TranslationTimeoutSec)
}

func (c Config) Validate() error {
	var errs []error
	if _, err := whisper.ParseModelName(c.DefaultModel); err != nil {
		errs = append(errs, err)
	}
	if c.Threads < 0 {
		errs = append(errs, fmt.Errorf("threads must not be negative: %d", c.Threads))
	}
	if c.MaxCachedModels < 0 {
		errs = append(errs, fmt.Errorf("max cached models must not be negative: %d", c.MaxCachedModels))
	}
	if c.TeardownTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("teardown timeout must not be negative: %d", c.TeardownTimeoutSec))
	}
	if c.TranslationTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("translation timeout must not be negative: %d", c.TranslationTimeoutSec))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Model is DefaultModel as a tier; Validate guarantees it parses.
func (c Config) Model() whisper.ModelName {
	m, _ := whisper.ParseModelName(c.DefaultModel)
	return m
}

func (c Config) WhisperOptions() whisper.Options {
	return whisper.Options{ModelDir: c.ModelDir, Threads: uint(c.Threads), UseGPU: c.UseGPU}
}

func (c Config) TeardownTimeout() time.Duration {
	return time.Duration(c.TeardownTimeoutSec) * time.Second
}

func (c Config) TranslationTimeout() time.Duration {
	return time.Duration(c.TranslationTimeoutSec) * time.Second
}
