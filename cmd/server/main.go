package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/gotranscribe/internal/audio"
	"github.com/obiente/translate/gotranscribe/internal/config"
	serverhttp "github.com/obiente/translate/gotranscribe/internal/http"
	"github.com/obiente/translate/gotranscribe/internal/models"
	"github.com/obiente/translate/gotranscribe/internal/transcribe"
	"github.com/obiente/translate/gotranscribe/internal/translation"
	"github.com/obiente/translate/gotranscribe/internal/whisper"
	"github.com/obiente/translate/gotranscribe/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	lvl := zerolog.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			lvl = l
		}
	}
	log.Logger = log.Level(lvl)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	backend, err := whisper.NewBackend(cfg.WhisperOptions(), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("whisper backend init failed")
	}
	engine := transcribe.New(
		backend,
		models.NewManager(backend, cfg.MaxCachedModels, log.Logger),
		audio.NewFileDecoder(cfg.FFmpegPath, cfg.TmpDir, log.Logger),
		transcribe.Options{Translate: cfg.Translate, TeardownTimeout: cfg.TeardownTimeout()},
		log.Logger,
	)

	var translator ws.Translator
	if cfg.TranslationEnabled {
		translator = translation.New(cfg.TranslationBaseURL, cfg.TranslationTimeout(), log.Logger)
	}
	wss := ws.NewServer(engine, translator, ws.Options{
		DefaultModel:       cfg.Model(),
		DefaultLanguage:    cfg.Language,
		TranslationEnabled: cfg.TranslationEnabled,
		TranslationTimeout: cfg.TranslationTimeout(),
	}, log.Logger)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      serverhttp.NewRouter(engine, wss),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("addr", cfg.Addr).
		Str("model_dir", cfg.ModelDir).
		Str("model", cfg.DefaultModel).
		Bool("gpu", backend.GPUAvailable()).
		Msg("transcription server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	engine.Teardown()
}
