// Command transcribe runs one file through the transcription engine and
// prints the transcript to stdout.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/obiente/translate/gotranscribe/internal/audio"
	"github.com/obiente/translate/gotranscribe/internal/config"
	"github.com/obiente/translate/gotranscribe/internal/models"
	"github.com/obiente/translate/gotranscribe/internal/transcribe"
	"github.com/obiente/translate/gotranscribe/internal/whisper"
)

const (
	exitFailed    = 1
	exitCancelled = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailed
	}

	model := flag.String("model", cfg.DefaultModel, "model tier: tiny, base, small, medium or large")
	language := flag.String("language", cfg.Language, "spoken language; empty detects it")
	translate := flag.Bool("translate", cfg.Translate, "translate the transcript into English")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <audio file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	lvl := zerolog.InfoLevel
	if *verbose {
		lvl = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()

	name, err := whisper.ParseModelName(*model)
	if err != nil {
		logger.Error().Err(err).Msg("bad -model")
		return exitFailed
	}

	backend, err := whisper.NewBackend(cfg.WhisperOptions(), logger)
	if err != nil {
		logger.Error().Err(err).Msg("whisper backend init failed")
		return exitFailed
	}
	engine := transcribe.New(
		backend,
		models.NewManager(backend, cfg.MaxCachedModels, logger),
		audio.NewFileDecoder(cfg.FFmpegPath, cfg.TmpDir, logger),
		transcribe.Options{Translate: *translate, TeardownTimeout: cfg.TeardownTimeout()},
		logger,
	)
	defer engine.Teardown()

	events, err := engine.Start(transcribe.Request{FilePath: flag.Arg(0), Model: name, Language: *language})
	if err != nil {
		logger.Error().Err(err).Msg("start")
		return exitFailed
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go watchSignals(sigs, engine.Cancel, os.Exit, logger)

	code := exitFailed
	for ev := range events {
		switch ev.Kind {
		case transcribe.EventStatus:
			logger.Info().Msg(ev.Message)
		case transcribe.EventProgress:
			logger.Info().Str("progress", fmt.Sprintf("%3.0f%%", ev.Fraction*100)).Msg(ev.Message)
			if ev.Segment != nil {
				logger.Debug().Msg(ev.Segment.String())
			}
		case transcribe.EventCompleted:
			fmt.Println(ev.Result.Text)
			code = 0
		case transcribe.EventCancelled:
			logger.Warn().Msg(ev.Message)
			code = exitCancelled
		case transcribe.EventFailed:
			logger.Error().Str("kind", ev.Error.String()).Msg(ev.Message)
			code = exitFailed
		}
	}
	return code
}

// watchSignals cancels the request on the first signal. A second one stops
// signal delivery and exits, so a slow teardown can still be interrupted.
func watchSignals(sigs chan os.Signal, cancel func(), exit func(int), logger zerolog.Logger) {
	<-sigs
	logger.Warn().Msg("interrupt; stopping after the current chunk (again to quit)")
	cancel()
	<-sigs
	signal.Stop(sigs)
	logger.Error().Msg("second interrupt; exiting")
	exit(exitCancelled)
}
