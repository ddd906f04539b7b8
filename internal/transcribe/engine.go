package transcribe

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/obiente/translate/gotranscribe/internal/audio"
	"github.com/obiente/translate/gotranscribe/internal/failure"
	"github.com/obiente/translate/gotranscribe/internal/models"
	"github.com/obiente/translate/gotranscribe/internal/whisper"
)

// DefaultTeardownTimeout bounds how long Teardown waits for a running worker.
const DefaultTeardownTimeout = 3 * time.Second

// maxChunkFraction caps per-chunk progress; only a completed request reports 1.0.
const maxChunkFraction = 0.99

// State is the engine's position in a request's lifecycle.
type State int32

const (
	Idle State = iota
	Loading
	Detecting
	Transcribing
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Detecting:
		return "detecting"
	case Transcribing:
		return "transcribing"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Options tunes an Engine.
type Options struct {
	// Translate decodes with whisper's translate-to-English task.
	Translate bool
	// TeardownTimeout defaults to DefaultTeardownTimeout.
	TeardownTimeout time.Duration
}

// Engine runs one transcription at a time on a background worker and streams
// its progress as Events. A second Start while a request is active fails with
// ErrBusy; callers cancel first. Construct one per process and call Teardown
// once at shutdown.
type Engine struct {
	backend whisper.Backend
	models  *models.Manager
	decoder audio.Decoder
	opts    Options
	log     zerolog.Logger

	token Token
	state atomic.Int32

	mu     sync.Mutex
	busy   bool
	closed bool
	done   chan struct{}
}

func New(backend whisper.Backend, mgr *models.Manager, decoder audio.Decoder, opts Options, logger zerolog.Logger) *Engine {
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	return &Engine{
		backend: backend,
		models:  mgr,
		decoder: decoder,
		opts:    opts,
		log:     logger.With().Str("component", "transcribe.Engine").Logger(),
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// Start validates req and launches its worker. The returned channel yields
// the request's events in order and closes after exactly one terminal event.
// The consumer must drain it.
func (e *Engine) Start(req Request) (<-chan Event, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.busy {
		return nil, ErrBusy
	}
	e.busy = true
	e.token.reset()
	e.setState(Loading)

	id := uuid.NewString()
	rep := NewReporter(func() {
		e.mu.Lock()
		e.setState(Idle)
		e.busy = false
		e.mu.Unlock()
	})
	done := make(chan struct{})
	e.done = done

	j := &job{
		engine: e,
		id:     id,
		req:    req,
		rep:    rep,
		log: e.log.With().
			Str("request_id", id).
			Str("model", string(req.Model)).
			Str("file", req.FilePath).
			Logger(),
	}
	go func() {
		defer close(done)
		j.run()
	}()
	e.log.Info().Str("request_id", id).Str("file", req.FilePath).Str("model", string(req.Model)).Str("language", req.Language).Msg("transcription started")
	return rep.Events(), nil
}

// Cancel asks the active request to stop at its next checkpoint. It is
// idempotent and safe in any state.
func (e *Engine) Cancel() {
	e.token.Cancel()
}

// Teardown cancels any active request, waits up to the teardown timeout for
// its worker, then releases every cached model. A worker that outlives the
// timeout is abandoned, not killed, and the models are released once it
// exits. Teardown itself never waits longer than the timeout. Later calls are
// no-ops.
func (e *Engine) Teardown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	done := e.done
	e.mu.Unlock()

	e.token.Cancel()
	if done != nil {
		select {
		case <-done:
		case <-time.After(e.opts.TeardownTimeout):
			// closing a model blocks on its in-flight decode, so the abandoned
			// worker releases the cache when it exits
			e.log.Warn().Dur("timeout", e.opts.TeardownTimeout).Msg("worker still running; abandoning join")
			go func() {
				<-done
				e.models.ReleaseAll()
				e.log.Info().Msg("abandoned worker exited; models released")
			}()
			return
		}
	}
	e.models.ReleaseAll()
	e.log.Info().Msg("engine torn down")
}

// job is the state of one request's worker.
type job struct {
	engine *Engine
	id     string
	req    Request
	rep    *Reporter
	log    zerolog.Logger

	handle     *models.Handle
	cpuRetried bool
	segments   []Segment
	text       strings.Builder
	fraction   float64
	started    time.Time
	heapBefore uint64
}

func (j *job) emit(ev Event) {
	ev.RequestID = j.id
	j.rep.Emit(ev)
}

func (j *job) status(msg string) {
	j.log.Debug().Str("status", msg).Msg("status")
	j.emit(Event{Kind: EventStatus, Message: msg})
}

// progress emits the accumulated text with a fraction that never decreases
// and stays within [0,1].
func (j *job) progress(fraction float64, msg string, seg *Segment) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	if fraction < j.fraction {
		fraction = j.fraction
	}
	j.fraction = fraction
	j.emit(Event{Kind: EventProgress, Fraction: fraction, Message: msg, Text: j.text.String(), Segment: seg})
}

// checkpoint emits Cancelled and reports true once cancellation was requested.
func (j *job) checkpoint() bool {
	if !j.engine.token.Cancelled() {
		return false
	}
	j.cancelled()
	return true
}

func (j *job) cancelled() {
	j.engine.setState(Cancelled)
	j.log.Info().Int("segments", len(j.segments)).Float64("fraction", j.fraction).Msg("transcription cancelled")
	j.emit(Event{Kind: EventCancelled, Message: failure.MsgCancelled})
}

// fail ends the request with a classified failure. A failure that races a
// cancellation request ends as Cancelled.
func (j *job) fail(err error) {
	if j.engine.token.Cancelled() {
		j.log.Debug().Err(err).Msg("failure after cancellation")
		j.cancelled()
		return
	}
	c := failure.Classify(err)
	j.log.Error().Err(err).Str("kind", c.Kind.String()).Str("action", c.Action.String()).Msg("transcription failed")
	if j.handle != nil {
		j.engine.models.Drop(j.handle)
		j.handle = nil
	}
	j.engine.setState(Failed)
	j.emit(Event{Kind: EventFailed, Error: c.Kind, Message: c.Message})
}

func (j *job) run() {
	defer func() {
		if p := recover(); p != nil {
			j.log.Error().Interface("panic", p).Msg("transcription worker panicked")
			j.fail(fmt.Errorf("worker panic: %v", p))
		}
	}()
	e := j.engine
	j.started = time.Now()
	j.heapBefore = heapInUse()

	j.status(fmt.Sprintf("Loading %s model...", j.req.Model))
	if err := audio.CheckReadable(j.req.FilePath); err != nil {
		j.fail(err)
		return
	}
	if err := j.acquire(); err != nil {
		j.fail(err)
		return
	}
	j.status("Model loaded, starting transcription...")
	if j.checkpoint() {
		return
	}

	samples, sr, err := e.decoder.Load(j.req.FilePath)
	if err != nil {
		j.fail(err)
		return
	}
	if sr != audio.SampleRate {
		j.log.Debug().Int("from", sr).Int("to", audio.SampleRate).Msg("resampling audio")
		samples = audio.ResampleLinear(samples, sr, audio.SampleRate)
	}
	fingerprint, err := audio.Fingerprint(j.req.FilePath)
	if err != nil {
		j.log.Warn().Err(err).Msg("fingerprint failed")
	}
	duration := audio.Duration(samples)
	if j.checkpoint() {
		return
	}

	language := j.req.Language
	if language == "" {
		e.setState(Detecting)
		language, err = j.detect(samples)
		if err != nil {
			j.fail(err)
			return
		}
		shown := language
		if shown == "" {
			shown = "unknown"
		}
		j.status(fmt.Sprintf("Detected language: %s (Duration: %.1fs)", shown, duration))
	}

	e.setState(Transcribing)
	chunks := audio.Split(samples)
	j.status(fmt.Sprintf("Processing %d chunks...", len(chunks)))
	opts := whisper.DecodeOptions{Language: language, Translate: e.opts.Translate}
	for _, c := range chunks {
		if j.checkpoint() {
			return
		}
		text, err := j.decode(c, samples, opts)
		if err != nil {
			cls := failure.Classify(err)
			j.log.Warn().Err(err).Int("chunk", c.Index+1).Str("kind", cls.Kind.String()).Msg("chunk decode failed; skipping")
			j.status(fmt.Sprintf("Skipped chunk %d/%d: %s", c.Index+1, len(chunks), cls.Message))
			continue
		}
		if text == "" {
			continue
		}
		seg := Segment{Start: c.StartSeconds(), End: c.EndSeconds(), Text: text}
		j.segments = append(j.segments, seg)
		if j.text.Len() > 0 {
			j.text.WriteString("\n\n")
		}
		j.text.WriteString(seg.String())
		j.log.Debug().Int("chunk", c.Index+1).Int("chunks", len(chunks)).Str("text", text).Msg("chunk decoded")
		j.progress(min(float64(c.End)/float64(len(samples)), maxChunkFraction), fmt.Sprintf("Processing chunk %d/%d...", c.Index+1, len(chunks)), &seg)
	}
	if j.checkpoint() {
		return
	}

	j.complete(language, duration, fingerprint)
}

func (j *job) acquire() error {
	e := j.engine
	h, err := e.models.Acquire(j.req.Model, j.status)
	if err != nil {
		// tier fallback already ran inside the manager; only a device fault
		// earns a CPU retry here
		if failure.Classify(err).Action != failure.RetryOnCPU || !e.backend.GPUAvailable() {
			return err
		}
		if h, err = j.retryOnCPU(err, j.req.Model); err != nil {
			return err
		}
	}
	if h.Name != j.req.Model {
		j.log.Warn().Str("loaded", string(h.Name)).Msg("using fallback model")
	}
	j.handle = h
	return nil
}

// retryOnCPU rebuilds the model on the CPU once per request.
func (j *job) retryOnCPU(cause error, name whisper.ModelName) (*models.Handle, error) {
	if j.cpuRetried {
		return nil, cause
	}
	j.cpuRetried = true
	c := failure.Classify(cause)
	if c.Kind == failure.OutOfMemory {
		j.status("Memory issue detected, using CPU...")
	} else {
		j.status(c.Message)
	}
	j.log.Warn().Err(cause).Str("kind", c.Kind.String()).Msg("retrying on cpu")
	if j.handle != nil && j.handle.Device == whisper.GPU {
		j.engine.models.Drop(j.handle)
		j.handle = nil
	}
	return j.engine.models.AcquireOn(name, whisper.CPU, j.status)
}

// detect identifies the language from the first window, retrying once on the
// CPU after a device or memory fault on a GPU model.
func (j *job) detect(samples []float32) (string, error) {
	window := audio.PadOrTrim(samples, audio.WindowSamples)
	lang, err := j.detectOnce(window)
	if err == nil {
		return lang, nil
	}
	c := failure.Classify(err)
	if j.handle.Device != whisper.GPU || (c.Action != failure.RetryOnCPU && c.Action != failure.RetryWithFallback) {
		return "", err
	}
	h, rerr := j.retryOnCPU(err, j.handle.Name)
	if rerr != nil {
		return "", rerr
	}
	j.handle = h
	if j.engine.token.Cancelled() {
		return "", fmt.Errorf("detect language: %w", context.Canceled)
	}
	return j.detectOnce(window)
}

func (j *job) detectOnce(window []float32) (lang string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("detect language panicked: %v", p)
		}
	}()
	lang, err = j.engine.backend.DetectLanguage(j.handle.Model, window)
	return strings.TrimSpace(lang), err
}

// decode runs one chunk; a panic in the backend counts as a chunk failure.
func (j *job) decode(c audio.Chunk, samples []float32, opts whisper.DecodeOptions) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: chunk %d panicked: %v", failure.ErrDecode, c.Index+1, p)
		}
	}()
	text, err = j.engine.backend.Decode(j.handle.Model, c.Window(samples), opts)
	return strings.TrimSpace(text), err
}

func (j *job) complete(language string, duration float64, fingerprint string) {
	elapsed := time.Since(j.started)
	heapAfter := heapInUse()
	before, after := float64(j.heapBefore)/1024/1024, float64(heapAfter)/1024/1024
	j.status(fmt.Sprintf("Completed in %.1fs • Memory: %.1fMB → %.1fMB (%+.1fMB)", elapsed.Seconds(), before, after, after-before))
	j.progress(1, "Transcription complete", nil)

	res := &Result{
		Text:        j.text.String(),
		Segments:    append([]Segment(nil), j.segments...),
		Language:    language,
		Model:       j.handle.Name,
		Duration:    duration,
		Fingerprint: fingerprint,
	}
	j.engine.setState(Completed)
	j.log.Info().
		Int("segments", len(res.Segments)).
		Str("language", language).
		Float64("duration", duration).
		Dur("elapsed", elapsed).
		Msg("transcription complete")
	j.emit(Event{Kind: EventCompleted, Result: res})
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}
