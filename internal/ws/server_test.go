package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/obiente/translate/gotranscribe/internal/audio"
	"github.com/obiente/translate/gotranscribe/internal/models"
	"github.com/obiente/translate/gotranscribe/internal/transcribe"
	"github.com/obiente/translate/gotranscribe/internal/translation"
	"github.com/obiente/translate/gotranscribe/internal/whisper"
	"github.com/obiente/translate/gotranscribe/internal/whisper/whispertest"
)

type silence struct{ seconds int }

func (d silence) Load(string) ([]float32, int, error) {
	return make([]float32, d.seconds*audio.SampleRate), audio.SampleRate, nil
}

type fakeTranslator struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTranslator) Translate(_ context.Context, text, source string, targets []string, _ int) (map[string]translation.Translation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()
	out := map[string]translation.Translation{}
	for _, t := range targets {
		out[t] = translation.Translation{Primary: t + ":" + text}
	}
	return out, nil
}

// cancelSpy reports Cancel calls reaching the engine.
type cancelSpy struct {
	Engine
	cancels chan struct{}
}

func (c cancelSpy) Cancel() {
	c.Engine.Cancel()
	select {
	case c.cancels <- struct{}{}:
	default:
	}
}

type harness struct {
	srv     *httptest.Server
	backend *whispertest.Backend
	tr      *fakeTranslator
	cancels chan struct{}
	file    string
}

func newHarness(t *testing.T, b *whispertest.Backend, seconds int) *harness {
	t.Helper()
	return newHarnessWith(t, b, seconds, Options{DefaultModel: whisper.Tiny, TranslationEnabled: true})
}

func newHarnessWith(t *testing.T, b *whispertest.Backend, seconds int, opts Options) *harness {
	t.Helper()
	eng := transcribe.New(b, models.NewManager(b, 0, zerolog.Nop()), silence{seconds: seconds}, transcribe.Options{}, zerolog.Nop())
	tr := &fakeTranslator{}
	spy := cancelSpy{Engine: eng, cancels: make(chan struct{}, 1)}
	s := NewServer(spy, tr, opts, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(s.Handle))
	t.Cleanup(func() {
		srv.Close()
		eng.Teardown()
	})

	file := filepath.Join(t.TempDir(), "talk.wav")
	if err := os.WriteFile(file, []byte("audio"), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	return &harness{srv: srv, backend: b, tr: tr, cancels: spy.cancels, file: file}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/transcribe"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write error: %v", err)
	}
}

// readUntil reads messages until one has the given type, returning all of them.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) []map[string]any {
	t.Helper()
	var msgs []map[string]any
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var m map[string]any
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("read error waiting for %q: %v (got %v)", typ, err, msgs)
		}
		msgs = append(msgs, m)
		if m["type"] == typ {
			return msgs
		}
	}
}

// readFirstOf returns the first message whose type is one of types.
func readFirstOf(t *testing.T, conn *websocket.Conn, types ...string) map[string]any {
	t.Helper()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var m map[string]any
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("read error waiting for %v: %v", types, err)
		}
		for _, typ := range types {
			if m["type"] == typ {
				return m
			}
		}
	}
}

func TestTranscribeOverSocket(t *testing.T) {
	h := newHarness(t, &whispertest.Backend{}, 45)
	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "ping", "ts": 42})
	if m := readUntil(t, conn, "pong"); m[0]["ts"] != float64(42) {
		t.Fatalf("unexpected pong %v", m[0])
	}

	send(t, conn, map[string]any{"type": "start", "file_path": h.file, "target_languages": []string{"fr"}})
	msgs := readUntil(t, conn, "completed")
	if msgs[0]["type"] != "started" || msgs[0]["model"] != "tiny" {
		t.Fatalf("expected started first, got %v", msgs[0])
	}

	var segments int
	for _, m := range msgs {
		if m["type"] != "progress" || m["segment"] == nil {
			continue
		}
		segments++
		tr, _ := m["translations"].(map[string]any)
		fr, _ := tr["fr"].(map[string]any)
		if fr == nil || !strings.HasPrefix(fr["primary"].(string), "fr:chunk") {
			t.Fatalf("missing translation in %v", m)
		}
	}
	if segments != 2 {
		t.Fatalf("expected 2 segment progress messages, got %d", segments)
	}
	result := msgs[len(msgs)-1]["result"].(map[string]any)
	if result["language"] != "en" || len(result["segments"].([]any)) != 2 {
		t.Fatalf("unexpected result %v", result)
	}
}

func TestSecondStartIsBusy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	b := &whispertest.Backend{
		DecodeFunc: func(int, *whispertest.Model, []float32, whisper.DecodeOptions) (string, error) {
			once.Do(func() { close(entered) })
			<-release
			return "words", nil
		},
	}
	h := newHarness(t, b, 60)
	first := h.dial(t)
	second := h.dial(t)

	send(t, first, map[string]any{"type": "start", "file_path": h.file, "language": "en"})
	readUntil(t, first, "started")
	<-entered

	send(t, second, map[string]any{"type": "start", "file_path": h.file})
	readUntil(t, second, "busy")

	send(t, second, map[string]any{"type": "cancel"})
	readUntil(t, second, "error")

	// the acknowledgement means the engine has seen the cancel
	send(t, first, map[string]any{"type": "cancel"})
	readUntil(t, first, "cancelling")
	close(release)
	msgs := readUntil(t, first, "cancelled")
	if msgs[len(msgs)-1]["message"] != "Transcription stopped by user" {
		t.Fatalf("unexpected cancel message %v", msgs[len(msgs)-1])
	}
}

func TestPassiveClientIsKeptAlive(t *testing.T) {
	b := &whispertest.Backend{
		DecodeFunc: func(int, *whispertest.Model, []float32, whisper.DecodeOptions) (string, error) {
			time.Sleep(300 * time.Millisecond)
			return "words", nil
		},
	}
	h := newHarnessWith(t, b, 60, Options{ReadTimeout: 300 * time.Millisecond})
	conn := h.dial(t)

	// after start the client only reads; its pong replies must keep the socket open
	send(t, conn, map[string]any{"type": "start", "file_path": h.file, "language": "en"})
	msgs := readUntil(t, conn, "completed")
	for _, m := range msgs {
		if m["type"] == "cancelled" {
			t.Fatalf("idle client was dropped mid-request: %v", msgs)
		}
	}
	select {
	case <-h.cancels:
		t.Fatalf("request was cancelled while the client waited")
	default:
	}
}

func TestClosingSocketCancels(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	b := &whispertest.Backend{
		DecodeFunc: func(int, *whispertest.Model, []float32, whisper.DecodeOptions) (string, error) {
			once.Do(func() { close(entered) })
			<-release
			return "words", nil
		},
	}
	h := newHarness(t, b, 90)
	conn := h.dial(t)
	send(t, conn, map[string]any{"type": "start", "file_path": h.file, "language": "en"})
	readUntil(t, conn, "started")
	<-entered
	conn.Close()
	select {
	case <-h.cancels:
	case <-time.After(5 * time.Second):
		t.Fatalf("closing the socket did not cancel its request")
	}
	close(release)

	// the engine frees up once the abandoned request observes the cancellation
	next := h.dial(t)
	deadline := time.Now().Add(5 * time.Second)
	for {
		send(t, next, map[string]any{"type": "start", "file_path": h.file, "language": "en"})
		m := readFirstOf(t, next, "started", "busy")
		if m["type"] == "started" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("engine never became idle after socket close")
		}
		time.Sleep(20 * time.Millisecond)
	}
	readUntil(t, next, "completed")
	// one decode for the abandoned request, three for the new one
	if got := len(h.backend.Decodes()); got != 4 {
		t.Fatalf("expected 4 decodes, got %d", got)
	}
}

func TestStartErrors(t *testing.T) {
	h := newHarness(t, &whispertest.Backend{}, 5)
	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "start", "file_path": h.file, "model": "gigantic"})
	if m := readUntil(t, conn, "error"); !strings.Contains(m[0]["detail"].(string), "unknown model") {
		t.Fatalf("unexpected error %v", m[0])
	}
	send(t, conn, map[string]any{"type": "start"})
	readUntil(t, conn, "error")

	send(t, conn, map[string]any{"type": "start", "file_path": filepath.Join(t.TempDir(), "missing.wav")})
	msgs := readUntil(t, conn, "failed")
	last := msgs[len(msgs)-1]
	if last["kind"] != "file_not_found" || last["message"] != "Audio file not found or inaccessible." {
		t.Fatalf("unexpected failure %v", last)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	readUntil(t, conn, "error")
	send(t, conn, map[string]any{"type": "bogus"})
	readUntil(t, conn, "error")
	send(t, conn, map[string]any{"type": "stop"})
	readUntil(t, conn, "stopped")
}

func TestRoomReceivesSegments(t *testing.T) {
	h := newHarness(t, &whispertest.Backend{}, 20)
	speaker := h.dial(t)
	listener := h.dial(t)

	send(t, listener, map[string]any{"type": "join_room", "room_id": "r1", "peer_id": "b"})
	readUntil(t, listener, "room_joined")
	send(t, speaker, map[string]any{"type": "join_room", "room_id": "r1", "peer_id": "a", "peer_label": "Alice"})
	readUntil(t, speaker, "room_joined")

	send(t, speaker, map[string]any{"type": "start", "file_path": h.file, "language": "en"})
	readUntil(t, speaker, "completed")

	msgs := readUntil(t, listener, "room_transcript")
	m := msgs[len(msgs)-1]
	if m["peer_id"] != "a" || m["peer_label"] != "Alice" {
		t.Fatalf("unexpected room transcript %v", m)
	}
	if seg := m["segment"].(map[string]any); seg["text"] != "chunk 1" {
		t.Fatalf("unexpected segment %v", seg)
	}
}
