package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/obiente/translate/gotranscribe/internal/transcribe"
	"github.com/obiente/translate/gotranscribe/internal/translation"
	"github.com/obiente/translate/gotranscribe/internal/whisper"
)

const (
	defaultReadTimeout = 60 * time.Second
	writeTimeout       = 10 * time.Second
)

// Engine is the part of transcribe.Engine the socket drives.
type Engine interface {
	Start(req transcribe.Request) (<-chan transcribe.Event, error)
	Cancel()
}

// Translator renders finished segments into the session's target languages.
type Translator interface {
	Translate(ctx context.Context, text, source string, targets []string, altLimit int) (map[string]translation.Translation, error)
}

type Options struct {
	DefaultModel       whisper.ModelName
	DefaultLanguage    string
	TranslationEnabled bool
	TranslationTimeout time.Duration
	// ReadTimeout drops a peer that answers neither messages nor pings;
	// pings go out every half of it. Defaults to 60s.
	ReadTimeout time.Duration
}

// Server streams file transcriptions over websockets. All connections share
// one Engine; a connection that starts a request owns it until its terminal
// event and may cancel it.
type Server struct {
	engine     Engine
	translator Translator
	opts       Options
	upgrader   websocket.Upgrader
	log        zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*client]peer

	ownerMu sync.Mutex
	owner   *client
}

type client struct {
	conn *websocket.Conn
	wmu  sync.Mutex

	// roomID is guarded by Server.mu
	roomID string
}

// send serializes writes; gorilla connections allow one concurrent writer.
func (c *client) send(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *client) ping() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// inbound is any client message; fields are used per Type.
type inbound struct {
	Type                    string   `json:"type"`
	FilePath                string   `json:"file_path"`
	Model                   string   `json:"model"`
	Language                string   `json:"language"`
	TargetLanguages         []string `json:"target_languages"`
	TranslationAlternatives int      `json:"translation_alternatives"`
	RoomID                  string   `json:"room_id"`
	PeerID                  string   `json:"peer_id"`
	PeerLabel               string   `json:"peer_label"`
	TS                      any      `json:"ts"`
}

// session is the translation setup captured from a start message.
type session struct {
	language     string
	targets      []string
	alternatives int
}

func NewServer(engine Engine, translator Translator, opts Options, logger zerolog.Logger) *Server {
	if opts.DefaultModel == "" {
		opts.DefaultModel = whisper.Base
	}
	if opts.TranslationTimeout <= 0 {
		opts.TranslationTimeout = 8 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	return &Server{
		engine:     engine,
		translator: translator,
		opts:       opts,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024 * 16,
			WriteBufferSize: 1024 * 16,
		},
		rooms: make(map[string]map[*client]peer),
		log:   logger.With().Str("component", "ws.Server").Logger(),
	}
}

func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	c := &client{conn: conn}
	readTimeout := s.opts.ReadTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(readTimeout)); return nil })

	// a client waiting on a long file sends nothing, so keep it alive with pings
	stopPing := make(chan struct{})
	go s.keepalive(c, readTimeout/2, stopPing)
	defer close(stopPing)

	defer func() {
		s.leaveRoom(c)
		s.cancelOwned(c)
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Msg("ws read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if mt != websocket.TextMessage {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.send(map[string]any{"type": "error", "detail": "invalid json"})
			continue
		}
		switch msg.Type {
		case "ping":
			_ = c.send(map[string]any{"type": "pong", "ts": msg.TS})
		case "start":
			s.start(c, msg)
		case "cancel":
			if !s.cancelOwned(c) {
				_ = c.send(map[string]any{"type": "error", "detail": "no active transcription"})
				break
			}
			_ = c.send(map[string]any{"type": "cancelling"})
		case "join_room":
			if msg.RoomID == "" {
				break
			}
			s.joinRoom(msg.RoomID, c, peer{ID: msg.PeerID, Label: msg.PeerLabel})
			_ = c.send(map[string]any{"type": "room_joined", "room_id": msg.RoomID, "peer_id": msg.PeerID, "peer_label": msg.PeerLabel})
		case "leave_room":
			s.leaveRoom(c)
			_ = c.send(map[string]any{"type": "room_left"})
		case "stop":
			s.cancelOwned(c)
			_ = c.send(map[string]any{"type": "stopped"})
			return
		default:
			_ = c.send(map[string]any{"type": "error", "detail": "unknown message type"})
		}
	}
}

func (s *Server) start(c *client, msg inbound) {
	name := s.opts.DefaultModel
	if msg.Model != "" {
		n, err := whisper.ParseModelName(msg.Model)
		if err != nil {
			_ = c.send(map[string]any{"type": "error", "detail": err.Error()})
			return
		}
		name = n
	}
	lang := msg.Language
	if lang == "" {
		lang = s.opts.DefaultLanguage
	}

	// owner is claimed before Start so a fast terminal event cannot clear it
	// ahead of the assignment
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	events, err := s.engine.Start(transcribe.Request{FilePath: msg.FilePath, Model: name, Language: lang})
	switch {
	case errors.Is(err, transcribe.ErrBusy):
		_ = c.send(map[string]any{"type": "busy", "detail": err.Error()})
		return
	case err != nil:
		_ = c.send(map[string]any{"type": "error", "detail": err.Error()})
		return
	}
	s.owner = c

	sess := session{language: lang, targets: msg.TargetLanguages, alternatives: max(msg.TranslationAlternatives, 0)}
	s.log.Info().
		Str("file", msg.FilePath).
		Str("model", string(name)).
		Str("language", lang).
		Strs("target_langs", sess.targets).
		Msg("session started")
	_ = c.send(map[string]any{"type": "started", "model": name, "language": lang})
	go s.forward(c, events, sess)
}

func (s *Server) keepalive(c *client, every time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := c.ping(); err != nil {
				s.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// cancelOwned cancels the running request if c started it.
func (s *Server) cancelOwned(c *client) bool {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	if s.owner != c {
		return false
	}
	s.engine.Cancel()
	return true
}

// forward relays one request's events to its client. It drains the stream
// even after the socket is gone.
func (s *Server) forward(c *client, events <-chan transcribe.Event, sess session) {
	for ev := range events {
		payload := eventPayload(ev)
		if ev.Kind == transcribe.EventProgress && ev.Segment != nil {
			payload["translations"] = s.translate(ev.Segment.Text, sess)
		}
		if ev.Kind.Terminal() {
			s.ownerMu.Lock()
			if s.owner == c {
				s.owner = nil
			}
			s.ownerMu.Unlock()
		}
		if err := c.send(payload); err != nil {
			s.log.Debug().Err(err).Str("event", ev.Kind.String()).Msg("send failed")
		}
		if ev.Kind != transcribe.EventProgress || ev.Segment == nil {
			continue
		}
		if room, from := s.roomOf(c); room != "" {
			s.broadcast(room, c, from, map[string]any{
				"type":         "room_transcript",
				"room_id":      room,
				"peer_id":      from.ID,
				"peer_label":   from.Label,
				"request_id":   ev.RequestID,
				"segment":      ev.Segment,
				"translations": payload["translations"],
			})
		}
	}
}

func (s *Server) translate(text string, sess session) map[string]translation.Translation {
	if !s.opts.TranslationEnabled || s.translator == nil || len(sess.targets) == 0 {
		return map[string]translation.Translation{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.TranslationTimeout)
	defer cancel()
	m, err := s.translator.Translate(ctx, text, sess.language, sess.targets, sess.alternatives)
	if err != nil {
		s.log.Warn().Err(err).Str("text", text).Msg("translation request failed")
		return map[string]translation.Translation{}
	}
	return m
}

func eventPayload(ev transcribe.Event) map[string]any {
	p := map[string]any{"type": ev.Kind.String(), "request_id": ev.RequestID}
	switch ev.Kind {
	case transcribe.EventProgress:
		p["fraction"] = ev.Fraction
		p["message"] = ev.Message
		p["text"] = ev.Text
		if ev.Segment != nil {
			p["segment"] = ev.Segment
		}
	case transcribe.EventStatus, transcribe.EventCancelled:
		p["message"] = ev.Message
	case transcribe.EventCompleted:
		p["result"] = ev.Result
	case transcribe.EventFailed:
		p["kind"] = ev.Error.String()
		p["message"] = ev.Message
	}
	return p
}

// peer is a room member's identity.
type peer struct {
	ID    string `json:"peer_id"`
	Label string `json:"peer_label"`
}

func (s *Server) joinRoom(room string, c *client, p peer) {
	s.leaveRoom(c)
	s.mu.Lock()
	m := s.rooms[room]
	if m == nil {
		m = make(map[*client]peer)
		s.rooms[room] = m
	}
	m[c] = p
	c.roomID = room
	s.mu.Unlock()
	s.broadcastRoster(room)
}

func (s *Server) leaveRoom(c *client) {
	s.mu.Lock()
	room := c.roomID
	if room == "" {
		s.mu.Unlock()
		return
	}
	if m := s.rooms[room]; m != nil {
		delete(m, c)
		if len(m) == 0 {
			delete(s.rooms, room)
		}
	}
	c.roomID = ""
	s.mu.Unlock()
	s.broadcastRoster(room)
}

// roomOf returns c's room and identity there, or "" outside any room.
func (s *Server) roomOf(c *client) (string, peer) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c.roomID == "" {
		return "", peer{}
	}
	return c.roomID, s.rooms[c.roomID][c]
}

func (s *Server) members(room string) map[*client]peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[*client]peer, len(s.rooms[room]))
	for c, p := range s.rooms[room] {
		out[c] = p
	}
	return out
}

func (s *Server) broadcast(room string, sender *client, from peer, payload map[string]any) {
	for c, p := range s.members(room) {
		if c == sender || (from.ID != "" && p.ID == from.ID) {
			continue
		}
		_ = c.send(payload)
	}
}

func (s *Server) broadcastRoster(room string) {
	clients := s.members(room)
	members := make([]peer, 0, len(clients))
	for _, p := range clients {
		members = append(members, p)
	}
	payload := map[string]any{"type": "room_roster", "room_id": room, "members": members}
	for c := range clients {
		_ = c.send(payload)
	}
}
