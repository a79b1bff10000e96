// Package transport manages the lifetime of one realtime bidirectional
// session with the remote conversational model: dial, queued outbound sends,
// inbound event dispatch, and idempotent close.
package transport

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/laoshi/pkg/audio"
	"github.com/vango-go/laoshi/pkg/core"
	"github.com/vango-go/laoshi/pkg/live/protocol"
)

const (
	defaultConnectTimeout = 15 * time.Second

	// defaultSendQueueDepth caps audio frames queued before the session is
	// open. The queue drops oldest frames first; capture must never block on
	// a slow connect.
	defaultSendQueueDepth = 32

	eventBufferSize = 256
)

// Config configures one live session.
type Config struct {
	// Endpoint is the websocket URL of the bidi channel. Defaults to
	// protocol.DefaultEndpoint.
	Endpoint string

	// APIKey authenticates the session. Required.
	APIKey string

	Model             string
	Voice             string
	SystemInstruction string

	// ConnectTimeout bounds the websocket dial. Defaults to 15s. The wait
	// for the server's setup acknowledgment is not bounded here; it surfaces
	// as an Open or Error event.
	ConnectTimeout time.Duration

	// SendQueueDepth caps frames queued before the session opens.
	SendQueueDepth int

	Logger *slog.Logger
}

// Event is an inbound session event. Events are delivered in server order;
// no event follows Closed or Error.
type Event interface {
	transportEventType() string
}

// OpenEvent fires once when the server acknowledges session setup. Any
// queued sends have been flushed, in order, before it is delivered.
type OpenEvent struct{}

func (OpenEvent) transportEventType() string { return "open" }

// AudioEvent carries one inline audio blob of a model turn.
type AudioEvent struct {
	Blob audio.Blob
}

func (AudioEvent) transportEventType() string { return "audio" }

// TextEvent carries one text part of a model turn.
type TextEvent struct {
	Text string
}

func (TextEvent) transportEventType() string { return "text" }

// TurnCompleteEvent marks the end of one model turn.
type TurnCompleteEvent struct {
	Interrupted bool
}

func (TurnCompleteEvent) transportEventType() string { return "turn_complete" }

// ClosedEvent is the final event of a gracefully closed session.
type ClosedEvent struct{}

func (ClosedEvent) transportEventType() string { return "closed" }

// ErrorEvent is the final event of a failed session.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) transportEventType() string { return "error" }

// Session is one live connection to the remote model.
//
// Dial returns before the server acknowledges setup; SendAudio queues frames
// until the OpenEvent and flushes them in order once the session is ready.
type Session struct {
	conn   *websocket.Conn
	logger *slog.Logger

	events chan Event
	done   chan struct{}
	quit   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	ready     atomic.Bool

	pendingMu sync.Mutex
	pending   []protocol.ClientRealtimeInput
	queueCap  int
	dropped   int64

	errMu sync.Mutex
	err   error
}

// Dial opens the websocket and sends the setup frame. The returned session
// is not yet open: the server's acknowledgment arrives as an OpenEvent, and
// a setup rejection arrives as an ErrorEvent.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, core.NewMissingCredentialError("no API key configured for the live session")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueCap := cfg.SendQueueDepth
	if queueCap <= 0 {
		queueCap = defaultSendQueueDepth
	}

	wsURL, err := sessionURL(cfg.Endpoint, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = defaultConnectTimeout
		}
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}
	conn, resp, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, core.NewTransportErrorf("live channel dial failed (status %d): %v", resp.StatusCode, err)
		}
		return nil, core.NewTransportErrorf("live channel dial failed: %v", err)
	}

	setup := protocol.NewSetup(cfg.Model, cfg.Voice, cfg.SystemInstruction)
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return nil, core.NewTransportErrorf("send session setup: %v", err)
	}

	s := &Session{
		conn:     conn,
		logger:   logger,
		events:   make(chan Event, eventBufferSize),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
		queueCap: queueCap,
	}
	go s.readLoop()
	return s, nil
}

func sessionURL(endpoint, apiKey string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = protocol.DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", core.NewInvalidRequestError("invalid live endpoint URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	default:
		return "", core.NewInvalidRequestError("live endpoint must use ws(s)")
	}
	q := u.Query()
	q.Set("key", apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Events yields inbound session events. The channel closes after the final
// ClosedEvent or ErrorEvent.
func (s *Session) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.events
}

// SendAudio enqueues one encoded microphone chunk toward the model.
// Best-effort: there is no acknowledgment and no retry. Frames sent before
// the session opens are queued (bounded, oldest dropped first) and flushed
// once the server acknowledges setup.
func (s *Session) SendAudio(blob audio.Blob) error {
	if s == nil {
		return core.NewInvalidRequestError("session must not be nil")
	}
	if s.closed.Load() {
		return core.NewTransportError("live session is closed")
	}
	frame := protocol.NewRealtimeAudio(blob)

	if !s.ready.Load() {
		s.pendingMu.Lock()
		if !s.ready.Load() {
			if len(s.pending) >= s.queueCap {
				s.pending = s.pending[1:]
				s.dropped++
			}
			s.pending = append(s.pending, frame)
			s.pendingMu.Unlock()
			return nil
		}
		s.pendingMu.Unlock()
	}
	return s.writeJSON(frame)
}

// DroppedFrames reports how many queued pre-open frames were discarded.
func (s *Session) DroppedFrames() int64 {
	if s == nil {
		return 0
	}
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.dropped
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		return core.NewTransportErrorf("send live frame: %v", err)
	}
	return nil
}

// Close requests a graceful shutdown. Idempotent: safe to call repeatedly,
// concurrently, and before the session has opened.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.quit)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Err returns the terminal session error, if any. Blocks until the session
// has fully shut down.
func (s *Session) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(ClosedEvent{})
				return
			}
			terr := core.NewTransportErrorf("live channel read: %v", err)
			s.setErr(terr)
			s.emit(ErrorEvent{Err: terr})
			return
		}

		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			// A single undecodable frame is logged and skipped; the stream
			// usually recovers on the next frame.
			s.logger.Debug("dropping malformed live frame", "error", err)
			continue
		}

		switch {
		case msg.SetupComplete != nil:
			s.flushPending()
			s.emit(OpenEvent{})
		case msg.ServerContent != nil:
			s.emitContent(msg.ServerContent)
		}
	}
}

// flushPending marks the session ready and writes any queued frames in
// order. Runs on the read loop before the OpenEvent is delivered, so sends
// triggered by the open cannot race the queue.
func (s *Session) flushPending() {
	s.pendingMu.Lock()
	queued := s.pending
	s.pending = nil
	s.ready.Store(true)
	dropped := s.dropped
	s.pendingMu.Unlock()

	if dropped > 0 {
		s.logger.Warn("dropped queued audio frames before session open", "dropped", dropped)
	}
	for _, frame := range queued {
		if err := s.writeJSON(frame); err != nil {
			s.logger.Debug("flush queued audio frame", "error", err)
			return
		}
	}
}

func (s *Session) emitContent(content *protocol.ServerContent) {
	for _, blob := range content.AudioBlobs() {
		s.emit(AudioEvent{Blob: blob})
	}
	for _, text := range content.TextParts() {
		s.emit(TextEvent{Text: text})
	}
	if content.TurnComplete || content.Interrupted {
		s.emit(TurnCompleteEvent{Interrupted: content.Interrupted})
	}
}

// emit delivers an event preserving order. Blocks when the consumer lags
// instead of reordering or dropping audio; Close unblocks it.
func (s *Session) emit(event Event) {
	select {
	case s.events <- event:
	case <-s.quit:
	}
}
