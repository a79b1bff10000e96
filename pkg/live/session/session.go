// Package session owns the conversation lifecycle of one live tutor
// exchange: it supervises the capture pipeline, the playback scheduler, and
// the session transport, and guarantees cleanup on stop, error, or disposal.
package session

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/laoshi/pkg/audio"
	"github.com/vango-go/laoshi/pkg/core"
	"github.com/vango-go/laoshi/pkg/lesson"
	"github.com/vango-go/laoshi/pkg/live/capture"
	"github.com/vango-go/laoshi/pkg/live/playback"
	"github.com/vango-go/laoshi/pkg/live/transport"
	"github.com/vango-go/laoshi/pkg/speech"
)

// State is the conversation lifecycle state.
type State string

const (
	StateIdle                 State = "idle"
	StateRequestingPermission State = "requesting-permission"
	StateConnected            State = "connected"
	StateError                State = "error"
)

// defaultSpeakingTimeout clears the "tutor speaking" indicator after each
// burst of inbound activity.
const defaultSpeakingTimeout = 2 * time.Second

// Speaker tags a transcript line.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

// TranscriptItem is one display line of the conversation, append-only for
// the life of a session.
type TranscriptItem struct {
	Speaker Speaker
	Text    string
	At      time.Time
}

// Transport is the live channel as the state machine sees it.
type Transport interface {
	Events() <-chan transport.Event
	SendAudio(audio.Blob) error
	Close() error
}

// Dialer opens the live channel.
type Dialer func(ctx context.Context, cfg transport.Config) (Transport, error)

// MicOpener acquires the microphone and starts pushing capture chunks.
type MicOpener func(onChunk func([]float32), logger *slog.Logger) (io.Closer, error)

// Player schedules inbound audio blobs for playback.
type Player interface {
	Enqueue(blob audio.Blob)
	Close() error
}

// PlayerFactory opens the output device.
type PlayerFactory func(logger *slog.Logger) (Player, error)

// Config configures a tutor conversation.
type Config struct {
	// APIKey looks up the stored credential at session start.
	APIKey func() string

	// Lessons resolves lesson IDs to tutor scripts. Defaults to the
	// built-in registry.
	Lessons *lesson.Registry

	Model    string
	Voice    string
	Endpoint string

	// Dial, OpenMic, and NewPlayer default to the real transport,
	// microphone, and speaker; tests substitute fakes.
	Dial      Dialer
	OpenMic   MicOpener
	NewPlayer PlayerFactory

	// Fallback speaks tutor text aloud when no audio output is available.
	// Cancelled during teardown.
	Fallback speech.Synthesizer

	// SpeakingTimeout overrides the 2s speaking-indicator debounce.
	SpeakingTimeout time.Duration

	// OnStateChange, when set, is notified asynchronously of every state
	// transition together with a human-readable status line.
	OnStateChange func(state State, status string)

	Logger *slog.Logger
}

// Session is the conversation state machine. At most one attempt is active
// at a time; Start after stop or error begins a fresh attempt.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	status    string
	gen       int
	attemptID string
	lessonID  string
	startedAt time.Time

	tr     Transport
	mic    io.Closer
	player Player

	transcript []TranscriptItem
	aiSpeaking bool
	speakTimer *time.Timer
}

// New builds an idle session.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SpeakingTimeout <= 0 {
		cfg.SpeakingTimeout = defaultSpeakingTimeout
	}
	if cfg.APIKey == nil {
		cfg.APIKey = func() string { return "" }
	}
	if cfg.Lessons == nil {
		cfg.Lessons = lesson.Default()
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, tcfg transport.Config) (Transport, error) {
			return transport.Dial(ctx, tcfg)
		}
	}
	if cfg.OpenMic == nil {
		cfg.OpenMic = func(onChunk func([]float32), logger *slog.Logger) (io.Closer, error) {
			return capture.OpenMic(onChunk, logger)
		}
	}
	if cfg.NewPlayer == nil {
		cfg.NewPlayer = defaultPlayer
	}
	return &Session{cfg: cfg, logger: cfg.Logger, state: StateIdle}
}

func defaultPlayer(logger *slog.Logger) (Player, error) {
	sink, err := playback.NewSpeakerSink(playback.SampleRateHz)
	if err != nil {
		return nil, err
	}
	return playback.NewScheduler(sink, sink, playback.SampleRateHz, logger), nil
}

// Start begins a conversation attempt for the given lesson. It validates the
// credential and lesson before acquiring any hardware, then acquires the
// microphone and output device and dials the live channel. The session
// reaches StateConnected when the server acknowledges setup.
//
// Stop may be called at any point, including while the dial is still
// pending; late async completions are then discarded without side effects.
func (s *Session) Start(ctx context.Context, lessonID string) error {
	s.mu.Lock()
	if s.state == StateRequestingPermission || s.state == StateConnected {
		s.mu.Unlock()
		return core.NewInvalidRequestError("a conversation is already active")
	}

	key := strings.TrimSpace(s.cfg.APIKey())
	if key == "" {
		err := core.NewMissingCredentialError("no API key configured; add one in settings")
		s.setStateLocked(StateError, err.Error())
		s.mu.Unlock()
		return err
	}
	lsn, err := s.cfg.Lessons.Get(lessonID)
	if err != nil {
		s.setStateLocked(StateError, err.Error())
		s.mu.Unlock()
		return err
	}

	s.gen++
	g := s.gen
	s.attemptID = uuid.NewString()
	s.lessonID = lsn.ID
	s.startedAt = time.Now()
	s.transcript = nil
	s.aiSpeaking = false
	s.setStateLocked(StateRequestingPermission, "requesting microphone access")
	s.mu.Unlock()

	mic, err := s.cfg.OpenMic(func(chunk []float32) { s.sendChunk(g, chunk) }, s.logger)
	if err != nil {
		return s.fail(g, err)
	}
	if !s.adopt(g, func() { s.mic = mic }) {
		_ = mic.Close()
		return nil
	}

	player, err := s.cfg.NewPlayer(s.logger)
	if err != nil {
		// The session can still run: tutor text is spoken through the
		// local synthesis fallback instead.
		s.logger.Warn("audio output unavailable, using speech-synthesis fallback", "error", err)
	} else if !s.adopt(g, func() { s.player = player }) {
		_ = player.Close()
		return nil
	}

	tr, err := s.cfg.Dial(ctx, transport.Config{
		Endpoint:          s.cfg.Endpoint,
		APIKey:            key,
		Model:             s.cfg.Model,
		Voice:             s.cfg.Voice,
		SystemInstruction: lsn.SystemInstruction(),
		Logger:            s.logger,
	})
	if err != nil {
		return s.fail(g, err)
	}
	if !s.adopt(g, func() { s.tr = tr }) {
		_ = tr.Close()
		return nil
	}

	go s.eventLoop(g, tr)
	return nil
}

// adopt stores a freshly acquired resource unless the attempt has been
// superseded (stop or error while the acquisition was in flight).
func (s *Session) adopt(g int, store func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != g {
		return false
	}
	store()
	return true
}

func (s *Session) fail(g int, err error) error {
	s.teardown(g, StateError, err.Error())
	return err
}

// Stop ends the active attempt and returns to idle. Valid from any state;
// calling it when idle, or twice in a row, is a no-op.
func (s *Session) Stop() {
	s.teardown(-1, StateIdle, "")
}

// teardown releases every held resource for one attempt. gen < 0 matches
// whatever attempt is active. Each release is independently guarded; absent
// resources are skipped. Safe to call repeatedly.
func (s *Session) teardown(g int, next State, status string) {
	s.mu.Lock()
	if g >= 0 && s.gen != g {
		s.mu.Unlock()
		return
	}
	if s.state == StateIdle && next == StateIdle {
		s.mu.Unlock()
		return
	}
	s.gen++ // discard late completions of in-flight async work
	tr, mic, player := s.tr, s.mic, s.player
	s.tr, s.mic, s.player = nil, nil, nil
	timer := s.speakTimer
	s.speakTimer = nil
	s.aiSpeaking = false
	s.setStateLocked(next, status)
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if tr != nil {
		_ = tr.Close()
	}
	if mic != nil {
		_ = mic.Close()
	}
	if player != nil {
		_ = player.Close()
	}
	if s.cfg.Fallback != nil {
		s.cfg.Fallback.Cancel()
	}
}

func (s *Session) sendChunk(g int, chunk []float32) {
	s.mu.Lock()
	tr := s.tr
	live := s.gen == g && tr != nil
	s.mu.Unlock()
	if !live {
		return
	}
	blob := audio.EncodeBlob(audio.SamplesToWire(chunk), audio.PCMMIMEType(capture.SampleRateHz))
	if err := tr.SendAudio(blob); err != nil {
		s.logger.Debug("dropping capture chunk", "error", err)
	}
}

func (s *Session) eventLoop(g int, tr Transport) {
	for ev := range tr.Events() {
		switch e := ev.(type) {
		case transport.OpenEvent:
			s.mu.Lock()
			if s.gen == g && s.state == StateRequestingPermission {
				s.setStateLocked(StateConnected, "connected to tutor")
			}
			s.mu.Unlock()
		case transport.AudioEvent:
			s.mu.Lock()
			player := s.player
			live := s.gen == g
			s.mu.Unlock()
			if !live {
				continue
			}
			if player != nil {
				player.Enqueue(e.Blob)
			}
			s.markAISpeaking(g)
		case transport.TextEvent:
			s.appendTranscript(g, SpeakerAI, e.Text)
			s.speakFallback(g, e.Text)
			s.markAISpeaking(g)
		case transport.TurnCompleteEvent:
			// The speaking indicator clears via the debounce timer once the
			// audio burst truly ends.
		case transport.ClosedEvent:
			s.teardown(g, StateError, "tutor connection closed unexpectedly")
			return
		case transport.ErrorEvent:
			s.teardown(g, StateError, e.Err.Error())
			return
		}
	}
}

func (s *Session) markAISpeaking(g int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != g {
		return
	}
	s.aiSpeaking = true
	if s.speakTimer == nil {
		s.speakTimer = time.AfterFunc(s.cfg.SpeakingTimeout, func() {
			s.mu.Lock()
			if s.gen == g {
				s.aiSpeaking = false
			}
			s.mu.Unlock()
		})
		return
	}
	s.speakTimer.Reset(s.cfg.SpeakingTimeout)
}

func (s *Session) appendTranscript(g int, speaker Speaker, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if g >= 0 && s.gen != g {
		return
	}
	s.transcript = append(s.transcript, TranscriptItem{
		Speaker: speaker,
		Text:    text,
		At:      time.Now(),
	})
}

func (s *Session) speakFallback(g int, text string) {
	s.mu.Lock()
	use := s.gen == g && s.player == nil && s.cfg.Fallback != nil
	s.mu.Unlock()
	if !use {
		return
	}
	if err := s.cfg.Fallback.Speak(context.Background(), text); err != nil {
		s.logger.Debug("speech-synthesis fallback failed", "error", err)
	}
}

func (s *Session) setStateLocked(state State, status string) {
	s.state = state
	s.status = status
	s.logger.Debug("conversation state", "state", string(state), "status", status)
	if s.cfg.OnStateChange != nil {
		go s.cfg.OnStateChange(state, status)
	}
}

// AddUserTranscript appends a user-attributed transcript line. The text
// source (typed input, client-side recognition) is up to the caller.
func (s *Session) AddUserTranscript(text string) {
	s.appendTranscript(-1, SpeakerUser, text)
}

// State returns the current lifecycle state and its status line.
func (s *Session) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.status
}

// AISpeaking reports whether the tutor has produced audio or text within
// the speaking-indicator window.
func (s *Session) AISpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aiSpeaking
}

// Transcript returns a copy of the conversation transcript so far.
func (s *Session) Transcript() []TranscriptItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TranscriptItem(nil), s.transcript...)
}

// AttemptID identifies the current (or most recent) conversation attempt.
func (s *Session) AttemptID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attemptID
}

// LessonID reports the lesson of the current (or most recent) attempt.
func (s *Session) LessonID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lessonID
}

// StartedAt reports when the current (or most recent) attempt began.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}
