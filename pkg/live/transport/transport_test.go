package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/laoshi/pkg/audio"
	"github.com/vango-go/laoshi/pkg/core"
	"github.com/vango-go/laoshi/pkg/live/protocol"
)

// fakeModelServer is a minimal in-process stand-in for the remote bidi
// endpoint. It records inbound frames and plays back a scripted response.
type fakeModelServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	setups   []protocol.ClientSetup
	realtime []protocol.ClientRealtimeInput

	// script runs once the setup frame has been read.
	script func(conn *websocket.Conn)
}

func newFakeModelServer(t *testing.T, script func(conn *websocket.Conn)) (*fakeModelServer, *httptest.Server) {
	fake := &fakeModelServer{t: t, script: script}
	srv := httptest.NewServer(http.HandlerFunc(fake.handle))
	t.Cleanup(srv.Close)
	return fake, srv
}

func (f *fakeModelServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("key") == "" {
		http.Error(w, "missing key", http.StatusUnauthorized)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var setup protocol.ClientSetup
	if err := json.Unmarshal(data, &setup); err != nil {
		f.t.Errorf("decode setup: %v", err)
		return
	}
	f.mu.Lock()
	f.setups = append(f.setups, setup)
	f.mu.Unlock()

	if f.script != nil {
		f.script(conn)
	}

	// Keep reading realtime frames until the client closes.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame protocol.ClientRealtimeInput
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		f.mu.Lock()
		f.realtime = append(f.realtime, frame)
		f.mu.Unlock()
	}
}

func (f *fakeModelServer) realtimeFrames() []protocol.ClientRealtimeInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ClientRealtimeInput(nil), f.realtime...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func ackSetup(conn *websocket.Conn) {
	_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
}

func dialTestSession(t *testing.T, srv *httptest.Server) *Session {
	t.Helper()
	s, err := Dial(context.Background(), Config{
		Endpoint: wsURL(srv),
		APIKey:   "test-key",
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestDialRequiresAPIKey(t *testing.T) {
	_, err := Dial(context.Background(), Config{Endpoint: "ws://127.0.0.1:1"})
	if !core.IsType(err, core.ErrMissingCredential) {
		t.Fatalf("err=%v, want missing credential", err)
	}
}

func TestDialRejectsBadEndpoint(t *testing.T) {
	_, err := Dial(context.Background(), Config{Endpoint: "https://example.com", APIKey: "k"})
	if !core.IsType(err, core.ErrInvalidRequest) {
		t.Fatalf("err=%v, want invalid request", err)
	}
}

func TestDialUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, Config{Endpoint: "ws://127.0.0.1:1", APIKey: "k"})
	if !core.IsType(err, core.ErrTransport) {
		t.Fatalf("err=%v, want transport error", err)
	}
}

func TestOpenEventAfterSetupComplete(t *testing.T) {
	_, srv := newFakeModelServer(t, ackSetup)
	s := dialTestSession(t, srv)

	if _, ok := waitEvent(t, s).(OpenEvent); !ok {
		t.Fatal("first event should be OpenEvent")
	}
}

func TestSendsQueuedUntilOpenFlushInOrder(t *testing.T) {
	release := make(chan struct{})
	fake, srv := newFakeModelServer(t, func(conn *websocket.Conn) {
		<-release
		ackSetup(conn)
	})
	s := dialTestSession(t, srv)

	// Session not yet open: these must queue, not fail.
	for _, payload := range []string{"first", "second", "third"} {
		blob := audio.EncodeBlob([]byte(payload), audio.PCMMIMEType(16000))
		if err := s.SendAudio(blob); err != nil {
			t.Fatalf("SendAudio while pending: %v", err)
		}
	}
	close(release)

	if _, ok := waitEvent(t, s).(OpenEvent); !ok {
		t.Fatal("expected OpenEvent")
	}

	deadline := time.After(5 * time.Second)
	for len(fake.realtimeFrames()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d frames arrived", len(fake.realtimeFrames()))
		case <-time.After(10 * time.Millisecond):
		}
	}
	frames := fake.realtimeFrames()
	for i, want := range []string{"first", "second", "third"} {
		got, err := frames[i].RealtimeInput.MediaChunks[0].Bytes()
		if err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		if string(got) != want {
			t.Fatalf("frame %d=%q, want %q", i, got, want)
		}
	}
}

func TestPendingQueueDropsOldest(t *testing.T) {
	// No ack script: the session stays pending for its whole life.
	_, srv := newFakeModelServer(t, nil)
	s, err := Dial(context.Background(), Config{
		Endpoint:       wsURL(srv),
		APIKey:         "k",
		SendQueueDepth: 2,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		blob := audio.EncodeBlob([]byte{byte(i)}, audio.PCMMIMEType(16000))
		if err := s.SendAudio(blob); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}
	if got := s.DroppedFrames(); got != 3 {
		t.Fatalf("DroppedFrames=%d, want 3", got)
	}
}

func TestInboundContentEvents(t *testing.T) {
	pcm := audio.EncodeBlob([]byte{1, 2, 3, 4}, audio.PCMMIMEType(24000))
	_, srv := newFakeModelServer(t, func(conn *websocket.Conn) {
		ackSetup(conn)
		_ = conn.WriteJSON(protocol.ServerMessage{
			ServerContent: &protocol.ServerContent{
				ModelTurn: &protocol.Content{Parts: []protocol.Part{
					{InlineData: &pcm},
					{Text: "好的"},
				}},
				TurnComplete: true,
			},
		})
	})
	s := dialTestSession(t, srv)

	if _, ok := waitEvent(t, s).(OpenEvent); !ok {
		t.Fatal("expected OpenEvent")
	}
	audioEv, ok := waitEvent(t, s).(AudioEvent)
	if !ok {
		t.Fatal("expected AudioEvent")
	}
	if audioEv.Blob.Data != pcm.Data {
		t.Fatalf("audio blob=%q", audioEv.Blob.Data)
	}
	textEv, ok := waitEvent(t, s).(TextEvent)
	if !ok {
		t.Fatal("expected TextEvent")
	}
	if textEv.Text != "好的" {
		t.Fatalf("text=%q", textEv.Text)
	}
	if _, ok := waitEvent(t, s).(TurnCompleteEvent); !ok {
		t.Fatal("expected TurnCompleteEvent")
	}
}

func TestNoEventsAfterClose(t *testing.T) {
	_, srv := newFakeModelServer(t, ackSetup)
	s := dialTestSession(t, srv)

	if _, ok := waitEvent(t, s).(OpenEvent); !ok {
		t.Fatal("expected OpenEvent")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Remaining deliveries must terminate with a closed channel; after that
	// no further events can arrive by construction.
	for {
		ev, ok := <-s.Events()
		if !ok {
			return
		}
		switch ev.(type) {
		case ClosedEvent, ErrorEvent:
		default:
			t.Fatalf("unexpected post-close event %T", ev)
		}
	}
}

func TestCloseIdempotent(t *testing.T) {
	_, srv := newFakeModelServer(t, ackSetup)
	s := dialTestSession(t, srv)

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := s.SendAudio(audio.EncodeBlob(nil, "")); !core.IsType(err, core.ErrTransport) {
		t.Fatalf("SendAudio after close=%v, want transport error", err)
	}
}

func TestServerDropSurfacesError(t *testing.T) {
	_, srv := newFakeModelServer(t, func(conn *websocket.Conn) {
		ackSetup(conn)
		// Abrupt close without a close frame.
		_ = conn.Close()
	})
	s := dialTestSession(t, srv)

	if _, ok := waitEvent(t, s).(OpenEvent); !ok {
		t.Fatal("expected OpenEvent")
	}
	ev := waitEvent(t, s)
	errEv, ok := ev.(ErrorEvent)
	if !ok {
		t.Fatalf("expected ErrorEvent, got %T", ev)
	}
	if !core.IsType(errEv.Err, core.ErrTransport) {
		t.Fatalf("err=%v", errEv.Err)
	}
	if err := s.Err(); err == nil {
		t.Fatal("Err should report the terminal failure")
	}
}
