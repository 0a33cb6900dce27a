package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"orionchat/internal/app/events"
	"orionchat/internal/app/tts/queue"
	"orionchat/internal/domain"
	"orionchat/internal/usecase/handle_message"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	handled []domain.ChatMessage
	updates []handle_message.Update
	result  handle_message.Result
	err     error
}

func (d *fakeDispatcher) Handle(_ context.Context, msg domain.ChatMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handled = append(d.handled, msg)
	return nil
}

func (d *fakeDispatcher) HandleUpdate(_ context.Context, u handle_message.Update) (handle_message.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates = append(d.updates, u)
	return d.result, d.err
}

func (d *fakeDispatcher) handledCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handled)
}

func startServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		srv.closeAll()
		ts.Close()
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env map[string]json.RawMessage
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func typeOf(env map[string]json.RawMessage) string {
	var s string
	_ = json.Unmarshal(env["type"], &s)
	return s
}

func TestChatRelayDispatchesIncoming(t *testing.T) {
	d := &fakeDispatcher{}
	_, ts := startServer(t, Config{Dispatcher: d})
	conn := dial(t, ts, "/ws/chat")

	_ = conn.WriteJSON(map[string]any{"type": "subscribe"})
	_ = conn.WriteJSON(map[string]any{
		"type":       "chat",
		"platform":   "youtube",
		"message_id": "m1",
		"data":       map[string]any{"content": map[string]any{"raw": "hola", "sanitized": "hola"}},
	})

	waitFor(t, "dispatch", func() bool { return d.handledCount() == 1 })
	if d.handled[0].MessageID != "m1" || d.handled[0].Text() != "hola" {
		t.Fatalf("unexpected message %+v", d.handled[0])
	}
}

func TestPublishMessageReachesChatClients(t *testing.T) {
	bus := events.NewBus(nil)
	srv, ts := startServer(t, Config{Bus: bus})
	conn := dial(t, ts, "/ws/chat")

	waitFor(t, "chat client", func() bool {
		srv.mu.RLock()
		defer srv.mu.RUnlock()
		return len(srv.clients) == 1
	})

	var msg domain.ChatMessage
	msg.MessageID = "m1"
	if err := srv.PublishMessage(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	env := readEnvelope(t, conn)
	if typeOf(env) != "chat" {
		t.Fatalf("expected chat envelope, got %v", env)
	}
	var got domain.ChatMessage
	_ = json.Unmarshal(env["data"], &got)
	if got.MessageID != "m1" {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestOverlaySinkWaitsForAck(t *testing.T) {
	srv, ts := startServer(t, Config{})
	overlay := dial(t, ts, "/ws/overlay?avatar=a")
	waitFor(t, "overlay", func() bool { return srv.OverlayCount("a") == 1 })

	sink := NewOverlaySink(srv, time.Second)
	done := make(chan error, 1)
	go func() {
		done <- sink.Play(context.Background(), queue.Playback{
			MessageID: "m1",
			Avatar:    &domain.Avatar{ID: "a"},
			Text:      "hola",
			Audio:     "QUJD",
		})
	}()

	env := readEnvelope(t, overlay)
	if typeOf(env) != "tts" {
		t.Fatalf("expected tts envelope, got %v", env)
	}
	var event domain.TTSEvent
	_ = json.Unmarshal(env["data"], &event)
	if event.MessageID != "m1" || event.AvatarID != "a" || event.AudioBase64 != "QUJD" {
		t.Fatalf("unexpected event %+v", event)
	}

	select {
	case err := <-done:
		t.Fatalf("play returned before ack: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_ = overlay.WriteJSON(map[string]string{"type": "tts_done", "message_id": "m1"})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("play did not return after ack")
	}
}

func TestOverlaySinkReportsOverlayError(t *testing.T) {
	srv, ts := startServer(t, Config{})
	overlay := dial(t, ts, "/ws/overlay")
	waitFor(t, "overlay", func() bool { return srv.OverlayCount("") == 1 })

	sink := NewOverlaySink(srv, time.Second)
	done := make(chan error, 1)
	go func() {
		done <- sink.Play(context.Background(), queue.Playback{MessageID: "m2", Audio: "QUJD"})
	}()

	readEnvelope(t, overlay)
	_ = overlay.WriteJSON(map[string]string{"type": "tts_error", "message_id": "m2", "error": "decode failed"})

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "decode failed") {
			t.Fatalf("expected overlay error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("play did not return")
	}
}

func TestOverlaySinkWithoutOverlayFailsFast(t *testing.T) {
	srv, _ := startServer(t, Config{})
	sink := NewOverlaySink(srv, time.Minute)

	start := time.Now()
	err := sink.Play(context.Background(), queue.Playback{MessageID: "m1", Avatar: &domain.Avatar{ID: "a"}})
	if !errors.Is(err, ErrNoOverlay) {
		t.Fatalf("expected ErrNoOverlay, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("expected immediate failure")
	}
}

func TestOverlaySinkTimeout(t *testing.T) {
	srv, ts := startServer(t, Config{})
	dial(t, ts, "/ws/overlay?avatar=a")
	waitFor(t, "overlay", func() bool { return srv.OverlayCount("a") == 1 })

	sink := NewOverlaySink(srv, 50*time.Millisecond)
	err := sink.Play(context.Background(), queue.Playback{MessageID: "m1", Avatar: &domain.Avatar{ID: "a"}})
	if err == nil {
		t.Fatal("expected timeout error")
	}

	srv.mu.RLock()
	pending := len(srv.pending)
	srv.mu.RUnlock()
	if pending != 0 {
		t.Fatalf("expected pending acks to be cleaned up, got %d", pending)
	}
}

func TestOverlaySinkFailsWhenOverlayDisconnects(t *testing.T) {
	srv, ts := startServer(t, Config{})
	overlay := dial(t, ts, "/ws/overlay?avatar=a")
	waitFor(t, "overlay", func() bool { return srv.OverlayCount("a") == 1 })

	sink := NewOverlaySink(srv, time.Minute)
	done := make(chan error, 1)
	go func() {
		done <- sink.Play(context.Background(), queue.Playback{MessageID: "m1", Avatar: &domain.Avatar{ID: "a"}, Audio: "QUJD"})
	}()

	readEnvelope(t, overlay)
	overlay.Close()

	select {
	case err := <-done:
		if !errors.Is(err, errOverlayGone) {
			t.Fatalf("expected disconnection error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("play kept waiting after the overlay disconnected")
	}

	srv.mu.RLock()
	pending := len(srv.pending)
	srv.mu.RUnlock()
	if pending != 0 {
		t.Fatalf("expected pending acks to be cleaned up, got %d", pending)
	}
}

func TestOverlaySinkWaitsForEveryRecipient(t *testing.T) {
	srv, ts := startServer(t, Config{})
	avatarOverlay := dial(t, ts, "/ws/overlay?avatar=a")
	allOverlay := dial(t, ts, "/ws/overlay")
	waitFor(t, "overlays", func() bool { return srv.OverlayCount("a") == 2 })

	sink := NewOverlaySink(srv, time.Second)
	done := make(chan error, 1)
	go func() {
		done <- sink.Play(context.Background(), queue.Playback{MessageID: "m1", Avatar: &domain.Avatar{ID: "a"}, Audio: "QUJD"})
	}()

	readEnvelope(t, avatarOverlay)
	readEnvelope(t, allOverlay)

	_ = allOverlay.WriteJSON(map[string]string{"type": "tts_done", "message_id": "m1"})
	select {
	case err := <-done:
		t.Fatalf("play returned while the avatar overlay was still playing: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	_ = avatarOverlay.WriteJSON(map[string]string{"type": "tts_done", "message_id": "m1"})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("play did not return after every overlay finished")
	}
}

func TestOverlaySinkIgnoresAckFromNonRecipient(t *testing.T) {
	srv, ts := startServer(t, Config{})
	target := dial(t, ts, "/ws/overlay?avatar=a")
	other := dial(t, ts, "/ws/overlay?avatar=b")
	waitFor(t, "overlays", func() bool { return srv.OverlayCount("a") == 1 && srv.OverlayCount("b") == 1 })

	sink := NewOverlaySink(srv, time.Second)
	done := make(chan error, 1)
	go func() {
		done <- sink.Play(context.Background(), queue.Playback{MessageID: "m1", Avatar: &domain.Avatar{ID: "a"}})
	}()

	readEnvelope(t, target)
	_ = other.WriteJSON(map[string]string{"type": "tts_done", "message_id": "m1"})
	select {
	case err := <-done:
		t.Fatalf("ack from another avatar's overlay released playback: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	_ = target.WriteJSON(map[string]string{"type": "tts_done", "message_id": "m1"})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("play did not return")
	}
}

func TestOverlayOnlyReceivesItsAvatar(t *testing.T) {
	srv, ts := startServer(t, Config{})
	dial(t, ts, "/ws/overlay?avatar=b")
	waitFor(t, "overlay", func() bool { return srv.OverlayCount("b") == 1 })

	err := srv.PublishTTSEvent(context.Background(), domain.TTSEvent{MessageID: "m1", AvatarID: "a"})
	if !errors.Is(err, ErrNoOverlay) {
		t.Fatalf("expected ErrNoOverlay for another avatar, got %v", err)
	}
}
