package handle_message

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orionchat/internal/app/events"
	"orionchat/internal/domain"
)

type enqueued struct {
	msg    domain.ChatMessage
	avatar *domain.Avatar
}

type fakeQueue struct {
	mu      sync.Mutex
	items   []enqueued
	err     error
	cleared int
}

func (q *fakeQueue) Enqueue(msg domain.ChatMessage, avatar *domain.Avatar) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, enqueued{msg: msg, avatar: avatar})
	return nil
}

func (q *fakeQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleared++
	n := len(q.items)
	q.items = nil
	return n
}

type fakeAvatars struct {
	byID   map[string]*domain.Avatar
	active []*domain.Avatar
	def    *domain.Avatar
}

func (f *fakeAvatars) Get(_ context.Context, id string) (*domain.Avatar, error) {
	if a, ok := f.byID[id]; ok {
		return a, nil
	}
	return nil, domain.ErrAvatarNotFound
}

func (f *fakeAvatars) Active(context.Context) ([]*domain.Avatar, error) { return f.active, nil }

func (f *fakeAvatars) Default(context.Context) (*domain.Avatar, error) {
	if f.def == nil {
		return nil, domain.ErrAvatarNotFound
	}
	return f.def, nil
}

type firstPicker struct{}

func (firstPicker) Pick(c []*domain.Avatar) *domain.Avatar {
	if len(c) == 0 {
		return nil
	}
	return c[0]
}

type memSettings map[string]string

func (m memSettings) GetSetting(_ context.Context, key string) (string, error) { return m[key], nil }
func (m memSettings) SetSetting(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}
func (m memSettings) ListSettings(context.Context) (map[string]string, error) { return m, nil }

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []domain.ChatMessage
}

func (p *recordingPublisher) PublishMessage(_ context.Context, msg domain.ChatMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func chat(id, text string) domain.ChatMessage {
	var m domain.ChatMessage
	m.MessageID = id
	m.Platform = domain.PlatformTwitch
	m.Data.Content.Sanitized = text
	return m
}

var (
	avatarA   = &domain.Avatar{ID: "a", Active: true, Voices: []domain.Voice{{ID: "es", Provider: "google"}}}
	avatarDef = &domain.Avatar{ID: "def", IsDefault: true, Voices: []domain.Voice{{ID: "id_male_darma", Provider: "tiktok"}}}
)

func TestHandlePublishesWithoutTTSAll(t *testing.T) {
	q := &fakeQueue{}
	pub := &recordingPublisher{}
	uc := NewInteractor(Config{Queue: q, Publisher: pub, Settings: memSettings{}})

	if err := uc.Handle(context.Background(), chat("", "hola")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(pub.msgs))
	}
	if pub.msgs[0].MessageID == "" {
		t.Fatal("expected generated message id")
	}
	if len(q.items) != 0 {
		t.Fatalf("expected nothing queued, got %d", len(q.items))
	}
}

func TestHandleTTSAllPicksActiveAvatar(t *testing.T) {
	q := &fakeQueue{}
	uc := NewInteractor(Config{
		Queue:    q,
		Avatars:  &fakeAvatars{active: []*domain.Avatar{avatarA}, def: avatarDef},
		Picker:   firstPicker{},
		Settings: memSettings{SettingTTSAll: "true"},
	})

	if err := uc.Handle(context.Background(), chat("m1", "hola")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(q.items) != 1 || q.items[0].avatar != avatarA {
		t.Fatalf("expected m1 queued with avatar a, got %+v", q.items)
	}
}

func TestHandleTTSAllSwallowsRejections(t *testing.T) {
	q := &fakeQueue{err: domain.ErrDuplicateMessage}
	uc := NewInteractor(Config{Queue: q, Settings: memSettings{SettingTTSAll: "on"}})

	if err := uc.Handle(context.Background(), chat("m1", "hola")); err != nil {
		t.Fatalf("expected rejection to be swallowed, got %v", err)
	}
}

func TestSpeakFallsBackToDefault(t *testing.T) {
	q := &fakeQueue{}
	uc := NewInteractor(Config{
		Queue:   q,
		Avatars: &fakeAvatars{def: avatarDef},
		Picker:  firstPicker{},
	})

	res, err := uc.Speak(context.Background(), chat("m1", "hola"), "")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if !res.Queued || res.MessageID != "m1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if q.items[0].avatar != avatarDef {
		t.Fatalf("expected default avatar, got %+v", q.items[0].avatar)
	}
}

func TestSpeakExplicitAvatar(t *testing.T) {
	q := &fakeQueue{}
	uc := NewInteractor(Config{
		Queue:   q,
		Avatars: &fakeAvatars{byID: map[string]*domain.Avatar{"a": avatarA}, def: avatarDef},
	})

	if _, err := uc.Speak(context.Background(), chat("m1", "hola"), "a"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if q.items[0].avatar != avatarA {
		t.Fatal("expected explicit avatar")
	}

	if _, err := uc.Speak(context.Background(), chat("m2", "hola"), "zzz"); !errors.Is(err, domain.ErrAvatarNotFound) {
		t.Fatalf("expected ErrAvatarNotFound, got %v", err)
	}
}

func TestSpeakWithoutAnyAvatar(t *testing.T) {
	q := &fakeQueue{}
	uc := NewInteractor(Config{Queue: q, Avatars: &fakeAvatars{}, Picker: firstPicker{}})

	if _, err := uc.Speak(context.Background(), chat("m1", "hola"), ""); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if q.items[0].avatar != nil {
		t.Fatal("expected nil avatar so the queue decides on the voice")
	}
}

func TestSpeakReportsQueueRejection(t *testing.T) {
	q := &fakeQueue{err: domain.ErrEmptyContent}
	uc := NewInteractor(Config{Queue: q})

	res, err := uc.Speak(context.Background(), chat("m1", ""), "")
	if !errors.Is(err, domain.ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if res.Queued || res.Reason == "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHandleUpdate(t *testing.T) {
	q := &fakeQueue{}
	bus := events.NewBus(nil)
	overlay, unsubscribe := bus.Subscribe(events.TopicOverlay)
	defer unsubscribe()

	uc := NewInteractor(Config{Queue: q, Bus: bus})
	ctx := context.Background()

	u := Update{ChatMessage: chat("m1", "hola")}
	u.Type = "TTS"
	if res, err := uc.HandleUpdate(ctx, u); err != nil || !res.Queued {
		t.Fatalf("tts update: %+v %v", res, err)
	}

	res, err := uc.HandleUpdate(ctx, Update{ChatMessage: domain.ChatMessage{Type: UpdateClearTTS}})
	if err != nil || res.Cleared != 1 || q.cleared != 1 {
		t.Fatalf("clear update: %+v %v", res, err)
	}

	if _, err := uc.HandleUpdate(ctx, Update{ChatMessage: domain.ChatMessage{Type: UpdateClearDisplay}}); err != nil {
		t.Fatalf("clear_display: %v", err)
	}
	select {
	case payload := <-overlay:
		dto := payload.(events.OverlayUpdateDTO)
		if dto.Type != UpdateClearDisplay || dto.Data != nil {
			t.Fatalf("unexpected overlay update %+v", dto)
		}
	case <-time.After(time.Second):
		t.Fatal("expected overlay update")
	}

	if _, err := uc.HandleUpdate(ctx, Update{}); err == nil {
		t.Fatal("expected error for update without type")
	}
}

type stubRouter struct {
	handled bool
	seen    []string
}

func (r *stubRouter) Handle(_ context.Context, msg domain.ChatMessage) (bool, error) {
	r.seen = append(r.seen, msg.Text())
	return r.handled, nil
}

func TestHandleCommandSkipsTTSAll(t *testing.T) {
	q := &fakeQueue{}
	pub := &recordingPublisher{}
	router := &stubRouter{handled: true}
	uc := NewInteractor(Config{
		Queue:     q,
		Avatars:   &fakeAvatars{def: avatarDef},
		Publisher: pub,
		Settings:  memSettings{SettingTTSAll: "true"},
	})
	uc.SetCommands(router)

	if err := uc.Handle(context.Background(), chat("m1", "!cleartts")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(router.seen) != 1 || len(pub.msgs) != 1 {
		t.Fatalf("router saw %v, published %d", router.seen, len(pub.msgs))
	}
	if len(q.items) != 0 {
		t.Fatalf("handled command must not be spoken, got %+v", q.items)
	}
}

func TestHandleUnknownCommandFallsThrough(t *testing.T) {
	q := &fakeQueue{}
	uc := NewInteractor(Config{
		Queue:    q,
		Avatars:  &fakeAvatars{def: avatarDef},
		Settings: memSettings{SettingTTSAll: "true"},
	})
	uc.SetCommands(&stubRouter{})

	if err := uc.Handle(context.Background(), chat("m1", "hola")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(q.items) != 1 {
		t.Fatalf("expected plain message to be queued, got %d", len(q.items))
	}
}
