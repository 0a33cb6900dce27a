package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"orionchat/internal/app/events"
	"orionchat/internal/domain"
	"orionchat/internal/infrastructure/synth"
	avataruc "orionchat/internal/usecase/avatar"
	"orionchat/internal/usecase/handle_message"
)

type fakeQueue struct {
	cleared int
}

func (q *fakeQueue) Status() events.TTSStatusDTO {
	return events.NewTTSStatusDTO("idle", nil, "", "")
}

func (q *fakeQueue) Clear() int {
	q.cleared++
	return 3
}

type fakeSynth struct {
	err error
}

func (s *fakeSynth) Fetch(_ context.Context, text string, voice domain.Voice) (domain.AudioPayload, error) {
	if s.err != nil {
		return "", s.err
	}
	return domain.AudioPayload("audio:" + voice.Provider + ":" + voice.ID), nil
}

func (s *fakeSynth) Voices() []domain.VoiceOption {
	return []domain.VoiceOption{{ID: "es", Provider: "google"}}
}

type memAvatarRepo struct {
	mu      sync.Mutex
	avatars map[string]domain.Avatar
}

func (r *memAvatarRepo) SaveAvatar(_ context.Context, a *domain.Avatar) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.avatars[a.ID] = *a
	return nil
}

func (r *memAvatarRepo) GetAvatar(_ context.Context, id string) (*domain.Avatar, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.avatars[id]; ok {
		return &a, nil
	}
	return nil, nil
}

func (r *memAvatarRepo) ListAvatars(context.Context) ([]*domain.Avatar, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Avatar
	for _, a := range r.avatars {
		a := a
		out = append(out, &a)
	}
	return out, nil
}

func (r *memAvatarRepo) DeleteAvatar(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.avatars, id)
	return nil
}

type memSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memSettings) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *memSettings) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memSettings) ListSettings(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, ts.URL+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestUpdateEndpointStatuses(t *testing.T) {
	d := &fakeDispatcher{result: handle_message.Result{Action: "tts", MessageID: "m1", Queued: true}}
	_, ts := startServer(t, Config{Dispatcher: d})

	resp, body := do(t, ts, http.MethodPost, "/update", map[string]any{
		"type":       "tts",
		"message_id": "m1",
		"avatar_id":  "a",
		"data":       map[string]any{"content": map[string]any{"sanitized": "hola"}},
	})
	if resp.StatusCode != http.StatusAccepted || body["queued"] != true {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, body)
	}
	if got := d.updates[0]; got.AvatarID != "a" || got.Type != "tts" || got.Text() != "hola" {
		t.Fatalf("unexpected update %+v", got)
	}

	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrDuplicateMessage, http.StatusConflict},
		{domain.ErrEmptyContent, http.StatusUnprocessableEntity},
		{domain.ErrNoVoiceConfigured, http.StatusUnprocessableEntity},
		{domain.ErrAvatarNotFound, http.StatusNotFound},
		{domain.ErrQueueClosed, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		d.result = handle_message.Result{Action: "tts", MessageID: "m1"}
		d.err = tc.err
		resp, body := do(t, ts, http.MethodPost, "/update", map[string]any{"type": "tts"})
		if resp.StatusCode != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, resp.StatusCode)
		}
		if body["reason"] != tc.err.Error() {
			t.Errorf("%v: expected reason, got %v", tc.err, body)
		}
	}

	resp, _ = do(t, ts, http.MethodGet, "/update", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestSynthesisEndpoint(t *testing.T) {
	s := &fakeSynth{}
	_, ts := startServer(t, Config{Synth: s})

	resp, body := do(t, ts, http.MethodPost, "/tts-service", map[string]string{
		"text": "hola", "voice_id": "es", "voice_provider": "google",
	})
	if resp.StatusCode != http.StatusOK || body["audio"] != "audio:google:es" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, body)
	}

	resp, _ = do(t, ts, http.MethodPost, "/tts-service", map[string]string{"text": "hola"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without voice, got %d", resp.StatusCode)
	}

	s.err = &domain.SynthesisError{Message: "dial tcp: connection refused"}
	resp, _ = do(t, ts, http.MethodPost, "/tts-service", map[string]string{
		"text": "hola", "voice_id": "es", "voice_provider": "google",
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 without upstream status, got %d", resp.StatusCode)
	}

	s.err = synth.ErrUnknownProvider
	resp, _ = do(t, ts, http.MethodPost, "/tts-service", map[string]string{
		"text": "hola", "voice_id": "x", "voice_provider": "nope",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp, body = do(t, ts, http.MethodGet, "/api/voices", nil)
	if resp.StatusCode != http.StatusOK || len(body["voices"].([]any)) != 1 {
		t.Fatalf("unexpected voices %d %v", resp.StatusCode, body)
	}
}

func TestSynthesisEndpointKeepsUpstreamStatus(t *testing.T) {
	s := &fakeSynth{}
	_, ts := startServer(t, Config{Synth: s})

	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadRequest, http.StatusServiceUnavailable} {
		s.err = &domain.SynthesisError{Status: status, Message: "upstream says no"}
		resp, body := do(t, ts, http.MethodPost, "/tts-service", map[string]string{
			"text": "hola", "voice_id": "es", "voice_provider": "google",
		})
		if resp.StatusCode != status {
			t.Errorf("expected %d, got %d", status, resp.StatusCode)
		}
		if body["error"] == nil {
			t.Errorf("%d: expected error message, got %v", status, body)
		}
	}

	s.err = &domain.SynthesisError{Status: http.StatusOK, Message: "empty audio in response"}
	resp, _ := do(t, ts, http.MethodPost, "/tts-service", map[string]string{
		"text": "hola", "voice_id": "es", "voice_provider": "google",
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 for a non-error upstream status, got %d", resp.StatusCode)
	}
}

func TestQueueEndpoints(t *testing.T) {
	q := &fakeQueue{}
	_, ts := startServer(t, Config{Queue: q})

	resp, body := do(t, ts, http.MethodGet, "/api/tts/queue", nil)
	if resp.StatusCode != http.StatusOK || body["state"] != "idle" {
		t.Fatalf("unexpected status %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, ts, http.MethodPost, "/api/tts/clear", nil)
	if resp.StatusCode != http.StatusOK || body["cleared"] != float64(3) || q.cleared != 1 {
		t.Fatalf("unexpected clear %d %v", resp.StatusCode, body)
	}
}

func TestAvatarEndpoints(t *testing.T) {
	svc := avataruc.NewService(&memAvatarRepo{avatars: map[string]domain.Avatar{}}, nil, nil)
	def, err := svc.EnsureDefault(context.Background())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, ts := startServer(t, Config{Avatars: svc})

	resp, created := do(t, ts, http.MethodPost, "/api/avatars", map[string]any{"name": "Orion"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %v", resp.StatusCode, created)
	}
	id := created["id"].(string)

	resp, _ = do(t, ts, http.MethodPut, "/api/avatars/"+id+"/voices", map[string]any{
		"tts_voices": []map[string]string{{"voice_id": "es", "provider": "google"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set voices: %d", resp.StatusCode)
	}
	resp, body := do(t, ts, http.MethodGet, "/api/avatars/"+id+"/voices", nil)
	if resp.StatusCode != http.StatusOK || len(body["tts_voices"].([]any)) != 1 {
		t.Fatalf("get voices: %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, ts, http.MethodPut, "/api/avatars/active", map[string]any{"ids": []string{id}})
	if resp.StatusCode != http.StatusOK || len(body["avatars"].([]any)) != 1 {
		t.Fatalf("set active: %d %v", resp.StatusCode, body)
	}

	resp, _ = do(t, ts, http.MethodDelete, "/api/avatars/"+def.ID, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 deleting default, got %d", resp.StatusCode)
	}
	resp, _ = do(t, ts, http.MethodDelete, "/api/avatars/"+id, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp, _ = do(t, ts, http.MethodGet, "/api/avatars/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp, body = do(t, ts, http.MethodGet, "/api/avatars", nil)
	if resp.StatusCode != http.StatusOK || len(body["avatars"].([]any)) != 1 {
		t.Fatalf("list: %d %v", resp.StatusCode, body)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	_, ts := startServer(t, Config{Settings: &memSettings{values: map[string]string{}}})

	resp, body := do(t, ts, http.MethodPut, "/api/settings/tts_all", map[string]string{"value": "true"})
	if resp.StatusCode != http.StatusOK || body["value"] != "true" {
		t.Fatalf("set: %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, ts, http.MethodGet, "/api/settings/tts_all", nil)
	if resp.StatusCode != http.StatusOK || body["value"] != "true" || body["key"] != "tts_all" {
		t.Fatalf("get: %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, ts, http.MethodGet, "/api/settings", nil)
	if resp.StatusCode != http.StatusOK || body["tts_all"] != "true" {
		t.Fatalf("list: %d %v", resp.StatusCode, body)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, ts := startServer(t, Config{Settings: &memSettings{values: map[string]string{}}})
	resp, _ := do(t, ts, http.MethodOptions, "/api/settings/x", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func uploadImage(t *testing.T, ts *httptest.Server, field, filename string, content []byte) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write(content)
	_ = mw.Close()

	resp, err := ts.Client().Post(ts.URL+"/api/avatar-images/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestAvatarImageEndpoints(t *testing.T) {
	repo := &memAvatarRepo{avatars: map[string]domain.Avatar{}}
	lib := avataruc.NewImageLibrary(filepath.Join(t.TempDir(), "avatars"), repo, nil)
	if err := lib.EnsureDefaults(); err != nil {
		t.Fatal(err)
	}
	_, ts := startServer(t, Config{Images: lib})

	resp, body := do(t, ts, http.MethodGet, "/api/avatar-images", nil)
	if resp.StatusCode != http.StatusOK || len(body["avatar-images"].([]any)) != 2 {
		t.Fatalf("unexpected list %d %v", resp.StatusCode, body)
	}

	resp, body = uploadImage(t, ts, "avatar", "orion.png", []byte("fake png"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", resp.StatusCode, body)
	}
	path, _ := body["path"].(string)
	if !strings.HasPrefix(path, "/avatars/") {
		t.Fatalf("unexpected path %v", body)
	}

	got, err := ts.Client().Get(ts.URL + path)
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	data, _ := io.ReadAll(got.Body)
	got.Body.Close()
	if got.StatusCode != http.StatusOK || string(data) != "fake png" {
		t.Fatalf("served %d %q", got.StatusCode, data)
	}

	got, err = ts.Client().Get(ts.URL + "/avatars/idle.png")
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("default idle image not served: %d", got.StatusCode)
	}

	resp, _ = do(t, ts, http.MethodGet, "/api/avatar-images", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list after upload: %d", resp.StatusCode)
	}

	_ = repo.SaveAvatar(context.Background(), &domain.Avatar{
		ID:     "a1",
		States: map[domain.AvatarState]string{domain.StateIdle: "/avatars/idle.png"},
	})
	resp, _ = do(t, ts, http.MethodDelete, "/api/avatar-images/delete/idle.png", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for an image in use, got %d", resp.StatusCode)
	}

	name := strings.TrimPrefix(path, "/avatars/")
	resp, _ = do(t, ts, http.MethodDelete, "/api/avatar-images/delete/avatars/"+name, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp, _ = do(t, ts, http.MethodDelete, "/api/avatar-images/delete/"+name, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
	got, _ = ts.Client().Get(ts.URL + path)
	got.Body.Close()
	if got.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted image still served: %d", got.StatusCode)
	}
}

func TestAvatarImageUploadRejects(t *testing.T) {
	lib := avataruc.NewImageLibrary(filepath.Join(t.TempDir(), "avatars"), nil, nil)
	_, ts := startServer(t, Config{Images: lib})

	resp, _ := uploadImage(t, ts, "file", "orion.png", []byte("png"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a wrong field, got %d", resp.StatusCode)
	}

	resp, body := uploadImage(t, ts, "avatar", "orion.exe", []byte("MZ"))
	if resp.StatusCode != http.StatusBadRequest || body["error"] == nil {
		t.Fatalf("expected 400 for a bad extension, got %d %v", resp.StatusCode, body)
	}

	resp, _ = do(t, ts, http.MethodPost, "/api/avatar-images/upload", map[string]string{"avatar": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a json body, got %d", resp.StatusCode)
	}
}
