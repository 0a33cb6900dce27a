package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"orionchat/internal/app/events"
	"orionchat/internal/domain"
	"orionchat/internal/infrastructure/synth"
	avataruc "orionchat/internal/usecase/avatar"
	"orionchat/internal/usecase/handle_message"
)

type Config struct {
	Addr       string
	Bus        *events.Bus
	Logger     *log.Logger
	Dispatcher Dispatcher
	Queue      QueueController
	Avatars    AvatarManager
	Settings   domain.SettingsRepository
	Synth      Synthesizer
	Images     ImageStore
}

func (c *Config) addr() string {
	if strings.TrimSpace(c.Addr) == "" {
		return ":8080"
	}
	return c.Addr
}

type Dispatcher interface {
	Handle(ctx context.Context, msg domain.ChatMessage) error
	HandleUpdate(ctx context.Context, u handle_message.Update) (handle_message.Result, error)
}

type QueueController interface {
	Status() events.TTSStatusDTO
	Clear() int
}

type AvatarManager interface {
	List(ctx context.Context) ([]*domain.Avatar, error)
	Get(ctx context.Context, id string) (*domain.Avatar, error)
	Create(ctx context.Context, in avataruc.Input) (*domain.Avatar, error)
	Update(ctx context.Context, id string, p avataruc.Patch) (*domain.Avatar, error)
	Delete(ctx context.Context, id string) error
	SetVoices(ctx context.Context, id string, voices []domain.Voice) (*domain.Avatar, error)
	Active(ctx context.Context) ([]*domain.Avatar, error)
	SetActive(ctx context.Context, ids []string) ([]*domain.Avatar, error)
}

type Synthesizer interface {
	Fetch(ctx context.Context, text string, voice domain.Voice) (domain.AudioPayload, error)
	Voices() []domain.VoiceOption
}

// ImageStore guarda las imágenes de los avatares; Dir se sirve bajo
// /avatars/.
type ImageStore interface {
	List(ctx context.Context) ([]string, error)
	Save(ctx context.Context, filename string, r io.Reader) (string, error)
	Delete(ctx context.Context, ref string) error
	Dir() string
}

type apiHandlers struct {
	logger     *log.Logger
	dispatcher Dispatcher
	queue      QueueController
	avatars    AvatarManager
	settings   domain.SettingsRepository
	synth      Synthesizer
	images     ImageStore
}

func newAPIHandlers(cfg Config, logger *log.Logger) *apiHandlers {
	return &apiHandlers{
		logger:     logger,
		dispatcher: cfg.Dispatcher,
		queue:      cfg.Queue,
		avatars:    cfg.Avatars,
		settings:   cfg.Settings,
		synth:      cfg.Synth,
		images:     cfg.Images,
	}
}

func (a *apiHandlers) register(mux *http.ServeMux) {
	if a.dispatcher != nil {
		mux.HandleFunc("POST /update", a.handleUpdate)
	}
	if a.synth != nil {
		mux.HandleFunc("POST /tts-service", a.handleSynthesize)
		mux.HandleFunc("GET /api/voices", a.handleVoices)
	}
	if a.queue != nil {
		mux.HandleFunc("GET /api/tts/queue", a.handleQueueStatus)
		mux.HandleFunc("POST /api/tts/clear", a.handleQueueClear)
	}
	if a.avatars != nil {
		mux.HandleFunc("GET /api/avatars", a.handleListAvatars)
		mux.HandleFunc("POST /api/avatars", a.handleCreateAvatar)
		mux.HandleFunc("GET /api/avatars/active", a.handleActiveAvatars)
		mux.HandleFunc("PUT /api/avatars/active", a.handleSetActiveAvatars)
		mux.HandleFunc("GET /api/avatars/{id}", a.handleGetAvatar)
		mux.HandleFunc("PUT /api/avatars/{id}", a.handleUpdateAvatar)
		mux.HandleFunc("DELETE /api/avatars/{id}", a.handleDeleteAvatar)
		mux.HandleFunc("GET /api/avatars/{id}/voices", a.handleGetAvatarVoices)
		mux.HandleFunc("PUT /api/avatars/{id}/voices", a.handleSetAvatarVoices)
	}
	if a.images != nil {
		mux.HandleFunc("GET /api/avatar-images", a.handleListImages)
		mux.HandleFunc("POST /api/avatar-images/upload", a.handleUploadImage)
		mux.HandleFunc("DELETE /api/avatar-images/delete/{ref...}", a.handleDeleteImage)
		mux.Handle("GET "+avataruc.ImagesURLPrefix, http.StripPrefix(avataruc.ImagesURLPrefix,
			http.FileServer(http.Dir(a.images.Dir()))))
	}
	if a.settings != nil {
		mux.HandleFunc("GET /api/settings", a.handleListSettings)
		mux.HandleFunc("GET /api/settings/{key}", a.handleGetSetting)
		mux.HandleFunc("PUT /api/settings/{key}", a.handleSetSetting)
	}
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
}

// ----- Control panel -----

func (a *apiHandlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var u handle_message.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := a.dispatcher.HandleUpdate(r.Context(), u)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			a.logger.Error("update failed", "type", u.Type, "message_id", u.MessageID, "err", err)
		}
		if res.Reason == "" {
			res.Reason = err.Error()
		}
		writeJSON(w, status, res)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

type synthesizeRequest struct {
	Text          string `json:"text"`
	VoiceID       string `json:"voice_id"`
	VoiceProvider string `json:"voice_provider"`
}

type synthesizeResponse struct {
	Audio string `json:"audio"`
}

func (a *apiHandlers) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if strings.TrimSpace(req.VoiceID) == "" || strings.TrimSpace(req.VoiceProvider) == "" {
		writeError(w, http.StatusBadRequest, "voice_id and voice_provider are required")
		return
	}

	audio, err := a.synth.Fetch(r.Context(), req.Text, domain.Voice{ID: req.VoiceID, Provider: req.VoiceProvider})
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			a.logger.Error("synthesis failed", "provider", req.VoiceProvider, "voice", req.VoiceID, "err", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, synthesizeResponse{Audio: string(audio)})
}

func (a *apiHandlers) handleVoices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"voices": a.synth.Voices()})
}

// ----- TTS queue -----

func (a *apiHandlers) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.queue.Status())
}

func (a *apiHandlers) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	n := a.queue.Clear()
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// ----- Avatars -----

func (a *apiHandlers) handleListAvatars(w http.ResponseWriter, r *http.Request) {
	avatars, err := a.avatars.List(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"avatars": nonNil(avatars)})
}

func (a *apiHandlers) handleCreateAvatar(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var in avataruc.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	avatar, err := a.avatars.Create(r.Context(), in)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, avatar)
}

func (a *apiHandlers) handleGetAvatar(w http.ResponseWriter, r *http.Request) {
	avatar, err := a.avatars.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, avatar)
}

func (a *apiHandlers) handleUpdateAvatar(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var p avataruc.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	avatar, err := a.avatars.Update(r.Context(), r.PathValue("id"), p)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, avatar)
}

func (a *apiHandlers) handleDeleteAvatar(w http.ResponseWriter, r *http.Request) {
	if err := a.avatars.Delete(r.Context(), r.PathValue("id")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiHandlers) handleGetAvatarVoices(w http.ResponseWriter, r *http.Request) {
	avatar, err := a.avatars.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tts_voices": nonNil(avatar.Voices)})
}

type voicesRequest struct {
	Voices []domain.Voice `json:"tts_voices"`
}

func (a *apiHandlers) handleSetAvatarVoices(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req voicesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	avatar, err := a.avatars.SetVoices(r.Context(), r.PathValue("id"), req.Voices)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, avatar)
}

func (a *apiHandlers) handleActiveAvatars(w http.ResponseWriter, r *http.Request) {
	avatars, err := a.avatars.Active(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"avatars": nonNil(avatars)})
}

type activeRequest struct {
	IDs []string `json:"ids"`
}

func (a *apiHandlers) handleSetActiveAvatars(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req activeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	avatars, err := a.avatars.SetActive(r.Context(), req.IDs)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"avatars": nonNil(avatars)})
}

// ----- Avatar images -----

const imageFormField = "avatar"

func (a *apiHandlers) handleListImages(w http.ResponseWriter, r *http.Request) {
	paths, err := a.images.List(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"avatar-images": nonNil(paths)})
}

func (a *apiHandlers) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, avataruc.MaxImageSize+1<<20)
	if err := r.ParseMultipartForm(avataruc.MaxImageSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(imageFormField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field "+imageFormField)
		return
	}
	defer file.Close()

	path, err := a.images.Save(r.Context(), header.Filename, file)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (a *apiHandlers) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := a.images.Delete(r.Context(), r.PathValue("ref")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ----- Settings -----

func (a *apiHandlers) handleListSettings(w http.ResponseWriter, r *http.Request) {
	all, err := a.settings.ListSettings(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

type settingPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (a *apiHandlers) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, err := a.settings.GetSetting(r.Context(), key)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settingPayload{Key: key, Value: value})
}

func (a *apiHandlers) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	key := r.PathValue("key")
	var req settingPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := a.settings.SetSetting(r.Context(), key, req.Value); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settingPayload{Key: key, Value: req.Value})
}

func (a *apiHandlers) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "err", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var synthErr *domain.SynthesisError
	switch {
	case errors.Is(err, domain.ErrDuplicateMessage):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEmptyContent),
		errors.Is(err, domain.ErrNoVoiceConfigured):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrAvatarNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, avataruc.ErrImageNotFound):
		return http.StatusNotFound
	case errors.Is(err, avataruc.ErrImageInUse):
		return http.StatusConflict
	case errors.Is(err, avataruc.ErrDefaultAvatar),
		errors.Is(err, avataruc.ErrInvalidAvatar),
		errors.Is(err, avataruc.ErrInvalidImage),
		errors.Is(err, synth.ErrUnknownProvider),
		errors.Is(err, synth.ErrBlockedText):
		return http.StatusBadRequest
	case errors.As(err, &synthErr):
		// el status del upstream se respeta si es un error HTTP
		if synthErr.Status >= 400 && synthErr.Status <= 599 {
			return synthErr.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
