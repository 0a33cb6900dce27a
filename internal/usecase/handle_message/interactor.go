// Package handle_message decide qué pasa con cada mensaje de chat: se
// reenvía a los paneles y, si corresponde, entra en la cola TTS.
package handle_message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"orionchat/internal/app/events"
	"orionchat/internal/domain"
)

const (
	SettingTTSAll = "tts_all"

	UpdateTTS          = "tts"
	UpdateClearTTS     = "clear_tts"
	UpdateDisplay      = "display"
	UpdateClearDisplay = "clear_display"
)

type TTSQueue interface {
	Enqueue(msg domain.ChatMessage, avatar *domain.Avatar) error
	Clear() int
}

type AvatarSource interface {
	Get(ctx context.Context, id string) (*domain.Avatar, error)
	Active(ctx context.Context) ([]*domain.Avatar, error)
	Default(ctx context.Context) (*domain.Avatar, error)
}

type AvatarPicker interface {
	Pick(candidates []*domain.Avatar) *domain.Avatar
}

// CommandRouter atiende los comandos de chat (!tts, !cleartts). handled
// false significa que el mensaje no era un comando conocido.
type CommandRouter interface {
	Handle(ctx context.Context, msg domain.ChatMessage) (handled bool, err error)
}

type Config struct {
	Queue     TTSQueue
	Avatars   AvatarSource
	Picker    AvatarPicker
	Settings  domain.SettingsRepository
	Publisher domain.MessagePublisher
	Bus       *events.Bus
	Logger    *log.Logger
}

type Interactor struct {
	cfg    Config
	logger *log.Logger

	cmdMu    sync.RWMutex
	commands CommandRouter
}

func NewInteractor(cfg Config) *Interactor {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Interactor{cfg: cfg, logger: logger.With("component", "dispatcher")}
}

// SetCommands installs the chat command router. The router usually needs the
// interactor itself, so it is attached after construction.
func (uc *Interactor) SetCommands(r CommandRouter) {
	uc.cmdMu.Lock()
	uc.commands = r
	uc.cmdMu.Unlock()
}

// Update es el cuerpo de POST /update: un mensaje de chat con el tipo de
// acción y, opcionalmente, el avatar que debe hablar.
type Update struct {
	domain.ChatMessage
	AvatarID string `json:"avatar_id,omitempty"`
}

type Result struct {
	Action    string `json:"action"`
	MessageID string `json:"message_id,omitempty"`
	Queued    bool   `json:"queued"`
	Cleared   int    `json:"cleared,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Handle procesa un mensaje que llega de un chat: siempre se publica y solo
// se encola si el modo "TTS para todos" está activo.
func (uc *Interactor) Handle(ctx context.Context, msg domain.ChatMessage) error {
	msg = normalize(msg)

	if uc.cfg.Publisher != nil {
		if err := uc.cfg.Publisher.PublishMessage(ctx, msg); err != nil {
			uc.logger.Warn("publish chat message failed", "message_id", msg.MessageID, "err", err)
		}
	}

	uc.cmdMu.RLock()
	router := uc.commands
	uc.cmdMu.RUnlock()
	if router != nil {
		handled, err := router.Handle(ctx, msg)
		if err != nil && !isRejection(err) {
			uc.logger.Warn("chat command failed", "message_id", msg.MessageID, "err", err)
		}
		if handled {
			return nil
		}
	}

	if !uc.ttsAll(ctx) {
		return nil
	}
	_, err := uc.Speak(ctx, msg, "")
	if isRejection(err) {
		// ya registrado por la cola; en modo automático no es un error
		return nil
	}
	return err
}

// Speak enqueues msg for playback. avatarID selects the avatar; when empty
// one is picked among the active avatars, falling back to the default one.
func (uc *Interactor) Speak(ctx context.Context, msg domain.ChatMessage, avatarID string) (Result, error) {
	msg = normalize(msg)
	res := Result{Action: UpdateTTS, MessageID: msg.MessageID}

	if uc.cfg.Queue == nil {
		return res, errors.New("handle_message: tts queue not configured")
	}

	avatar, err := uc.avatarFor(ctx, avatarID)
	if err != nil {
		return res, err
	}

	if err := uc.cfg.Queue.Enqueue(msg, avatar); err != nil {
		res.Reason = err.Error()
		return res, err
	}
	res.Queued = true
	return res, nil
}

// HandleUpdate aplica una acción del panel de control.
func (uc *Interactor) HandleUpdate(ctx context.Context, u Update) (Result, error) {
	action := strings.ToLower(strings.TrimSpace(u.Type))
	switch action {
	case UpdateTTS:
		return uc.Speak(ctx, u.ChatMessage, u.AvatarID)
	case UpdateClearTTS:
		if uc.cfg.Queue == nil {
			return Result{Action: action}, errors.New("handle_message: tts queue not configured")
		}
		n := uc.cfg.Queue.Clear()
		uc.logger.Info("tts queue cleared", "dropped", n)
		return Result{Action: action, Cleared: n}, nil
	case "":
		return Result{}, fmt.Errorf("handle_message: update without type")
	default:
		// display, clear_display y demás van tal cual a los overlays
		if uc.cfg.Bus != nil {
			var data any
			if u.MessageID != "" || u.Data.Content.Raw != "" || u.Data.Content.Sanitized != "" {
				data = normalize(u.ChatMessage)
			}
			uc.cfg.Bus.Publish(events.TopicOverlay, events.OverlayUpdateDTO{Type: action, Data: data})
		}
		return Result{Action: action, MessageID: u.MessageID}, nil
	}
}

func (uc *Interactor) avatarFor(ctx context.Context, avatarID string) (*domain.Avatar, error) {
	if uc.cfg.Avatars == nil {
		return nil, nil
	}
	if id := strings.TrimSpace(avatarID); id != "" {
		a, err := uc.cfg.Avatars.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return a, nil
	}

	if uc.cfg.Picker != nil {
		active, err := uc.cfg.Avatars.Active(ctx)
		if err != nil {
			return nil, err
		}
		if a := uc.cfg.Picker.Pick(active); a != nil {
			return a, nil
		}
	}

	a, err := uc.cfg.Avatars.Default(ctx)
	if errors.Is(err, domain.ErrAvatarNotFound) {
		// sin avatar solo puede hablar un mensaje con voz explícita
		return nil, nil
	}
	return a, err
}

func (uc *Interactor) ttsAll(ctx context.Context) bool {
	if uc.cfg.Settings == nil {
		return false
	}
	v, err := uc.cfg.Settings.GetSetting(ctx, SettingTTSAll)
	if err != nil {
		uc.logger.Warn("read tts_all setting failed", "err", err)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func normalize(msg domain.ChatMessage) domain.ChatMessage {
	msg.MessageID = strings.TrimSpace(msg.MessageID)
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if msg.Platform == "" {
		msg.Platform = domain.PlatformWeb
	}
	return msg
}

// isRejection reports errors that mean "not eligible" rather than failure.
func isRejection(err error) bool {
	return errors.Is(err, domain.ErrDuplicateMessage) ||
		errors.Is(err, domain.ErrEmptyContent) ||
		errors.Is(err, domain.ErrNoVoiceConfigured)
}
