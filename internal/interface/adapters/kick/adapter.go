// Package kickadapter escucha el chatroom de Kick vía el websocket público.
package kickadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	kickchatwrapper "github.com/johanvandegriff/kick-chat-wrapper"

	"orionchat/internal/domain"
)

type Config struct {
	// ID del usuario broadcaster, se usa para marcar al dueño del canal.
	BroadcasterUserID int

	// ID del chatroom (no es el mismo que el userID)
	// lo sacas de: https://kick.com/api/v2/channels/{slug}, campo "chatroom":{"id":...}
	ChatroomID int

	// EventHandler recibe cualquier mensaje crudo del chatroom (subs, tips, etc.)
	EventHandler EventHandler

	Logger *log.Logger
}

type MessageHandler func(ctx context.Context, msg domain.ChatMessage) error
type EventHandler func(msg kickchatwrapper.ChatMessage)

type Adapter struct {
	cfg     Config
	logger  *log.Logger
	handler MessageHandler

	mu sync.RWMutex
	ws *kickchatwrapper.Client
}

func NewAdapter(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{cfg: cfg, logger: logger.With("component", "kick")}
}

func (a *Adapter) SetHandler(h MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.ChatroomID == 0 {
		return errors.New("kick: ChatroomID no configurado")
	}

	wsClient, err := kickchatwrapper.NewClient()
	if err != nil {
		return fmt.Errorf("kick: error creando ws client: %w", err)
	}

	if err := wsClient.JoinChannelByID(a.cfg.ChatroomID); err != nil {
		return fmt.Errorf("kick: JoinChannelByID: %w", err)
	}

	msgChan := wsClient.ListenForMessages()

	a.mu.Lock()
	a.ws = wsClient
	a.mu.Unlock()

	a.logger.Info("connected", "chatroom", a.cfg.ChatroomID)

	go func() {
		for {
			select {
			case m, ok := <-msgChan:
				if !ok {
					a.logger.Warn("canal de mensajes cerrado")
					return
				}

				if h := a.cfg.EventHandler; h != nil {
					go h(m)
				}

				if !isChat(m) {
					continue
				}

				a.mu.RLock()
				handler := a.handler
				a.mu.RUnlock()
				if handler == nil {
					continue
				}

				if err := handler(ctx, mapChatMessage(m, a.cfg.BroadcasterUserID, time.Now())); err != nil {
					a.logger.Warn("handler error", "err", err)
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()

	a.mu.Lock()
	if a.ws != nil {
		a.ws.Close()
		a.ws = nil
	}
	a.mu.Unlock()

	return ctx.Err()
}

func isChat(m kickchatwrapper.ChatMessage) bool {
	kind := strings.TrimSpace(m.Type)
	return kind == "" || strings.EqualFold(kind, "chat") || strings.EqualFold(kind, "message")
}

func mapChatMessage(m kickchatwrapper.ChatMessage, broadcasterUserID int, now time.Time) domain.ChatMessage {
	sender := m.Sender

	isOwner := broadcasterUserID != 0 && sender.ID == broadcasterUserID

	var isMod, isSub, isVerified bool
	for _, b := range sender.Identity.Badges {
		switch strings.ToLower(b.Type) {
		case "moderator":
			isMod = true
		case "broadcaster":
			// a veces Kick marca esto en badges también
			isOwner = true
		case "subscriber", "founder", "og":
			isSub = true
		case "verified":
			isVerified = true
		}
	}

	text := strings.TrimSpace(m.Content)

	msg := domain.ChatMessage{
		Type:      "chat",
		Platform:  domain.PlatformKick,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		MessageID: messageID(m),
		RoomID:    strconv.Itoa(m.ChatroomID),
	}
	msg.Data.Author.ID = strconv.Itoa(sender.ID)
	msg.Data.Author.Username = sender.Username
	msg.Data.Author.DisplayName = sender.Username
	msg.Data.Author.Roles.Broadcaster = isOwner
	msg.Data.Author.Roles.Moderator = isMod || isOwner
	msg.Data.Author.Roles.Subscriber = isSub
	msg.Data.Author.Roles.Verified = isVerified
	msg.Data.Content.Raw = m.Content
	msg.Data.Content.Formatted = text
	msg.Data.Content.Sanitized = text
	msg.Data.Metadata.Type = "chat"
	return msg
}

// messageID lee el "id" del payload tal como lo envía pusher. Si no viene,
// el interactor asigna uno.
func messageID(m kickchatwrapper.ChatMessage) string {
	raw, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(envelope.ID, &s); err == nil {
		return s
	}
	return strings.Trim(string(envelope.ID), `"`)
}
