// Package twitchadapter lee el chat de Twitch por IRC.
package twitchadapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adeithe/go-twitch/irc"
	"github.com/charmbracelet/log"

	"orionchat/internal/domain"
)

type Config struct {
	Username   string
	OAuthToken string
	Channels   []string
	Logger     *log.Logger
}

type MessageHandler func(ctx context.Context, msg domain.ChatMessage) error

type Adapter struct {
	cfg     Config
	logger  *log.Logger
	handler MessageHandler

	mu   sync.RWMutex
	conn *irc.Conn
}

func NewAdapter(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	cfg.OAuthToken = formatOAuthToken(cfg.OAuthToken)
	cfg.Channels = normalizeChannels(cfg.Channels)
	return &Adapter{cfg: cfg, logger: logger.With("component", "twitch")}
}

func (a *Adapter) SetHandler(h MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// Start conecta y se bloquea hasta que ctx se cancela.
func (a *Adapter) Start(ctx context.Context) error {
	if len(a.cfg.Channels) == 0 {
		return errors.New("twitch: no hay canales configurados")
	}
	if a.cfg.Username == "" || a.cfg.OAuthToken == "" {
		return errors.New("twitch: username u oauth token vacíos")
	}

	conn := &irc.Conn{}

	if err := conn.SetLogin(a.cfg.Username, a.cfg.OAuthToken); err != nil {
		return fmt.Errorf("twitch: SetLogin: %w", err)
	}

	conn.OnMessage(func(cm irc.ChatMessage) {
		a.mu.RLock()
		handler := a.handler
		a.mu.RUnlock()
		if handler == nil {
			return
		}

		if err := handler(ctx, mapChatMessage(cm, time.Now())); err != nil {
			a.logger.Warn("handler error", "channel", cm.Channel, "err", err)
		}
	})

	if err := conn.Connect(); err != nil {
		return fmt.Errorf("twitch: Connect: %w", err)
	}

	if err := conn.Join(a.cfg.Channels...); err != nil {
		conn.Close()
		return fmt.Errorf("twitch: Join: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	a.logger.Info("connected", "user", a.cfg.Username, "channels", a.cfg.Channels)

	<-ctx.Done()

	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()

	return ctx.Err()
}

func mapChatMessage(cm irc.ChatMessage, now time.Time) domain.ChatMessage {
	sender := cm.Sender
	text := strings.TrimSpace(cm.Text)

	msg := domain.ChatMessage{
		Type:      "chat",
		Platform:  domain.PlatformTwitch,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		MessageID: cm.ID,
		RoomID:    strings.TrimPrefix(cm.Channel, "#"),
	}
	msg.Data.Author.ID = strconv.FormatInt(sender.ID, 10)
	msg.Data.Author.Username = sender.Username
	msg.Data.Author.DisplayName = sender.DisplayName
	msg.Data.Author.Roles.Broadcaster = sender.IsBroadcaster
	msg.Data.Author.Roles.Moderator = sender.IsModerator || sender.IsBroadcaster
	msg.Data.Content.Raw = cm.Text
	msg.Data.Content.Formatted = text
	msg.Data.Content.Sanitized = text
	msg.Data.Metadata.Type = "chat"
	if sender.IsVIP {
		msg.Data.Metadata.Type = "vip"
	}
	return msg
}

func formatOAuthToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if strings.HasPrefix(token, "oauth:") {
		return token
	}
	return "oauth:" + token
}

func normalizeChannels(input []string) []string {
	var result []string
	seen := make(map[string]struct{})
	for _, raw := range input {
		for _, part := range strings.Split(raw, ",") {
			channel := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(part), "#"))
			if channel == "" {
				continue
			}
			if _, ok := seen[channel]; ok {
				continue
			}
			seen[channel] = struct{}{}
			result = append(result, channel)
		}
	}
	return result
}
