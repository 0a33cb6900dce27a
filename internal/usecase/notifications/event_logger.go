package notifications

import (
	"strings"
	"time"

	"github.com/charmbracelet/log"
	kickchatwrapper "github.com/johanvandegriff/kick-chat-wrapper"
)

// EventLogger registra los eventos de plataformas que no son chat (subs,
// tips, etc.).
type EventLogger struct {
	logger *log.Logger
	now    func() time.Time
}

func NewEventLogger(logger *log.Logger) *EventLogger {
	if logger == nil {
		logger = log.Default()
	}
	return &EventLogger{
		logger: logger.With("component", "platform-events"),
		now:    time.Now,
	}
}

// HandleKickMessage registra los mensajes del websocket de Kick que no son chat normal.
func (l *EventLogger) HandleKickMessage(msg kickchatwrapper.ChatMessage) {
	kind := strings.TrimSpace(msg.Type)
	if kind == "" || strings.EqualFold(kind, "chat") || strings.EqualFold(kind, "message") {
		return
	}

	l.logger.Info("kick event",
		"timestamp", l.now().UTC().Format(time.RFC3339Nano),
		"event_type", msg.Type,
		"chatroom_id", msg.ChatroomID,
		"sender", msg.Sender.Username,
		"content", msg.Content,
	)
}
