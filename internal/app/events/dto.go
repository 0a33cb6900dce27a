package events

import (
	"time"

	"orionchat/internal/domain"
)

// ChatMessageDTO es el payload que reciben los paneles de control.
type ChatMessageDTO struct {
	Type    string             `json:"type"`
	Message domain.ChatMessage `json:"data"`
	SentAt  string             `json:"sent_at"`
}

func NewChatMessageDTO(msg domain.ChatMessage) ChatMessageDTO {
	return ChatMessageDTO{
		Type:    "chat",
		Message: msg,
		SentAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// OverlayUpdateDTO reenvía actualizaciones de display sin interpretarlas.
type OverlayUpdateDTO struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// AppErrorDTO avisa a la UI de fallos fuera del flujo de un mensaje
// (adaptadores de chat caídos, etc.).
type AppErrorDTO struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}
