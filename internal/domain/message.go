package domain

import "strings"

type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformKick    Platform = "kick"
	PlatformYouTube Platform = "youtube"
	PlatformTikTok  Platform = "tiktok"
	PlatformWeb     Platform = "web"
)

// ChatAuthor identifica a quien escribió el mensaje.
type ChatAuthor struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Roles       struct {
		Broadcaster bool `json:"broadcaster"`
		Moderator   bool `json:"moderator"`
		Subscriber  bool `json:"subscriber"`
		Verified    bool `json:"verified"`
	} `json:"roles"`
}

// ChatContent lleva las distintas representaciones del texto. Solo Sanitized
// se usa para TTS.
type ChatContent struct {
	Raw       string `json:"raw,omitempty"`
	Formatted string `json:"formatted,omitempty"`
	Sanitized string `json:"sanitized"`
	RawHTML   string `json:"rawHtml,omitempty"`
}

type ChatMetadata struct {
	Type string `json:"type,omitempty"`
}

type ChatMessageData struct {
	Author   ChatAuthor   `json:"author"`
	Content  ChatContent  `json:"content"`
	Metadata ChatMetadata `json:"metadata"`
}

// ChatMessage es el mensaje tal como lo entrega el relay de chat.
type ChatMessage struct {
	Type      string          `json:"type,omitempty"`
	Platform  Platform        `json:"platform"`
	Timestamp string          `json:"timestamp,omitempty"`
	MessageID string          `json:"message_id"`
	RoomID    string          `json:"room_id,omitempty"`
	Data      ChatMessageData `json:"data"`

	// Override explícito de voz; solo aplica si vienen ambos campos.
	VoiceID       string `json:"voice_id,omitempty"`
	VoiceProvider string `json:"voice_provider,omitempty"`
}

// Text devuelve el contenido sanitizado sin espacios en los extremos.
func (m ChatMessage) Text() string {
	return strings.TrimSpace(m.Data.Content.Sanitized)
}

func (m ChatMessage) AuthorName() string {
	if name := strings.TrimSpace(m.Data.Author.DisplayName); name != "" {
		return name
	}
	if name := strings.TrimSpace(m.Data.Author.Username); name != "" {
		return name
	}
	return "Anonymous"
}

// VoiceOverride reports the caller-supplied voice, if complete.
func (m ChatMessage) VoiceOverride() (Voice, bool) {
	id := strings.TrimSpace(m.VoiceID)
	provider := strings.TrimSpace(m.VoiceProvider)
	if id == "" || provider == "" {
		return Voice{}, false
	}
	return Voice{ID: id, Provider: provider}, true
}
