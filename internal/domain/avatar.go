package domain

import "context"

type AvatarState string

const (
	StateIdle    AvatarState = "idle"
	StateTalking AvatarState = "talking"
)

// Avatar es el contexto visual y de voz por el que se reproduce un mensaje.
type Avatar struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	States      map[AvatarState]string `json:"states"`
	IsDefault   bool                   `json:"is_default"`
	Active      bool                   `json:"active"`
	Voices      []Voice                `json:"tts_voices"`
	SortOrder   int                    `json:"sort_order"`
	CreatedAt   int64                  `json:"created_at"`
}

func (a *Avatar) HasVoices() bool {
	return a != nil && len(a.Voices) > 0
}

type AvatarRepository interface {
	SaveAvatar(ctx context.Context, avatar *Avatar) error
	GetAvatar(ctx context.Context, id string) (*Avatar, error)
	ListAvatars(ctx context.Context) ([]*Avatar, error)
	DeleteAvatar(ctx context.Context, id string) error
}
