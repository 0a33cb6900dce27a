package synth

import (
	"context"

	"orionchat/internal/domain"
)

// Provider sintetiza un único trozo de texto (ya saneado y acotado) y
// devuelve el audio en base64.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, text, voiceID string) (string, error)
	Voices() []domain.VoiceOption
}
