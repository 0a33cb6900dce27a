package commands

import (
	"context"
	"strings"

	"orionchat/internal/domain"
	"orionchat/internal/usecase/handle_message"
)

type Speaker interface {
	Speak(ctx context.Context, msg domain.ChatMessage, avatarID string) (handle_message.Result, error)
}

// TTSCommand lee en voz alta el texto que sigue a !tts, aunque el modo
// "TTS para todos" esté apagado. Con @avatar como primer argumento elige
// quién habla.
type TTSCommand struct {
	speaker Speaker
	modOnly bool
}

func NewTTSCommand(speaker Speaker, modOnly bool) *TTSCommand {
	return &TTSCommand{speaker: speaker, modOnly: modOnly}
}

func (c *TTSCommand) Name() string {
	return "tts"
}

func (c *TTSCommand) Aliases() []string {
	return []string{"say"}
}

func (c *TTSCommand) ModOnly() bool {
	return c.modOnly
}

func (c *TTSCommand) Handle(ctx context.Context, cmdCtx *Context) error {
	if c.speaker == nil {
		return nil
	}

	text := cmdCtx.Raw
	avatarID := ""
	if len(cmdCtx.Args) > 0 && strings.HasPrefix(cmdCtx.Args[0], "@") {
		avatarID = strings.TrimPrefix(cmdCtx.Args[0], "@")
		text = strings.TrimSpace(strings.TrimPrefix(text, cmdCtx.Args[0]))
	}
	if text == "" {
		return nil
	}

	msg := cmdCtx.Message
	msg.Data.Content.Raw = text
	msg.Data.Content.Formatted = text
	msg.Data.Content.Sanitized = text

	_, err := c.speaker.Speak(ctx, msg, avatarID)
	return err
}
