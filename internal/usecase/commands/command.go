// Package commands atiende los comandos que llegan por el chat (!tts,
// !cleartts). Nunca responde en el chat.
package commands

import (
	"context"

	"orionchat/internal/domain"
)

type Command interface {
	Name() string
	Aliases() []string
	// ModOnly restringe el comando a moderadores y al broadcaster.
	ModOnly() bool
	Handle(ctx context.Context, c *Context) error
}

type Context struct {
	Message domain.ChatMessage

	Raw  string
	Args []string
}

func isPrivileged(msg domain.ChatMessage) bool {
	roles := msg.Data.Author.Roles
	return roles.Broadcaster || roles.Moderator
}
