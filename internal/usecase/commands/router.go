package commands

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"

	"orionchat/internal/domain"
)

const DefaultPrefix = "!"

type Router struct {
	prefix   string
	cmdIndex map[string]Command
	logger   *log.Logger
}

func NewRouter(prefix string, logger *log.Logger) *Router {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		prefix:   prefix,
		cmdIndex: make(map[string]Command),
		logger:   logger.With("component", "commands"),
	}
}

func (r *Router) Register(cmd Command) {
	r.cmdIndex[strings.ToLower(cmd.Name())] = cmd
	for _, alias := range cmd.Aliases() {
		r.cmdIndex[strings.ToLower(alias)] = cmd
	}
}

// Handle devuelve handled=false si el texto no es un comando registrado, para
// que el mensaje siga su camino normal.
func (r *Router) Handle(ctx context.Context, msg domain.ChatMessage) (bool, error) {
	text := msg.Text()
	if text == "" || !strings.HasPrefix(text, r.prefix) {
		return false, nil
	}

	withoutPrefix := strings.TrimPrefix(text, r.prefix)
	parts := strings.Fields(withoutPrefix)
	if len(parts) == 0 {
		return false, nil
	}

	cmdName := strings.ToLower(parts[0])
	cmd, ok := r.cmdIndex[cmdName]
	if !ok {
		return false, nil
	}

	if cmd.ModOnly() && !isPrivileged(msg) {
		r.logger.Debug("comando ignorado, sin permisos", "command", cmdName, "user", msg.AuthorName())
		return true, nil
	}

	ctxCmd := &Context{
		Message: msg,
		Raw:     strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(withoutPrefix), parts[0])),
		Args:    parts[1:],
	}

	return true, cmd.Handle(ctx, ctxCmd)
}
