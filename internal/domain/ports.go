package domain

import "context"

// SettingsRepository guarda preferencias simples (estilos del overlay, flags).
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)
}

// MessagePublisher reenvía mensajes de chat a los clientes conectados.
type MessagePublisher interface {
	PublishMessage(ctx context.Context, msg ChatMessage) error
}
