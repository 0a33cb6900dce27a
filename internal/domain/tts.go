package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateMessage  = errors.New("duplicate message")
	ErrEmptyContent      = errors.New("empty content")
	ErrNoVoiceConfigured = errors.New("no voice configured")
	ErrQueueClosed       = errors.New("tts queue closed")
	ErrAvatarNotFound    = errors.New("avatar not found")
	ErrNoAvatarAvailable = errors.New("no avatar available")
)

// SynthesisError is returned when the synthesis service answers with a
// non-success status or cannot be reached (Status == 0).
type SynthesisError struct {
	Status  int
	Message string
	Err     error
}

func (e *SynthesisError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("synthesis failed: %s", e.Message)
	}
	return fmt.Sprintf("synthesis failed (status %d): %s", e.Status, e.Message)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

type PlaybackError struct {
	MessageID string
	Err       error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback failed for %s: %v", e.MessageID, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// TTSEvent es lo que recibe un overlay para reproducir una locución.
type TTSEvent struct {
	MessageID   string    `json:"message_id"`
	AvatarID    string    `json:"avatar_id"`
	Voice       Voice     `json:"voice"`
	Text        string    `json:"text"`
	Author      string    `json:"author"`
	Platform    Platform  `json:"platform"`
	Timestamp   time.Time `json:"timestamp"`
	AudioBase64 string    `json:"audio_base64"`
}

type TTSEventPublisher interface {
	PublishTTSEvent(ctx context.Context, event TTSEvent) error
}
