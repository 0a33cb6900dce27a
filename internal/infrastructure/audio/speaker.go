// Package audio reproduce locuciones por la salida de audio local.
package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hajimehoshi/go-mp3"
	"github.com/hajimehoshi/oto/v2"

	"orionchat/internal/app/tts/queue"
	"orionchat/internal/domain"
)

const pollInterval = 15 * time.Millisecond

var ErrEmptyAudio = errors.New("audio: empty payload")

// SpeakerSink plays MP3 payloads on the default output device. oto only
// allows one context per process, so it is created on first use with the
// sample rate of that first payload.
type SpeakerSink struct {
	publisher domain.TTSEventPublisher
	logger    *log.Logger

	once       sync.Once
	otoCtx     *oto.Context
	sampleRate int
	initErr    error
}

// NewSpeakerSink creates the sink. publisher is optional and, when set,
// receives a TTSEvent before each payload starts so overlays can animate.
func NewSpeakerSink(publisher domain.TTSEventPublisher, logger *log.Logger) *SpeakerSink {
	if logger == nil {
		logger = log.Default()
	}
	return &SpeakerSink{
		publisher: publisher,
		logger:    logger.With("component", "speaker"),
	}
}

func (s *SpeakerSink) Play(ctx context.Context, p queue.Playback) error {
	if p.Audio == "" {
		return ErrEmptyAudio
	}
	raw, err := base64.StdEncoding.DecodeString(string(p.Audio))
	if err != nil {
		return fmt.Errorf("audio: decode base64: %w", err)
	}
	if len(raw) == 0 {
		return ErrEmptyAudio
	}

	decoder, err := mp3.NewDecoder(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("audio: mp3 decoder: %w", err)
	}

	otoCtx, err := s.context(decoder.SampleRate())
	if err != nil {
		return err
	}
	if decoder.SampleRate() != s.sampleRate {
		return fmt.Errorf("audio: sample rate %d does not match output %d", decoder.SampleRate(), s.sampleRate)
	}

	s.notify(ctx, p)

	player := otoCtx.NewPlayer(decoder)
	defer player.Close()
	player.Play()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return player.Err()
}

func (s *SpeakerSink) context(sampleRate int) (*oto.Context, error) {
	s.once.Do(func() {
		otoCtx, ready, err := oto.NewContext(sampleRate, 2, 2)
		if err != nil {
			s.initErr = fmt.Errorf("audio: oto context: %w", err)
			return
		}
		<-ready
		s.otoCtx = otoCtx
		s.sampleRate = sampleRate
		s.logger.Info("audio output ready", "sample_rate", sampleRate)
	})
	return s.otoCtx, s.initErr
}

func (s *SpeakerSink) notify(ctx context.Context, p queue.Playback) {
	if s.publisher == nil {
		return
	}
	// sin audio: el overlay solo anima al avatar, el sonido sale por aquí
	event := domain.TTSEvent{
		MessageID: p.MessageID,
		Voice:     p.Voice,
		Text:      p.Text,
		Author:    p.Author,
		Platform:  p.Platform,
		Timestamp: time.Now(),
	}
	if p.Avatar != nil {
		event.AvatarID = p.Avatar.ID
	}
	if err := s.publisher.PublishTTSEvent(ctx, event); err != nil {
		s.logger.Warn("publish tts event failed", "message_id", p.MessageID, "err", err)
	}
}
