package synth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"orionchat/internal/domain"
)

var (
	ErrUnknownProvider = errors.New("unknown tts provider")
	ErrBlockedText     = errors.New("text contains a blocked word")
)

// Service es el fetcher en proceso y el backend del endpoint /tts-service.
type Service struct {
	mu        sync.RWMutex
	providers map[string]Provider
	sanitizer *Sanitizer
	limiter   *rate.Limiter
	logger    *log.Logger
}

func NewService(logger *log.Logger, providers ...Provider) *Service {
	if logger == nil {
		logger = log.Default()
	}
	s := &Service{
		providers: make(map[string]Provider),
		sanitizer: NewSanitizer(),
		logger:    logger.With("component", "synth"),
	}
	for _, p := range providers {
		s.Register(p)
	}
	return s
}

func (s *Service) Register(p Provider) {
	if p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[strings.ToLower(p.Name())] = p
}

func (s *Service) SetSanitizer(san *Sanitizer) {
	if san == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sanitizer = san
}

// SetRateLimit limita las llamadas a los proveedores (una por trozo) con un
// único limitador compartido; perSecond <= 0 lo desactiva.
func (s *Service) SetRateLimit(perSecond float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiter = newLimiter(perSecond, burst)
}

func (s *Service) provider(name string) (Provider, *Sanitizer, *rate.Limiter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, nil, nil, fmt.Errorf("synth: %q: %w", name, ErrUnknownProvider)
	}
	return p, s.sanitizer, s.limiter, nil
}

// Fetch sanea, divide y sintetiza cada trozo; el audio resultante es la
// concatenación de los MP3 decodificados.
func (s *Service) Fetch(ctx context.Context, text string, voice domain.Voice) (domain.AudioPayload, error) {
	if strings.TrimSpace(text) == "" {
		return "", domain.ErrEmptyContent
	}
	p, san, limiter, err := s.provider(voice.Provider)
	if err != nil {
		return "", err
	}

	if word, blocked := san.Blocked(text); blocked {
		return "", fmt.Errorf("synth: %q: %w", word, ErrBlockedText)
	}
	clean := san.Sanitize(text)
	if clean == "" {
		return "", domain.ErrEmptyContent
	}

	chunks, err := SplitText(clean, MaxChunkLength)
	if err != nil {
		return "", err
	}

	var audio []byte
	for i, chunk := range chunks {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return "", &domain.SynthesisError{Message: "rate limiter: " + err.Error(), Err: err}
			}
		}
		encoded, err := p.Synthesize(ctx, chunk, voice.ID)
		if err != nil {
			return "", fmt.Errorf("synth: chunk %d/%d: %w", i+1, len(chunks), err)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return "", fmt.Errorf("synth: chunk %d/%d: decode audio: %w", i+1, len(chunks), err)
		}
		audio = append(audio, raw...)
	}

	s.logger.Debug("synthesized", "provider", p.Name(), "voice", voice.ID, "chunks", len(chunks), "bytes", len(audio))
	return domain.AudioPayload(base64.StdEncoding.EncodeToString(audio)), nil
}

// Voices lists every provider catalog sorted by provider name.
func (s *Service) Voices() []domain.VoiceOption {
	s.mu.RLock()
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []domain.VoiceOption
	for _, name := range names {
		out = append(out, s.providers[name].Voices()...)
	}
	s.mu.RUnlock()
	return out
}
