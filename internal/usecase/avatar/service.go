// Package avatar administra los avatares: su aspecto, sus voces y cuáles
// están activos para el modo "TTS para todos".
package avatar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"orionchat/internal/app/events"
	"orionchat/internal/domain"
)

const (
	DefaultIdleImage     = "/avatars/idle.png"
	DefaultTalkingImage  = "/avatars/talking.gif"
	DefaultVoiceID       = "id_male_darma"
	DefaultVoiceProvider = domain.ProviderTikTok

	avatarUpdateType = "avatar_update"
)

var (
	ErrDefaultAvatar = errors.New("default avatar cannot be deleted")
	ErrInvalidAvatar = errors.New("invalid avatar")
)

type Service struct {
	repo   domain.AvatarRepository
	bus    *events.Bus
	logger *log.Logger
	now    func() time.Time
	newID  func() string
}

// NewService creates the service. bus is optional; when set, every change is
// announced to overlays on events.TopicOverlay.
func NewService(repo domain.AvatarRepository, bus *events.Bus, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		repo:   repo,
		bus:    bus,
		logger: logger.With("component", "avatars"),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// Input describe un avatar nuevo.
type Input struct {
	Name        string                        `json:"name"`
	Description string                        `json:"description"`
	States      map[domain.AvatarState]string `json:"states"`
	Voices      []domain.Voice                `json:"tts_voices"`
	Active      bool                          `json:"active"`
}

// Patch only touches the fields that are set.
type Patch struct {
	Name        *string                       `json:"name,omitempty"`
	Description *string                       `json:"description,omitempty"`
	States      map[domain.AvatarState]string `json:"states,omitempty"`
	Active      *bool                         `json:"active,omitempty"`
	SortOrder   *int                          `json:"sort_order,omitempty"`
}

func (s *Service) List(ctx context.Context) ([]*domain.Avatar, error) {
	avatars, err := s.repo.ListAvatars(ctx)
	if err != nil {
		return nil, fmt.Errorf("avatar: list: %w", err)
	}
	sortAvatars(avatars)
	return avatars, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Avatar, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrAvatarNotFound
	}
	a, err := s.repo.GetAvatar(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("avatar: get %s: %w", id, err)
	}
	if a == nil {
		return nil, domain.ErrAvatarNotFound
	}
	return a, nil
}

func (s *Service) Create(ctx context.Context, in Input) (*domain.Avatar, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("avatar: %w: empty name", ErrInvalidAvatar)
	}
	voices, err := cleanVoices(in.Voices)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.ListAvatars(ctx)
	if err != nil {
		return nil, fmt.Errorf("avatar: list: %w", err)
	}

	a := &domain.Avatar{
		ID:          s.newID(),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		States:      withDefaultStates(in.States),
		Active:      in.Active,
		Voices:      voices,
		SortOrder:   len(existing),
		CreatedAt:   s.now().UnixMilli(),
	}
	if err := s.repo.SaveAvatar(ctx, a); err != nil {
		return nil, fmt.Errorf("avatar: create: %w", err)
	}
	s.logger.Info("avatar created", "id", a.ID, "name", a.Name)
	s.announce(ctx)
	return a, nil
}

func (s *Service) Update(ctx context.Context, id string, p Patch) (*domain.Avatar, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return nil, fmt.Errorf("avatar: %w: empty name", ErrInvalidAvatar)
		}
		a.Name = name
	}
	if p.Description != nil {
		a.Description = strings.TrimSpace(*p.Description)
	}
	if p.States != nil {
		if a.States == nil {
			a.States = make(map[domain.AvatarState]string)
		}
		for state, path := range p.States {
			if state != domain.StateIdle && state != domain.StateTalking {
				return nil, fmt.Errorf("avatar: %w: unknown state %q", ErrInvalidAvatar, state)
			}
			a.States[state] = strings.TrimSpace(path)
		}
	}
	if p.Active != nil {
		a.Active = *p.Active
	}
	if p.SortOrder != nil {
		a.SortOrder = *p.SortOrder
	}
	if err := s.repo.SaveAvatar(ctx, a); err != nil {
		return nil, fmt.Errorf("avatar: update %s: %w", id, err)
	}
	s.announce(ctx)
	return a, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.IsDefault {
		return ErrDefaultAvatar
	}
	if err := s.repo.DeleteAvatar(ctx, a.ID); err != nil {
		return fmt.Errorf("avatar: delete %s: %w", id, err)
	}
	s.logger.Info("avatar deleted", "id", a.ID)
	s.announce(ctx)
	return nil
}

// SetVoices replaces the avatar voice set. An empty set is allowed and makes
// the avatar ineligible for TTS unless a message carries its own voice.
func (s *Service) SetVoices(ctx context.Context, id string, voices []domain.Voice) (*domain.Avatar, error) {
	clean, err := cleanVoices(voices)
	if err != nil {
		return nil, err
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Voices = clean
	if err := s.repo.SaveAvatar(ctx, a); err != nil {
		return nil, fmt.Errorf("avatar: set voices %s: %w", id, err)
	}
	s.announce(ctx)
	return a, nil
}

// Active devuelve los avatares marcados como activos, en orden.
func (s *Service) Active(ctx context.Context) ([]*domain.Avatar, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Avatar, 0, len(all))
	for _, a := range all {
		if a.Active {
			out = append(out, a)
		}
	}
	return out, nil
}

// SetActive marks exactly ids as active. Unknown ids are an error and
// nothing is written in that case.
func (s *Service) SetActive(ctx context.Context, ids []string) ([]*domain.Avatar, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[strings.TrimSpace(id)] = true
	}
	known := make(map[string]bool, len(all))
	for _, a := range all {
		known[a.ID] = true
	}
	for id := range wanted {
		if !known[id] {
			return nil, fmt.Errorf("avatar: %s: %w", id, domain.ErrAvatarNotFound)
		}
	}

	var active []*domain.Avatar
	for _, a := range all {
		next := wanted[a.ID]
		if a.Active != next {
			a.Active = next
			if err := s.repo.SaveAvatar(ctx, a); err != nil {
				return nil, fmt.Errorf("avatar: set active %s: %w", a.ID, err)
			}
		}
		if next {
			active = append(active, a)
		}
	}
	s.announce(ctx)
	return active, nil
}

// Default returns the default avatar or ErrAvatarNotFound.
func (s *Service) Default(ctx context.Context) (*domain.Avatar, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range all {
		if a.IsDefault {
			return a, nil
		}
	}
	return nil, domain.ErrAvatarNotFound
}

// EnsureDefault crea el avatar por defecto si todavía no existe.
func (s *Service) EnsureDefault(ctx context.Context) (*domain.Avatar, error) {
	a, err := s.Default(ctx)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, domain.ErrAvatarNotFound) {
		return nil, err
	}

	a = &domain.Avatar{
		ID:          s.newID(),
		Name:        "Default",
		Description: "Default avatar",
		States:      withDefaultStates(nil),
		IsDefault:   true,
		Active:      true,
		Voices:      []domain.Voice{{ID: DefaultVoiceID, Provider: DefaultVoiceProvider}},
		CreatedAt:   s.now().UnixMilli(),
	}
	if err := s.repo.SaveAvatar(ctx, a); err != nil {
		return nil, fmt.Errorf("avatar: seed default: %w", err)
	}
	s.logger.Info("default avatar created", "id", a.ID)
	return a, nil
}

func (s *Service) announce(ctx context.Context) {
	if s.bus == nil {
		return
	}
	avatars, err := s.Active(ctx)
	if err != nil {
		s.logger.Warn("avatar update not announced", "err", err)
		return
	}
	s.bus.Publish(events.TopicOverlay, events.OverlayUpdateDTO{
		Type: avatarUpdateType,
		Data: map[string]any{"avatars": avatars},
	})
}

func cleanVoices(voices []domain.Voice) ([]domain.Voice, error) {
	out := make([]domain.Voice, 0, len(voices))
	for _, v := range voices {
		v.ID = strings.TrimSpace(v.ID)
		v.Provider = strings.ToLower(strings.TrimSpace(v.Provider))
		if v.ID == "" || v.Provider == "" {
			return nil, fmt.Errorf("avatar: %w: voice needs voice_id and provider", ErrInvalidAvatar)
		}
		out = append(out, v)
	}
	return out, nil
}

func withDefaultStates(states map[domain.AvatarState]string) map[domain.AvatarState]string {
	out := map[domain.AvatarState]string{
		domain.StateIdle:    DefaultIdleImage,
		domain.StateTalking: DefaultTalkingImage,
	}
	for state, path := range states {
		if path = strings.TrimSpace(path); path != "" {
			out[state] = path
		}
	}
	return out
}

func sortAvatars(avatars []*domain.Avatar) {
	sort.SliceStable(avatars, func(i, j int) bool {
		if avatars[i].SortOrder != avatars[j].SortOrder {
			return avatars[i].SortOrder < avatars[j].SortOrder
		}
		return avatars[i].CreatedAt < avatars[j].CreatedAt
	})
}
