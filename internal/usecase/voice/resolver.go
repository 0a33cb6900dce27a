// Package voice elige la voz y el avatar con los que se reproduce un mensaje.
package voice

import (
	"math/rand"
	"sync"
	"time"

	"orionchat/internal/domain"
)

// Resolver picks a voice for a message. The random draw is the only source
// of non-determinism; pass a seeded source in tests.
type Resolver struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewResolver(src rand.Source) *Resolver {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Resolver{rnd: rand.New(src)}
}

// Resolve devuelve el override del mensaje si viene completo; si no, una voz
// al azar del avatar. false significa que no hay voz configurada.
func (r *Resolver) Resolve(msg domain.ChatMessage, avatar *domain.Avatar) (domain.Voice, bool) {
	if v, ok := msg.VoiceOverride(); ok {
		return v, true
	}
	if !avatar.HasVoices() {
		return domain.Voice{}, false
	}

	r.mu.Lock()
	idx := r.rnd.Intn(len(avatar.Voices))
	r.mu.Unlock()

	return avatar.Voices[idx], true
}
