package voice

import (
	"math/rand"
	"sync"
	"time"

	"orionchat/internal/domain"
)

const (
	baseWeight       = 100
	recencyPenalty   = 30
	minWeight        = 10
	defaultMaxRecent = 3
)

// AvatarPicker reparte los mensajes entre los avatares activos, bajando la
// probabilidad de los que hablaron hace poco.
type AvatarPicker struct {
	mu        sync.Mutex
	rnd       *rand.Rand
	recent    []string
	maxRecent int
}

func NewAvatarPicker(src rand.Source) *AvatarPicker {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &AvatarPicker{
		rnd:       rand.New(src),
		maxRecent: defaultMaxRecent,
	}
}

// Pick returns nil when there are no candidates.
func (p *AvatarPicker) Pick(candidates []*domain.Avatar) *domain.Avatar {
	var avatars []*domain.Avatar
	for _, a := range candidates {
		if a != nil {
			avatars = append(avatars, a)
		}
	}
	switch len(avatars) {
	case 0:
		return nil
	case 1:
		return avatars[0]
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	weights := p.weightsLocked(avatars)
	total := 0
	for _, w := range weights {
		total += w
	}

	n := p.rnd.Intn(total)
	chosen := avatars[len(avatars)-1]
	acc := 0
	for i, w := range weights {
		acc += w
		if n < acc {
			chosen = avatars[i]
			break
		}
	}

	p.recent = append(p.recent, chosen.ID)
	if len(p.recent) > p.maxRecent {
		p.recent = p.recent[len(p.recent)-p.maxRecent:]
	}
	return chosen
}

// Weights expone el peso actual de cada candidato, en el mismo orden.
func (p *AvatarPicker) Weights(candidates []*domain.Avatar) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.weightsLocked(candidates)
}

func (p *AvatarPicker) weightsLocked(avatars []*domain.Avatar) []int {
	weights := make([]int, len(avatars))
	for i, a := range avatars {
		w := baseWeight
		// recent is oldest first, so the latest pick gets the largest penalty
		for rank, id := range p.recent {
			if a != nil && id == a.ID {
				w -= recencyPenalty * (rank + 1)
			}
		}
		if w < minWeight {
			w = minWeight
		}
		weights[i] = w
	}
	return weights
}
