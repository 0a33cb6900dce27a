package app

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"orionchat/internal/domain"
)

// StartFunc corre una fuente de chat hasta que ctx se cancela.
type StartFunc func(ctx context.Context) error

type ManagerConfig struct {
	Context context.Context
	Logger  *log.Logger
	// OnError se llama cuando una fuente termina con error.
	OnError func(platform domain.Platform, err error)
}

// PlatformManager arranca y detiene los adaptadores de chat por plataforma.
type PlatformManager struct {
	ctx     context.Context
	logger  *log.Logger
	onError func(domain.Platform, error)

	mu      sync.Mutex
	sources map[domain.Platform]*sourceRuntime
	wg      sync.WaitGroup
}

type sourceRuntime struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPlatformManager(cfg ManagerConfig) *PlatformManager {
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &PlatformManager{
		ctx:     ctx,
		logger:  logger.With("component", "platforms"),
		onError: cfg.OnError,
		sources: make(map[domain.Platform]*sourceRuntime),
	}
}

// Enable arranca la fuente; si ya había una para la plataforma la reemplaza.
func (m *PlatformManager) Enable(platform domain.Platform, start StartFunc) {
	if start == nil {
		return
	}
	m.Disable(platform)

	ctx, cancel := context.WithCancel(m.ctx)
	src := &sourceRuntime{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.sources[platform] = src
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(src.done)

		err := start(ctx)

		m.mu.Lock()
		if m.sources[platform] == src {
			delete(m.sources, platform)
		}
		m.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("fuente terminó con error", "platform", platform, "err", err)
			if m.onError != nil {
				m.onError(platform, err)
			}
		}
	}()

	m.logger.Info("plataforma habilitada", "platform", platform)
}

// Disable detiene la fuente y espera a que termine.
func (m *PlatformManager) Disable(platform domain.Platform) {
	m.mu.Lock()
	src, ok := m.sources[platform]
	delete(m.sources, platform)
	m.mu.Unlock()
	if !ok {
		return
	}
	src.cancel()
	<-src.done
	m.logger.Info("plataforma deshabilitada", "platform", platform)
}

// Running lists the platforms whose source is still up, sorted.
func (m *PlatformManager) Running() []domain.Platform {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Platform, 0, len(m.sources))
	for p := range m.sources {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *PlatformManager) Shutdown() {
	m.mu.Lock()
	for p, src := range m.sources {
		src.cancel()
		delete(m.sources, p)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
