package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"orionchat/internal/app"
	"orionchat/internal/app/events"
	"orionchat/internal/app/tts/queue"
	"orionchat/internal/domain"
	"orionchat/internal/infrastructure/audio"
	"orionchat/internal/infrastructure/config"
	"orionchat/internal/infrastructure/logging"
	sqlitestorage "orionchat/internal/infrastructure/persistence/sqlite"
	"orionchat/internal/infrastructure/synth"
	kickadapter "orionchat/internal/interface/adapters/kick"
	twitchadapter "orionchat/internal/interface/adapters/twitch"
	ws "orionchat/internal/interface/api/ws"
	avataruc "orionchat/internal/usecase/avatar"
	"orionchat/internal/usecase/commands"
	"orionchat/internal/usecase/handle_message"
	"orionchat/internal/usecase/notifications"
	"orionchat/internal/usecase/voice"
)

// Options permite inyectar config y logger; nil significa cargarlos del
// entorno.
type Options struct {
	Config *config.Config
	Logger *log.Logger
}

type Runtime struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *config.Config
	logger *log.Logger

	store      *sqlitestorage.Store
	bus        *events.Bus
	avatars    *avataruc.Service
	synth      *synth.Service
	queue      *queue.Queue
	dispatcher *handle_message.Interactor
	wsServer   *ws.Server
	platforms  *app.PlatformManager

	wg      sync.WaitGroup
	started bool
}

func Start(ctx context.Context, opts Options) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	logger := opts.Logger
	if logger == nil {
		l, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		logger = l
	}

	store, err := sqlitestorage.NewStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	runtimeCtx, cancel := context.WithCancel(ctx)

	bus := events.NewBus(logger)

	avatars := avataruc.NewService(store, bus, logger)
	if _, err := avatars.EnsureDefault(runtimeCtx); err != nil {
		cancel()
		store.Close()
		bus.Close()
		return nil, fmt.Errorf("default avatar: %w", err)
	}

	images := avataruc.NewImageLibrary(cfg.AssetsDir, store, logger)
	if err := images.EnsureDefaults(); err != nil {
		cancel()
		store.Close()
		bus.Close()
		return nil, fmt.Errorf("avatar images: %w", err)
	}

	synthSvc := newSynthService(cfg, logger)

	var fetcher queue.Fetcher = synthSvc
	if cfg.SynthURL != "" {
		client, err := synth.NewClient(synth.ClientConfig{
			BaseURL:       cfg.SynthURL,
			RatePerSecond: cfg.SynthRatePerSec,
			Burst:         cfg.SynthBurst,
			Logger:        logger,
		})
		if err != nil {
			cancel()
			store.Close()
			bus.Close()
			return nil, fmt.Errorf("synth client: %w", err)
		}
		fetcher = client
	}

	wsServer := ws.NewServer(ws.Config{
		Addr:     cfg.HTTPAddr,
		Bus:      bus,
		Logger:   logger,
		Avatars:  avatars,
		Settings: store,
		Synth:    synthSvc,
		Images:   images,
	})

	var sink queue.Sink
	switch cfg.PlaybackSink {
	case config.SinkSpeaker:
		sink = audio.NewSpeakerSink(wsServer, logger)
	default:
		sink = ws.NewOverlaySink(wsServer, cfg.PlaybackTimeout)
	}

	q := queue.New(queue.Config{
		Fetcher:      fetcher,
		Resolver:     voice.NewResolver(nil),
		Sink:         sink,
		Bus:          bus,
		Logger:       logger,
		Gap:          cfg.PlaybackGap,
		FetchTimeout: cfg.SynthTimeout,
	})

	dispatcher := handle_message.NewInteractor(handle_message.Config{
		Queue:     q,
		Avatars:   avatars,
		Picker:    voice.NewAvatarPicker(nil),
		Settings:  store,
		Publisher: wsServer,
		Bus:       bus,
		Logger:    logger,
	})
	wsServer.Bind(dispatcher, q)

	if cfg.ChatCommands {
		router := commands.NewRouter(cfg.CommandPrefix, logger)
		router.Register(commands.NewTTSCommand(dispatcher, cfg.TTSCommandModOnly))
		router.Register(commands.NewClearTTSCommand(q))
		dispatcher.SetCommands(router)
	}

	run := &Runtime{
		ctx:        runtimeCtx,
		cancel:     cancel,
		cfg:        cfg,
		logger:     logger.With("component", "runtime"),
		store:      store,
		bus:        bus,
		avatars:    avatars,
		synth:      synthSvc,
		queue:      q,
		dispatcher: dispatcher,
		wsServer:   wsServer,
		started:    true,
	}
	run.platforms = app.NewPlatformManager(app.ManagerConfig{
		Context: runtimeCtx,
		Logger:  logger,
		OnError: func(p domain.Platform, err error) {
			run.publishError(string(p), err)
		},
	})

	q.Start(runtimeCtx)

	run.wg.Add(1)
	go func() {
		defer run.wg.Done()
		run.logger.Info("iniciando servidor HTTP", "addr", cfg.HTTPAddr, "sink", cfg.PlaybackSink)
		if err := wsServer.Start(runtimeCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			run.logger.Error("http server error", "err", err)
			run.publishError("http", err)
		}
	}()

	run.startAdapters()

	return run, nil
}

func newSynthService(cfg *config.Config, logger *log.Logger) *synth.Service {
	httpCli := &http.Client{}
	svc := synth.NewService(logger,
		synth.NewGoogleProvider("", httpCli),
		synth.NewTikTokProvider("", cfg.TikTokSessionID, httpCli),
	)
	svc.SetSanitizer(synth.NewSanitizer().WithBlockedWords(cfg.BlockedWords...))
	svc.SetRateLimit(cfg.SynthRatePerSec, cfg.SynthBurst)
	return svc
}

func (r *Runtime) startAdapters() {
	if r.cfg.TwitchEnabled() {
		adapter := twitchadapter.NewAdapter(twitchadapter.Config{
			Username:   r.cfg.TwitchUsername,
			OAuthToken: r.cfg.TwitchToken,
			Channels:   r.cfg.TwitchChannels,
			Logger:     r.logger,
		})
		adapter.SetHandler(r.dispatcher.Handle)
		r.platforms.Enable(domain.PlatformTwitch, adapter.Start)
	}

	if r.cfg.KickEnabled() {
		eventLogger := notifications.NewEventLogger(r.logger)
		adapter := kickadapter.NewAdapter(kickadapter.Config{
			BroadcasterUserID: r.cfg.KickBroadcasterUserID,
			ChatroomID:        r.cfg.KickChatroomID,
			EventHandler:      eventLogger.HandleKickMessage,
			Logger:            r.logger,
		})
		adapter.SetHandler(r.dispatcher.Handle)
		r.platforms.Enable(domain.PlatformKick, adapter.Start)
	}
}

func (r *Runtime) publishError(source string, err error) {
	r.bus.Publish(events.TopicAppError, events.AppErrorDTO{
		Source:  source,
		Message: err.Error(),
	})
}

// Wait blocks until the runtime context ends.
func (r *Runtime) Wait() {
	if r == nil {
		return
	}
	<-r.ctx.Done()
}

func (r *Runtime) Stop() error {
	if r == nil || !r.started {
		return nil
	}
	// la cola primero, así Close espera a sus goroutines antes de cerrar el bus
	_ = r.queue.Close()
	r.cancel()
	r.platforms.Shutdown()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		r.logger.Warn("timeout esperando goroutines")
	}

	r.bus.Close()
	r.started = false
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) Bus() *events.Bus {
	if r == nil {
		return nil
	}
	return r.bus
}

func (r *Runtime) Queue() *queue.Queue {
	if r == nil {
		return nil
	}
	return r.queue
}

func (r *Runtime) Dispatcher() *handle_message.Interactor {
	if r == nil {
		return nil
	}
	return r.dispatcher
}

func (r *Runtime) Avatars() *avataruc.Service {
	if r == nil {
		return nil
	}
	return r.avatars
}

// Platforms lists the chat sources currently connected.
func (r *Runtime) Platforms() []domain.Platform {
	if r == nil || r.platforms == nil {
		return nil
	}
	return r.platforms.Running()
}

func (r *Runtime) Config() *config.Config {
	if r == nil {
		return nil
	}
	return r.cfg
}
