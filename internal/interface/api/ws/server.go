package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"orionchat/internal/app/events"
	"orionchat/internal/domain"
)

const writeTimeout = 5 * time.Second

var ErrNoOverlay = errors.New("ws: no overlay connected")

// Server expone los WebSocket de chat y overlay y la API HTTP.
type Server struct {
	addr     string
	upgrader websocket.Upgrader
	bus      *events.Bus
	logger   *log.Logger

	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	overlays map[*wsClient]string
	pending  map[string]*pendingAck

	httpSrv *http.Server
	api     *apiHandlers
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// NewServer crea el servidor; Start lo pone a escuchar.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		addr: cfg.addr(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		bus:      cfg.Bus,
		logger:   logger.With("component", "ws"),
		clients:  make(map[*wsClient]struct{}),
		overlays: make(map[*wsClient]string),
		pending:  make(map[string]*pendingAck),
	}
	s.api = newAPIHandlers(cfg, s.logger)
	return s
}

// Bind conecta el dispatcher y la cola cuando se construyen después del
// server. Debe llamarse antes de Start.
func (s *Server) Bind(d Dispatcher, q QueueController) {
	if d != nil {
		s.api.dispatcher = d
	}
	if q != nil {
		s.api.queue = q
	}
}

// Handler builds the HTTP handler. Connections and bus forwarding stop when
// ctx is cancelled.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", func(w http.ResponseWriter, r *http.Request) {
		s.handleChatWS(ctx, w, r)
	})
	mux.HandleFunc("/ws/overlay", func(w http.ResponseWriter, r *http.Request) {
		s.handleOverlayWS(ctx, w, r)
	})
	s.api.register(mux)

	if s.bus != nil {
		s.forward(ctx)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/") {
			setCORSHeaders(w)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		mux.ServeHTTP(w, r)
	})
}

// Start levanta el HTTP server y se bloquea hasta que el contexto se cancela.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("shutdown error", "err", err)
		}
		s.closeAll()
	}()

	s.logger.Info("listening", "addr", s.addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// forward reenvía los topics del bus a los clientes conectados.
func (s *Server) forward(ctx context.Context) {
	relay := func(topic string, send func(any)) {
		ch, unsubscribe := s.bus.Subscribe(topic)
		go func() {
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-ch:
					if !ok {
						return
					}
					send(payload)
				}
			}
		}()
	}

	relay(events.TopicChatMessage, s.broadcastChat)
	relay(events.TopicTTSStatus, func(p any) {
		s.broadcastChat(envelope{Type: "tts_status", Data: p})
	})
	relay(events.TopicTTSSpoken, func(p any) {
		s.broadcastChat(envelope{Type: "tts_spoken", Data: p})
	})
	relay(events.TopicAppError, func(p any) {
		s.broadcastChat(envelope{Type: "error", Data: p})
	})
	relay(events.TopicOverlay, func(p any) {
		s.broadcastOverlays("", p)
	})
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func (s *Server) handleChatWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade error", "err", err)
		return
	}

	client := &wsClient{conn: conn}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	clientCount := len(s.clients)
	s.mu.Unlock()

	s.logger.Info("chat client connected", "remote", r.RemoteAddr, "clients", clientCount)

	if s.api.queue != nil {
		_ = client.writeJSON(envelope{Type: "tts_status", Data: s.api.queue.Status()})
	}

	go s.readChat(ctx, client)
}

func (s *Server) readChat(ctx context.Context, client *wsClient) {
	defer func() {
		client.conn.Close()

		s.mu.Lock()
		delete(s.clients, client)
		clientCount := len(s.clients)
		s.mu.Unlock()

		s.logger.Info("chat client closed", "clients", clientCount)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		msgType, data, err := client.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("chat read error", "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if err := s.dispatchIncoming(ctx, data); err != nil {
			s.logger.Warn("incoming dispatch error", "err", err)
		}
	}
}

var controlTypes = map[string]bool{"subscribe": true, "unsubscribe": true, "ping": true}

func (s *Server) dispatchIncoming(ctx context.Context, data []byte) error {
	if s.api.dispatcher == nil {
		return nil
	}

	var msg domain.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if controlTypes[strings.ToLower(msg.Type)] {
		return nil
	}
	if msg.Data.Content.Raw == "" && msg.Data.Content.Sanitized == "" {
		s.logger.Debug("ignoring message without content", "message_id", msg.MessageID)
		return nil
	}
	return s.api.dispatcher.Handle(ctx, msg)
}

func (s *Server) handleOverlayWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	avatarID := strings.TrimSpace(r.URL.Query().Get("avatar"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade error", "err", err)
		return
	}

	client := &wsClient{conn: conn}

	s.mu.Lock()
	s.overlays[client] = avatarID
	overlayCount := len(s.overlays)
	s.mu.Unlock()

	s.logger.Info("overlay connected", "avatar", avatarID, "overlays", overlayCount)

	go s.readOverlay(ctx, client)
}

type overlayMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) readOverlay(ctx context.Context, client *wsClient) {
	defer s.dropOverlay(client)

	for {
		if ctx.Err() != nil {
			return
		}
		var msg overlayMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("overlay read error", "err", err)
			}
			return
		}

		switch msg.Type {
		case "tts_done":
			s.resolveAck(client, msg.MessageID, overlayAck{})
		case "tts_error":
			reason := msg.Error
			if reason == "" {
				reason = "overlay reported an error"
			}
			s.resolveAck(client, msg.MessageID, overlayAck{err: errors.New(reason)})
		}
	}
}

// PublishMessage cumple con domain.MessagePublisher.
func (s *Server) PublishMessage(ctx context.Context, msg domain.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dto := events.NewChatMessageDTO(msg)
	if s.bus != nil {
		s.bus.Publish(events.TopicChatMessage, dto)
		return nil
	}
	s.broadcastChat(dto)
	return nil
}

// PublishTTSEvent envía la locución a los overlays del avatar y a los que
// no filtran por avatar. Falla si no hay ninguno.
func (s *Server) PublishTTSEvent(ctx context.Context, event domain.TTSEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := s.broadcastOverlays(event.AvatarID, envelope{Type: "tts", Data: event}); n == 0 {
		return ErrNoOverlay
	}
	return nil
}

func (s *Server) broadcastChat(payload any) {
	s.mu.RLock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if err := c.writeJSON(payload); err != nil {
			s.logger.Debug("removing chat client due to write error", "err", err)
			s.mu.Lock()
			delete(s.clients, c)
			s.mu.Unlock()
			c.conn.Close()
		}
	}
}

// broadcastOverlays returns how many overlays got the payload. avatarID ""
// targets every overlay.
func (s *Server) broadcastOverlays(avatarID string, payload any) int {
	s.mu.RLock()
	targets := s.overlayTargetsLocked(avatarID)
	s.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.writeJSON(payload); err != nil {
			s.logger.Debug("removing overlay due to write error", "err", err)
			s.dropOverlay(c)
			continue
		}
		sent++
	}
	return sent
}

func (s *Server) overlayTargetsLocked(avatarID string) []*wsClient {
	targets := make([]*wsClient, 0, len(s.overlays))
	for c, filter := range s.overlays {
		if avatarID == "" || filter == "" || filter == avatarID {
			targets = append(targets, c)
		}
	}
	return targets
}

// OverlayCount reports connected overlays for avatarID ("" counts all).
func (s *Server) OverlayCount(avatarID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, filter := range s.overlays {
		if avatarID == "" || filter == "" || filter == avatarID {
			n++
		}
	}
	return n
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.conn.Close()
	}
	for c := range s.overlays {
		c.conn.Close()
	}
}

var _ domain.TTSEventPublisher = (*Server)(nil)
var _ domain.MessagePublisher = (*Server)(nil)
