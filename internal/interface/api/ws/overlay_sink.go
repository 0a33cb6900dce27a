package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orionchat/internal/app/tts/queue"
	"orionchat/internal/domain"
)

const defaultAckTimeout = 2 * time.Minute

var errOverlayGone = errors.New("ws: overlay disconnected before finishing")

type overlayAck struct {
	err error
}

// pendingAck sigue a los overlays que recibieron una locución. Se resuelve
// cuando todos confirmaron, fallaron o se desconectaron.
type pendingAck struct {
	done    chan overlayAck
	waiting map[*wsClient]struct{}
	played  bool
	err     error
}

// settleLocked registra el resultado de un overlay. Devuelve true cuando ya
// no queda ninguno pendiente y el resultado fue entregado.
func (p *pendingAck) settleLocked(c *wsClient, err error) bool {
	if _, ok := p.waiting[c]; !ok {
		return false
	}
	delete(p.waiting, c)
	if err == nil {
		p.played = true
	} else if p.err == nil {
		p.err = err
	}
	if len(p.waiting) > 0 {
		return false
	}
	res := overlayAck{}
	if !p.played {
		res.err = p.err
	}
	p.done <- res
	return true
}

// OverlaySink reproduce a través del overlay del navegador: envía la
// locución y espera a que cada overlay que la recibió confirme que terminó.
type OverlaySink struct {
	server  *Server
	timeout time.Duration
}

// NewOverlaySink creates the sink. timeout bounds the wait for the overlay
// acknowledgements; zero means two minutes.
func NewOverlaySink(server *Server, timeout time.Duration) *OverlaySink {
	if timeout <= 0 {
		timeout = defaultAckTimeout
	}
	return &OverlaySink{server: server, timeout: timeout}
}

// Play succeeds when at least one overlay finished the audio. If none did,
// the first reported error (or disconnection) is returned.
func (o *OverlaySink) Play(ctx context.Context, p queue.Playback) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	event := domain.TTSEvent{
		MessageID:   p.MessageID,
		Voice:       p.Voice,
		Text:        p.Text,
		Author:      p.Author,
		Platform:    p.Platform,
		Timestamp:   time.Now(),
		AudioBase64: string(p.Audio),
	}
	if p.Avatar != nil {
		event.AvatarID = p.Avatar.ID
	}

	pending, err := o.server.deliverTTS(event)
	if err != nil {
		return err
	}
	defer o.server.dropAck(p.MessageID, pending)

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case res := <-pending.done:
		return res.err
	case <-timer.C:
		return fmt.Errorf("ws: overlay did not finish %s within %s", p.MessageID, o.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliverTTS registra los destinatarios antes de escribir, así un ack
// inmediato no se pierde.
func (s *Server) deliverTTS(event domain.TTSEvent) (*pendingAck, error) {
	pending := &pendingAck{
		done:    make(chan overlayAck, 1),
		waiting: make(map[*wsClient]struct{}),
	}

	s.mu.Lock()
	targets := s.overlayTargetsLocked(event.AvatarID)
	if len(targets) == 0 {
		s.mu.Unlock()
		return nil, ErrNoOverlay
	}
	for _, c := range targets {
		pending.waiting[c] = struct{}{}
	}
	s.pending[event.MessageID] = pending
	s.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if err := c.writeJSON(envelope{Type: "tts", Data: event}); err != nil {
			s.logger.Debug("removing overlay due to write error", "err", err)
			s.dropOverlay(c)
			continue
		}
		sent++
	}
	if sent == 0 {
		s.dropAck(event.MessageID, pending)
		return nil, ErrNoOverlay
	}
	return pending, nil
}

func (s *Server) dropAck(messageID string, p *pendingAck) {
	s.mu.Lock()
	if s.pending[messageID] == p {
		delete(s.pending, messageID)
	}
	s.mu.Unlock()
}

// resolveAck registra la confirmación de un overlay; los acks de overlays que
// no recibieron la locución se ignoran.
func (s *Server) resolveAck(c *wsClient, messageID string, res overlayAck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[messageID]
	if !ok {
		s.logger.Debug("ack for unknown message", "message_id", messageID)
		return
	}
	if p.settleLocked(c, res.err) {
		delete(s.pending, messageID)
	}
}

// dropOverlay saca al overlay y falla las locuciones que esperaban por él.
func (s *Server) dropOverlay(c *wsClient) {
	s.mu.Lock()
	_, known := s.overlays[c]
	delete(s.overlays, c)
	for id, p := range s.pending {
		if p.settleLocked(c, errOverlayGone) {
			delete(s.pending, id)
		}
	}
	overlayCount := len(s.overlays)
	s.mu.Unlock()

	c.conn.Close()
	if known {
		s.logger.Info("overlay closed", "overlays", overlayCount)
	}
}

var _ queue.Sink = (*OverlaySink)(nil)
