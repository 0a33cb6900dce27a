// Package queue serializa la reproducción TTS: las descargas de audio se
// solapan entre mensajes pero solo suena uno a la vez.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"orionchat/internal/app/events"
	"orionchat/internal/domain"
)

const (
	defaultGap     = 300 * time.Millisecond
	snapshotMaxLen = 30
)

type Status string

const (
	StatusQueued   Status = "queued"
	StatusFetching Status = "fetching"
	StatusFetched  Status = "fetched"
	StatusPlaying  Status = "playing"
)

// Fetcher turns text into a complete audio payload.
type Fetcher interface {
	Fetch(ctx context.Context, text string, voice domain.Voice) (domain.AudioPayload, error)
}

// VoiceResolver picks the voice for a message; false means none configured.
type VoiceResolver interface {
	Resolve(msg domain.ChatMessage, avatar *domain.Avatar) (domain.Voice, bool)
}

// Playback es lo que recibe el sink: el audio más lo que el avatar debe
// mostrar mientras habla.
type Playback struct {
	MessageID string
	Avatar    *domain.Avatar
	Voice     domain.Voice
	Text      string
	Author    string
	Platform  domain.Platform
	Audio     domain.AudioPayload
}

// Sink plays one payload and returns once it ended or failed. It must not be
// called concurrently; the queue guarantees that.
type Sink interface {
	Play(ctx context.Context, p Playback) error
}

type Config struct {
	Fetcher  Fetcher
	Resolver VoiceResolver
	Sink     Sink
	Bus      *events.Bus
	Logger   *log.Logger
	// Gap es la pausa entre locuciones consecutivas.
	Gap time.Duration
	// FetchTimeout limita cada descarga; cero significa sin límite.
	FetchTimeout time.Duration
}

type item struct {
	messageID string
	message   domain.ChatMessage
	avatar    *domain.Avatar
	voice     domain.Voice
	text      string

	status Status
	audio  domain.AudioPayload
	err    error
	// fetched se cierra cuando la descarga termina, con o sin error.
	fetched chan struct{}
}

// ItemSnapshot is the read-only view of one queued item.
type ItemSnapshot struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Status    Status `json:"status"`
}

type Queue struct {
	cfg    Config
	logger *log.Logger

	mu           sync.Mutex
	items        []*item
	draining     bool
	lastPlayedID string
	lastError    string
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Queue {
	if cfg.Gap < 0 {
		cfg.Gap = 0
	} else if cfg.Gap == 0 {
		cfg.Gap = defaultGap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:    cfg,
		logger: logger.With("component", "tts-queue"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start ties the queue lifetime to ctx and publishes the initial status.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			_ = q.Close()
		case <-q.ctx.Done():
		}
	}()
	q.publishStatus()
}

// Enqueue acepta el mensaje o devuelve el motivo del rechazo. No espera a la
// reproducción.
func (q *Queue) Enqueue(msg domain.ChatMessage, avatar *domain.Avatar) error {
	id := strings.TrimSpace(msg.MessageID)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.ErrQueueClosed
	}
	if id != "" && id == q.lastPlayedID {
		q.mu.Unlock()
		q.logger.Debug("ignoring consecutive duplicate", "message_id", id)
		return fmt.Errorf("queue: %s just played: %w", id, domain.ErrDuplicateMessage)
	}
	if q.indexLocked(id) >= 0 {
		q.mu.Unlock()
		q.logger.Debug("ignoring duplicate already queued", "message_id", id)
		return fmt.Errorf("queue: %s already queued: %w", id, domain.ErrDuplicateMessage)
	}

	text := msg.Text()
	if text == "" {
		q.mu.Unlock()
		q.logger.Info("ignoring message without text", "message_id", id)
		return fmt.Errorf("queue: %s: %w", id, domain.ErrEmptyContent)
	}

	v, ok := q.resolve(msg, avatar)
	if !ok {
		q.mu.Unlock()
		q.logger.Warn("no voice configured", "message_id", id, "avatar", avatarID(avatar))
		return fmt.Errorf("queue: avatar %q: %w", avatarID(avatar), domain.ErrNoVoiceConfigured)
	}

	it := &item{
		messageID: id,
		message:   msg,
		avatar:    avatar,
		voice:     v,
		text:      text,
		status:    StatusQueued,
		fetched:   make(chan struct{}),
	}
	q.items = append(q.items, it)
	startDrain := !q.draining
	if startDrain {
		q.draining = true
	}

	q.wg.Add(1)
	if startDrain {
		q.wg.Add(1)
	}
	q.mu.Unlock()

	q.logger.Debug("enqueued", "message_id", id, "voice", v.ID, "provider", v.Provider)

	go q.fetch(it)
	if startDrain {
		go q.drain()
	}
	q.publishStatus()
	return nil
}

func (q *Queue) resolve(msg domain.ChatMessage, avatar *domain.Avatar) (domain.Voice, bool) {
	if q.cfg.Resolver == nil {
		return msg.VoiceOverride()
	}
	return q.cfg.Resolver.Resolve(msg, avatar)
}

func (q *Queue) fetch(it *item) {
	defer q.wg.Done()

	var (
		audio domain.AudioPayload
		err   error
	)

	q.mu.Lock()
	it.status = StatusFetching
	q.mu.Unlock()
	q.publishStatus()

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("fetcher panic: %v", r)
			}
		}()
		if q.cfg.Fetcher == nil {
			err = errors.New("no fetcher configured")
			return
		}
		ctx := q.ctx
		if q.cfg.FetchTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, q.cfg.FetchTimeout)
			defer cancel()
		}
		audio, err = q.cfg.Fetcher.Fetch(ctx, it.text, it.voice)
	}()

	q.mu.Lock()
	queued := q.containsLocked(it)
	if err != nil {
		it.err = err
		if queued {
			// el item sale de la cola sin afectar a los demás
			q.removeLocked(it)
			q.lastError = err.Error()
		}
	} else {
		it.audio = audio
		it.status = StatusFetched
	}
	q.mu.Unlock()
	close(it.fetched)

	if !queued {
		q.logger.Debug("discarding fetch for dropped item", "message_id", it.messageID)
		return
	}
	if err != nil {
		q.logger.Error("synthesis failed", "message_id", it.messageID, "err", err)
		q.publishSpoken(it, false, err)
	}
	q.publishStatus()
}

func (q *Queue) drain() {
	defer q.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("drain loop crashed", "panic", r)
			q.mu.Lock()
			q.draining = false
			for _, it := range q.items {
				if it.status == StatusPlaying {
					it.status = StatusFetched
				}
			}
			q.mu.Unlock()
			q.publishStatus()
		}
	}()

	for {
		q.mu.Lock()
		if len(q.items) == 0 || q.closed {
			q.draining = false
			q.mu.Unlock()
			q.publishStatus()
			return
		}
		head := q.items[0]
		q.mu.Unlock()

		// head-of-line: solo bloquea si la descarga de la cabeza sigue en curso
		select {
		case <-head.fetched:
		case <-q.ctx.Done():
			q.mu.Lock()
			q.draining = false
			q.mu.Unlock()
			return
		}

		q.mu.Lock()
		if head.err != nil || len(q.items) == 0 || q.items[0] != head {
			// dropped by a failed fetch or by Clear while we waited
			q.mu.Unlock()
			continue
		}
		head.status = StatusPlaying
		playback := Playback{
			MessageID: head.messageID,
			Avatar:    head.avatar,
			Voice:     head.voice,
			Text:      head.text,
			Author:    head.message.AuthorName(),
			Platform:  head.message.Platform,
			Audio:     head.audio,
		}
		q.mu.Unlock()
		q.publishStatus()

		err := q.play(playback)

		q.mu.Lock()
		q.lastPlayedID = head.messageID
		q.removeLocked(head)
		if err != nil {
			q.lastError = err.Error()
		}
		q.mu.Unlock()

		if err != nil {
			q.logger.Error("playback failed", "message_id", head.messageID, "err", err)
		}
		q.publishSpoken(head, err == nil, err)
		q.publishStatus()

		if !q.sleep(q.cfg.Gap) {
			q.mu.Lock()
			q.draining = false
			q.mu.Unlock()
			return
		}
	}
}

func (q *Queue) play(p Playback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.PlaybackError{MessageID: p.MessageID, Err: fmt.Errorf("sink panic: %v", r)}
		}
	}()
	if q.cfg.Sink == nil {
		return &domain.PlaybackError{MessageID: p.MessageID, Err: errors.New("no sink configured")}
	}
	if err := q.cfg.Sink.Play(q.ctx, p); err != nil {
		var pe *domain.PlaybackError
		if errors.As(err, &pe) {
			return err
		}
		return &domain.PlaybackError{MessageID: p.MessageID, Err: err}
	}
	return nil
}

func (q *Queue) sleep(d time.Duration) bool {
	if d <= 0 {
		return q.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.ctx.Done():
		return false
	}
}

// Clear vacía el backlog. Si algo está sonando, ese item se conserva para no
// cortar la locución en curso. lastPlayedID no se reinicia.
func (q *Queue) Clear() int {
	q.mu.Lock()
	before := len(q.items)
	if len(q.items) > 0 && q.items[0].status == StatusPlaying {
		q.items = q.items[:1:1]
	} else {
		q.items = nil
	}
	dropped := before - len(q.items)
	q.mu.Unlock()

	q.logger.Info("queue cleared", "dropped", dropped)
	q.publishStatus()
	return dropped
}

// Snapshot never mutates the queue.
func (q *Queue) Snapshot() []ItemSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) LastPlayedID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastPlayedID
}

// Status arma el DTO que consumen los paneles de depuración.
func (q *Queue) Status() events.TTSStatusDTO {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}

func (q *Queue) snapshotLocked() []ItemSnapshot {
	out := make([]ItemSnapshot, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, ItemSnapshot{
			MessageID: it.messageID,
			Text:      truncate(it.text, snapshotMaxLen),
			Status:    it.status,
		})
	}
	return out
}

func (q *Queue) statusLocked() events.TTSStatusDTO {
	items := make([]events.TTSQueueItemDTO, 0, len(q.items))
	state := "idle"
	currentID := ""
	for _, s := range q.snapshotLocked() {
		items = append(items, events.TTSQueueItemDTO{
			MessageID: s.MessageID,
			Text:      s.Text,
			Status:    string(s.Status),
		})
		if s.Status == StatusPlaying {
			state = "speaking"
			currentID = s.MessageID
		}
	}
	if state == "idle" && q.draining {
		state = "waiting"
	}
	if q.closed {
		state = "stopped"
	}
	return events.NewTTSStatusDTO(state, items, currentID, q.lastError)
}

func (q *Queue) indexLocked(id string) int {
	for i, it := range q.items {
		if it.messageID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) containsLocked(target *item) bool {
	for _, it := range q.items {
		if it == target {
			return true
		}
	}
	return false
}

func (q *Queue) removeLocked(target *item) {
	for i, it := range q.items {
		if it == target {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *Queue) publishStatus() {
	if q.cfg.Bus == nil {
		return
	}
	q.mu.Lock()
	status := q.statusLocked()
	q.mu.Unlock()
	q.cfg.Bus.Publish(events.TopicTTSStatus, status)
}

func (q *Queue) publishSpoken(it *item, ok bool, err error) {
	if q.cfg.Bus == nil || it == nil {
		return
	}
	payload := events.NewTTSSpokenDTO(it.messageID, ok, err)
	payload.AvatarID = avatarID(it.avatar)
	payload.Text = it.text
	payload.Voice = it.voice.ID
	payload.Provider = it.voice.Provider
	payload.Author = it.message.AuthorName()
	q.cfg.Bus.Publish(events.TopicTTSSpoken, payload)
}

func truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}

func avatarID(a *domain.Avatar) string {
	if a == nil {
		return ""
	}
	return a.ID
}
