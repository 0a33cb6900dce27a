// Package synth convierte texto en audio, ya sea llamando a un servicio de
// síntesis remoto o a los proveedores en proceso.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"orionchat/internal/domain"
)

// ClientConfig configura el fetcher remoto.
type ClientConfig struct {
	// BaseURL del servicio, por ejemplo http://localhost:8080.
	BaseURL string
	// Path defaults to /tts-service.
	Path       string
	HTTPClient *http.Client
	// RatePerSecond <= 0 desactiva el limitador.
	RatePerSecond float64
	Burst         int
	Logger        *log.Logger
}

// Client is the remote Audio Fetcher. It never retries.
type Client struct {
	endpoint string
	httpCli  *http.Client
	limiter  *rate.Limiter
	logger   *log.Logger
}

type synthRequest struct {
	Text          string `json:"text"`
	VoiceID       string `json:"voice_id"`
	VoiceProvider string `json:"voice_provider"`
}

type synthResponse struct {
	Audio string `json:"audio"`
	Error string `json:"error,omitempty"`
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("synth: empty base url")
	}
	path := cfg.Path
	if path == "" {
		path = "/tts-service"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	httpCli := cfg.HTTPClient
	if httpCli == nil {
		// sin timeout: el límite, si lo hay, lo pone el contexto del llamador
		httpCli = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	c := &Client{
		endpoint: base + path,
		httpCli:  httpCli,
		logger:   logger.With("component", "synth-client"),
	}
	c.limiter = newLimiter(cfg.RatePerSecond, cfg.Burst)
	return c, nil
}

// newLimiter devuelve nil si perSecond <= 0.
func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (c *Client) Fetch(ctx context.Context, text string, voice domain.Voice) (domain.AudioPayload, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", domain.ErrEmptyContent
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", &domain.SynthesisError{Message: "rate limiter: " + err.Error(), Err: err}
		}
	}

	body, err := json.Marshal(synthRequest{
		Text:          text,
		VoiceID:       voice.ID,
		VoiceProvider: voice.Provider,
	})
	if err != nil {
		return "", fmt.Errorf("synth: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("synth: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpCli.Do(req)
	if err != nil {
		return "", &domain.SynthesisError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &domain.SynthesisError{
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(msg)),
		}
	}

	var out synthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &domain.SynthesisError{Status: resp.StatusCode, Message: "decode response: " + err.Error(), Err: err}
	}
	if out.Audio == "" {
		return "", &domain.SynthesisError{Status: resp.StatusCode, Message: "empty audio in response"}
	}

	c.logger.Debug("synthesized", "voice", voice.ID, "provider", voice.Provider, "took", time.Since(started))
	return domain.AudioPayload(out.Audio), nil
}
