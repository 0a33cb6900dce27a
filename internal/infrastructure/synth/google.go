package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hegedustibor/htgo-tts/voices"

	"orionchat/internal/domain"
)

const (
	defaultGoogleHost = "https://translate.google.com"
	googleRPCID       = "jQ1olc"
	googleUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// GoogleProvider usa el RPC batchexecute de Google Translate.
type GoogleProvider struct {
	host    string
	httpCli *http.Client
}

func NewGoogleProvider(host string, httpCli *http.Client) *GoogleProvider {
	if host == "" {
		host = defaultGoogleHost
	}
	if httpCli == nil {
		httpCli = &http.Client{}
	}
	return &GoogleProvider{host: strings.TrimRight(host, "/"), httpCli: httpCli}
}

func (p *GoogleProvider) Name() string { return domain.ProviderGoogle }

func (p *GoogleProvider) Voices() []domain.VoiceOption {
	return []domain.VoiceOption{
		{ID: voices.Spanish, Provider: domain.ProviderGoogle, Label: "Español"},
		{ID: voices.English, Provider: domain.ProviderGoogle, Label: "English US"},
		{ID: voices.EnglishUK, Provider: domain.ProviderGoogle, Label: "English UK"},
		{ID: voices.Portuguese, Provider: domain.ProviderGoogle, Label: "Português"},
		{ID: voices.French, Provider: domain.ProviderGoogle, Label: "Français"},
		{ID: voices.German, Provider: domain.ProviderGoogle, Label: "Deutsch"},
		{ID: "id", Provider: domain.ProviderGoogle, Label: "Bahasa Indonesia"},
	}
}

func (p *GoogleProvider) Synthesize(ctx context.Context, text, voiceID string) (string, error) {
	inner, err := json.Marshal([]any{text, voiceID, false, "null"})
	if err != nil {
		return "", fmt.Errorf("google: marshal inner: %w", err)
	}
	outer, err := json.Marshal([]any{[][3]any{{googleRPCID, string(inner), nil}}})
	if err != nil {
		return "", fmt.Errorf("google: marshal outer: %w", err)
	}

	form := url.Values{}
	form.Set("f.req", string(outer))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.host+"/_/TranslateWebserverUi/data/batchexecute", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("google: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", googleUserAgent)
	req.Header.Set("Origin", "https://translate.google.com")
	req.Header.Set("Referer", "https://translate.google.com/")

	resp, err := p.httpCli.Do(req)
	if err != nil {
		return "", &domain.SynthesisError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("google: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &domain.SynthesisError{Status: resp.StatusCode, Message: truncateBody(body)}
	}

	return parseGoogleResponse(body)
}

// parseGoogleResponse extrae el audio de la respuesta batchexecute, que
// empieza con el prefijo anti-XSSI )]}'.
func parseGoogleResponse(body []byte) (string, error) {
	raw := strings.TrimSpace(string(body))
	raw = strings.TrimPrefix(raw, ")]}'")
	// batchexecute puede anteponer la longitud del bloque
	if i := strings.Index(raw, "["); i > 0 {
		raw = raw[i:]
	}

	var envelope [][]any
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&envelope); err != nil {
		return "", fmt.Errorf("google: parse envelope: %w", err)
	}
	if len(envelope) == 0 || len(envelope[0]) < 3 {
		return "", fmt.Errorf("google: unexpected response structure")
	}
	payload, ok := envelope[0][2].(string)
	if !ok || payload == "" {
		return "", fmt.Errorf("google: no audio data in response")
	}

	var inner []any
	if err := json.Unmarshal([]byte(payload), &inner); err != nil {
		return "", fmt.Errorf("google: parse audio data: %w", err)
	}
	if len(inner) == 0 {
		return "", fmt.Errorf("google: empty audio data")
	}
	audio, ok := inner[0].(string)
	if !ok || audio == "" {
		return "", fmt.Errorf("google: invalid audio format")
	}
	return audio, nil
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		body = body[:max]
	}
	return strings.TrimSpace(string(body))
}
