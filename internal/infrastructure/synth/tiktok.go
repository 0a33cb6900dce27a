package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"orionchat/internal/domain"
)

const (
	defaultTikTokEndpoint = "https://api16-normal-v6.tiktokv.com/media/api/text/speech/invoke/"
	tiktokUserAgent       = "com.zhiliaoapp.musically/2022600030 (Linux; U; Android 7.1.2; es_ES; SM-G988N; Build/NRD90M;tt-ok/3.12.13.1)"
	tiktokInvalidSession  = "Couldn't load speech. Try again."
)

type TikTokProvider struct {
	endpoint  string
	sessionID string
	httpCli   *http.Client
}

func NewTikTokProvider(endpoint, sessionID string, httpCli *http.Client) *TikTokProvider {
	if endpoint == "" {
		endpoint = defaultTikTokEndpoint
	}
	if httpCli == nil {
		httpCli = &http.Client{}
	}
	return &TikTokProvider{endpoint: endpoint, sessionID: sessionID, httpCli: httpCli}
}

func (p *TikTokProvider) Name() string { return domain.ProviderTikTok }

func (p *TikTokProvider) Voices() []domain.VoiceOption {
	return []domain.VoiceOption{
		{ID: "en_us_001", Provider: domain.ProviderTikTok, Label: "English US female"},
		{ID: "en_us_006", Provider: domain.ProviderTikTok, Label: "English US male 1"},
		{ID: "en_us_007", Provider: domain.ProviderTikTok, Label: "English US male 2"},
		{ID: "en_us_009", Provider: domain.ProviderTikTok, Label: "English US male 3"},
		{ID: "en_us_010", Provider: domain.ProviderTikTok, Label: "English US male 4"},
		{ID: "id_male_darma", Provider: domain.ProviderTikTok, Label: "Indonesian male"},
		{ID: "id_001", Provider: domain.ProviderTikTok, Label: "Indonesian female"},
	}
}

type tiktokResponse struct {
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	Data       struct {
		VStr     string `json:"v_str"`
		Duration string `json:"duration"`
		Speaker  string `json:"speaker"`
	} `json:"data"`
}

func (p *TikTokProvider) Synthesize(ctx context.Context, text, voiceID string) (string, error) {
	if strings.TrimSpace(voiceID) == "" {
		return "", fmt.Errorf("tiktok: empty voice id")
	}
	if p.sessionID == "" {
		return "", fmt.Errorf("tiktok: session id not configured")
	}

	q := url.Values{}
	q.Set("text_speaker", voiceID)
	q.Set("req_text", text)
	q.Set("speaker_map_type", "0")
	q.Set("aid", "1233")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("tiktok: build request: %w", err)
	}
	req.Header.Set("User-Agent", tiktokUserAgent)
	req.Header.Set("Cookie", "sessionid="+p.sessionID)

	resp, err := p.httpCli.Do(req)
	if err != nil {
		return "", &domain.SynthesisError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("tiktok: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &domain.SynthesisError{Status: resp.StatusCode, Message: truncateBody(body)}
	}

	var out tiktokResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("tiktok: parse response: %w", err)
	}
	if out.Message == tiktokInvalidSession {
		return "", &domain.SynthesisError{Status: resp.StatusCode, Message: "tiktok session id is invalid"}
	}
	if out.StatusCode != 0 || out.Data.VStr == "" {
		return "", &domain.SynthesisError{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("tiktok status %d: %s", out.StatusCode, out.Message),
		}
	}
	return out.Data.VStr, nil
}
