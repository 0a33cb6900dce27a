package domain

const (
	ProviderGoogle = "google"
	ProviderTikTok = "tiktok"
)

// Voice identifica una configuración de síntesis.
type Voice struct {
	ID       string `json:"voice_id"`
	Provider string `json:"provider"`
}

func (v Voice) IsZero() bool {
	return v.ID == "" && v.Provider == ""
}

// AudioPayload es audio completo codificado en base64 (MP3).
type AudioPayload string

type VoiceOption struct {
	ID       string `json:"voice_id"`
	Provider string `json:"provider"`
	Label    string `json:"label,omitempty"`
}
