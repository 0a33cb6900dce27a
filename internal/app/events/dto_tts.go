package events

import "time"

type TTSQueueItemDTO struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Status    string `json:"status"`
}

type TTSStatusDTO struct {
	State       string            `json:"state"`
	QueueLength int               `json:"queue_length"`
	CurrentID   string            `json:"current_id,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Items       []TTSQueueItemDTO `json:"items"`
	UpdatedAt   string            `json:"updated_at"`
}

type TTSSpokenDTO struct {
	ID         string `json:"id"`
	AvatarID   string `json:"avatar_id,omitempty"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	Text       string `json:"text,omitempty"`
	Voice      string `json:"voice,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Author     string `json:"author,omitempty"`
	FinishedAt string `json:"finished_at"`
}

func NewTTSStatusDTO(state string, items []TTSQueueItemDTO, currentID, lastError string) TTSStatusDTO {
	if items == nil {
		items = []TTSQueueItemDTO{}
	}
	return TTSStatusDTO{
		State:       state,
		QueueLength: len(items),
		CurrentID:   currentID,
		LastError:   lastError,
		Items:       items,
		UpdatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func NewTTSSpokenDTO(id string, ok bool, err error) TTSSpokenDTO {
	payload := TTSSpokenDTO{
		ID:         id,
		OK:         ok,
		FinishedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err != nil {
		payload.Error = err.Error()
	}
	return payload
}
