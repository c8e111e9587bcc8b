package models

import "time"

// WebhookPayload is what the dispatcher POSTs to a user's webhook URL on
// every terminal transition. Identifiers reflect the meeting before any
// anonymization.
type WebhookPayload struct {
	MeetingID        int64          `json:"meeting_id"`
	UserID           int64          `json:"user_id"`
	Platform         Platform       `json:"platform"`
	NativeMeetingID  *string        `json:"native_meeting_id"`
	MeetingURL       string         `json:"meeting_url,omitempty"`
	Status           MeetingStatus  `json:"status"`
	CompletionReason *string        `json:"completion_reason,omitempty"`
	FailureStage     *string        `json:"failure_stage,omitempty"`
	ErrorMessage     *string        `json:"error_message,omitempty"`
	StartTime        *time.Time     `json:"start_time,omitempty"`
	EndTime          *time.Time     `json:"end_time,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// PayloadForMeeting builds the webhook payload for a meeting's terminal
// transition.
func PayloadForMeeting(m *Meeting) WebhookPayload {
	p := WebhookPayload{
		MeetingID:        m.ID,
		UserID:           m.UserID,
		Platform:         m.Platform,
		NativeMeetingID:  m.NativeMeetingID,
		Status:           m.Status,
		CompletionReason: m.CompletionReason,
		FailureStage:     m.FailureStage,
		ErrorMessage:     m.ErrorMessage,
		StartTime:        m.StartTime,
		EndTime:          m.EndTime,
		Data:             m.Data,
		Timestamp:        time.Now().UTC(),
	}
	if m.NativeMeetingID != nil {
		if url, err := m.Platform.MeetingURL(*m.NativeMeetingID, m.Config.Passcode); err == nil {
			p.MeetingURL = url
		}
	}
	return p
}
