package api

import (
	"github.com/vexa-ai/vexa/pkg/models"
)

// MeetingDetail is a meeting plus its audio sessions.
type MeetingDetail struct {
	*models.Meeting
	Sessions []models.MeetingSession `json:"sessions"`
}

// BotStatusResponse is returned by GET /bots/status.
type BotStatusResponse struct {
	Running []*models.Meeting `json:"running"`
}

// CommandResponse acknowledges a published bus command.
type CommandResponse struct {
	MeetingID int64  `json:"meeting_id"`
	Action    string `json:"action"`
	Status    string `json:"status"`
}

// TranscriptResponse is returned by GET /transcripts/:platform/:native_id.
type TranscriptResponse struct {
	MeetingID int64                      `json:"meeting_id"`
	Platform  models.Platform            `json:"platform"`
	Status    models.MeetingStatus       `json:"status"`
	Segments  []models.TranscriptSegment `json:"segments"`
}

// HealthCheck is one component's health in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]HealthCheck `json:"checks"`
}
