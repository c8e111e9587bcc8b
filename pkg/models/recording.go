package models

import "time"

// RecordingSource distinguishes bot-captured audio from externally
// uploaded media.
type RecordingSource string

// Recording sources.
const (
	RecordingSourceBot      RecordingSource = "bot"
	RecordingSourceExternal RecordingSource = "external"
)

// RecordingStatus is the recording's own small lifecycle, independent of
// the meeting's. A failed upload never affects the meeting status.
type RecordingStatus string

// Recording statuses.
const (
	RecordingStatusRecording RecordingStatus = "recording"
	RecordingStatusCompleted RecordingStatus = "completed"
	RecordingStatusFailed    RecordingStatus = "failed"
	RecordingStatusDeleted   RecordingStatus = "deleted"
)

// Recording is created at worker start when recording is enabled, and
// completed when the worker uploads finalized media.
type Recording struct {
	ID           int64           `json:"id"`
	MeetingID    int64           `json:"meeting_id"`
	SessionUID   string          `json:"session_uid"`
	Source       RecordingSource `json:"source"`
	Status       RecordingStatus `json:"status"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	MediaFiles   []MediaFile     `json:"media_files,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// MediaFile is one stored artifact of a recording. ObjectKey addresses
// the blob in whichever storage backend is configured.
type MediaFile struct {
	ID         int64  `json:"id"`
	RecordingID int64 `json:"recording_id"`
	Type       string `json:"type"`   // audio | video
	Format     string `json:"format"` // e.g. webm, ogg, mp4
	SizeBytes  int64  `json:"size_bytes"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	ObjectKey  string `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// TranscriptSegment is an append-only row produced by the transcription
// sink. The control plane only reads and deletes these.
type TranscriptSegment struct {
	MeetingID     int64     `json:"meeting_id"`
	SessionUID    string    `json:"session_uid"`
	StartOffsetMS int64     `json:"start_offset_ms"`
	EndOffsetMS   int64     `json:"end_offset_ms"`
	Speaker       string    `json:"speaker,omitempty"`
	Language      string    `json:"language,omitempty"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"created_at"`
}
