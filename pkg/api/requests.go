package api

// DispatchBotRequest is the body of POST /bots.
type DispatchBotRequest struct {
	Platform          string `json:"platform"`
	NativeMeetingID   string `json:"native_meeting_id"`
	Passcode          string `json:"passcode,omitempty"`
	Language          string `json:"language,omitempty"`
	Task              string `json:"task,omitempty"`
	BotName           string `json:"bot_name,omitempty"`
	RecordingEnabled  bool   `json:"recording_enabled,omitempty"`
	TranscriptionTier string `json:"transcription_tier,omitempty"`
}

// ReconfigureRequest is the body of PUT /bots/:platform/:native_id/config.
type ReconfigureRequest struct {
	Language string `json:"language"`
	Task     string `json:"task"`
}

// SpeakRequest is the body of POST /bots/:platform/:native_id/speak.
// Either Text (synthesized) or one of AudioURL/AudioBase64 (pre-rendered)
// must be set.
type SpeakRequest struct {
	Text        string `json:"text,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Voice       string `json:"voice,omitempty"`
	AudioURL    string `json:"audio_url,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
	Format      string `json:"format,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
}

// ChatSendRequest is the body of POST /bots/:platform/:native_id/chat.
type ChatSendRequest struct {
	Text string `json:"text"`
}

// ScreenShowRequest is the body of POST /bots/:platform/:native_id/screen.
type ScreenShowRequest struct {
	Type string `json:"type"` // image | text
	URL  string `json:"url,omitempty"`
	Text string `json:"text,omitempty"`
}

// AvatarSetRequest is the body of POST /bots/:platform/:native_id/avatar.
type AvatarSetRequest struct {
	URL         string `json:"url,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

// PatchMeetingRequest is the body of PATCH /meetings/:platform/:native_id.
type PatchMeetingRequest struct {
	Data map[string]any `json:"data"`
}

// CreateUserRequest is the body of POST /admin/users.
type CreateUserRequest struct {
	Email             string `json:"email"`
	Name              string `json:"name,omitempty"`
	MaxConcurrentBots int    `json:"max_concurrent_bots,omitempty"`
}

// UpdateUserRequest is the body of PATCH /admin/users/:id. Nil fields are
// left unchanged.
type UpdateUserRequest struct {
	Name              *string `json:"name,omitempty"`
	MaxConcurrentBots *int    `json:"max_concurrent_bots,omitempty"`
	WebhookURL        *string `json:"webhook_url,omitempty"`
	WebhookSecret     *string `json:"webhook_secret,omitempty"`
}
