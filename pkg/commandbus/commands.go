// Package commandbus carries liveness-coupled messages between the
// control plane and meeting workers over Redis pub/sub. Publication is
// best-effort; durable state lives in the registry, never here.
package commandbus

import (
	"fmt"

	"github.com/vexa-ai/vexa/pkg/models"
)

// Action is the command discriminator. The set is closed; Validate
// rejects anything else.
type Action string

// Recognized actions.
const (
	ActionReconfigure Action = "reconfigure"
	ActionLeave       Action = "leave"
	ActionSpeak       Action = "speak"
	ActionSpeakAudio  Action = "speak_audio"
	ActionSpeakStop   Action = "speak_stop"
	ActionChatSend    Action = "chat_send"
	ActionChatRead    Action = "chat_read"
	ActionScreenShow  Action = "screen_show"
	ActionScreenStop  Action = "screen_stop"
	ActionAvatarSet   Action = "avatar_set"
	ActionAvatarReset Action = "avatar_reset"
)

// Command is one bus message. Fields beyond Action and MeetingID are
// per-action; Validate enforces which combinations are legal.
type Command struct {
	Action    Action `json:"action"`
	MeetingID int64  `json:"meeting_id"`

	// reconfigure
	Language string      `json:"language,omitempty"`
	Task     models.Task `json:"task,omitempty"`

	// leave
	Reason string `json:"reason,omitempty"`

	// speak / chat_send / screen_show (text)
	Text     string `json:"text,omitempty"`
	Provider string `json:"provider,omitempty"`
	Voice    string `json:"voice,omitempty"`

	// speak_audio
	AudioURL    string `json:"audio_url,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
	Format      string `json:"format,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`

	// screen_show / avatar_set
	Type        string `json:"type,omitempty"`
	URL         string `json:"url,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

// Validate checks the action is recognized and its payload complete.
func (c Command) Validate() error {
	if c.MeetingID <= 0 {
		return fmt.Errorf("commandbus: missing meeting_id")
	}
	switch c.Action {
	case ActionReconfigure:
		if c.Language == "" && c.Task == "" {
			return fmt.Errorf("commandbus: reconfigure needs language or task")
		}
	case ActionLeave, ActionSpeakStop, ActionChatRead, ActionScreenStop, ActionAvatarReset:
		// No payload.
	case ActionSpeak, ActionChatSend:
		if c.Text == "" {
			return fmt.Errorf("commandbus: %s needs text", c.Action)
		}
	case ActionSpeakAudio:
		if c.AudioURL == "" && c.AudioBase64 == "" {
			return fmt.Errorf("commandbus: speak_audio needs audio_url or audio_base64")
		}
	case ActionScreenShow:
		switch c.Type {
		case "image":
			if c.URL == "" {
				return fmt.Errorf("commandbus: screen_show image needs url")
			}
		case "text":
			if c.Text == "" {
				return fmt.Errorf("commandbus: screen_show text needs text")
			}
		default:
			return fmt.Errorf("commandbus: screen_show type must be image or text, got %q", c.Type)
		}
	case ActionAvatarSet:
		if c.URL == "" && c.ImageBase64 == "" {
			return fmt.Errorf("commandbus: avatar_set needs url or image_base64")
		}
	default:
		return fmt.Errorf("commandbus: unknown action %q", c.Action)
	}
	return nil
}

// Reconfigure builds a mid-session language/task change.
func Reconfigure(meetingID int64, language string, task models.Task) Command {
	return Command{Action: ActionReconfigure, MeetingID: meetingID, Language: language, Task: task}
}

// Leave asks the worker to exit the meeting gracefully. The reason, if
// set, is echoed back in the worker's exit callback.
func Leave(meetingID int64, reason string) Command {
	return Command{Action: ActionLeave, MeetingID: meetingID, Reason: reason}
}

// Speak asks the voice agent to synthesize and play text.
func Speak(meetingID int64, text, provider, voice string) Command {
	return Command{Action: ActionSpeak, MeetingID: meetingID, Text: text, Provider: provider, Voice: voice}
}

// ChatSend posts a message into the meeting chat.
func ChatSend(meetingID int64, text string) Command {
	return Command{Action: ActionChatSend, MeetingID: meetingID, Text: text}
}
