package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/vexa-ai/vexa/pkg/commandbus"
	"github.com/vexa-ai/vexa/pkg/lifecycle"
	"github.com/vexa-ai/vexa/pkg/models"
	"github.com/vexa-ai/vexa/pkg/registry"
)

// dispatchBotHandler handles POST /bots.
// Returns 201 with the meeting row, 409 when a live meeting already
// exists for the key, 429 over the concurrency limit, and 422 on
// malformed input. A spawn failure still returns 201: the meeting was
// created and its failed state is visible in the response.
func (s *Server) dispatchBotHandler(c *echo.Context) error {
	var req DispatchBotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if req.NativeMeetingID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "native_meeting_id is required")
	}

	meeting, err := s.manager.Dispatch(c.Request().Context(), currentUser(c).ID, lifecycle.DispatchRequest{
		Platform:        platform,
		NativeMeetingID: req.NativeMeetingID,
		Config: models.MeetingConfig{
			Language:          req.Language,
			Task:              models.Task(req.Task),
			BotName:           req.BotName,
			Passcode:          req.Passcode,
			RecordingEnabled:  req.RecordingEnabled,
			TranscriptionTier: req.TranscriptionTier,
		},
	})
	if err != nil {
		// Substrate failures are absorbed into the meeting row.
		if meeting != nil {
			return c.JSON(http.StatusCreated, meeting)
		}
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, meeting)
}

// botStatusHandler handles GET /bots/status.
func (s *Server) botStatusHandler(c *echo.Context) error {
	running, err := s.meetings.ListActiveByOwner(c.Request().Context(), currentUser(c).ID)
	if err != nil {
		return mapServiceError(err)
	}
	if running == nil {
		running = []*models.Meeting{}
	}
	return c.JSON(http.StatusOK, &BotStatusResponse{Running: running})
}

// stopBotHandler handles DELETE /bots/:platform/:native_id.
// 200 whether a stop was initiated or the meeting was already terminal;
// 404 when the caller has no meeting under that key.
func (s *Server) stopBotHandler(c *echo.Context) error {
	meeting, err := s.findMeeting(c, false)
	if err != nil {
		return err
	}
	if meeting.Status.IsTerminal() {
		return c.JSON(http.StatusOK, meeting)
	}

	stopped, err := s.manager.Stop(c.Request().Context(), currentUser(c).ID, meeting.ID)
	if err != nil {
		// Lost a race against another terminator; the stop still "took".
		var transErr *registry.InvalidTransitionError
		if errors.As(err, &transErr) {
			if current, gerr := s.meetings.Get(c.Request().Context(), meeting.ID); gerr == nil {
				return c.JSON(http.StatusOK, current)
			}
		}
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, stopped)
}

// reconfigureBotHandler handles PUT /bots/:platform/:native_id/config.
func (s *Server) reconfigureBotHandler(c *echo.Context) error {
	var req ReconfigureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Language == "" && req.Task == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "language or task is required")
	}
	switch models.Task(req.Task) {
	case "", models.TaskTranscribe, models.TaskTranslate:
	default:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "task must be transcribe or translate")
	}

	meeting, err := s.findMeeting(c, true)
	if err != nil {
		return err
	}
	updated, err := s.manager.Reconfigure(c.Request().Context(),
		currentUser(c).ID, meeting.ID, req.Language, models.Task(req.Task))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// findMeeting resolves :platform/:native_id for the caller. With
// liveOnly, only a non-terminal meeting matches; otherwise the most
// recent meeting under the key is returned.
func (s *Server) findMeeting(c *echo.Context, liveOnly bool) (*models.Meeting, error) {
	platform, err := models.ParsePlatform(c.Param("platform"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	nativeID := c.Param("native_id")
	if nativeID == "" {
		return nil, echo.NewHTTPError(http.StatusUnprocessableEntity, "native meeting id is required")
	}

	var meeting *models.Meeting
	if liveOnly {
		meeting, err = s.meetings.FindLiveByPlatformNative(c.Request().Context(),
			currentUser(c).ID, platform, nativeID)
	} else {
		meeting, err = s.meetings.FindLatestByPlatformNative(c.Request().Context(),
			currentUser(c).ID, platform, nativeID)
	}
	if err != nil {
		return nil, mapServiceError(err)
	}
	return meeting, nil
}

// publish resolves the live meeting for the route and forwards one bus
// command to its worker.
func (s *Server) publish(c *echo.Context, build func(meetingID int64) commandbus.Command) error {
	meeting, err := s.findMeeting(c, true)
	if err != nil {
		return err
	}
	cmd := build(meeting.ID)
	if verr := cmd.Validate(); verr != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, verr.Error())
	}
	if err := s.manager.PublishCommand(c.Request().Context(), currentUser(c).ID, cmd); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &CommandResponse{
		MeetingID: meeting.ID,
		Action:    string(cmd.Action),
		Status:    "published",
	})
}

// speakHandler handles POST /bots/:platform/:native_id/speak.
func (s *Server) speakHandler(c *echo.Context) error {
	var req SpeakRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.publish(c, func(meetingID int64) commandbus.Command {
		if req.AudioURL != "" || req.AudioBase64 != "" {
			return commandbus.Command{
				Action:      commandbus.ActionSpeakAudio,
				MeetingID:   meetingID,
				AudioURL:    req.AudioURL,
				AudioBase64: req.AudioBase64,
				Format:      req.Format,
				SampleRate:  req.SampleRate,
			}
		}
		return commandbus.Speak(meetingID, req.Text, req.Provider, req.Voice)
	})
}

// speakStopHandler handles DELETE /bots/:platform/:native_id/speak.
func (s *Server) speakStopHandler(c *echo.Context) error {
	return s.publish(c, func(meetingID int64) commandbus.Command {
		return commandbus.Command{Action: commandbus.ActionSpeakStop, MeetingID: meetingID}
	})
}

// chatSendHandler handles POST /bots/:platform/:native_id/chat.
func (s *Server) chatSendHandler(c *echo.Context) error {
	var req ChatSendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.publish(c, func(meetingID int64) commandbus.Command {
		return commandbus.ChatSend(meetingID, req.Text)
	})
}

// screenShowHandler handles POST /bots/:platform/:native_id/screen.
func (s *Server) screenShowHandler(c *echo.Context) error {
	var req ScreenShowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.publish(c, func(meetingID int64) commandbus.Command {
		return commandbus.Command{
			Action:    commandbus.ActionScreenShow,
			MeetingID: meetingID,
			Type:      req.Type,
			URL:       req.URL,
			Text:      req.Text,
		}
	})
}

// screenStopHandler handles DELETE /bots/:platform/:native_id/screen.
func (s *Server) screenStopHandler(c *echo.Context) error {
	return s.publish(c, func(meetingID int64) commandbus.Command {
		return commandbus.Command{Action: commandbus.ActionScreenStop, MeetingID: meetingID}
	})
}

// avatarSetHandler handles POST /bots/:platform/:native_id/avatar.
func (s *Server) avatarSetHandler(c *echo.Context) error {
	var req AvatarSetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.publish(c, func(meetingID int64) commandbus.Command {
		return commandbus.Command{
			Action:      commandbus.ActionAvatarSet,
			MeetingID:   meetingID,
			URL:         req.URL,
			ImageBase64: req.ImageBase64,
		}
	})
}

// avatarResetHandler handles DELETE /bots/:platform/:native_id/avatar.
func (s *Server) avatarResetHandler(c *echo.Context) error {
	return s.publish(c, func(meetingID int64) commandbus.Command {
		return commandbus.Command{Action: commandbus.ActionAvatarReset, MeetingID: meetingID}
	})
}
