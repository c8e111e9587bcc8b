package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/vexa-ai/vexa/pkg/lifecycle"
	"github.com/vexa-ai/vexa/pkg/models"
	"github.com/vexa-ai/vexa/pkg/storage"
)

// workerMeeting resolves :meeting_id and checks the worker's bearer
// token against the one minted at dispatch.
func (s *Server) workerMeeting(c *echo.Context) (*models.Meeting, error) {
	meetingID, err := strconv.ParseInt(c.Param("meeting_id"), 10, 64)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnprocessableEntity, "meeting id must be numeric")
	}
	meeting, err := s.meetings.Get(c.Request().Context(), meetingID)
	if err != nil {
		return nil, mapServiceError(err)
	}

	token := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
	if token == "" || meeting.CallbackToken == nil || token != *meeting.CallbackToken {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid worker token")
	}
	return meeting, nil
}

// workerCallbackHandler handles POST /bots/internal/callback/:meeting_id.
// Replays of the same (connection_id, status) are acknowledged as 200
// without effect.
func (s *Server) workerCallbackHandler(c *echo.Context) error {
	meeting, err := s.workerMeeting(c)
	if err != nil {
		return err
	}

	var cb lifecycle.WorkerCallback
	if err := c.Bind(&cb); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.manager.HandleCallback(c.Request().Context(), meeting.ID, cb); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// recordingUploadHandler handles POST /bots/internal/recording/:meeting_id.
// The body is the finalized media blob; type, format, and duration_ms
// arrive as query parameters. A storage failure marks the recording
// failed but never touches meeting state.
func (s *Server) recordingUploadHandler(c *echo.Context) error {
	meeting, err := s.workerMeeting(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	mediaType := c.QueryParam("type")
	if mediaType == "" {
		mediaType = "audio"
	}
	format := c.QueryParam("format")
	if format == "" {
		format = "webm"
	}
	var durationMS int64
	if v := c.QueryParam("duration_ms"); v != "" {
		durationMS, _ = strconv.ParseInt(v, 10, 64)
	}
	size := c.Request().ContentLength
	if size <= 0 {
		return echo.NewHTTPError(http.StatusLengthRequired, "Content-Length is required")
	}

	recs, err := s.recordings.ListByMeeting(ctx, meeting.ID)
	if err != nil {
		return mapServiceError(err)
	}
	var open *models.Recording
	for _, r := range recs {
		if r.Status == models.RecordingStatusRecording {
			open = r
		}
	}
	if open == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no open recording for meeting")
	}

	fileID := time.Now().UnixMilli()
	key := storage.ObjectKey(meeting.ID, open.SessionUID, fileID, format)
	if err := s.store.Put(ctx, key, c.Request().Body, size, mediaContentType(mediaType, format)); err != nil {
		s.logger.Error("Recording upload failed",
			"meeting_id", meeting.ID, "recording_id", open.ID, "error", err)
		msg := err.Error()
		if serr := s.recordings.SetStatus(ctx, open.ID, models.RecordingStatusFailed, &msg); serr != nil {
			s.logger.Error("Failed to mark recording failed", "recording_id", open.ID, "error", serr)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "storage write failed")
	}

	media, err := s.recordings.AddMedia(ctx, open.ID, models.MediaFile{
		Type:       mediaType,
		Format:     format,
		SizeBytes:  size,
		DurationMS: durationMS,
		ObjectKey:  key,
	})
	if err != nil {
		return mapServiceError(err)
	}
	if err := s.recordings.SetStatus(ctx, open.ID, models.RecordingStatusCompleted, nil); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, media)
}

func mediaContentType(mediaType, format string) string {
	switch format {
	case "webm":
		if mediaType == "video" {
			return "video/webm"
		}
		return "audio/webm"
	case "ogg":
		return "audio/ogg"
	case "mp4":
		return "video/mp4"
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	}
	return "application/octet-stream"
}
