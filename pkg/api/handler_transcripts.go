package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/vexa-ai/vexa/pkg/models"
)

// getTranscriptHandler handles GET /transcripts/:platform/:native_id.
// An anonymized meeting is unreachable here: its native id is null, so
// the key lookup 404s.
func (s *Server) getTranscriptHandler(c *echo.Context) error {
	meeting, err := s.findMeeting(c, false)
	if err != nil {
		return err
	}
	segments, err := s.transcripts.ListByMeeting(c.Request().Context(), meeting.ID)
	if err != nil {
		return mapServiceError(err)
	}
	if segments == nil {
		segments = []models.TranscriptSegment{}
	}
	return c.JSON(http.StatusOK, &TranscriptResponse{
		MeetingID: meeting.ID,
		Platform:  meeting.Platform,
		Status:    meeting.Status,
		Segments:  segments,
	})
}
