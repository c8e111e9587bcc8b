package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/vexa-ai/vexa/pkg/models"
)

// listMeetingsHandler handles GET /meetings.
func (s *Server) listMeetingsHandler(c *echo.Context) error {
	meetings, err := s.meetings.ListByOwner(c.Request().Context(), currentUser(c).ID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, meetings)
}

// getMeetingHandler handles GET /meetings/:platform/:native_id, returning
// the most recent meeting under the key together with its sessions.
func (s *Server) getMeetingHandler(c *echo.Context) error {
	meeting, err := s.findMeeting(c, false)
	if err != nil {
		return err
	}
	sessions, err := s.meetings.ListSessions(c.Request().Context(), meeting.ID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &MeetingDetail{Meeting: meeting, Sessions: sessions})
}

// patchMeetingDataHandler handles PATCH /meetings/:platform/:native_id,
// merging keys into the meeting's data bag.
func (s *Server) patchMeetingDataHandler(c *echo.Context) error {
	var req PatchMeetingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Data) == 0 {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "data must not be empty")
	}

	meeting, err := s.findMeeting(c, false)
	if err != nil {
		return err
	}
	if err := s.meetings.MergeData(c.Request().Context(), meeting.ID, req.Data); err != nil {
		return mapServiceError(err)
	}
	updated, err := s.meetings.Get(c.Request().Context(), meeting.ID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// anonymizeMeetingHandler handles DELETE /meetings/:platform/:native_id.
// The row survives with the native id nulled and the data bag scrubbed;
// transcripts and recordings are deleted, stored blobs included.
// Idempotent: a repeat delete of an already-anonymized meeting is a 200.
func (s *Server) anonymizeMeetingHandler(c *echo.Context) error {
	platform, err := models.ParsePlatform(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	ctx := c.Request().Context()

	// Resolved through the hashed key, so an already-anonymized meeting
	// (native id nulled) is still addressable and the delete idempotent.
	meeting, err := s.meetings.FindLatestByKey(ctx, currentUser(c).ID, platform, c.Param("native_id"))
	if err != nil {
		return mapServiceError(err)
	}

	// Blob keys must be collected before the rows go away.
	keys, err := s.recordings.ListObjectKeys(ctx, meeting.ID)
	if err != nil {
		return mapServiceError(err)
	}
	if err := s.meetings.Anonymize(ctx, currentUser(c).ID, meeting.ID); err != nil {
		return mapServiceError(err)
	}
	for _, key := range keys {
		if derr := s.store.Delete(ctx, key); derr != nil {
			s.logger.Warn("Failed to delete recording blob",
				"meeting_id", meeting.ID, "object_key", key, "error", derr)
		}
	}

	scrubbed, err := s.meetings.Get(ctx, meeting.ID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, scrubbed)
}
