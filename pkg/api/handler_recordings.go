package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/vexa-ai/vexa/pkg/models"
	"github.com/vexa-ai/vexa/pkg/storage"
)

// ownedRecording resolves :id and checks the parent meeting belongs to
// the caller. Foreign recordings are indistinguishable from missing ones.
func (s *Server) ownedRecording(c *echo.Context) (*models.Recording, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnprocessableEntity, "recording id must be numeric")
	}
	rec, err := s.recordings.Get(c.Request().Context(), id)
	if err != nil {
		return nil, mapServiceError(err)
	}
	if _, err := s.meetings.GetOwned(c.Request().Context(), currentUser(c).ID, rec.MeetingID); err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	return rec, nil
}

// getRecordingHandler handles GET /recordings/:id.
func (s *Server) getRecordingHandler(c *echo.Context) error {
	rec, err := s.ownedRecording(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// deleteRecordingHandler handles DELETE /recordings/:id: blobs removed,
// row kept in `deleted` status.
func (s *Server) deleteRecordingHandler(c *echo.Context) error {
	rec, err := s.ownedRecording(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	for _, mf := range rec.MediaFiles {
		if derr := s.store.Delete(ctx, mf.ObjectKey); derr != nil {
			s.logger.Warn("Failed to delete recording blob",
				"recording_id", rec.ID, "object_key", mf.ObjectKey, "error", derr)
		}
	}
	if err := s.recordings.SetStatus(ctx, rec.ID, models.RecordingStatusDeleted, nil); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// recordingMediaHandler handles GET /recordings/:id/media/:file_id/raw.
// Serves the blob with Range support (206 + Content-Range) and inline
// disposition for browser playback.
func (s *Server) recordingMediaHandler(c *echo.Context) error {
	rec, err := s.ownedRecording(c)
	if err != nil {
		return err
	}
	fileID, err := strconv.ParseInt(c.Param("file_id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "file id must be numeric")
	}

	var media *models.MediaFile
	for i := range rec.MediaFiles {
		if rec.MediaFiles[i].ID == fileID {
			media = &rec.MediaFiles[i]
			break
		}
	}
	if media == nil {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}

	obj, err := s.store.Open(c.Request().Context(), media.ObjectKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "resource not found")
		}
		return mapServiceError(err)
	}
	defer func() { _ = obj.Close() }()

	h := c.Response().Header()
	h.Set("Content-Disposition", "inline")
	if obj.ContentType != "" {
		h.Set("Content-Type", obj.ContentType)
	}
	name := fmt.Sprintf("%d.%s", media.ID, media.Format)
	// ServeContent owns Range handling: 206, Content-Range, If-Range.
	http.ServeContent(c.Response(), c.Request(), name, obj.ModTime, obj)
	return nil
}
