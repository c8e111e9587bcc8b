package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vexa-ai/vexa/pkg/models"
)

// RecordingStore persists recordings and their media files. Recording
// state never feeds back into meeting state.
type RecordingStore struct {
	pool *pgxpool.Pool
}

// NewRecordingStore creates a RecordingStore using an existing pool.
func NewRecordingStore(pool *pgxpool.Pool) *RecordingStore {
	return &RecordingStore{pool: pool}
}

// Create opens a recording for a meeting session.
func (s *RecordingStore) Create(ctx context.Context, meetingID int64, sessionUID string, source models.RecordingSource) (*models.Recording, error) {
	var r models.Recording
	err := s.pool.QueryRow(ctx, `
		INSERT INTO recordings (meeting_id, session_uid, source)
		VALUES ($1, $2, $3)
		RETURNING id, meeting_id, session_uid, source, status, error_message, created_at, updated_at`,
		meetingID, sessionUID, source).
		Scan(&r.ID, &r.MeetingID, &r.SessionUID, &r.Source, &r.Status, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("registry: create recording: %w", err)
	}
	return &r, nil
}

// SetStatus moves a recording to completed, failed, or deleted.
func (s *RecordingStore) SetStatus(ctx context.Context, id int64, status models.RecordingStatus, errMsg *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recordings SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1`, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("registry: set recording status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("registry: recording %d: %w", id, ErrNotFound)
	}
	return nil
}

// AddMedia registers a stored media file for a recording.
func (s *RecordingStore) AddMedia(ctx context.Context, recordingID int64, mf models.MediaFile) (*models.MediaFile, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO recording_media (recording_id, type, format, size_bytes, duration_ms, object_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		recordingID, mf.Type, mf.Format, mf.SizeBytes, mf.DurationMS, mf.ObjectKey).
		Scan(&mf.ID, &mf.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("registry: add media: %w", err)
	}
	mf.RecordingID = recordingID
	return &mf, nil
}

// Get returns one recording with its media files.
func (s *RecordingStore) Get(ctx context.Context, id int64) (*models.Recording, error) {
	var r models.Recording
	err := s.pool.QueryRow(ctx, `
		SELECT id, meeting_id, session_uid, source, status, error_message, created_at, updated_at
		FROM recordings WHERE id = $1`, id).
		Scan(&r.ID, &r.MeetingID, &r.SessionUID, &r.Source, &r.Status, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("registry: recording %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get recording: %w", err)
	}
	media, err := s.listMedia(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	r.MediaFiles = media
	return &r, nil
}

// GetMedia returns one media file and its parent recording's meeting id.
func (s *RecordingStore) GetMedia(ctx context.Context, mediaID int64) (*models.MediaFile, int64, error) {
	var (
		mf        models.MediaFile
		meetingID int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT rm.id, rm.recording_id, rm.type, rm.format, rm.size_bytes, rm.duration_ms,
		       rm.object_key, rm.created_at, r.meeting_id
		FROM recording_media rm
		JOIN recordings r ON r.id = rm.recording_id
		WHERE rm.id = $1`, mediaID).
		Scan(&mf.ID, &mf.RecordingID, &mf.Type, &mf.Format, &mf.SizeBytes, &mf.DurationMS,
			&mf.ObjectKey, &mf.CreatedAt, &meetingID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("registry: media %d: %w", mediaID, ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("registry: get media: %w", err)
	}
	return &mf, meetingID, nil
}

// ListByMeeting returns a meeting's recordings, oldest first, each with
// its media files.
func (s *RecordingStore) ListByMeeting(ctx context.Context, meetingID int64) ([]*models.Recording, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, meeting_id, session_uid, source, status, error_message, created_at, updated_at
		FROM recordings WHERE meeting_id = $1 ORDER BY id`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("registry: list recordings: %w", err)
	}
	defer rows.Close()

	var out []*models.Recording
	for rows.Next() {
		var r models.Recording
		err := rows.Scan(&r.ID, &r.MeetingID, &r.SessionUID, &r.Source, &r.Status, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("registry: scan recording: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range out {
		media, err := s.listMedia(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		r.MediaFiles = media
	}
	return out, nil
}

func (s *RecordingStore) listMedia(ctx context.Context, recordingID int64) ([]models.MediaFile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, recording_id, type, format, size_bytes, duration_ms, object_key, created_at
		FROM recording_media WHERE recording_id = $1 ORDER BY id`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("registry: list media: %w", err)
	}
	defer rows.Close()

	var out []models.MediaFile
	for rows.Next() {
		var mf models.MediaFile
		err := rows.Scan(&mf.ID, &mf.RecordingID, &mf.Type, &mf.Format, &mf.SizeBytes,
			&mf.DurationMS, &mf.ObjectKey, &mf.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("registry: scan media: %w", err)
		}
		out = append(out, mf)
	}
	return out, rows.Err()
}

// ListObjectKeys returns every stored object key for a meeting, so blobs
// can be removed alongside row deletion.
func (s *RecordingStore) ListObjectKeys(ctx context.Context, meetingID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rm.object_key FROM recording_media rm
		JOIN recordings r ON r.id = rm.recording_id
		WHERE r.meeting_id = $1`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("registry: list object keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("registry: scan object key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteByMeeting removes all recording rows for a meeting.
func (s *RecordingStore) DeleteByMeeting(ctx context.Context, meetingID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM recordings WHERE meeting_id = $1`, meetingID)
	if err != nil {
		return fmt.Errorf("registry: delete recordings: %w", err)
	}
	return nil
}
