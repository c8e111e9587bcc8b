package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vexa-ai/vexa/pkg/models"
)

// TranscriptStore reads and deletes transcript segments. Segments are
// written by the transcription sink, not by the control plane.
type TranscriptStore struct {
	pool *pgxpool.Pool
}

// NewTranscriptStore creates a TranscriptStore using an existing pool.
func NewTranscriptStore(pool *pgxpool.Pool) *TranscriptStore {
	return &TranscriptStore{pool: pool}
}

// ListByMeeting returns a meeting's transcript segments across all
// sessions, in session then offset order.
func (s *TranscriptStore) ListByMeeting(ctx context.Context, meetingID int64) ([]models.TranscriptSegment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts.meeting_id, ts.session_uid, ts.start_offset_ms, ts.end_offset_ms,
		       ts.speaker, ts.language, ts.text, ts.created_at
		FROM transcript_segments ts
		LEFT JOIN meeting_sessions ms ON ms.session_uid = ts.session_uid
		WHERE ts.meeting_id = $1
		ORDER BY ms.session_start_time NULLS LAST, ts.start_offset_ms`,
		meetingID)
	if err != nil {
		return nil, fmt.Errorf("registry: list transcripts: %w", err)
	}
	defer rows.Close()

	var out []models.TranscriptSegment
	for rows.Next() {
		var seg models.TranscriptSegment
		err := rows.Scan(&seg.MeetingID, &seg.SessionUID, &seg.StartOffsetMS, &seg.EndOffsetMS,
			&seg.Speaker, &seg.Language, &seg.Text, &seg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("registry: scan transcript: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// DeleteByMeeting removes all of a meeting's segments.
func (s *TranscriptStore) DeleteByMeeting(ctx context.Context, meetingID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM transcript_segments WHERE meeting_id = $1`, meetingID)
	if err != nil {
		return 0, fmt.Errorf("registry: delete transcripts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOlderThan removes segments of terminal meetings whose end passed
// the retention horizon. Used by the retention loop.
func (s *TranscriptStore) DeleteOlderThan(ctx context.Context, retention string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM transcript_segments ts
		USING meetings m
		WHERE m.id = ts.meeting_id
		  AND m.status IN ('completed', 'failed')
		  AND m.updated_at < now() - $1::interval`,
		retention)
	if err != nil {
		return 0, fmt.Errorf("registry: retention delete: %w", err)
	}
	return tag.RowsAffected(), nil
}
