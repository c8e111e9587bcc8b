// Package registry is the authoritative store for meetings, users, and
// their derived artifacts. All state transitions go through conditional
// updates here; callers never mutate rows directly.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vexa-ai/vexa/pkg/models"
)

const meetingColumns = `id, user_id, platform, native_meeting_id, status, config, worker_ref,
	session_uid, callback_token, connection_id, data, completion_reason, failure_stage,
	error_message, webhook_error, start_time, end_time, created_at, updated_at,
	status_changed_at, last_heartbeat_at, alone_since`

// MeetingStore persists meetings. The pool is externally owned.
type MeetingStore struct {
	pool *pgxpool.Pool
}

// NewMeetingStore creates a MeetingStore using an existing pool.
func NewMeetingStore(pool *pgxpool.Pool) *MeetingStore {
	return &MeetingStore{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row rowScanner) (*models.Meeting, error) {
	var (
		m                 models.Meeting
		configRaw, dataRaw []byte
	)
	err := row.Scan(
		&m.ID, &m.UserID, &m.Platform, &m.NativeMeetingID, &m.Status, &configRaw, &m.WorkerRef,
		&m.SessionUID, &m.CallbackToken, &m.ConnectionID, &dataRaw, &m.CompletionReason, &m.FailureStage,
		&m.ErrorMessage, &m.WebhookError, &m.StartTime, &m.EndTime, &m.CreatedAt, &m.UpdatedAt,
		&m.StatusChangedAt, &m.LastHeartbeatAt, &m.AloneSince,
	)
	if err != nil {
		return nil, err
	}
	if len(configRaw) > 0 {
		if err := json.Unmarshal(configRaw, &m.Config); err != nil {
			return nil, fmt.Errorf("registry: decode config: %w", err)
		}
	}
	if len(dataRaw) > 0 {
		if err := json.Unmarshal(dataRaw, &m.Data); err != nil {
			return nil, fmt.Errorf("registry: decode data: %w", err)
		}
	}
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// nativeKey hashes a native meeting id so an anonymized meeting can
// still be addressed by its original key without storing the id itself.
func nativeKey(platform models.Platform, nativeID string) string {
	sum := sha256.Sum256([]byte(string(platform) + "/" + nativeID))
	return hex.EncodeToString(sum[:])
}

// CreateRequest atomically admits a new meeting for a user: the user row
// is locked, the non-terminal count checked against max_concurrent_bots,
// and the meeting inserted as `requested`. The partial unique index
// rejects a duplicate live meeting for the same room.
func (s *MeetingStore) CreateRequest(ctx context.Context, userID int64, platform models.Platform, nativeID string, cfg models.MeetingConfig) (*models.Meeting, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var maxBots int
	err = tx.QueryRow(ctx,
		`SELECT max_concurrent_bots FROM users WHERE id = $1 FOR UPDATE`, userID,
	).Scan(&maxBots)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("registry: user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: lock user: %w", err)
	}

	var active int
	err = tx.QueryRow(ctx,
		`SELECT count(*) FROM meetings WHERE user_id = $1 AND status NOT IN ('completed', 'failed')`,
		userID,
	).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("registry: count active: %w", err)
	}
	if active >= maxBots {
		return nil, &ConcurrencyLimitError{UserID: userID, Limit: maxBots, Active: active}
	}

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("registry: encode config: %w", err)
	}
	sessionUID := uuid.NewString()

	row := tx.QueryRow(ctx, `
		INSERT INTO meetings (user_id, platform, native_meeting_id, native_key, status, config, session_uid, data)
		VALUES ($1, $2, $3, $4, 'requested', $5, $6, '{}'::jsonb)
		RETURNING `+meetingColumns,
		userID, platform, nativeID, nativeKey(platform, nativeID), configJSON, sessionUID)
	m, err := scanMeeting(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("registry: live meeting for %s/%s: %w", platform, nativeID, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("registry: insert meeting: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO meeting_sessions (session_uid, meeting_id) VALUES ($1, $2)`,
		sessionUID, m.ID)
	if err != nil {
		return nil, fmt.Errorf("registry: insert session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("registry: commit: %w", err)
	}
	return m, nil
}

// Get returns a meeting by id.
func (s *MeetingStore) Get(ctx context.Context, id int64) (*models.Meeting, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id = $1`, id)
	m, err := scanMeeting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("registry: meeting %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get meeting: %w", err)
	}
	return m, nil
}

// GetOwned returns a meeting by id only if owned by userID.
func (s *MeetingStore) GetOwned(ctx context.Context, userID, id int64) (*models.Meeting, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.UserID != userID {
		return nil, fmt.Errorf("registry: meeting %d: %w", id, ErrNotFound)
	}
	return m, nil
}

// FindLiveByPlatformNative returns the user's live (non-terminal) meeting
// for a platform room, if any.
func (s *MeetingStore) FindLiveByPlatformNative(ctx context.Context, userID int64, platform models.Platform, nativeID string) (*models.Meeting, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE user_id = $1 AND platform = $2 AND native_meeting_id = $3
		  AND status NOT IN ('completed', 'failed')`,
		userID, platform, nativeID)
	m, err := scanMeeting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("registry: live meeting %s/%s: %w", platform, nativeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: find live meeting: %w", err)
	}
	return m, nil
}

// FindLatestByPlatformNative returns the user's most recent meeting for a
// platform room, terminal or not.
func (s *MeetingStore) FindLatestByPlatformNative(ctx context.Context, userID int64, platform models.Platform, nativeID string) (*models.Meeting, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE user_id = $1 AND platform = $2 AND native_meeting_id = $3
		ORDER BY created_at DESC LIMIT 1`,
		userID, platform, nativeID)
	m, err := scanMeeting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("registry: meeting %s/%s: %w", platform, nativeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: find meeting: %w", err)
	}
	return m, nil
}

// FindLatestByKey is FindLatestByPlatformNative through the hashed key,
// so it also matches meetings whose native id has been anonymized away.
// Only the delete-by-key endpoint should use it.
func (s *MeetingStore) FindLatestByKey(ctx context.Context, userID int64, platform models.Platform, nativeID string) (*models.Meeting, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE user_id = $1 AND platform = $2 AND native_key = $3
		ORDER BY created_at DESC LIMIT 1`,
		userID, platform, nativeKey(platform, nativeID))
	m, err := scanMeeting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("registry: meeting %s/%s: %w", platform, nativeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: find meeting by key: %w", err)
	}
	return m, nil
}

// ListByOwner returns all of a user's meetings, newest first.
func (s *MeetingStore) ListByOwner(ctx context.Context, userID int64) ([]*models.Meeting, error) {
	return s.list(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

// ListActiveByOwner returns a user's non-terminal meetings.
func (s *MeetingStore) ListActiveByOwner(ctx context.Context, userID int64) ([]*models.Meeting, error) {
	return s.list(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE user_id = $1 AND status NOT IN ('completed', 'failed')
		ORDER BY created_at DESC`, userID)
}

// ListNonTerminal returns every live meeting, for restart reconciliation.
func (s *MeetingStore) ListNonTerminal(ctx context.Context) ([]*models.Meeting, error) {
	return s.list(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE status NOT IN ('completed', 'failed') ORDER BY id`)
}

func (s *MeetingStore) list(ctx context.Context, query string, args ...any) ([]*models.Meeting, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: list meetings: %w", err)
	}
	defer rows.Close()

	var out []*models.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan meeting: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: list meetings: %w", err)
	}
	return out, nil
}

// CountActive returns the user's current number of non-terminal meetings.
func (s *MeetingStore) CountActive(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM meetings WHERE user_id = $1 AND status NOT IN ('completed', 'failed')`,
		userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("registry: count active: %w", err)
	}
	return n, nil
}

// TransitionPatch carries the optional column updates applied together
// with a status transition.
type TransitionPatch struct {
	CompletionReason *string
	FailureStage     *string
	ErrorMessage     *string
	SetStartTime     bool
	SetEndTime       bool
	DetachWorker     bool
}

// Transition performs the conditional status update that serializes the
// state machine: the row moves to `to` only if its current status is in
// `from`. On a from-set miss the current status is reported so callers
// can distinguish lost races from invalid requests.
func (s *MeetingStore) Transition(ctx context.Context, id int64, from []models.MeetingStatus, to models.MeetingStatus, patch TransitionPatch) (*models.Meeting, error) {
	fromSet := make([]string, len(from))
	for i, f := range from {
		fromSet[i] = string(f)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE meetings SET
			status = $3,
			status_changed_at = now(),
			updated_at = now(),
			completion_reason = COALESCE($4, completion_reason),
			failure_stage = COALESCE($5, failure_stage),
			error_message = COALESCE($6, error_message),
			start_time = CASE WHEN $7 AND start_time IS NULL THEN now() ELSE start_time END,
			end_time = CASE WHEN $8 THEN now() ELSE end_time END,
			worker_ref = CASE WHEN $9 THEN NULL ELSE worker_ref END
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+meetingColumns,
		id, fromSet, to,
		patch.CompletionReason, patch.FailureStage, patch.ErrorMessage,
		patch.SetStartTime, patch.SetEndTime, patch.DetachWorker)

	m, err := scanMeeting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &InvalidTransitionError{MeetingID: id, Current: current.Status, Target: to}
	}
	if err != nil {
		return nil, fmt.Errorf("registry: transition meeting %d: %w", id, err)
	}
	return m, nil
}

// AttachWorker records the worker reference. Idempotent for the same ref.
func (s *MeetingStore) AttachWorker(ctx context.Context, id int64, workerRef string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE meetings SET worker_ref = $2, updated_at = now()
		WHERE id = $1 AND (worker_ref IS NULL OR worker_ref = $2)`,
		id, workerRef)
	if err != nil {
		return fmt.Errorf("registry: attach worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("registry: meeting %d has a different worker attached: %w", id, ErrAlreadyExists)
	}
	return nil
}

// SetWorkerCredentials records the callback token and connection id
// minted for the worker at dispatch.
func (s *MeetingStore) SetWorkerCredentials(ctx context.Context, id int64, token, connectionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE meetings SET callback_token = $2, connection_id = $3, updated_at = now()
		WHERE id = $1`,
		id, token, connectionID)
	if err != nil {
		return fmt.Errorf("registry: set worker credentials: %w", err)
	}
	return nil
}

// DetachWorker clears the worker reference. Idempotent.
func (s *MeetingStore) DetachWorker(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE meetings SET worker_ref = NULL, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("registry: detach worker: %w", err)
	}
	return nil
}

// PatchConfig updates the mutable config fields (language, task) and
// returns the updated meeting.
func (s *MeetingStore) PatchConfig(ctx context.Context, id int64, language string, task models.Task) (*models.Meeting, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE meetings SET
			config = config || jsonb_build_object('language', $2::text, 'task', $3::text),
			updated_at = now()
		WHERE id = $1
		RETURNING `+meetingColumns,
		id, language, string(task))
	m, err := scanMeeting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("registry: meeting %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: patch config: %w", err)
	}
	return m, nil
}

// MergeData merges keys into the meeting's data bag.
func (s *MeetingStore) MergeData(ctx context.Context, id int64, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("registry: encode data: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE meetings SET data = data || $2::jsonb, updated_at = now() WHERE id = $1`,
		id, raw)
	if err != nil {
		return fmt.Errorf("registry: merge data: %w", err)
	}
	return nil
}

// Heartbeat bumps the worker's last-seen timestamp on an active meeting.
func (s *MeetingStore) Heartbeat(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE meetings SET last_heartbeat_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("registry: heartbeat: %w", err)
	}
	return nil
}

// SetAloneSince records when the bot became the only participant; clears
// the marker when others are present.
func (s *MeetingStore) SetAloneSince(ctx context.Context, id int64, alone bool) error {
	var err error
	if alone {
		_, err = s.pool.Exec(ctx, `
			UPDATE meetings SET alone_since = COALESCE(alone_since, now()), updated_at = now()
			WHERE id = $1 AND status = 'active'`, id)
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE meetings SET alone_since = NULL, updated_at = now() WHERE id = $1`, id)
	}
	if err != nil {
		return fmt.Errorf("registry: set alone_since: %w", err)
	}
	return nil
}

// SetWebhookError records the last webhook delivery failure on the row.
func (s *MeetingStore) SetWebhookError(ctx context.Context, id int64, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE meetings SET webhook_error = $2, updated_at = now() WHERE id = $1`, id, msg)
	if err != nil {
		return fmt.Errorf("registry: set webhook error: %w", err)
	}
	return nil
}

// Anonymize scrubs a terminal meeting in one transaction: the native
// meeting id is nulled, the data bag cleared, and transcripts and
// recording rows deleted. Idempotent; rejects non-terminal meetings.
func (s *MeetingStore) Anonymize(ctx context.Context, userID, id int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("registry: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status models.MeetingStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM meetings WHERE id = $1 AND user_id = $2 FOR UPDATE`,
		id, userID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("registry: meeting %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("registry: lock meeting: %w", err)
	}
	if !status.IsTerminal() {
		return &InvalidTransitionError{MeetingID: id, Current: status, Target: status}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE meetings SET native_meeting_id = NULL, data = '{}'::jsonb,
			error_message = NULL, updated_at = now()
		WHERE id = $1`, id); err != nil {
		return fmt.Errorf("registry: scrub meeting: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM transcript_segments WHERE meeting_id = $1`, id); err != nil {
		return fmt.Errorf("registry: delete transcripts: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM recordings WHERE meeting_id = $1`, id); err != nil {
		return fmt.Errorf("registry: delete recordings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("registry: commit: %w", err)
	}
	return nil
}

// ListSessions returns a meeting's audio sessions in start order.
func (s *MeetingStore) ListSessions(ctx context.Context, meetingID int64) ([]models.MeetingSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_uid, meeting_id, session_start_time
		FROM meeting_sessions WHERE meeting_id = $1 ORDER BY session_start_time`,
		meetingID)
	if err != nil {
		return nil, fmt.Errorf("registry: list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.MeetingSession
	for rows.Next() {
		var ms models.MeetingSession
		if err := rows.Scan(&ms.SessionUID, &ms.MeetingID, &ms.StartTime); err != nil {
			return nil, fmt.Errorf("registry: scan session: %w", err)
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

// StaleQuery selects meetings stuck in a status for longer than age.
type StaleQuery struct {
	Statuses []models.MeetingStatus
	// OlderThan is matched against status_changed_at unless ByHeartbeat
	// or ByAloneSince select a different column.
	OlderThan    time.Duration
	ByHeartbeat  bool
	ByAloneSince bool
}

// ListStale returns live meetings matching a staleness predicate, for the
// background reaper.
func (s *MeetingStore) ListStale(ctx context.Context, q StaleQuery) ([]*models.Meeting, error) {
	statuses := make([]string, len(q.Statuses))
	for i, st := range q.Statuses {
		statuses[i] = string(st)
	}
	column := "status_changed_at"
	switch {
	case q.ByHeartbeat:
		// Meetings that never heartbeat fall back to the transition time.
		column = "COALESCE(last_heartbeat_at, status_changed_at)"
	case q.ByAloneSince:
		column = "alone_since"
	}
	query := fmt.Sprintf(`
		SELECT %s FROM meetings
		WHERE status = ANY($1) AND %s IS NOT NULL AND %s < now() - $2::interval
		ORDER BY id`, meetingColumns, column, column)

	interval := fmt.Sprintf("%f seconds", q.OlderThan.Seconds())
	return s.list(ctx, query, statuses, interval)
}

// MarkCallback records a worker callback for idempotency. Returns false
// when the same (connection_id, status) pair was already seen.
func (s *MeetingStore) MarkCallback(ctx context.Context, connectionID string, status string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO callback_dedup (connection_id, status) VALUES ($1, $2)
		ON CONFLICT (connection_id, status) DO NOTHING`,
		connectionID, status)
	if err != nil {
		return false, fmt.Errorf("registry: mark callback: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UnmarkCallback releases a dedup key so a retried callback is processed
// again. Used when applying a marked callback fails.
func (s *MeetingStore) UnmarkCallback(ctx context.Context, connectionID string, status string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM callback_dedup WHERE connection_id = $1 AND status = $2`,
		connectionID, status)
	if err != nil {
		return fmt.Errorf("registry: unmark callback: %w", err)
	}
	return nil
}
