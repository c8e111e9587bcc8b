package registry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexa-ai/vexa/pkg/models"
	"github.com/vexa-ai/vexa/pkg/registry"
	"github.com/vexa-ai/vexa/test/util"
)

func setupStores(t *testing.T) (*pgxpool.Pool, *registry.MeetingStore, *registry.UserStore) {
	pool := util.SetupTestDatabase(t)
	return pool, registry.NewMeetingStore(pool), registry.NewUserStore(pool)
}

func createUser(t *testing.T, users *registry.UserStore, maxBots int) *models.User {
	u, err := users.Create(context.Background(), t.Name()+"@example.com", "Test User", maxBots)
	require.NoError(t, err)
	return u
}

func TestCreateRequest(t *testing.T) {
	ctx := context.Background()
	_, meetings, users := setupStores(t)
	u := createUser(t, users, 2)

	m, err := meetings.CreateRequest(ctx, u.ID, models.PlatformGoogleMeet, "abc-defg-hij", models.MeetingConfig{
		Language: "en",
		BotName:  "Vexa",
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusRequested, m.Status)
	assert.Equal(t, u.ID, m.UserID)
	assert.NotEmpty(t, m.SessionUID)
	assert.Nil(t, m.WorkerRef)
	assert.Equal(t, "en", m.Config.Language)

	// The initial audio session is opened with the meeting.
	sessions, err := meetings.ListSessions(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, m.SessionUID, sessions[0].SessionUID)
}

func TestCreateRequestDuplicateLiveMeeting(t *testing.T) {
	ctx := context.Background()
	_, meetings, users := setupStores(t)
	u := createUser(t, users, 5)

	_, err := meetings.CreateRequest(ctx, u.ID, models.PlatformGoogleMeet, "abc-defg-hij", models.MeetingConfig{})
	require.NoError(t, err)

	_, err = meetings.CreateRequest(ctx, u.ID, models.PlatformGoogleMeet, "abc-defg-hij", models.MeetingConfig{})
	assert.ErrorIs(t, err, registry.ErrAlreadyExists)
}

func TestCreateRequestAfterTerminalAllowsRejoin(t *testing.T) {
	ctx := context.Background()
	_, meetings, users := setupStores(t)
	u := createUser(t, users, 5)

	m, err := meetings.CreateRequest(ctx, u.ID, models.PlatformGoogleMeet, "abc-defg-hij", models.MeetingConfig{})
	require.NoError(t, err)

	reason := models.CompletionStopped
	_, err = meetings.Transition(ctx, m.ID, []models.MeetingStatus{models.StatusRequested},
		models.StatusCompleted, registry.TransitionPatch{CompletionReason: &reason, SetEndTime: true})
	require.NoError(t, err)

	// Same room can be joined again once the previous meeting is terminal.
	_, err = meetings.CreateRequest(ctx, u.ID, models.PlatformGoogleMeet, "abc-defg-hij", models.MeetingConfig{})
	assert.NoError(t, err)
}

func TestCreateRequestConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	_, meetings, users := setupStores(t)
	u := createUser(t, users, 1)

	_, err := meetings.CreateRequest(ctx, u.ID, models.PlatformGoogleMeet, "abc-defg-hij", models.MeetingConfig{})
	require.NoError(t, err)

	_, err = meetings.CreateRequest(ctx, u.ID, models.PlatformZoom, "85512345678", models.MeetingConfig{})
	var limitErr *registry.ConcurrencyLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 1, limitErr.Limit)
	assert.Equal(t, 1, limitErr.Active)
}

func TestCreateRequestRaceSameRoom(t *testing.T) {
	ctx := context.Background()
	_, meetings, users := setupStores(t)
	u := createUser(t, users, 10)

	// Parallel requests for the same live room: the partial unique
	// index must let exactly one through.
	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := meetings.CreateRequest(ctx, u.ID,
				models.PlatformGoogleMeet, "abc-defg-hij", models.MeetingConfig{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var won, lost int
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, registry.ErrAlreadyExists):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, n-1, lost)

	live, err := meetings.ListByOwner(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestCreateRequestRaceConcurrencyCeiling(t *testing.T) {
	ctx := context.Background()
	_, meetings, users := setupStores(t)
	u := createUser(t, users, 2)

	// Parallel requests for distinct rooms: the per-user row lock
	// serializes admission, so exactly max_concurrent_bots win.
	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := meetings.CreateRequest(ctx, u.ID,
				models.PlatformZoom, fmt.Sprintf("8551234%04d", i), models.MeetingConfig{})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var won, refused int
	for err := range errs {
		var limitErr *registry.ConcurrencyLimitError
		switch {
		case err == nil:
			won++
		case errors.As(err, &limitErr):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 2, won)
	assert.Equal(t, n-2, refused)

	active, err := meetings.CountActive(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, active)
}

func TestCreateRequestUnknownUser(t *testing.T) {
	ctx := context.Background()
	_, meetings, _ := setupStores(t)

	_, err := meetings.CreateRequest(ctx, 99999, models.PlatformGoogleMeet, "abc-defg-hij", models.MeetingConfig{})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	_, meetings, users := setupStores(t)
	u := createUser(t, users, 2)

	m, err := meetings.CreateRequest(ctx, u.ID, models.PlatformGoogleMeet, "abc-defg-hij", models.MeetingConfig{})
	require.NoError(t, err)

	t.Run("valid edge", func(t *testing.T) {
		updated, err := meetings.Transition(ctx, m.ID,
			[]models.MeetingStatus{models.StatusRequested}, models.StatusJoining,
			registry.TransitionPatch{})
		require.NoError(t, err)
		assert.Equal(t, models.StatusJoining, updated.Status)
	})

	t.Run("from-set miss reports current status", func(t *testing.T) {
		_, err := meetings.Transition(ctx, m.ID,
			[]models.MeetingStatus{models.StatusRequested}, models.StatusJoining,
			registry.TransitionPatch{})
		var invalidErr *registry.InvalidTransitionError
		require.ErrorAs(t, err, &invalidErr)
		assert.Equal(t, models.StatusJoining, invalidErr.Current)
	})

	t.Run("tolerant from-set", func(t *testing.T) {
		// A joining_ack racing dispatch accepts both starting states.
		updated, err := meetings.Transition(ctx, m.ID,
			[]models.MeetingStatus{models.StatusRequested, models.StatusJoining}, models.StatusJoining,
			registry.TransitionPatch{})
		require.NoError(t, err)
		assert.Equal(t, models.StatusJoining, updated.Status)
	})

	t.Run("active sets start_time once", func(t *testing.T) {
		updated, err := meetings.Transition(ctx, m.ID,
			[]models.MeetingStatus{models.StatusJoining}, models.StatusActive,
			registry.TransitionPatch{SetStartTime: true})
		require.NoError(t, err)
		require.NotNil(t, updated.StartTime)
		first := *updated.StartTime

		updated, err = meetings.Transition(ctx, m.ID,
			[]models.MeetingStatus{models.StatusActive}, models.StatusActive,
			registry.TransitionPatch{SetStartTime: true})
		require.NoError(t, err)
		assert.True(t, updated.StartTime.Equal(first))
	})

	t.Run("terminal patch", func(t *testing.T) {
		reason := models.CompletionStopped
		updated, err := meetings.Transition(ctx, m.ID,
			[]models.MeetingStatus{models.StatusActive}, models.StatusCompleted,
			registry.TransitionPatch{CompletionReason: &reason, SetEndTime: true, DetachWorker: true})
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, updated.Status)
		require.NotNil(t, updated.CompletionReason)
		assert.Equal(t, models.CompletionStopped, *updated.CompletionReason)
		assert.NotNil(t, updated.EndTime)
		assert.Nil(t, updated.WorkerRef)
	})
}

func TestTransitionNotFound(t *testing.T) {
	ctx := context.Background()
	_, meetings, _ := setupStores(t)

	_, err := meetings.Transition(ctx, 12345,
		[]models.MeetingStatus{models.StatusRequested}, models.StatusJoining,
		registry.TransitionPatch{})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestAttachDetachWorker(t *testing.T) {
	ctx := context.Background()
	_, meetings, users := setupStores(t)
	u := createUser(t, users, 2)

	m, err := meetings.CreateRequest(ctx, u.ID, models.PlatformGoogleMeet, "abc-defg-hij", models.MeetingConfig{})
	require.NoError(t, err)

	require.NoError(t, meetings.AttachWorker(ctx, m.ID, "container-1"))
	// Attaching the same ref again is a no-op.
	require.NoError(t, meetings.AttachWorker(ctx, m.ID, "container-1"))
	// A different ref is rejected while one is attached.
	err = meetings.AttachWorker(ctx, m.ID, "container-2")
	assert.ErrorIs(t, err, registry.ErrAlreadyExists)

	require.NoError(t, meetings.DetachWorker(ctx, m.ID))
	require.NoError(t, meetings.DetachWorker(ctx, m.ID))

	got, err := meetings.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Nil(t, got.WorkerRef)
}

func TestPatchConfig(t *testing.T) {
	ctx := context.Background()
	_, meetings, users := setupStores(t)
	u := createUser(t, users, 2)

	m, err := meetings.CreateRequest(ctx, u.ID, models.PlatformGoogleMeet, "abc-defg-hij", models.MeetingConfig{
		Language: "en", BotName: "Vexa", RecordingEnabled: true,
	})
	require.NoError(t, err)

	updated, err := meetings.PatchConfig(ctx, m.ID, "es", models.TaskTranslate)
	require.NoError(t, err)
	assert.Equal(t, "es", updated.Config.Language)
	assert.Equal(t, models.TaskTranslate, updated.Config.Task)
	// Untouched fields survive the merge.
	assert.Equal(t, "Vexa", updated.Config.BotName)
	assert.True(t, updated.Config.RecordingEnabled)
}

func TestAnonymize(t *testing.T) {
	ctx := context.Background()
	pool, meetings, users := setupStores(t)
	u := createUser(t, users, 2)

	m, err := meetings.CreateRequest(ctx, u.ID, models.PlatformGoogleMeet, "abc-defg-hij", models.MeetingConfig{})
	require.NoError(t, err)

	t.Run("rejected while live", func(t *testing.T) {
		err := meetings.Anonymize(ctx, u.ID, m.ID)
		var invalidErr *registry.InvalidTransitionError
		assert.ErrorAs(t, err, &invalidErr)
	})

	reason := models.CompletionStopped
	_, err = meetings.Transition(ctx, m.ID, []models.MeetingStatus{models.StatusRequested},
		models.StatusCompleted, registry.TransitionPatch{CompletionReason: &reason})
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		INSERT INTO transcript_segments (meeting_id, session_uid, start_offset_ms, end_offset_ms, text)
		VALUES ($1, $2, 0, 1000, 'hello')`, m.ID, m.SessionUID)
	require.NoError(t, err)

	t.Run("scrubs and deletes", func(t *testing.T) {
		require.NoError(t, meetings.Anonymize(ctx, u.ID, m.ID))

		got, err := meetings.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Nil(t, got.NativeMeetingID)
		assert.Empty(t, got.Data)
		// Status and reason survive anonymization.
		assert.Equal(t, models.StatusCompleted, got.Status)

		var count int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT count(*) FROM transcript_segments WHERE meeting_id = $1`, m.ID).Scan(&count))
		assert.Zero(t, count)
	})

	t.Run("idempotent", func(t *testing.T) {
		assert.NoError(t, meetings.Anonymize(ctx, u.ID, m.ID))
	})

	t.Run("wrong owner", func(t *testing.T) {
		other, err := users.Create(ctx, "other-"+t.Name()+"@example.com", "", 0)
		require.NoError(t, err)
		err = meetings.Anonymize(ctx, other.ID, m.ID)
		assert.ErrorIs(t, err, registry.ErrNotFound)
	})
}

func TestListStale(t *testing.T) {
	ctx := context.Background()
	pool, meetings, users := setupStores(t)
	u := createUser(t, users, 5)

	m, err := meetings.CreateRequest(ctx, u.ID, models.PlatformGoogleMeet, "abc-defg-hij", models.MeetingConfig{})
	require.NoError(t, err)

	// Nothing stale yet.
	stale, err := meetings.ListStale(ctx, registry.StaleQuery{
		Statuses:  []models.MeetingStatus{models.StatusRequested},
		OlderThan: time.Minute,
	})
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Backdate the transition time past the threshold.
	_, err = pool.Exec(ctx,
		`UPDATE meetings SET status_changed_at = now() - interval '2 minutes' WHERE id = $1`, m.ID)
	require.NoError(t, err)

	stale, err = meetings.ListStale(ctx, registry.StaleQuery{
		Statuses:  []models.MeetingStatus{models.StatusRequested},
		OlderThan: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, m.ID, stale[0].ID)

	// Heartbeat-based staleness falls back to status_changed_at when the
	// worker never heartbeat.
	_, err = meetings.Transition(ctx, m.ID,
		[]models.MeetingStatus{models.StatusRequested}, models.StatusActive,
		registry.TransitionPatch{})
	require.NoError(t, err)
	_, err = pool.Exec(ctx,
		`UPDATE meetings SET status_changed_at = now() - interval '2 minutes' WHERE id = $1`, m.ID)
	require.NoError(t, err)

	stale, err = meetings.ListStale(ctx, registry.StaleQuery{
		Statuses:    []models.MeetingStatus{models.StatusActive},
		OlderThan:   time.Minute,
		ByHeartbeat: true,
	})
	require.NoError(t, err)
	require.Len(t, stale, 1)

	// A fresh heartbeat clears it.
	require.NoError(t, meetings.Heartbeat(ctx, m.ID))
	stale, err = meetings.ListStale(ctx, registry.StaleQuery{
		Statuses:    []models.MeetingStatus{models.StatusActive},
		OlderThan:   time.Minute,
		ByHeartbeat: true,
	})
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestAloneSince(t *testing.T) {
	ctx := context.Background()
	_, meetings, users := setupStores(t)
	u := createUser(t, users, 2)

	m, err := meetings.CreateRequest(ctx, u.ID, models.PlatformGoogleMeet, "abc-defg-hij", models.MeetingConfig{})
	require.NoError(t, err)
	_, err = meetings.Transition(ctx, m.ID,
		[]models.MeetingStatus{models.StatusRequested}, models.StatusActive,
		registry.TransitionPatch{})
	require.NoError(t, err)

	require.NoError(t, meetings.SetAloneSince(ctx, m.ID, true))
	got, err := meetings.Get(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AloneSince)
	first := *got.AloneSince

	// Repeated alone reports keep the original timestamp.
	require.NoError(t, meetings.SetAloneSince(ctx, m.ID, true))
	got, err = meetings.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.AloneSince.Equal(first))

	require.NoError(t, meetings.SetAloneSince(ctx, m.ID, false))
	got, err = meetings.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AloneSince)
}

func TestMarkCallback(t *testing.T) {
	ctx := context.Background()
	_, meetings, _ := setupStores(t)

	fresh, err := meetings.MarkCallback(ctx, "conn-1", "active")
	require.NoError(t, err)
	assert.True(t, fresh)

	replay, err := meetings.MarkCallback(ctx, "conn-1", "active")
	require.NoError(t, err)
	assert.False(t, replay)

	other, err := meetings.MarkCallback(ctx, "conn-1", "completed")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestFindLiveByPlatformNative(t *testing.T) {
	ctx := context.Background()
	_, meetings, users := setupStores(t)
	u := createUser(t, users, 2)

	m, err := meetings.CreateRequest(ctx, u.ID, models.PlatformTeams, "1234567890123", models.MeetingConfig{})
	require.NoError(t, err)

	found, err := meetings.FindLiveByPlatformNative(ctx, u.ID, models.PlatformTeams, "1234567890123")
	require.NoError(t, err)
	assert.Equal(t, m.ID, found.ID)

	reason := models.CompletionStopped
	_, err = meetings.Transition(ctx, m.ID, []models.MeetingStatus{models.StatusRequested},
		models.StatusCompleted, registry.TransitionPatch{CompletionReason: &reason})
	require.NoError(t, err)

	_, err = meetings.FindLiveByPlatformNative(ctx, u.ID, models.PlatformTeams, "1234567890123")
	assert.True(t, errors.Is(err, registry.ErrNotFound))

	// The terminal meeting is still reachable as the latest.
	latest, err := meetings.FindLatestByPlatformNative(ctx, u.ID, models.PlatformTeams, "1234567890123")
	require.NoError(t, err)
	assert.Equal(t, m.ID, latest.ID)
}
