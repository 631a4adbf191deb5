package mission

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-agentbus/pkg/event"
)

// recordingPublisher captures every event the store emits.
type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func newTestMissionStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, *recordingPublisher) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	pub := &recordingPublisher{}
	return NewPostgresStore(db, pub, nil), mock, pub
}

func missionRow(m Mission) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "description", "status", "priority", "retry_count", "created_at", "updated_at"}).
		AddRow(m.ID, m.Name, m.Description, string(m.Status), m.Priority, m.RetryCount, m.CreatedAt, m.UpdatedAt)
}

func TestCreateMission(t *testing.T) {
	store, mock, pub := newTestMissionStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO missions").
		WithArgs(sqlmock.AnyArg(), "Deploy v2.0", "roll out the new build", StatusPending, 3, 0, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO mission_stats").
		WithArgs(StatusPending, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m, err := store.Create(context.Background(), Spec{Name: "Deploy v2.0", Description: "roll out the new build", Priority: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, "Deploy v2.0", m.Name)
	assert.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, EventCreated, ev.Type)
	assert.Equal(t, "mission-store", ev.Source)
	assert.Equal(t, "mission_"+m.ID, ev.Target)

	var payload CreatedPayload
	require.NoError(t, ev.DecodePayload(&payload))
	assert.Equal(t, m.ID, payload.MissionID)
	assert.Equal(t, "Deploy v2.0", payload.Name)
	assert.Equal(t, StatusPending, payload.Status)
}

func TestCreateWithoutPublisher(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := NewPostgresStore(db, nil, nil)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO missions").
		WithArgs(sqlmock.AnyArg(), "Deploy v2.0", "", StatusPending, 0, 0, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO mission_stats").
		WithArgs(StatusPending, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// No bus configured: creation still works, nothing is emitted.
	m, err := store.Create(context.Background(), Spec{Name: "Deploy v2.0"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, m.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRejectsInvalidSpec(t *testing.T) {
	store, mock, pub := newTestMissionStore(t)

	_, err := store.Create(context.Background(), Spec{Priority: 1})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, pub.events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsNilForUnknownMission(t *testing.T) {
	store, mock, _ := newTestMissionStore(t)

	mock.ExpectQuery("SELECT id, name, description, status, priority, retry_count, created_at, updated_at FROM missions WHERE id").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	m, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestGetMission(t *testing.T) {
	store, mock, _ := newTestMissionStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT id, name, description, status, priority, retry_count, created_at, updated_at FROM missions WHERE id").
		WithArgs("m-1").
		WillReturnRows(missionRow(Mission{ID: "m-1", Name: "probe", Status: StatusQueued, Priority: 2, CreatedAt: now, UpdatedAt: now}))

	m, err := store.Get(context.Background(), "m-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, StatusQueued, m.Status)
	assert.Equal(t, 2, m.Priority)
}

func TestUpdateStatusHappyPath(t *testing.T) {
	store, mock, pub := newTestMissionStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, name, description, status, priority, retry_count, created_at, updated_at FROM missions WHERE id").
		WithArgs("m-1").
		WillReturnRows(missionRow(Mission{ID: "m-1", Name: "probe", Status: StatusQueued, CreatedAt: now, UpdatedAt: now}))
	mock.ExpectExec("UPDATE missions SET status").
		WithArgs(StatusRunning, sqlmock.AnyArg(), "m-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO mission_stats").
		WithArgs(StatusQueued, -1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO mission_stats").
		WithArgs(StatusRunning, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO mission_logs").
		WithArgs("m-1", "INFO", "status changed from QUEUED to RUNNING", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	m, err := store.UpdateStatus(context.Background(), "m-1", StatusRunning)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, StatusRunning, m.Status)
	assert.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, pub.events, 1)
	assert.Equal(t, EventStatusChanged, pub.events[0].Type)

	var payload StatusChangedPayload
	require.NoError(t, pub.events[0].DecodePayload(&payload))
	assert.Equal(t, StatusQueued, payload.Old)
	assert.Equal(t, StatusRunning, payload.New)
}

func TestUpdateStatusRejectsIllegalTransition(t *testing.T) {
	store, mock, pub := newTestMissionStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, name, description, status, priority, retry_count, created_at, updated_at FROM missions WHERE id").
		WithArgs("m-1").
		WillReturnRows(missionRow(Mission{ID: "m-1", Name: "probe", Status: StatusCompleted, CreatedAt: now, UpdatedAt: now}))
	mock.ExpectRollback()

	_, err := store.UpdateStatus(context.Background(), "m-1", StatusRunning)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StatusCompleted, terr.From)
	assert.Equal(t, StatusRunning, terr.To)
	assert.Empty(t, pub.events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusUnknownMission(t *testing.T) {
	store, mock, pub := newTestMissionStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, name, description, status, priority, retry_count, created_at, updated_at FROM missions WHERE id").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	m, err := store.UpdateStatus(context.Background(), "nope", StatusCancelled)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Empty(t, pub.events)
}

func TestUpdateStatusRejectsUnknownStatus(t *testing.T) {
	store, _, _ := newTestMissionStore(t)

	_, err := store.UpdateStatus(context.Background(), "m-1", Status("PAUSED"))
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
}

func TestStats(t *testing.T) {
	store, mock, _ := newTestMissionStore(t)

	mock.ExpectQuery("SELECT status, count FROM mission_stats").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow(string(StatusPending), 2).
			AddRow(string(StatusCompleted), 5))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[StatusPending])
	assert.Equal(t, 5, stats.ByStatus[StatusCompleted])
	assert.Zero(t, stats.ByStatus[StatusRunning], "absent statuses read as zero")
}

func TestClaimNextWithEmptyQueue(t *testing.T) {
	store, mock, _ := newTestMissionStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, name, description, status, priority, retry_count, created_at, updated_at FROM missions WHERE status IN").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	m, err := store.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestClaimNextQueuesPendingMission(t *testing.T) {
	store, mock, pub := newTestMissionStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, name, description, status, priority, retry_count, created_at, updated_at FROM missions WHERE status IN").
		WillReturnRows(missionRow(Mission{ID: "m-1", Name: "probe", Status: StatusPending, Priority: 5, CreatedAt: now, UpdatedAt: now}))
	mock.ExpectExec("UPDATE missions SET status").
		WithArgs(StatusQueued, sqlmock.AnyArg(), "m-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO mission_stats").
		WithArgs(StatusPending, -1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO mission_stats").
		WithArgs(StatusQueued, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO mission_logs").
		WithArgs("m-1", "INFO", "status changed from PENDING to QUEUED", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	m, err := store.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, StatusQueued, m.Status)
	assert.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, pub.events, 1)
	assert.Equal(t, EventStatusChanged, pub.events[0].Type)
}

func TestIncrementRetry(t *testing.T) {
	store, mock, _ := newTestMissionStore(t)

	mock.ExpectQuery("UPDATE missions SET retry_count = retry_count").
		WithArgs(sqlmock.AnyArg(), "m-1").
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(2))

	count, err := store.IncrementRetry(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAppendLogEmitsEvent(t *testing.T) {
	store, mock, pub := newTestMissionStore(t)

	mock.ExpectExec("INSERT INTO mission_logs").
		WithArgs("m-1", "WARN", "disk almost full", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.AppendLog(context.Background(), "m-1", LogEntry{Level: "WARN", Message: "disk almost full"}))

	require.Len(t, pub.events, 1)
	assert.Equal(t, EventLogAppended, pub.events[0].Type)
}
