package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-agentbus/pkg/event"
)

func newTestStore(t *testing.T, opts Options) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db, opts, nil), mock
}

func testEvent(t *testing.T) event.Event {
	t.Helper()
	ev, err := event.New("mission.created", "test", map[string]string{"name": "probe"})
	require.NoError(t, err)
	return ev
}

func TestAppendReturnsSequence(t *testing.T) {
	store, mock := newTestStore(t, Options{})
	ev := testEvent(t)

	mock.ExpectQuery("INSERT INTO stream_messages").
		WithArgs("mission", sqlmock.AnyArg(), ev.Timestamp).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(7)))

	seq, err := store.Append(context.Background(), "mission", ev)
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchClaimsPendingMessages(t *testing.T) {
	store, mock := newTestStore(t, Options{MaxDeliveries: 5})
	ev := testEvent(t)
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	appendedAt := time.Now().Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stream_deliveries").
		WithArgs("platform", "mission").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT d.stream, d.seq, d.delivery_count, m.event, m.appended_at").
		WithArgs("platform", pq.Array([]string{"mission"}), sqlmock.AnyArg(), 10).
		WillReturnRows(sqlmock.NewRows([]string{"stream", "seq", "delivery_count", "event", "appended_at"}).
			AddRow("mission", int64(3), 0, data, appendedAt))
	mock.ExpectExec("UPDATE stream_deliveries SET status='claimed'").
		WithArgs("worker-1", sqlmock.AnyArg(), "platform", "mission", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	messages, err := store.Fetch(context.Background(), "platform", "worker-1", []string{"mission"}, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, int64(3), messages[0].Seq)
	assert.Equal(t, "mission", messages[0].Stream)
	assert.Equal(t, ev.ID, messages[0].Event.ID)
	assert.Equal(t, 1, messages[0].DeliveryCount, "claim counts as a delivery")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchDeliversLateCommittedMessage(t *testing.T) {
	store, mock := newTestStore(t, Options{MaxDeliveries: 5})
	early := testEvent(t)
	late := testEvent(t)
	earlyData, err := json.Marshal(early)
	require.NoError(t, err)
	lateData, err := json.Marshal(late)
	require.NoError(t, err)

	// Sequences are assigned when a producer inserts but only become visible
	// when it commits, so seq 5 can appear after seq 6 was already registered
	// and acked. Registration matches on absence from the delivery ledger,
	// never on a high-water mark, so the straggler is still delivered.
	registerSQL := `INSERT INTO stream_deliveries .* WHERE m.stream = \$2 AND NOT EXISTS`

	mock.ExpectBegin()
	mock.ExpectExec(registerSQL).
		WithArgs("platform", "mission").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT d.stream, d.seq, d.delivery_count, m.event, m.appended_at").
		WithArgs("platform", pq.Array([]string{"mission"}), sqlmock.AnyArg(), 10).
		WillReturnRows(sqlmock.NewRows([]string{"stream", "seq", "delivery_count", "event", "appended_at"}).
			AddRow("mission", int64(6), 0, earlyData, time.Now()))
	mock.ExpectExec("UPDATE stream_deliveries SET status='claimed'").
		WithArgs("worker-1", sqlmock.AnyArg(), "platform", "mission", int64(6)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec("UPDATE stream_deliveries SET status='acked'").
		WithArgs("platform", "mission", int64(6)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectBegin()
	mock.ExpectExec(registerSQL).
		WithArgs("platform", "mission").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT d.stream, d.seq, d.delivery_count, m.event, m.appended_at").
		WithArgs("platform", pq.Array([]string{"mission"}), sqlmock.AnyArg(), 10).
		WillReturnRows(sqlmock.NewRows([]string{"stream", "seq", "delivery_count", "event", "appended_at"}).
			AddRow("mission", int64(5), 0, lateData, time.Now()))
	mock.ExpectExec("UPDATE stream_deliveries SET status='claimed'").
		WithArgs("worker-1", sqlmock.AnyArg(), "platform", "mission", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	first, err := store.Fetch(context.Background(), "platform", "worker-1", []string{"mission"}, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, int64(6), first[0].Seq)
	require.NoError(t, store.Ack(context.Background(), "platform", "mission", 6))

	second, err := store.Fetch(context.Background(), "platform", "worker-1", []string{"mission"}, 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, int64(5), second[0].Seq, "a seq committed late must still reach the group")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchDeadLettersOverBudgetMessage(t *testing.T) {
	store, mock := newTestStore(t, Options{MaxDeliveries: 2})
	ev := testEvent(t)
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stream_deliveries").
		WithArgs("platform", "mission").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT d.stream, d.seq, d.delivery_count, m.event, m.appended_at").
		WithArgs("platform", pq.Array([]string{"mission"}), sqlmock.AnyArg(), 10).
		WillReturnRows(sqlmock.NewRows([]string{"stream", "seq", "delivery_count", "event", "appended_at"}).
			AddRow("mission", int64(3), 2, data, time.Now()))
	mock.ExpectExec("INSERT INTO stream_messages").
		WithArgs(DeadLetterStream, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE stream_deliveries SET status='acked'").
		WithArgs("platform", "mission", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	messages, err := store.Fetch(context.Background(), "platform", "worker-1", []string{"mission"}, 10)
	require.NoError(t, err)
	assert.Empty(t, messages, "dead-lettered message must not be delivered")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchRollsBackOnClaimError(t *testing.T) {
	store, mock := newTestStore(t, Options{})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stream_deliveries").
		WithArgs("platform", "mission").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT d.stream, d.seq, d.delivery_count, m.event, m.appended_at").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := store.Fetch(context.Background(), "platform", "worker-1", []string{"mission"}, 10)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAck(t *testing.T) {
	store, mock := newTestStore(t, Options{})

	mock.ExpectExec("UPDATE stream_deliveries SET status='acked'").
		WithArgs("platform", "mission", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Ack(context.Background(), "platform", "mission", 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelease(t *testing.T) {
	store, mock := newTestStore(t, Options{})

	mock.ExpectExec("UPDATE stream_deliveries SET status='pending'").
		WithArgs("platform", "mission", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Release(context.Background(), "platform", "mission", 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}
