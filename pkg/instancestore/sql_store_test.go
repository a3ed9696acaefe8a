package instancestore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestSQLStore_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db, func(n int) string { return "?" })
	inst := Instance{
		RequestID: "req-1",
		Op:        "v1:catalog.list",
		Args:      []byte(`{}`),
		Principal: "user-1",
		State:     Accepted,
		ExpiresAt: time.Now().Add(time.Hour),
	}

	mock.ExpectExec("INSERT INTO op_instances").
		WithArgs("req-1", "", "v1:catalog.list", "{}", "user-1", string(Accepted), sqlmock.AnyArg(), sqlmock.AnyArg(), inst.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Create(context.Background(), inst))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Transition_Rejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db, func(n int) string { return "?" })

	mock.ExpectExec("UPDATE op_instances").
		WithArgs(string(Pending), "", []byte(nil), "", sqlmock.AnyArg(), sqlmock.AnyArg(), "req-1", string(Accepted)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Transition(context.Background(), "req-1", Accepted, Pending, TransitionFields{})
	require.ErrorIs(t, err, ErrTransitionRejected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Transition_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db, func(n int) string { return "?" })

	mock.ExpectExec("UPDATE op_instances").
		WithArgs(string(Complete), "/ops/req-1/chunks", []byte(`{"ok":true}`), "application/json", sqlmock.AnyArg(), sqlmock.AnyArg(), "req-1", string(Pending)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Transition(context.Background(), "req-1", Pending, Complete, TransitionFields{
		ResultLocation: "/ops/req-1/chunks",
		ResultData:     []byte(`{"ok":true}`),
		ResultMime:     "application/json",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_TouchPoll_Allowed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db, func(n int) string { return "?" })
	now := time.Now()

	mock.ExpectExec("UPDATE op_instances SET last_polled_at").
		WithArgs(now, "req-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	allowed, retry, err := store.TouchPoll(context.Background(), "req-1", now, time.Second)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Zero(t, retry)
	require.NoError(t, mock.ExpectationsWereMet())
}
