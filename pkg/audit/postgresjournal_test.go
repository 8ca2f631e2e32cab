package audit_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur/pkg/audit"
	"github.com/TrigintaFaces/excalibur/pkg/clock"
)

func TestPostgresJournalAppendAssignsSequenceAndHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(sequence_number\), 0\)`).
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce", "coalesce_1"}).AddRow(int64(3), "prevhash"))

	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs(sqlmock.AnyArg(), "tenant-1", int64(4), "System", "tick", "Success",
			sqlmock.AnyArg(), "svc", "", "", "", "", "", "", "", "", "",
			[]byte("null"), "prevhash", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	now := time.Now().UTC()
	j := audit.NewPostgresJournal(db, audit.WithPostgresClock(clock.Fixed{At: now}))

	id, err := j.Append(context.Background(), audit.Event{
		EventType: audit.EventSystem,
		Action:    "tick",
		Outcome:   audit.OutcomeSuccess,
		ActorID:   "svc",
		TenantID:  "tenant-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJournalGetByIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM audit_events WHERE tenant_id = \$1 AND event_id = \$2`).
		WithArgs("tenant-1", "missing").
		WillReturnError(sql.ErrNoRows)

	j := audit.NewPostgresJournal(db)
	e, err := j.GetByID(context.Background(), "tenant-1", "missing")
	require.NoError(t, err)
	assert.Nil(t, e)
	require.NoError(t, mock.ExpectationsWereMet())
}
