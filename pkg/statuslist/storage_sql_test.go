package statuslist

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLStorage(t *testing.T) (*SQLStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS status_lists").
		WillReturnResult(sqlmock.NewResult(0, 0))
	storage, err := NewSQLStorage(db)
	require.NoError(t, err)
	return storage, mock
}

func TestSQLStorage_SaveUpsert(t *testing.T) {
	storage, mock := newSQLStorage(t)

	mock.ExpectExec("INSERT INTO status_lists").
		WithArgs("L", "revocation", "did:key:z6Mk", "https://s.example/l",
			1024, 3, "H4sIA", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := storage.Save(context.Background(), &ListRecord{
		ID:               "L",
		Purpose:          PurposeRevocation,
		Issuer:           "did:key:z6Mk",
		BaseURL:          "https://s.example/l",
		Length:           1024,
		AllocationCursor: 3,
		EncodedList:      "H4sIA",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorage_LoadNotFound(t *testing.T) {
	storage, mock := newSQLStorage(t)

	mock.ExpectQuery("SELECT id, purpose, issuer").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := storage.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrListNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorage_LoadRoundTrip(t *testing.T) {
	storage, mock := newSQLStorage(t)

	updated := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "purpose", "issuer", "base_url", "length",
		"allocation_cursor", "encoded_list", "metadata", "updated_at",
	}).AddRow("L", "suspension", "did:key:z6Mk", "https://s.example/l",
		8192, 7, "H4sIA", `{"3":{"revokedBy":"admin","reason":"fraud"}}`, updated)

	mock.ExpectQuery("SELECT id, purpose, issuer").
		WithArgs("L").
		WillReturnRows(rows)

	rec, err := storage.Load(context.Background(), "L")
	require.NoError(t, err)
	assert.Equal(t, PurposeSuspension, rec.Purpose)
	assert.Equal(t, 7, rec.AllocationCursor)
	require.Contains(t, rec.Metadata, 3)
	assert.Equal(t, "fraud", rec.Metadata[3].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorage_SaveError(t *testing.T) {
	storage, mock := newSQLStorage(t)

	mock.ExpectExec("INSERT INTO status_lists").
		WillReturnError(errors.New("connection reset"))

	err := storage.Save(context.Background(), &ListRecord{ID: "L", Purpose: PurposeRevocation})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save list")
}

func TestSQLStorage_ListIDs(t *testing.T) {
	storage, mock := newSQLStorage(t)

	mock.ExpectQuery("SELECT id FROM status_lists").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))

	ids, err := storage.ListIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
