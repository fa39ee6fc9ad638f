package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sourceCols = []string{"id", "owner_id", "kind", "name", "config", "upload", "columns", "row_count", "created_at"}

func TestSources_InsertRecordsBuildsMultiRowInsert(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSources(db)

	src := uuid.New()
	rows := []domain.Row{{"a": 1}, {"a": 2}}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO raw_records (id, source_id, ordinal, payload) VALUES ($1, $2, $3, $4), ($5, $6, $7, $8)")).
		WithArgs(sqlmock.AnyArg(), src.String(), 10, `{"a":1}`, sqlmock.AnyArg(), src.String(), 11, `{"a":2}`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.InsertRecords(context.Background(), src, 10, rows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSources_InsertRecordsEmptyIsNoop(t *testing.T) {
	db, mock := newMock(t)
	require.NoError(t, NewSources(db).InsertRecords(context.Background(), uuid.New(), 0, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSources_InTxCommitsIngestion(t *testing.T) {
	db, mock := newMock(t)
	s := New(db)

	ds := &domain.DataSource{
		ID:      uuid.New(),
		OwnerID: uuid.New(),
		Kind:    domain.KindManual,
		Name:    "manual",
		Config:  domain.NewSourceConfig(domain.KindManual),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO data_sources")).
		WithArgs(ds.ID.String(), ds.OwnerID.String(), "manual", "manual", `{"kind":"manual","manual":{}}`, nil).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO raw_records")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE data_sources SET config = $2, columns = $3, row_count = $4 WHERE id = $1")).
		WithArgs(ds.ID.String(), `{"kind":"manual","manual":{}}`, `["a"]`, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(ctx context.Context, w SourceWriter) error {
		if err := w.InsertSource(ctx, ds); err != nil {
			return err
		}
		if err := w.InsertRecords(ctx, ds.ID, 0, []domain.Row{{"a": "x"}}); err != nil {
			return err
		}
		return w.FinalizeSource(ctx, ds.ID, ds.Config, domain.Metadata{Columns: []string{"a"}, RowCount: 1})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSources_GetDecodesJSONColumns(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSources(db)

	id, owner := uuid.New(), uuid.New()
	created := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	upload, _ := json.Marshal(domain.UploadDescriptor{FileName: "sales.csv", Size: 42, ContentType: "text/csv"})

	mock.ExpectQuery(regexp.QuoteMeta("FROM data_sources WHERE id = $1")).
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows(sourceCols).AddRow(
			id.String(), owner.String(), "text-upload", "Sales",
			[]byte(`{"kind":"text-upload","text":{"delimiter":","}}`),
			upload,
			[]byte(`["region","sales"]`),
			2, created,
		))

	ds, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, owner, ds.OwnerID)
	assert.Equal(t, domain.KindTextUpload, ds.Kind)
	assert.Equal(t, ",", ds.Config.Text.Delimiter)
	require.NotNil(t, ds.Upload)
	assert.Equal(t, "sales.csv", ds.Upload.FileName)
	assert.Equal(t, []string{"region", "sales"}, ds.Metadata.Columns)
	assert.Equal(t, 2, ds.Metadata.RowCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSources_ListByOwnerSearchEscapesPattern(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSources(db)

	owner := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE owner_id = $1 AND name ILIKE $2 ESCAPE '\' ORDER BY created_at DESC, id`)).
		WithArgs(owner.String(), `%50\%%`).
		WillReturnRows(sqlmock.NewRows(sourceCols))

	got, err := repo.ListByOwner(context.Background(), owner, " 50% ")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSources_DeleteMissing(t *testing.T) {
	db, mock := newMock(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM data_sources WHERE id = $1")).
		WithArgs(id.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := NewSources(db).Delete(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSources_ListRecordsKeepsNumbers(t *testing.T) {
	db, mock := newMock(t)
	src := uuid.New()
	recID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY ordinal LIMIT $2 OFFSET $3")).
		WithArgs(src.String(), 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "source_id", "payload", "created_at"}).
			AddRow(recID.String(), src.String(), []byte(`{"a":12345678901234567890}`), time.Now()))

	recs, err := NewSources(db).ListRecords(context.Background(), src, 50, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, json.Number("12345678901234567890"), recs[0].Payload["a"])
}
