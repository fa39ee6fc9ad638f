package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedSource ingests a small manual source owned by owner.
func seedSource(t *testing.T, f *ingestFixture, owner uuid.UUID, name string) *IngestResult {
	t.Helper()
	res, err := f.coord.Ingest(context.Background(), IngestRequest{
		PrincipalID: owner,
		Kind:        domain.KindManual,
		Name:        name,
		Body:        strings.NewReader(`[{"region":"north","sales":10},{"region":"south","sales":20}]`),
	})
	require.NoError(t, err)
	return res
}

func firstRecord(t *testing.T, f *ingestFixture, sourceID uuid.UUID) uuid.UUID {
	t.Helper()
	recs, err := f.store.ListRecords(context.Background(), sourceID, 1, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0].ID
}

func TestOwnershipGuard_Check(t *testing.T) {
	f := newIngestFixture(t, 0)
	alice, bob := f.owner, uuid.New()
	src := seedSource(t, f, alice, "alice data")
	rec := firstRecord(t, f, src.DataSourceID)
	guard := NewOwnershipGuard(f.store)

	tests := []struct {
		name      string
		principal uuid.UUID
		kind      EntityKind
		id        uuid.UUID
		want      Verdict
	}{
		{"owner reads source", alice, EntityDataSource, src.DataSourceID, Allowed},
		{"owner reads record", alice, EntityRawRecord, rec, Allowed},
		{"other principal reads source", bob, EntityDataSource, src.DataSourceID, Forbidden},
		{"other principal reads record", bob, EntityRawRecord, rec, Forbidden},
		{"missing source", alice, EntityDataSource, uuid.New(), NotFound},
		{"missing record", alice, EntityRawRecord, uuid.New(), NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := guard.Check(context.Background(), tt.principal, tt.kind, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := guard.Check(context.Background(), tt.principal, tt.kind, tt.id)
			require.NoError(t, err)
			assert.Equal(t, got, again, "same inputs must give the same verdict")
		})
	}

	assert.Equal(t, 0, f.store.deletes)
	assert.Len(t, f.store.sources, 1)
	f.store.assertCountsMatch(t)
}

func TestOwnershipGuard_StorageErrorIsReturned(t *testing.T) {
	guard := NewOwnershipGuard(failingLookup{})
	_, err := guard.Check(context.Background(), uuid.New(), EntityDataSource, uuid.New())
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrNotFound))
}

type failingLookup struct{}

func (failingLookup) OwnerOf(context.Context, uuid.UUID) (uuid.UUID, error) {
	return uuid.Nil, errors.New("db error: connection refused")
}

func (failingLookup) GetRecord(context.Context, uuid.UUID) (*domain.RawRecord, error) {
	return nil, errors.New("db error: connection refused")
}

func TestVerdict_Err(t *testing.T) {
	assert.NoError(t, Allowed.Err())
	assert.ErrorIs(t, Forbidden.Err(), domain.ErrForbidden)
	assert.ErrorIs(t, NotFound.Err(), domain.ErrNotFound)
}

func TestSourceService_CrossPrincipalAccess(t *testing.T) {
	f := newIngestFixture(t, 0)
	alice, bob := f.owner, uuid.New()
	src := seedSource(t, f, alice, "alice data")
	svc := NewSourceService(f.store)
	ctx := context.Background()

	_, err := svc.Get(ctx, bob, src.DataSourceID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.Records(ctx, bob, src.DataSourceID, 10, 0)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.Record(ctx, bob, firstRecord(t, f, src.DataSourceID))
	assert.ErrorIs(t, err, domain.ErrForbidden)

	err = svc.Delete(ctx, bob, src.DataSourceID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Len(t, f.store.sources, 1, "forbidden delete must not remove anything")

	list, err := svc.List(ctx, bob, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSourceService_OwnerQueries(t *testing.T) {
	f := newIngestFixture(t, 0)
	src := seedSource(t, f, f.owner, "Regional Sales")
	seedSource(t, f, f.owner, "marketing")
	svc := NewSourceService(f.store)
	ctx := context.Background()

	list, err := svc.List(ctx, f.owner, "sales")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, src.DataSourceID, list[0].ID)
	assert.Equal(t, 2, list[0].RowCount)
	assert.Equal(t, []string{"region", "sales"}, list[0].Columns)

	page, err := svc.Records(ctx, f.owner, src.DataSourceID, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "south", page.Records[0].Payload["region"])

	page, err = svc.Records(ctx, f.owner, src.DataSourceID, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, DefaultRecordLimit, page.Limit)
	assert.NotNil(t, page.Records)
	assert.Empty(t, page.Records)

	_, err = svc.Records(ctx, f.owner, src.DataSourceID, 10, -1)
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, svc.Delete(ctx, f.owner, src.DataSourceID))
	_, err = svc.Get(ctx, f.owner, src.DataSourceID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, f.store.records[src.DataSourceID], "records go with their source")
	f.store.assertCountsMatch(t)
}
