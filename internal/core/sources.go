package core

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/JonMunkholm/sourcehub/internal/logging"
	"github.com/google/uuid"
)

// Record paging limits.
const (
	DefaultRecordLimit = 100
	MaxRecordLimit     = 1000
)

// SourceRepository is the read and delete side of source persistence.
type SourceRepository interface {
	OwnershipLookup
	Get(ctx context.Context, id uuid.UUID) (*domain.DataSource, error)
	ListByOwner(ctx context.Context, owner uuid.UUID, search string) ([]*domain.DataSource, error)
	ListRecords(ctx context.Context, sourceID uuid.UUID, limit, offset int) ([]*domain.RawRecord, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// RecordPage is one page of a source's records.
type RecordPage struct {
	SourceID uuid.UUID           `json:"dataSourceId"`
	Records  []*domain.RawRecord `json:"records"`
	Total    int                 `json:"total"`
	Limit    int                 `json:"limit"`
	Offset   int                 `json:"offset"`
}

// SourceService answers owner-scoped queries about data sources. Every
// single-entity access goes through the OwnershipGuard first.
type SourceService struct {
	repo  SourceRepository
	guard *OwnershipGuard
}

// NewSourceService returns a service over repo.
func NewSourceService(repo SourceRepository) *SourceService {
	return &SourceService{repo: repo, guard: NewOwnershipGuard(repo)}
}

// Guard returns the guard used by the service.
func (s *SourceService) Guard() *OwnershipGuard { return s.guard }

// List returns principal's sources, newest first, optionally filtered by a
// case-insensitive substring of the name.
func (s *SourceService) List(ctx context.Context, principal uuid.UUID, search string) ([]domain.DataSourceSummary, error) {
	sources, err := s.repo.ListByOwner(ctx, principal, search)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	out := make([]domain.DataSourceSummary, 0, len(sources))
	for _, ds := range sources {
		out = append(out, ds.Summary())
	}
	return out, nil
}

// Get returns one source.
func (s *SourceService) Get(ctx context.Context, principal, id uuid.UUID) (*domain.DataSource, error) {
	if err := s.guard.Authorize(ctx, principal, EntityDataSource, id); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

// Records returns a page of a source's records in ingestion order. The
// source is checked first; records are only loaded once it is allowed.
func (s *SourceService) Records(ctx context.Context, principal, sourceID uuid.UUID, limit, offset int) (*RecordPage, error) {
	ds, err := s.Get(ctx, principal, sourceID)
	if err != nil {
		return nil, err
	}

	switch {
	case limit <= 0:
		limit = DefaultRecordLimit
	case limit > MaxRecordLimit:
		limit = MaxRecordLimit
	}
	if offset < 0 {
		return nil, domain.Validation("offset must not be negative")
	}

	records, err := s.repo.ListRecords(ctx, sourceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	if records == nil {
		records = []*domain.RawRecord{}
	}
	return &RecordPage{
		SourceID: sourceID,
		Records:  records,
		Total:    ds.Metadata.RowCount,
		Limit:    limit,
		Offset:   offset,
	}, nil
}

// Record returns one raw record.
func (s *SourceService) Record(ctx context.Context, principal, id uuid.UUID) (*domain.RawRecord, error) {
	if err := s.guard.Authorize(ctx, principal, EntityRawRecord, id); err != nil {
		return nil, err
	}
	return s.repo.GetRecord(ctx, id)
}

// Delete removes a source and, through the foreign key, its records.
func (s *SourceService) Delete(ctx context.Context, principal, id uuid.UUID) error {
	if err := s.guard.Authorize(ctx, principal, EntityDataSource, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	logging.WithFields(ctx, "principal_id", principal, "data_source_id", id).Info("data source deleted")
	return nil
}
