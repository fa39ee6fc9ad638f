package core

import (
	"context"
	"errors"

	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/google/uuid"
)

// EntityKind names what a guard check is about.
type EntityKind string

const (
	EntityDataSource EntityKind = "data_source"
	EntityRawRecord  EntityKind = "raw_record"
)

// Verdict is the outcome of an ownership check.
type Verdict int

const (
	Allowed Verdict = iota
	Forbidden
	NotFound
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Forbidden:
		return "forbidden"
	default:
		return "not_found"
	}
}

// Err returns nil for Allowed and the matching domain error otherwise.
func (v Verdict) Err() error {
	switch v {
	case Allowed:
		return nil
	case Forbidden:
		return domain.ErrForbidden
	default:
		return domain.ErrNotFound
	}
}

// OwnershipLookup resolves owners. Records have no owner of their own;
// theirs is the owner of their source.
type OwnershipLookup interface {
	OwnerOf(ctx context.Context, sourceID uuid.UUID) (uuid.UUID, error)
	GetRecord(ctx context.Context, id uuid.UUID) (*domain.RawRecord, error)
}

// OwnershipGuard is the single access policy for data sources and their
// records. It never writes.
type OwnershipGuard struct {
	lookup OwnershipLookup
}

// NewOwnershipGuard returns a guard over lookup.
func NewOwnershipGuard(lookup OwnershipLookup) *OwnershipGuard {
	return &OwnershipGuard{lookup: lookup}
}

// Check decides whether principal may access the entity. The error is
// non-nil only for storage failures.
func (g *OwnershipGuard) Check(ctx context.Context, principal uuid.UUID, kind EntityKind, id uuid.UUID) (Verdict, error) {
	sourceID := id
	switch kind {
	case EntityDataSource:
	case EntityRawRecord:
		rec, err := g.lookup.GetRecord(ctx, id)
		if err != nil {
			return verdictFromErr(err)
		}
		sourceID = rec.SourceID
	default:
		return NotFound, domain.Validation("unknown entity kind %q", kind)
	}

	owner, err := g.lookup.OwnerOf(ctx, sourceID)
	if err != nil {
		return verdictFromErr(err)
	}
	if owner != principal {
		return Forbidden, nil
	}
	return Allowed, nil
}

// Authorize is Check folded into a single error.
func (g *OwnershipGuard) Authorize(ctx context.Context, principal uuid.UUID, kind EntityKind, id uuid.UUID) error {
	v, err := g.Check(ctx, principal, kind, id)
	if err != nil {
		return err
	}
	return v.Err()
}

func verdictFromErr(err error) (Verdict, error) {
	if errors.Is(err, domain.ErrNotFound) {
		return NotFound, nil
	}
	return NotFound, err
}
