package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/google/uuid"
)

// Each record row binds four parameters; PostgreSQL allows 65535 per
// statement.
const maxRecordsPerStatement = 16000

const sourceColumns = `id, owner_id, kind, name, config, upload, columns, row_count, created_at`

// Sources is the data source and raw record repository.
type Sources struct {
	db DBTX
}

func NewSources(db DBTX) *Sources {
	return &Sources{db: db}
}

func scanSource(row rowScanner) (*domain.DataSource, error) {
	var (
		ds      domain.DataSource
		kind    string
		config  []byte
		upload  []byte
		columns []byte
	)
	if err := row.Scan(&ds.ID, &ds.OwnerID, &kind, &ds.Name, &config, &upload, &columns, &ds.Metadata.RowCount, &ds.CreatedAt); err != nil {
		return nil, err
	}
	ds.Kind = domain.SourceKind(kind)
	if err := json.Unmarshal(config, &ds.Config); err != nil {
		return nil, fmt.Errorf("decode config of source %s: %w", ds.ID, err)
	}
	if len(upload) > 0 {
		ds.Upload = &domain.UploadDescriptor{}
		if err := json.Unmarshal(upload, ds.Upload); err != nil {
			return nil, fmt.Errorf("decode upload of source %s: %w", ds.ID, err)
		}
	}
	if err := json.Unmarshal(columns, &ds.Metadata.Columns); err != nil {
		return nil, fmt.Errorf("decode columns of source %s: %w", ds.ID, err)
	}
	return &ds, nil
}

// InsertSource writes a source with empty metadata.
func (r *Sources) InsertSource(ctx context.Context, ds *domain.DataSource) error {
	config, err := json.Marshal(ds.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var upload any
	if ds.Upload != nil {
		b, err := json.Marshal(ds.Upload)
		if err != nil {
			return fmt.Errorf("encode upload: %w", err)
		}
		upload = string(b)
	}

	query := `INSERT INTO data_sources (id, owner_id, kind, name, config, upload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	if err := r.db.QueryRowContext(ctx, query,
		ds.ID, ds.OwnerID, string(ds.Kind), ds.Name, string(config), upload,
	).Scan(&ds.CreatedAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// InsertRecords appends rows to a source. offset is the ordinal of the
// first row.
func (r *Sources) InsertRecords(ctx context.Context, sourceID uuid.UUID, offset int, rows []domain.Row) error {
	for len(rows) > 0 {
		n := min(len(rows), maxRecordsPerStatement)
		if err := r.insertChunk(ctx, sourceID, offset, rows[:n]); err != nil {
			return err
		}
		rows = rows[n:]
		offset += n
	}
	return nil
}

func (r *Sources) insertChunk(ctx context.Context, sourceID uuid.UUID, offset int, rows []domain.Row) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO raw_records (id, source_id, ordinal, payload) VALUES `)

	args := make([]any, 0, len(rows)*4)
	for i, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode record %d: %w", offset+i, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		p := len(args)
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4)
		args = append(args, uuid.New(), sourceID, offset+i, string(payload))
	}

	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// FinalizeSource writes the resolved config and the metadata computed from
// the parsed stream.
func (r *Sources) FinalizeSource(ctx context.Context, id uuid.UUID, cfg domain.SourceConfig, meta domain.Metadata) error {
	config, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	cols := meta.Columns
	if cols == nil {
		cols = []string{}
	}
	columns, err := json.Marshal(cols)
	if err != nil {
		return fmt.Errorf("encode columns: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE data_sources SET config = $2, columns = $3, row_count = $4 WHERE id = $1`,
		id, string(config), string(columns), meta.RowCount)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("db error: %w", err)
	} else if n == 0 {
		return domain.ErrNotFound.WithMessage("data source not found")
	}
	return nil
}

func (r *Sources) Get(ctx context.Context, id uuid.UUID) (*domain.DataSource, error) {
	query := `SELECT ` + sourceColumns + ` FROM data_sources WHERE id = $1`

	ds, err := scanSource(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "data source")
	}
	return ds, nil
}

// OwnerOf returns the owner of a source.
func (r *Sources) OwnerOf(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	var owner uuid.UUID
	err := r.db.QueryRowContext(ctx, `SELECT owner_id FROM data_sources WHERE id = $1`, id).Scan(&owner)
	if err != nil {
		return uuid.Nil, notFound(err, "data source")
	}
	return owner, nil
}

// ListByOwner returns the owner's sources newest first. search filters by
// case-insensitive substring of the name.
func (r *Sources) ListByOwner(ctx context.Context, owner uuid.UUID, search string) ([]*domain.DataSource, error) {
	query := `SELECT ` + sourceColumns + ` FROM data_sources WHERE owner_id = $1`
	args := []any{owner}
	if search = strings.TrimSpace(search); search != "" {
		query += ` AND name ILIKE $2 ESCAPE '\'`
		args = append(args, "%"+escapeLike(search)+"%")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	out := []*domain.DataSource{}
	for rows.Next() {
		ds, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// Delete removes a source; its records go with it through the foreign key.
func (r *Sources) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM data_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound.WithMessage("data source not found")
	}
	return nil
}

// GetRecord loads one raw record.
func (r *Sources) GetRecord(ctx context.Context, id uuid.UUID) (*domain.RawRecord, error) {
	var (
		rec     domain.RawRecord
		payload []byte
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, source_id, payload, created_at FROM raw_records WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.SourceID, &payload, &rec.CreatedAt)
	if err != nil {
		return nil, notFound(err, "record")
	}
	if err := decodePayload(payload, &rec.Payload); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords pages through a source's records in ingestion order.
func (r *Sources) ListRecords(ctx context.Context, sourceID uuid.UUID, limit, offset int) ([]*domain.RawRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, source_id, payload, created_at FROM raw_records
		 WHERE source_id = $1 ORDER BY ordinal LIMIT $2 OFFSET $3`,
		sourceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	out := []*domain.RawRecord{}
	for rows.Next() {
		var (
			rec     domain.RawRecord
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &rec.SourceID, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if err := decodePayload(payload, &rec.Payload); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func decodePayload(b []byte, dst *domain.Row) error {
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	if err := d.Decode(dst); err != nil {
		return fmt.Errorf("decode record payload: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
