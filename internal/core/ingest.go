package core

import (
	"context"
	"fmt"
	"html"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JonMunkholm/sourcehub/internal/blob"
	"github.com/JonMunkholm/sourcehub/internal/connector"
	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/JonMunkholm/sourcehub/internal/logging"
	"github.com/JonMunkholm/sourcehub/internal/store"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

// DefaultBatchSize is the number of rows written per insert statement.
const DefaultBatchSize = 1000

// DefaultIngestTimeout bounds a single ingestion, persistence included.
const DefaultIngestTimeout = 10 * time.Minute

// MaxNameLength is the longest data source name kept, in runes.
const MaxNameLength = 200

// Transactor runs fn with a writer bound to one transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, w store.SourceWriter) error) error
}

// IngestMetrics receives ingestion outcomes.
type IngestMetrics interface {
	RecordIngest(kind string, rows int, d time.Duration)
	RecordIngestFailure(kind, code string)
}

// IngestRequest describes one ingestion.
type IngestRequest struct {
	PrincipalID uuid.UUID
	Kind        domain.SourceKind
	Name        string

	// Config defaults to domain.NewSourceConfig(Kind) when nil.
	Config *domain.SourceConfig

	// Upload is set for file kinds. Its StoragePath is the staged blob key,
	// which is removed once the ingestion ends either way.
	Upload *domain.UploadDescriptor

	// Body carries the JSON array for manual sources.
	Body io.Reader
}

// IngestResult is returned after the source has been committed.
type IngestResult struct {
	DataSourceID uuid.UUID `json:"dataSourceId"`
	Name         string    `json:"name"`
	RowsSaved    int       `json:"rowsSaved"`
	Columns      []string  `json:"columns"`
}

// CoordinatorOptions tune a Coordinator.
type CoordinatorOptions struct {
	BatchSize int
	Timeout   time.Duration
}

// Coordinator runs a connector and persists what it emits. A source and
// its records become visible together, with RowCount equal to the number
// of stored records, or not at all.
type Coordinator struct {
	registry *connector.Registry
	tx       Transactor
	stager   blob.Stager
	limiter  *UploadLimiter
	metrics  IngestMetrics

	batchSize int
	timeout   time.Duration
	policy    *bluemonday.Policy
	now       func() time.Time
}

// NewCoordinator wires a Coordinator. stager may be nil when no file kinds
// are served; metrics may be nil.
func NewCoordinator(registry *connector.Registry, tx Transactor, stager blob.Stager, limiter *UploadLimiter, metrics IngestMetrics, opts CoordinatorOptions) *Coordinator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultIngestTimeout
	}
	if limiter == nil {
		limiter = NewUploadLimiter(DefaultMaxConcurrentUploads, DefaultMaxWaitTime)
	}
	return &Coordinator{
		registry:  registry,
		tx:        tx,
		stager:    stager,
		limiter:   limiter,
		metrics:   metrics,
		batchSize: opts.BatchSize,
		timeout:   opts.Timeout,
		policy:    bluemonday.StrictPolicy(),
		now:       time.Now,
	}
}

// Limiter exposes the ingestion limiter for status and shutdown.
func (c *Coordinator) Limiter() *UploadLimiter { return c.limiter }

// WaitForUploads blocks until running ingestions finish or ctx is done.
func (c *Coordinator) WaitForUploads(ctx context.Context) error {
	return c.limiter.WaitForDrain(ctx)
}

// Ingest parses the request's input and stores it as a new data source.
func (c *Coordinator) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	start := c.now()
	ip, _ := ClientFromContext(ctx)
	logger := logging.WithFields(ctx,
		"principal_id", req.PrincipalID,
		"kind", req.Kind,
		"ip", ip,
	)

	if req.Upload != nil && req.Upload.StoragePath != "" && c.stager != nil {
		key := req.Upload.StoragePath
		defer func() {
			if err := c.stager.Remove(context.WithoutCancel(ctx), key); err != nil {
				logger.Warn("failed to remove staged upload", "key", key, "error", err)
			}
		}()
	}

	res, err := c.ingest(ctx, req)
	if err != nil {
		code := "Internal"
		if de, ok := domain.AsError(err); ok {
			code = de.Code
		}
		if c.metrics != nil {
			c.metrics.RecordIngestFailure(string(req.Kind), code)
		}
		logger.Warn("ingestion failed", "code", code, "error", err)
		return nil, err
	}

	elapsed := c.now().Sub(start)
	if c.metrics != nil {
		c.metrics.RecordIngest(string(req.Kind), res.RowsSaved, elapsed)
	}
	logger.Info("ingestion committed",
		"data_source_id", res.DataSourceID,
		"rows", res.RowsSaved,
		"columns", len(res.Columns),
		"duration", elapsed,
	)
	return res, nil
}

func (c *Coordinator) ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if req.PrincipalID == uuid.Nil {
		return nil, domain.ErrNoToken
	}

	conn, err := c.registry.Lookup(req.Kind)
	if err != nil {
		return nil, err
	}

	cfg, err := c.resolveConfig(req)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.limiter.Release()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	in := connector.Input{Config: &cfg, Body: req.Body}
	var upload *domain.UploadDescriptor
	if req.Kind.IsFile() {
		if req.Upload == nil || req.Upload.StoragePath == "" {
			return nil, domain.Validation("a file is required for %s sources", req.Kind)
		}
		if c.stager == nil {
			return nil, fmt.Errorf("no upload storage configured")
		}
		body, err := c.stager.Open(ctx, req.Upload.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("open staged upload: %w", err)
		}
		defer body.Close()

		in.Body = body
		in.FileName = req.Upload.FileName
		in.Size = req.Upload.Size

		// The staged blob is gone once this call returns, so its key is
		// not persisted.
		u := *req.Upload
		u.StoragePath = ""
		upload = &u
	} else if req.Kind == domain.KindManual && req.Body == nil {
		return nil, domain.ErrInvalidManualPayload.WithMessage("rows are required")
	}

	ds := &domain.DataSource{
		ID:      uuid.New(),
		OwnerID: req.PrincipalID,
		Kind:    req.Kind,
		Name:    c.sourceName(req),
		Config:  cfg,
		Upload:  upload,
	}

	err = c.tx.InTx(ctx, func(ctx context.Context, w store.SourceWriter) error {
		if err := w.InsertSource(ctx, ds); err != nil {
			return fmt.Errorf("insert data source: %w", err)
		}

		saved := 0
		batch := make([]domain.Row, 0, c.batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := w.InsertRecords(ctx, ds.ID, saved, batch); err != nil {
				return fmt.Errorf("insert records at %d: %w", saved, err)
			}
			saved += len(batch)
			batch = make([]domain.Row, 0, c.batchSize)
			return nil
		}

		parsed, err := conn.Parse(ctx, in, func(row domain.Row) error {
			batch = append(batch, row)
			if len(batch) >= c.batchSize {
				return flush()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := flush(); err != nil {
			return err
		}
		if saved != parsed.RowCount {
			return fmt.Errorf("row count mismatch: parsed %d, saved %d", parsed.RowCount, saved)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		ds.Metadata = domain.Metadata{Columns: parsed.Columns, RowCount: saved}
		// Connectors may have filled in details such as the sheet name.
		ds.Config = cfg
		if err := w.FinalizeSource(ctx, ds.ID, ds.Config, ds.Metadata); err != nil {
			return fmt.Errorf("finalize data source: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cols := ds.Metadata.Columns
	if cols == nil {
		cols = []string{}
	}
	return &IngestResult{
		DataSourceID: ds.ID,
		Name:         ds.Name,
		RowsSaved:    ds.Metadata.RowCount,
		Columns:      cols,
	}, nil
}

func (c *Coordinator) resolveConfig(req IngestRequest) (domain.SourceConfig, error) {
	var cfg domain.SourceConfig
	if req.Config != nil {
		cfg = *req.Config
	} else {
		cfg = domain.NewSourceConfig(req.Kind)
		if req.Kind == domain.KindTextUpload && req.Upload != nil {
			cfg.Text.Delimiter = connector.DelimiterFor(req.Upload.FileName)
		}
	}
	if cfg.Kind != req.Kind {
		return cfg, domain.Validation("config kind %q does not match source kind %q", cfg.Kind, req.Kind)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, domain.ErrValidation.WithMessage("%v", err)
	}
	if cfg.Metrics != nil {
		if err := connector.ValidateMetricsConfig(cfg.Metrics); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// sourceName sanitizes the declared name. An empty result falls back to
// the upload file name, then to "<kind> <UTC timestamp>".
func (c *Coordinator) sourceName(req IngestRequest) string {
	if name := c.cleanName(req.Name); name != "" {
		return name
	}
	if req.Upload != nil {
		if name := c.cleanName(req.Upload.FileName); name != "" {
			return name
		}
	}
	return fmt.Sprintf("%s %s", req.Kind, c.now().UTC().Format(time.RFC3339))
}

func (c *Coordinator) cleanName(s string) string {
	s = strings.TrimSpace(html.UnescapeString(c.policy.Sanitize(s)))
	if utf8.RuneCountInString(s) > MaxNameLength {
		s = strings.TrimSpace(string([]rune(s)[:MaxNameLength]))
	}
	return s
}
