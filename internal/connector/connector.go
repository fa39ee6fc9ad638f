// Package connector turns external representations (delimited text,
// spreadsheets, manual JSON rows, a remote metrics API) into normalized rows.
//
// Connectors are pure: they never persist anything. Rows are handed to the
// caller one at a time through an EmitFunc so that large inputs are never
// held in memory as a whole; Collect is provided for callers that want the
// full row slice.
//
// Column derivation is the same for every connector: the ordered union of
// keys in first-seen order. For file kinds the header row fixes the order;
// for JSON-shaped rows keys are taken in document order and new keys are
// appended as they are first encountered.
package connector

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/sourcehub/internal/domain"
)

// ContextCheckInterval is how often (in rows) parsers check for cancellation.
const ContextCheckInterval = 100

// EmitFunc receives each parsed row in order. A non-nil error aborts parsing
// and is returned unchanged from Parse.
type EmitFunc func(row domain.Row) error

// Input is what a connector parses.
type Input struct {
	// Body carries file content for upload kinds and the JSON array for
	// manual sources. Unused by remote-metrics.
	Body     io.Reader
	FileName string
	Size     int64

	// Config is the per-kind configuration. Connectors may record details
	// they discover while parsing (such as the sheet name) on it.
	Config *domain.SourceConfig
}

// Result summarizes a completed parse.
type Result struct {
	Columns  []string
	RowCount int
}

// Connector parses one kind of source.
type Connector interface {
	Kind() domain.SourceKind
	Parse(ctx context.Context, in Input, emit EmitFunc) (Result, error)
}

// Collect runs c and gathers every emitted row.
func Collect(ctx context.Context, c Connector, in Input) ([]domain.Row, Result, error) {
	var rows []domain.Row
	res, err := c.Parse(ctx, in, func(row domain.Row) error {
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, Result{}, err
	}
	return rows, res, nil
}

// Registry resolves connectors by kind.
type Registry struct {
	connectors map[domain.SourceKind]Connector
}

// NewRegistry builds a registry. A later connector for the same kind
// replaces an earlier one.
func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{connectors: make(map[domain.SourceKind]Connector, len(connectors))}
	for _, c := range connectors {
		r.connectors[c.Kind()] = c
	}
	return r
}

// Lookup returns the connector for kind.
func (r *Registry) Lookup(kind domain.SourceKind) (Connector, error) {
	c, ok := r.connectors[kind]
	if !ok {
		return nil, domain.ErrUnsupportedFormat.WithMessage("unsupported source kind %q", kind)
	}
	return c, nil
}

var kindAliases = map[string]domain.SourceKind{
	"text-upload":        domain.KindTextUpload,
	"csv-upload":         domain.KindTextUpload,
	"csv":                domain.KindTextUpload,
	"spreadsheet-upload": domain.KindSpreadsheetUpload,
	"excel-upload":       domain.KindSpreadsheetUpload,
	"xlsx":               domain.KindSpreadsheetUpload,
}

// KindFromUpload resolves the kind of an uploaded file. A declared kind
// always wins; the file extension is only consulted when nothing was declared.
func KindFromUpload(declared, fileName string) (domain.SourceKind, error) {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if declared != "" {
		if kind, ok := kindAliases[declared]; ok {
			return kind, nil
		}
		return "", domain.ErrUnsupportedFormat.WithMessage("unsupported upload type %q", declared)
	}

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv", ".tsv", ".txt":
		return domain.KindTextUpload, nil
	case ".xlsx", ".xlsm":
		return domain.KindSpreadsheetUpload, nil
	}
	return "", domain.ErrUnsupportedFormat.WithMessage("cannot determine file type of %q; declare a type", fileName)
}

// DelimiterFor returns the field delimiter implied by a file name.
func DelimiterFor(fileName string) string {
	if strings.EqualFold(filepath.Ext(fileName), ".tsv") {
		return "\t"
	}
	return ","
}

// columnSet accumulates column names in first-seen order.
type columnSet struct {
	order []string
	seen  map[string]struct{}
}

func newColumnSet() *columnSet {
	return &columnSet{seen: make(map[string]struct{})}
}

func (c *columnSet) add(name string) {
	if _, ok := c.seen[name]; ok {
		return
	}
	c.seen[name] = struct{}{}
	c.order = append(c.order, name)
}

func (c *columnSet) list() []string {
	if c.order == nil {
		return []string{}
	}
	return c.order
}
