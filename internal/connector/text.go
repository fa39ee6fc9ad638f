package connector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/JonMunkholm/sourcehub/internal/domain"
)

// sniffSize is how many decoded bytes are inspected for binary content.
const sniffSize = 512

// TextConnector parses delimited text (CSV, TSV). The first non-empty row
// is the header.
type TextConnector struct {
	// MaxBytes caps the raw upload size. Zero means unlimited.
	MaxBytes int64
}

// NewTextConnector returns a delimited-text connector.
func NewTextConnector(maxBytes int64) *TextConnector {
	return &TextConnector{MaxBytes: maxBytes}
}

func (c *TextConnector) Kind() domain.SourceKind { return domain.KindTextUpload }

// Parse streams rows from in.Body.
func (c *TextConnector) Parse(ctx context.Context, in Input, emit EmitFunc) (Result, error) {
	if in.Body == nil {
		return Result{}, domain.ErrUnsupportedFormat.WithMessage("no file content")
	}

	delim, err := c.delimiter(in.Config)
	if err != nil {
		return Result{}, err
	}

	decoded, _ := WrapForStreaming(in.Body, c.MaxBytes)
	br := bufio.NewReader(decoded)

	peek, err := br.Peek(sniffSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return Result{}, unsupported(err)
	}
	if bytes.IndexByte(peek, 0) >= 0 {
		return Result{}, domain.ErrUnsupportedFormat.WithMessage("file %q looks like binary data, not delimited text", in.FileName)
	}

	reader := csv.NewReader(br)
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	var header []string
	count := 0
	for line := 0; ; line++ {
		if line%ContextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, fmt.Errorf("parse cancelled at line %d: %w", line+1, err)
			}
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, unsupported(err)
		}
		if hasNUL(record) {
			return Result{}, domain.ErrUnsupportedFormat.WithMessage("file %q contains a NUL character at record %d", in.FileName, line+1)
		}
		if isEmptyRow(record) {
			continue
		}
		if header == nil {
			header = normalizeHeader(record)
			continue
		}

		if err := emit(rowFromCells(header, record)); err != nil {
			return Result{}, err
		}
		count++
	}

	if header == nil {
		return Result{}, domain.ErrUnsupportedFormat.WithMessage("file %q has no header row", in.FileName)
	}

	return Result{Columns: header, RowCount: count}, nil
}

func (c *TextConnector) delimiter(cfg *domain.SourceConfig) (rune, error) {
	if cfg == nil || cfg.Text == nil || cfg.Text.Delimiter == "" {
		return ',', nil
	}
	r, size := utf8.DecodeRuneInString(cfg.Text.Delimiter)
	if size != len(cfg.Text.Delimiter) || r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
		return 0, domain.Validation("invalid delimiter %q", cfg.Text.Delimiter)
	}
	return r, nil
}

// unsupported classifies a read or parse failure. Oversized input gets its
// own message so callers can tell the user what went wrong.
func unsupported(err error) error {
	if errors.Is(err, ErrInputTooLarge) {
		return domain.ErrUnsupportedFormat.WithMessage("file exceeds the maximum upload size").Wrap(err)
	}
	return domain.ErrUnsupportedFormat.Wrap(err)
}
