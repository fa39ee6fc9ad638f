package connector

// streaming.go provides the reader stack used by file connectors.
//
// Uploaded files are decoded on the fly, never buffered whole:
//
//   - CountingReader: counts raw bytes and enforces the upload size cap
//   - BOM handling: a UTF-8 BOM is dropped; a UTF-16 BOM switches decoding
//   - UTF-8 sanitizing: invalid sequences become U+FFFD
//
// Use WrapForStreaming to apply all of them in the right order.

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/JonMunkholm/sourcehub/internal/domain"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrInputTooLarge is returned by a CountingReader once its limit is exceeded.
var ErrInputTooLarge = errors.New("input exceeds size limit")

// CountingReader tracks bytes read from the underlying reader and fails
// once more than Limit bytes have been read. A zero Limit disables the cap.
type CountingReader struct {
	reader    io.Reader
	BytesRead int64
	Limit     int64
}

// NewCountingReader wraps r with an optional byte limit.
func NewCountingReader(r io.Reader, limit int64) *CountingReader {
	return &CountingReader{reader: r, Limit: limit}
}

// Read implements io.Reader.
func (r *CountingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.BytesRead += int64(n)
	if r.Limit > 0 && r.BytesRead > r.Limit {
		return n, fmt.Errorf("%w (%d bytes)", ErrInputTooLarge, r.Limit)
	}
	return n, err
}

// WrapForStreaming returns a reader that yields sanitized UTF-8 text from r,
// along with the counter sitting directly on top of r.
//
// Order matters: the size cap applies to raw bytes, and BOM detection has
// to see the very first bytes before anything else decodes them.
func WrapForStreaming(r io.Reader, limit int64) (io.Reader, *CountingReader) {
	counter := NewCountingReader(r, limit)
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	return transform.NewReader(counter, decoder), counter
}

// isEmptyRow reports whether every cell is blank.
func isEmptyRow(cells []string) bool {
	for _, v := range cells {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// normalizeHeader trims header cells, names blank ones column_N and
// suffixes repeats (_2, _3, ...) so every column name is unique.
func normalizeHeader(cells []string) []string {
	out := make([]string, len(cells))
	used := make(map[string]int, len(cells))
	for i, cell := range cells {
		name := strings.TrimSpace(cell)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		base := name
		for used[name] > 0 {
			used[base]++
			name = fmt.Sprintf("%s_%d", base, used[base])
		}
		used[name]++
		out[i] = name
	}
	return out
}

// rowFromCells maps cells onto header names. Missing cells become empty
// strings; cells beyond the header are dropped.
func rowFromCells(header, cells []string) domain.Row {
	row := make(domain.Row, len(header))
	for i, name := range header {
		if i < len(cells) {
			row[name] = cells[i]
		} else {
			row[name] = ""
		}
	}
	return row
}

// PostgreSQL jsonb cannot store U+0000, so rows carrying it are rejected
// by the connectors before they reach the store.

// hasNUL reports whether any cell contains U+0000.
func hasNUL(cells []string) bool {
	for _, v := range cells {
		if strings.IndexByte(v, 0) >= 0 {
			return true
		}
	}
	return false
}

// valueHasNUL reports whether a decoded JSON value contains U+0000 in any
// string or object key.
func valueHasNUL(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.IndexByte(t, 0) >= 0
	case []any:
		for _, e := range t {
			if valueHasNUL(e) {
				return true
			}
		}
	case map[string]any:
		for k, e := range t {
			if strings.IndexByte(k, 0) >= 0 || valueHasNUL(e) {
				return true
			}
		}
	}
	return false
}
