package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/JonMunkholm/sourcehub/internal/domain"
)

var errNUL = errors.New("strings may not contain U+0000")

// ManualConnector parses a JSON array of row objects.
type ManualConnector struct {
	MaxBytes int64
}

// NewManualConnector returns a manual-entry connector.
func NewManualConnector(maxBytes int64) *ManualConnector {
	return &ManualConnector{MaxBytes: maxBytes}
}

func (c *ManualConnector) Kind() domain.SourceKind { return domain.KindManual }

// Parse decodes the array element by element. Numbers are kept as
// json.Number so they round-trip without float conversion.
func (c *ManualConnector) Parse(ctx context.Context, in Input, emit EmitFunc) (Result, error) {
	if in.Body == nil {
		return Result{}, invalidManual("payload is empty", nil)
	}

	dec := json.NewDecoder(NewCountingReader(in.Body, c.MaxBytes))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return Result{}, invalidManual("payload is not valid JSON", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return Result{}, invalidManual("payload must be an array", nil)
	}

	cols := newColumnSet()
	count := 0
	for dec.More() {
		if count%ContextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, fmt.Errorf("parse cancelled at element %d: %w", count+1, err)
			}
		}

		row, keys, err := decodeObject(dec)
		if err != nil {
			return Result{}, invalidManual(fmt.Sprintf("element %d is not a valid object", count+1), err)
		}
		for _, k := range keys {
			cols.add(k)
		}
		if err := emit(row); err != nil {
			return Result{}, err
		}
		count++
	}

	if _, err := dec.Token(); err != nil {
		return Result{}, invalidManual("array is not terminated", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Result{}, invalidManual("unexpected data after the array", err)
	}

	return Result{Columns: cols.list(), RowCount: count}, nil
}

// decodeObject reads one JSON object and returns its keys in document order.
func decodeObject(dec *json.Decoder) (domain.Row, []string, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected object, got %v", tok)
	}

	row := domain.Row{}
	var keys []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected object key, got %v", keyTok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, nil, err
		}
		if valueHasNUL(key) || valueHasNUL(value) {
			return nil, nil, errNUL
		}
		if _, seen := row[key]; !seen {
			keys = append(keys, key)
		}
		row[key] = value
	}

	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return row, keys, nil
}

func invalidManual(msg string, cause error) error {
	e := domain.ErrInvalidManualPayload.WithMessage("manual payload: %s", msg)
	if cause != nil {
		return e.Wrap(cause)
	}
	return e
}
