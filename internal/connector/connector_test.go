package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestTextConnector_RegionSales(t *testing.T) {
	c := NewTextConnector(0)
	in := Input{Body: strings.NewReader("region,sales\nEast,100\nWest,200\n"), FileName: "sales.csv"}

	rows, res, err := Collect(context.Background(), c, in)
	require.NoError(t, err)

	assert.Equal(t, 2, res.RowCount)
	assert.Equal(t, []string{"region", "sales"}, res.Columns)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.Row{"region": "East", "sales": "100"}, rows[0])
	assert.Equal(t, domain.Row{"region": "West", "sales": "200"}, rows[1])
}

func TestTextConnector_RaggedAndBlankRows(t *testing.T) {
	c := NewTextConnector(0)
	body := "\n\na,b,c\n1,2\n,,\n4,5,6,7\n"

	rows, res, err := Collect(context.Background(), c, Input{Body: strings.NewReader(body)})
	require.NoError(t, err)

	assert.Equal(t, 2, res.RowCount)
	assert.Equal(t, []string{"a", "b", "c"}, res.Columns)
	assert.Equal(t, domain.Row{"a": "1", "b": "2", "c": ""}, rows[0])
	assert.Equal(t, domain.Row{"a": "4", "b": "5", "c": "6"}, rows[1])
}

func TestTextConnector_Delimiter(t *testing.T) {
	c := NewTextConnector(0)
	cfg := domain.NewSourceConfig(domain.KindTextUpload)
	cfg.Text.Delimiter = "\t"

	rows, res, err := Collect(context.Background(), c, Input{
		Body:   strings.NewReader("x\ty\n1\t2\n"),
		Config: &cfg,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, res.Columns)
	assert.Equal(t, "2", rows[0]["y"])
}

func TestTextConnector_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		maxBytes int64
	}{
		{"empty file", "", 0},
		{"only blank lines", "\n\n  \n", 0},
		{"binary content", "PK\x03\x04\x00\x00binary", 0},
		{"too large", "a,b\n" + strings.Repeat("1,2\n", 100), 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewTextConnector(tt.maxBytes)
			_, _, err := Collect(context.Background(), c, Input{Body: strings.NewReader(tt.body)})
			assert.ErrorIs(t, err, domain.ErrUnsupportedFormat)
		})
	}
}

func TestTextConnector_NULAfterSniffWindow(t *testing.T) {
	body := "a,b\n" + strings.Repeat("1,2\n", 200) + "3,x\x00y\n"
	require.Greater(t, strings.IndexByte(body, 0), sniffSize)

	emitted := 0
	_, err := NewTextConnector(0).Parse(context.Background(), Input{Body: strings.NewReader(body), FileName: "nul.csv"}, func(domain.Row) error {
		emitted++
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrUnsupportedFormat)
	assert.Contains(t, err.Error(), "NUL")
	assert.Equal(t, 200, emitted)
}

func TestTextConnector_EmitErrorPropagates(t *testing.T) {
	c := NewTextConnector(0)
	boom := errors.New("insert failed")

	_, err := c.Parse(context.Background(), Input{Body: strings.NewReader("a\n1\n")}, func(domain.Row) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, domain.ErrUnsupportedFormat)
}

func TestTextConnector_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewTextConnector(0).Parse(ctx, Input{Body: strings.NewReader("a\n1\n")}, func(domain.Row) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func newWorkbook(t *testing.T) io.Reader {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	first := f.GetSheetName(0)
	require.NoError(t, f.SetCellValue(first, "A1", "region"))
	require.NoError(t, f.SetCellValue(first, "B1", "sales"))
	require.NoError(t, f.SetCellValue(first, "A2", "East"))
	require.NoError(t, f.SetCellValue(first, "B2", 100))
	require.NoError(t, f.SetCellValue(first, "A3", "West"))
	require.NoError(t, f.SetCellValue(first, "B3", 200))

	_, err := f.NewSheet("Ignored")
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue("Ignored", "A1", "other"))
	require.NoError(t, f.SetCellValue("Ignored", "A2", "x"))

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func TestSpreadsheetConnector_FirstSheetOnly(t *testing.T) {
	c := NewSpreadsheetConnector(0)
	cfg := domain.NewSourceConfig(domain.KindSpreadsheetUpload)

	rows, res, err := Collect(context.Background(), c, Input{Body: newWorkbook(t), FileName: "sales.xlsx", Config: &cfg})
	require.NoError(t, err)

	assert.Equal(t, 2, res.RowCount)
	assert.Equal(t, []string{"region", "sales"}, res.Columns)
	assert.Equal(t, domain.Row{"region": "East", "sales": "100"}, rows[0])
	assert.Equal(t, "Sheet1", cfg.Spreadsheet.Sheet)
}

func TestSpreadsheetConnector_SizeCap(t *testing.T) {
	book, err := io.ReadAll(newWorkbook(t))
	require.NoError(t, err)
	require.Greater(t, len(book), 100)

	_, _, err = Collect(context.Background(), NewSpreadsheetConnector(100), Input{Body: bytes.NewReader(book), FileName: "big.xlsx"})
	assert.ErrorIs(t, err, domain.ErrUnsupportedFormat)
	assert.ErrorIs(t, err, ErrInputTooLarge)
}

func TestSpreadsheetConnector_NotAWorkbook(t *testing.T) {
	_, _, err := Collect(context.Background(), NewSpreadsheetConnector(0), Input{Body: strings.NewReader("region,sales\n")})
	assert.ErrorIs(t, err, domain.ErrUnsupportedFormat)
}

func TestManualConnector(t *testing.T) {
	c := NewManualConnector(0)

	rows, res, err := Collect(context.Background(), c, Input{Body: strings.NewReader(`[{"a":1},{"a":2}]`)})
	require.NoError(t, err)

	assert.Equal(t, 2, res.RowCount)
	assert.Equal(t, []string{"a"}, res.Columns)
	assert.Equal(t, json.Number("1"), rows[0]["a"])
	assert.Equal(t, json.Number("2"), rows[1]["a"])
}

func TestManualConnector_ColumnUnionInFirstSeenOrder(t *testing.T) {
	body := `[{"b":1,"a":"x"},{"c":true,"a":"y"},{"nested":{"k":[1,2]}}]`

	rows, res, err := Collect(context.Background(), NewManualConnector(0), Input{Body: strings.NewReader(body)})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "a", "c", "nested"}, res.Columns)
	assert.Equal(t, 3, res.RowCount)
	assert.Equal(t, map[string]any{"k": []any{json.Number("1"), json.Number("2")}}, rows[2]["nested"])
}

func TestManualConnector_EmptyArray(t *testing.T) {
	_, res, err := Collect(context.Background(), NewManualConnector(0), Input{Body: strings.NewReader(`[]`)})
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowCount)
	assert.Equal(t, []string{}, res.Columns)
}

func TestManualConnector_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"object not array", `{"a":1}`},
		{"array of numbers", `[1,2]`},
		{"syntax error", `[{"a":1},`},
		{"not json", `region,sales`},
		{"trailing data", `[{"a":1}] [{"a":2}]`},
		{"empty", ``},
		{"NUL in value", `[{"a":"x\u0000"}]`},
		{"NUL in key", `[{"a\u0000":1}]`},
		{"NUL in nested value", `[{"a":{"b":["ok","\u0000"]}}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Collect(context.Background(), NewManualConnector(0), Input{Body: strings.NewReader(tt.body)})
			assert.ErrorIs(t, err, domain.ErrInvalidManualPayload)
		})
	}
}

func metricsConfig() *domain.SourceConfig {
	cfg := domain.NewSourceConfig(domain.KindRemoteMetrics)
	cfg.Metrics.PropertyID = "123456"
	cfg.Metrics.StartDate = "2024-01-01"
	cfg.Metrics.EndDate = "2024-01-31"
	return &cfg
}

func TestMetricsConnector(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody reportRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"dimensionHeaders":[{"name":"date"}],
			"metricHeaders":[{"name":"activeUsers"},{"name":"sessions"}],
			"rows":[
				{"dimensionValues":[{"value":"20240101"}],"metricValues":[{"value":"10"},{"value":"12"}]},
				{"dimensionValues":[{"value":"20240102"}],"metricValues":[{"value":"7"},{"value":"n/a"}]}
			]}`)
	}))
	defer srv.Close()

	c := NewMetricsConnector(srv.Client(), MetricsOptions{Endpoint: srv.URL, APIKey: "secret", Timeout: time.Second}, nil)

	rows, res, err := Collect(context.Background(), c, Input{Config: metricsConfig()})
	require.NoError(t, err)

	assert.Equal(t, "/v1beta/properties/123456:runReport", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, []dateRange{{StartDate: "2024-01-01", EndDate: "2024-01-31"}}, gotBody.DateRanges)
	assert.Equal(t, []named{{Name: "activeUsers"}, {Name: "sessions"}}, gotBody.Metrics)

	assert.Equal(t, 2, res.RowCount)
	assert.Equal(t, []string{"date", "activeUsers", "sessions"}, res.Columns)
	assert.Equal(t, domain.Row{"date": "20240101", "activeUsers": json.Number("10"), "sessions": json.Number("12")}, rows[0])
	assert.Equal(t, "n/a", rows[1]["sessions"])
}

func TestMetricsConnector_UpstreamFailures(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota exceeded", http.StatusTooManyRequests)
		}))
		defer srv.Close()

		c := NewMetricsConnector(srv.Client(), MetricsOptions{Endpoint: srv.URL}, nil)
		_, _, err := Collect(context.Background(), c, Input{Config: metricsConfig()})
		assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		c := NewMetricsConnector(srv.Client(), MetricsOptions{Endpoint: srv.URL, Timeout: 50 * time.Millisecond}, nil)
		_, _, err := Collect(context.Background(), c, Input{Config: metricsConfig()})
		assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	})

	t.Run("garbage body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "<html>")
		}))
		defer srv.Close()

		c := NewMetricsConnector(srv.Client(), MetricsOptions{Endpoint: srv.URL}, nil)
		_, _, err := Collect(context.Background(), c, Input{Config: metricsConfig()})
		assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	})
}

func TestValidateMetricsConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *domain.MetricsConfig
		wantErr bool
	}{
		{"valid", &domain.MetricsConfig{PropertyID: "1", StartDate: "2024-01-01", EndDate: "2024-01-02"}, false},
		{"nil", nil, true},
		{"missing property", &domain.MetricsConfig{StartDate: "2024-01-01", EndDate: "2024-01-02"}, true},
		{"path in property", &domain.MetricsConfig{PropertyID: "1/../2", StartDate: "2024-01-01", EndDate: "2024-01-02"}, true},
		{"bad date", &domain.MetricsConfig{PropertyID: "1", StartDate: "01/01/2024", EndDate: "2024-01-02"}, true},
		{"reversed range", &domain.MetricsConfig{PropertyID: "1", StartDate: "2024-02-01", EndDate: "2024-01-02"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMetricsConfig(tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, defaultMetrics, tt.cfg.Metrics)
			assert.Equal(t, defaultDimensions, tt.cfg.Dimensions)
		})
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry(NewTextConnector(0), NewManualConnector(0))

	c, err := r.Lookup(domain.KindManual)
	require.NoError(t, err)
	assert.Equal(t, domain.KindManual, c.Kind())

	_, err = r.Lookup(domain.KindRemoteMetrics)
	assert.ErrorIs(t, err, domain.ErrUnsupportedFormat)
}

func TestKindFromUpload(t *testing.T) {
	tests := []struct {
		declared string
		file     string
		want     domain.SourceKind
		wantErr  bool
	}{
		{"text-upload", "data.xlsx", domain.KindTextUpload, false},
		{"csv-upload", "data.csv", domain.KindTextUpload, false},
		{"excel-upload", "data.xlsx", domain.KindSpreadsheetUpload, false},
		{"", "DATA.CSV", domain.KindTextUpload, false},
		{"", "report.xlsx", domain.KindSpreadsheetUpload, false},
		{"", "notes.pdf", "", true},
		{"google-analytics", "x.csv", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.declared+"/"+tt.file, func(t *testing.T) {
			got, err := KindFromUpload(tt.declared, tt.file)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDelimiterFor(t *testing.T) {
	assert.Equal(t, "\t", DelimiterFor("export.TSV"))
	assert.Equal(t, ",", DelimiterFor("export.csv"))
}
