package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/doyensec/safeurl"
	"golang.org/x/time/rate"
)

const (
	dateLayout = "2006-01-02"

	// maxReportBytes bounds the report body read from the metrics API.
	maxReportBytes = 32 << 20
)

var (
	defaultMetrics    = []string{"activeUsers", "sessions"}
	defaultDimensions = []string{"date"}
)

// MetricsConnector pulls a report from a remote metrics API
// (runReport-style: dimension and metric headers plus value rows).
type MetricsConnector struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// MetricsOptions configures a MetricsConnector.
type MetricsOptions struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration

	// RequestsPerSecond paces outbound calls; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// NewMetricsConnector returns a connector using httpClient for outbound calls.
func NewMetricsConnector(httpClient *http.Client, opts MetricsOptions, logger *slog.Logger) *MetricsConnector {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MetricsConnector{
		httpClient: httpClient,
		endpoint:   strings.TrimRight(opts.Endpoint, "/"),
		apiKey:     opts.APIKey,
		timeout:    timeout,
		limiter:    limiter,
		logger:     logger,
	}
}

// NewSafeHTTPClient returns an HTTP client that refuses to dial private,
// loopback and link-local addresses.
func NewSafeHTTPClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		Build()
	return safeurl.Client(cfg).Client
}

func (c *MetricsConnector) Kind() domain.SourceKind { return domain.KindRemoteMetrics }

type reportRequest struct {
	DateRanges []dateRange `json:"dateRanges"`
	Dimensions []named     `json:"dimensions"`
	Metrics    []named     `json:"metrics"`
}

type dateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type named struct {
	Name string `json:"name"`
}

type reportResponse struct {
	DimensionHeaders []named `json:"dimensionHeaders"`
	MetricHeaders    []named `json:"metricHeaders"`
	Rows             []struct {
		DimensionValues []struct {
			Value string `json:"value"`
		} `json:"dimensionValues"`
		MetricValues []struct {
			Value string `json:"value"`
		} `json:"metricValues"`
	} `json:"rows"`
}

// ValidateMetricsConfig checks a report request and fills in defaults.
func ValidateMetricsConfig(cfg *domain.MetricsConfig) error {
	if cfg == nil {
		return domain.Validation("metrics configuration is required")
	}
	cfg.PropertyID = strings.TrimSpace(cfg.PropertyID)
	if cfg.PropertyID == "" {
		return domain.Validation("propertyId is required")
	}
	if strings.ContainsAny(cfg.PropertyID, "/?#:") {
		return domain.Validation("propertyId %q is not valid", cfg.PropertyID)
	}
	start, err := time.Parse(dateLayout, cfg.StartDate)
	if err != nil {
		return domain.Validation("startDate must be YYYY-MM-DD")
	}
	end, err := time.Parse(dateLayout, cfg.EndDate)
	if err != nil {
		return domain.Validation("endDate must be YYYY-MM-DD")
	}
	if end.Before(start) {
		return domain.Validation("endDate must not be before startDate")
	}
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = append([]string(nil), defaultMetrics...)
	}
	if len(cfg.Dimensions) == 0 {
		cfg.Dimensions = append([]string(nil), defaultDimensions...)
	}
	return nil
}

// Parse requests the report described by in.Config.Metrics and emits one
// row per report row, keyed by header name with dimensions first.
func (c *MetricsConnector) Parse(ctx context.Context, in Input, emit EmitFunc) (Result, error) {
	if in.Config == nil {
		return Result{}, domain.Validation("metrics configuration is required")
	}
	cfg := in.Config.Metrics
	if err := ValidateMetricsConfig(cfg); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	report, err := c.fetch(ctx, cfg)
	if err != nil {
		return Result{}, err
	}

	cols := newColumnSet()
	for _, h := range report.DimensionHeaders {
		cols.add(h.Name)
	}
	for _, h := range report.MetricHeaders {
		cols.add(h.Name)
	}

	count := 0
	for _, r := range report.Rows {
		row := make(domain.Row, len(report.DimensionHeaders)+len(report.MetricHeaders))
		for i, h := range report.DimensionHeaders {
			if i < len(r.DimensionValues) {
				row[h.Name] = r.DimensionValues[i].Value
			}
		}
		for i, h := range report.MetricHeaders {
			if i < len(r.MetricValues) {
				row[h.Name] = metricValue(r.MetricValues[i].Value)
			}
		}
		if err := emit(row); err != nil {
			return Result{}, err
		}
		count++
	}

	return Result{Columns: cols.list(), RowCount: count}, nil
}

func (c *MetricsConnector) fetch(ctx context.Context, cfg *domain.MetricsConfig) (*reportResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.ErrUpstreamUnavailable.Wrap(err)
	}

	body := reportRequest{
		DateRanges: []dateRange{{StartDate: cfg.StartDate, EndDate: cfg.EndDate}},
	}
	for _, d := range cfg.Dimensions {
		body.Dimensions = append(body.Dimensions, named{Name: d})
	}
	for _, m := range cfg.Metrics {
		body.Metrics = append(body.Metrics, named{Name: m})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode report request: %w", err)
	}

	reqURL := fmt.Sprintf("%s/v1beta/properties/%s:runReport", c.endpoint, url.PathEscape(cfg.PropertyID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sourcehub/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("metrics api request failed",
			"property_id", cfg.PropertyID,
			"error", err,
		)
		return nil, domain.ErrUpstreamUnavailable.Wrap(err)
	}
	defer resp.Body.Close()

	c.logger.Debug("metrics api responded",
		"property_id", cfg.PropertyID,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, domain.ErrUpstreamUnavailable.WithMessage("metrics api returned status %d", resp.StatusCode)
	}

	var report reportResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReportBytes)).Decode(&report); err != nil {
		return nil, domain.ErrUpstreamUnavailable.WithMessage("metrics api returned an unreadable report").Wrap(err)
	}
	return &report, nil
}

var jsonNumber = regexp.MustCompile(`^-?(0|[1-9]\d*)(\.\d+)?([eE][+-]?\d+)?$`)

// metricValue keeps numeric metric values numeric.
func metricValue(v string) any {
	if jsonNumber.MatchString(v) {
		return json.Number(v)
	}
	return v
}
