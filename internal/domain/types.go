// Package domain holds the entities shared by every layer of the service:
// principals, data sources, raw records and the error taxonomy.
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is a principal's authorization role.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleAnalyst Role = "analyst"
	RoleViewer  Role = "viewer"
)

// DefaultRole is assigned to every newly registered principal.
const DefaultRole = RoleAnalyst

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleAnalyst, RoleViewer:
		return true
	}
	return false
}

// CanIngest reports whether the role may create or delete data sources.
func (r Role) CanIngest() bool {
	return r == RoleAdmin || r == RoleAnalyst
}

// Principal is an account that can authenticate and own data sources.
type Principal struct {
	ID               uuid.UUID
	Name             string
	Email            string
	PasswordHash     string
	Role             Role
	VerificationCode string
	CodeIssuedAt     *time.Time
	Verified         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// VerificationState derives the state machine position from stored fields.
func (p *Principal) VerificationState() VerificationState {
	switch {
	case p.Verified:
		return StateVerified
	case p.VerificationCode != "":
		return StateCodePending
	default:
		return StateUnverified
	}
}

// VerificationState is a position in the registration state machine.
type VerificationState string

const (
	StateUnverified  VerificationState = "unverified"
	StateCodePending VerificationState = "code_pending"
	StateVerified    VerificationState = "verified"
)

// SourceKind identifies how a data source was ingested.
type SourceKind string

const (
	KindTextUpload        SourceKind = "text-upload"
	KindSpreadsheetUpload SourceKind = "spreadsheet-upload"
	KindManual            SourceKind = "manual"
	KindRemoteMetrics     SourceKind = "remote-metrics"
)

// Kinds lists every supported source kind in a stable order.
var Kinds = []SourceKind{KindTextUpload, KindSpreadsheetUpload, KindManual, KindRemoteMetrics}

// Valid reports whether k is a supported kind.
func (k SourceKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsFile reports whether the kind is backed by an uploaded file.
func (k SourceKind) IsFile() bool {
	return k == KindTextUpload || k == KindSpreadsheetUpload
}

// TextConfig describes a delimited-text upload.
type TextConfig struct {
	Delimiter string `json:"delimiter"`
}

// SpreadsheetConfig describes a spreadsheet upload. Sheet is the name of
// the first sheet, which is the only one read.
type SpreadsheetConfig struct {
	Sheet string `json:"sheet,omitempty"`
}

// ManualConfig describes a manually entered row set.
type ManualConfig struct{}

// MetricsConfig describes a remote metrics report request.
type MetricsConfig struct {
	PropertyID string   `json:"propertyId"`
	StartDate  string   `json:"startDate"`
	EndDate    string   `json:"endDate"`
	Metrics    []string `json:"metrics,omitempty"`
	Dimensions []string `json:"dimensions,omitempty"`
}

// SourceConfig is a tagged union keyed by Kind. Exactly the member that
// matches Kind is set.
type SourceConfig struct {
	Kind        SourceKind         `json:"kind"`
	Text        *TextConfig        `json:"text,omitempty"`
	Spreadsheet *SpreadsheetConfig `json:"spreadsheet,omitempty"`
	Manual      *ManualConfig      `json:"manual,omitempty"`
	Metrics     *MetricsConfig     `json:"metrics,omitempty"`
}

// NewSourceConfig returns a config for kind with an empty member set.
func NewSourceConfig(kind SourceKind) SourceConfig {
	c := SourceConfig{Kind: kind}
	switch kind {
	case KindTextUpload:
		c.Text = &TextConfig{Delimiter: ","}
	case KindSpreadsheetUpload:
		c.Spreadsheet = &SpreadsheetConfig{}
	case KindManual:
		c.Manual = &ManualConfig{}
	case KindRemoteMetrics:
		c.Metrics = &MetricsConfig{}
	}
	return c
}

// Validate checks that the member matching Kind, and only that member, is set.
func (c SourceConfig) Validate() error {
	set := 0
	for _, present := range []bool{c.Text != nil, c.Spreadsheet != nil, c.Manual != nil, c.Metrics != nil} {
		if present {
			set++
		}
	}
	var ok bool
	switch c.Kind {
	case KindTextUpload:
		ok = c.Text != nil
	case KindSpreadsheetUpload:
		ok = c.Spreadsheet != nil
	case KindManual:
		ok = c.Manual != nil
	case KindRemoteMetrics:
		ok = c.Metrics != nil
	default:
		return fmt.Errorf("unknown source kind %q", c.Kind)
	}
	if !ok || set != 1 {
		return fmt.Errorf("config for kind %q must set exactly its own member", c.Kind)
	}
	return nil
}

// UnmarshalJSON decodes the union and rejects mismatched members.
func (c *SourceConfig) UnmarshalJSON(data []byte) error {
	type plain SourceConfig
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	decoded := SourceConfig(p)
	if err := decoded.Validate(); err != nil {
		return err
	}
	*c = decoded
	return nil
}

// UploadDescriptor records the file a source was ingested from.
type UploadDescriptor struct {
	FileName    string `json:"fileName"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	StoragePath string `json:"storagePath"`
}

// Metadata summarizes the rows stored for a source.
type Metadata struct {
	Columns  []string `json:"columns"`
	RowCount int      `json:"rowCount"`
}

// DataSource is a named, owned set of ingested rows.
type DataSource struct {
	ID        uuid.UUID         `json:"id"`
	OwnerID   uuid.UUID         `json:"owner"`
	Kind      SourceKind        `json:"kind"`
	Name      string            `json:"name"`
	Config    SourceConfig      `json:"config"`
	Upload    *UploadDescriptor `json:"upload,omitempty"`
	Metadata  Metadata          `json:"metadata"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Summary is the list view of a source.
func (d *DataSource) Summary() DataSourceSummary {
	cols := d.Metadata.Columns
	if cols == nil {
		cols = []string{}
	}
	return DataSourceSummary{
		ID:        d.ID,
		Name:      d.Name,
		Kind:      d.Kind,
		RowCount:  d.Metadata.RowCount,
		Columns:   cols,
		CreatedAt: d.CreatedAt,
	}
}

// DataSourceSummary is returned by list queries.
type DataSourceSummary struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Kind      SourceKind `json:"kind"`
	RowCount  int        `json:"rowCount"`
	Columns   []string   `json:"columns"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Row is one normalized record payload.
type Row map[string]any

// RawRecord is one stored row. Ownership is always resolved through SourceID.
type RawRecord struct {
	ID        uuid.UUID `json:"id"`
	SourceID  uuid.UUID `json:"source"`
	Payload   Row       `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
}
