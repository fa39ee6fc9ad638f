package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesWrappedSentinel(t *testing.T) {
	cause := errors.New("record on line 3: wrong number of fields")
	err := fmt.Errorf("parse upload: %w", ErrUnsupportedFormat.Wrap(cause))

	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
	assert.False(t, errors.Is(err, ErrInvalidManualPayload))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestCooldownActive(t *testing.T) {
	err := CooldownActive(42)

	require.True(t, errors.Is(err, ErrCooldownActive))
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, 42, e.SecondsRemaining)
	assert.Equal(t, KindRateLimited, e.Kind)
	assert.Equal(t, 0, ErrCooldownActive.SecondsRemaining, "sentinel must not be mutated")
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestSourceConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SourceConfig
		wantErr bool
	}{
		{"text", NewSourceConfig(KindTextUpload), false},
		{"spreadsheet", NewSourceConfig(KindSpreadsheetUpload), false},
		{"manual", NewSourceConfig(KindManual), false},
		{"metrics", NewSourceConfig(KindRemoteMetrics), false},
		{"missing member", SourceConfig{Kind: KindManual}, true},
		{"wrong member", SourceConfig{Kind: KindManual, Text: &TextConfig{}}, true},
		{"two members", SourceConfig{Kind: KindManual, Manual: &ManualConfig{}, Text: &TextConfig{}}, true},
		{"unknown kind", SourceConfig{Kind: "aws-s3"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSourceConfig_UnmarshalRejectsMismatch(t *testing.T) {
	var cfg SourceConfig
	err := json.Unmarshal([]byte(`{"kind":"manual","metrics":{"propertyId":"1"}}`), &cfg)
	assert.Error(t, err)

	err = json.Unmarshal([]byte(`{"kind":"remote-metrics","metrics":{"propertyId":"123","startDate":"2024-01-01","endDate":"2024-01-31"}}`), &cfg)
	require.NoError(t, err)
	assert.Equal(t, "123", cfg.Metrics.PropertyID)
}

func TestPrincipal_VerificationState(t *testing.T) {
	p := &Principal{}
	assert.Equal(t, StateUnverified, p.VerificationState())

	p.VerificationCode = "123456"
	assert.Equal(t, StateCodePending, p.VerificationState())

	p.Verified = true
	p.VerificationCode = ""
	assert.Equal(t, StateVerified, p.VerificationState())
}

func TestRole(t *testing.T) {
	assert.True(t, RoleAnalyst.Valid())
	assert.False(t, Role("owner").Valid())
	assert.True(t, RoleAdmin.CanIngest())
	assert.False(t, RoleViewer.CanIngest())
	assert.Equal(t, RoleAnalyst, DefaultRole)
}
