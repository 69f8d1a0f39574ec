package tenancy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireTenant(t *testing.T) {
	ctx := context.Background()

	_, err := RequireTenant(ctx)
	assert.ErrorIs(t, err, ErrTenantHeaderRequired)

	ctx = WithTenant(ctx, "tenant-a")
	got, err := RequireTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", got)
}

func TestEnforceTenantMatch(t *testing.T) {
	ctx := WithTenant(context.Background(), "tenant-a")

	got, err := EnforceTenantMatch(ctx, "", "body.tenant_id")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", got)

	got, err = EnforceTenantMatch(ctx, "tenant-a", "body.tenant_id")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", got)

	_, err = EnforceTenantMatch(ctx, "tenant-b", "body.tenant_id")
	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "body.tenant_id", mismatch.Location)
	assert.Contains(t, mismatch.Error(), "body.tenant_id")
}

func TestNormalizeScopeFilters(t *testing.T) {
	tests := []struct {
		name       string
		raw        map[string]interface{}
		wantStds   []string
		wantCodes  []string
		wantTRNil  bool
	}{
		{
			name: "single standard collapses to plural",
			raw:  map[string]interface{}{"source_standard": "ISO 9001"},
			wantStds: []string{"ISO 9001"},
			wantTRNil: true,
		},
		{
			name: "plural standards deduped case-insensitively",
			raw: map[string]interface{}{
				"source_standards": []interface{}{"ISO 9001", "iso 9001", "ISO 14001"},
			},
			wantStds: []string{"ISO 14001", "ISO 9001"},
			wantTRNil: true,
		},
		{
			name: "single and plural merge",
			raw: map[string]interface{}{
				"source_standard":  "ISO 9001",
				"source_standards": []interface{}{"ISO 14001"},
			},
			wantStds: []string{"ISO 14001", "ISO 9001"},
			wantTRNil: true,
		},
		{
			name:      "unknown top-level key rejected",
			raw:       map[string]interface{}{"institution": "x"},
			wantCodes: []string{ViolationUnknownKey},
			wantTRNil: true,
		},
		{
			name: "reserved metadata key rejected",
			raw: map[string]interface{}{
				"metadata": map[string]interface{}{"tenant_id": "evil", "topic": "safety"},
			},
			wantCodes: []string{ViolationReservedMetadata},
			wantTRNil: true,
		},
		{
			name: "valid time range",
			raw: map[string]interface{}{
				"time_range": map[string]interface{}{
					"field": "updated_at",
					"from":  "2025-01-01T00:00:00Z",
					"to":    "2025-06-01T00:00:00Z",
				},
			},
			wantTRNil: false,
		},
		{
			name: "inverted time range rejected",
			raw: map[string]interface{}{
				"time_range": map[string]interface{}{
					"from": "2025-06-01T00:00:00Z",
					"to":   "2025-01-01T00:00:00Z",
				},
			},
			wantCodes: []string{ViolationInvertedRange},
			wantTRNil: true,
		},
		{
			name: "bad time field rejected",
			raw: map[string]interface{}{
				"time_range": map[string]interface{}{
					"field": "deleted_at",
					"from":  "2025-01-01T00:00:00Z",
					"to":    "2025-06-01T00:00:00Z",
				},
			},
			wantCodes: []string{ViolationInvalidTimeField},
			wantTRNil: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, violations := NormalizeScopeFilters(tc.raw)

			if tc.wantStds != nil {
				assert.Equal(t, tc.wantStds, got.SourceStandards)
			}
			if tc.wantTRNil {
				assert.Nil(t, got.TimeRange)
			} else {
				require.NotNil(t, got.TimeRange)
				assert.Equal(t, "updated_at", got.TimeRange.Field)
			}

			var codes []string
			for _, v := range violations {
				codes = append(codes, v.Code)
			}
			for _, want := range tc.wantCodes {
				assert.Contains(t, codes, want)
			}
			if tc.wantCodes == nil {
				assert.Empty(t, violations)
			}
		})
	}
}

func TestNormalizeScopeFiltersKeepsCleanMetadata(t *testing.T) {
	got, violations := NormalizeScopeFilters(map[string]interface{}{
		"metadata": map[string]interface{}{"topic": "welding", "revision": 3},
	})
	assert.Empty(t, violations)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "welding", got.Metadata["topic"])
}
