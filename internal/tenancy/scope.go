package tenancy

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ScopeFilters is the canonical form of a request's scope filter block.
// Single vs plural standards are collapsed into SourceStandards.
type ScopeFilters struct {
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	TimeRange       *TimeRange             `json:"time_range,omitempty"`
	SourceStandards []string               `json:"source_standards,omitempty"`
}

// TimeRange restricts results to rows whose Field falls inside [From, To].
type TimeRange struct {
	Field string    `json:"field"` // created_at or updated_at
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
}

// Violation describes one scope-filter validation failure. Violations are
// returned as values, never raised.
type Violation struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Violation codes.
const (
	ViolationUnknownKey       = "unknown_filter_key"
	ViolationReservedMetadata = "reserved_metadata_key"
	ViolationInvalidType      = "invalid_filter_type"
	ViolationInvalidTimeField = "invalid_time_range_field"
	ViolationInvalidTime      = "invalid_time_format"
	ViolationInvertedRange    = "time_range_inverted"
)

var reservedMetadataKeys = map[string]struct{}{
	"tenant_id":      {},
	"institution_id": {},
}

var allowedTimeFields = map[string]struct{}{
	"created_at": {},
	"updated_at": {},
}

// NormalizeScopeFilters validates a raw filter block and produces its
// canonical form. Unknown top-level keys are rejected; reserved keys are
// rejected inside metadata; source_standard and source_standards[] collapse
// into one deduplicated list.
func NormalizeScopeFilters(raw map[string]interface{}) (ScopeFilters, []Violation) {
	var out ScopeFilters
	var violations []Violation

	if len(raw) == 0 {
		return out, nil
	}

	for key, value := range raw {
		switch key {
		case "metadata":
			md, ok := value.(map[string]interface{})
			if !ok {
				violations = append(violations, Violation{
					Code:    ViolationInvalidType,
					Field:   "metadata",
					Message: "metadata must be an object",
				})
				continue
			}
			clean := make(map[string]interface{}, len(md))
			for mk, mv := range md {
				if _, reserved := reservedMetadataKeys[strings.ToLower(mk)]; reserved {
					violations = append(violations, Violation{
						Code:    ViolationReservedMetadata,
						Field:   "metadata." + mk,
						Message: fmt.Sprintf("metadata key %q is reserved and set by the tenant guard", mk),
					})
					continue
				}
				clean[mk] = mv
			}
			if len(clean) > 0 {
				out.Metadata = clean
			}

		case "time_range":
			tr, vs := normalizeTimeRange(value)
			violations = append(violations, vs...)
			if tr != nil {
				out.TimeRange = tr
			}

		case "source_standard":
			s, ok := value.(string)
			if !ok {
				violations = append(violations, Violation{
					Code:    ViolationInvalidType,
					Field:   "source_standard",
					Message: "source_standard must be a string",
				})
				continue
			}
			if s = strings.TrimSpace(s); s != "" {
				out.SourceStandards = append(out.SourceStandards, s)
			}

		case "source_standards":
			list, ok := toStringSlice(value)
			if !ok {
				violations = append(violations, Violation{
					Code:    ViolationInvalidType,
					Field:   "source_standards",
					Message: "source_standards must be an array of strings",
				})
				continue
			}
			for _, s := range list {
				if s = strings.TrimSpace(s); s != "" {
					out.SourceStandards = append(out.SourceStandards, s)
				}
			}

		default:
			violations = append(violations, Violation{
				Code:    ViolationUnknownKey,
				Field:   key,
				Message: fmt.Sprintf("unknown filter key %q", key),
			})
		}
	}

	out.SourceStandards = dedupeStandards(out.SourceStandards)
	return out, violations
}

func normalizeTimeRange(value interface{}) (*TimeRange, []Violation) {
	m, ok := value.(map[string]interface{})
	if !ok {
		return nil, []Violation{{
			Code:    ViolationInvalidType,
			Field:   "time_range",
			Message: "time_range must be an object",
		}}
	}

	var violations []Violation

	field, _ := m["field"].(string)
	if field == "" {
		field = "created_at"
	}
	if _, ok := allowedTimeFields[field]; !ok {
		violations = append(violations, Violation{
			Code:    ViolationInvalidTimeField,
			Field:   "time_range.field",
			Message: fmt.Sprintf("time_range.field must be created_at or updated_at, got %q", field),
		})
		return nil, violations
	}

	from, fromOK := parseTime(m["from"])
	if !fromOK {
		violations = append(violations, Violation{
			Code:    ViolationInvalidTime,
			Field:   "time_range.from",
			Message: "time_range.from must be an RFC3339 timestamp",
		})
	}
	to, toOK := parseTime(m["to"])
	if !toOK {
		violations = append(violations, Violation{
			Code:    ViolationInvalidTime,
			Field:   "time_range.to",
			Message: "time_range.to must be an RFC3339 timestamp",
		})
	}
	if !fromOK || !toOK {
		return nil, violations
	}

	if from.After(to) {
		violations = append(violations, Violation{
			Code:    ViolationInvertedRange,
			Field:   "time_range",
			Message: "time_range.from must not be after time_range.to",
		})
		return nil, violations
	}

	return &TimeRange{Field: field, From: from, To: to}, violations
}

func parseTime(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func toStringSlice(v interface{}) ([]string, bool) {
	switch vv := v.(type) {
	case []string:
		return vv, true
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func dedupeStandards(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
