package retrieval

import (
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
)

// LeakCanary is the last line of defense against cross-tenant leakage. It
// removes every row that is neither owned by the tenant nor global and logs
// each removal at error level. Upstream filters should make this a no-op;
// any nonzero leak count is a bug worth paging on.
func LeakCanary(logger *observability.Logger, tenantID string, rows []*Row) ([]*Row, int) {
	leaked := 0
	kept := rows[:0]
	for _, r := range rows {
		if r.TenantID == tenantID || r.IsGlobal {
			kept = append(kept, r)
			continue
		}
		leaked++
		observability.TenantLeakRows.Inc()
		logger.WithTenant(tenantID).Error().
			Str("row_id", r.ID).
			Str("row_tenant_id", r.TenantID).
			Str("source_layer", r.SourceLayer).
			Msg("leak canary removed cross-tenant row")
	}
	// Zero the tail so removed rows do not linger behind the shared array.
	for i := len(kept); i < len(rows); i++ {
		rows[i] = nil
	}
	return kept, leaked
}
