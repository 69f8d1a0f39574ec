package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeakCanaryRemovesForeignRows(t *testing.T) {
	owned := chunkRow("owned", 0.9)
	foreign := chunkRow("leak", 0.8)
	foreign.TenantID = "tenant-b"
	global := chunkRow("shared", 0.7)
	global.TenantID = ""
	global.IsGlobal = true

	rows, leaked := LeakCanary(testLogger(), testTenant, []*Row{owned, foreign, global})

	assert.Equal(t, 1, leaked)
	require.Len(t, rows, 2)
	assert.Equal(t, "owned", rows[0].ID)
	assert.Equal(t, "shared", rows[1].ID)
}

func TestLeakCanaryCleanResultIsUntouched(t *testing.T) {
	in := []*Row{chunkRow("a", 0.9), chunkRow("b", 0.8)}

	rows, leaked := LeakCanary(testLogger(), testTenant, in)

	assert.Zero(t, leaked)
	assert.Equal(t, in, rows)
}

func TestLeakCanaryEmptyInput(t *testing.T) {
	rows, leaked := LeakCanary(testLogger(), testTenant, nil)
	assert.Zero(t, leaked)
	assert.Empty(t, rows)
}
