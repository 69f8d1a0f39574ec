package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupCount(t *testing.T) {
	cases := []struct{ n, want int }{
		{0, 0}, {1, 1}, {4, 1}, {5, 2}, {8, 2}, {9, 3}, {100, 25},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, groupCount(tc.n), "n=%d", tc.n)
	}
}

// Two well separated directions with a little per-vector noise.
func clusteredVectors() [][]float32 {
	return [][]float32{
		{1.0, 0.1, 0.0, 0.0},
		{0.9, 0.2, 0.1, 0.0},
		{1.0, 0.0, 0.1, 0.1},
		{0.95, 0.15, 0.0, 0.05},
		{0.0, 0.1, 1.0, 0.1},
		{0.1, 0.0, 0.9, 0.2},
		{0.0, 0.05, 1.0, 0.0},
		{0.05, 0.1, 0.95, 0.1},
	}
}

func TestSoftClusterSeparatesDirections(t *testing.T) {
	vectors := clusteredVectors()
	groups := softCluster(vectors, 2)
	require.Len(t, groups, 2)

	// The first four vectors point one way, the last four another; each
	// group's members have to share a dominant axis.
	for _, g := range groups {
		axis := -1
		for _, i := range g {
			a := 0
			if vectors[i][2] > vectors[i][0] {
				a = 2
			}
			if axis < 0 {
				axis = a
				continue
			}
			assert.Equal(t, axis, a, "group %v mixes directions", g)
		}
	}
}

func TestSoftClusterIsDeterministic(t *testing.T) {
	a := softCluster(clusteredVectors(), 2)
	b := softCluster(clusteredVectors(), 2)
	assert.Equal(t, a, b)
}

func TestSoftClusterCoversEveryVector(t *testing.T) {
	vectors := clusteredVectors()
	groups := softCluster(vectors, 3)

	seen := make(map[int]bool)
	for _, g := range groups {
		require.NotEmpty(t, g)
		for _, i := range g {
			seen[i] = true
		}
	}
	for i := range vectors {
		assert.True(t, seen[i], "vector %d assigned nowhere", i)
	}
}

func TestSoftClusterDegenerateShapes(t *testing.T) {
	assert.Nil(t, softCluster(nil, 3))

	one := softCluster([][]float32{{1, 0}}, 3)
	assert.Equal(t, [][]int{{0}}, one, "a single vector is its own cluster")

	single := softCluster(clusteredVectors(), 1)
	require.Len(t, single, 1)
	assert.Len(t, single[0], 8, "k=1 folds everything together")

	// k at or above n degrades to singletons.
	singletons := softCluster([][]float32{{1, 0}, {0, 1}}, 5)
	assert.Equal(t, [][]int{{0}, {1}}, singletons)
}

func TestCosine32(t *testing.T) {
	assert.InDelta(t, 1.0, cosine32([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, cosine32([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosine32([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, cosine32([]float32{0, 0}, []float32{1, 1}), "zero vector")
	assert.Zero(t, cosine32([]float32{1}, []float32{1, 2}), "dimension mismatch")
	assert.Zero(t, cosine32(nil, nil))
}

func TestSeedCentroidsSpread(t *testing.T) {
	vectors := clusteredVectors()
	seeds := seedCentroids(vectors, 2)
	require.Len(t, seeds, 2)

	// Farthest-point seeding must pick one seed per direction.
	sim := cosine32(seeds[0], seeds[1])
	assert.Less(t, sim, 0.5, "seeds too similar: %v", sim)

	// Seeds are copies, not aliases into the input.
	seeds[0][0] = 99
	seeds[1][0] = 99
	assert.Equal(t, clusteredVectors(), vectors)
}
