package enrich

import (
	"math"
	"sort"
)

// groupCount sizes the cluster fan-in: roughly four members per group.
func groupCount(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}

// softCluster groups vectors into at most k clusters with soft membership: a
// vector always lands in its best cluster and additionally in any cluster
// whose responsibility clears the membership threshold. Seeding is
// farthest-point from the corpus mean and every tie breaks on the lower
// index, so the same input always yields the same clusters.
func softCluster(vectors [][]float32, k int) [][]int {
	n := len(vectors)
	if n == 0 {
		return nil
	}
	if k <= 1 || n <= 1 {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return [][]int{all}
	}
	if k >= n {
		out := make([][]int, n)
		for i := range out {
			out[i] = []int{i}
		}
		return out
	}

	centroids := seedCentroids(vectors, k)

	const (
		rounds      = 6
		temperature = 0.08
		membership  = 0.45
	)
	resp := make([][]float64, n)
	for i := range resp {
		resp[i] = make([]float64, k)
	}

	for round := 0; round < rounds; round++ {
		// Soft assignment: softmax over cosine similarity to each centroid.
		for i, v := range vectors {
			max := math.Inf(-1)
			for j := range centroids {
				resp[i][j] = cosine32(v, centroids[j]) / temperature
				if resp[i][j] > max {
					max = resp[i][j]
				}
			}
			var sum float64
			for j := range resp[i] {
				resp[i][j] = math.Exp(resp[i][j] - max)
				sum += resp[i][j]
			}
			for j := range resp[i] {
				resp[i][j] /= sum
			}
		}
		// Centroid update: responsibility-weighted means.
		dim := len(vectors[0])
		for j := 0; j < k; j++ {
			next := make([]float64, dim)
			var total float64
			for i, v := range vectors {
				w := resp[i][j]
				total += w
				for d := 0; d < dim; d++ {
					next[d] += w * float64(v[d])
				}
			}
			if total == 0 {
				continue
			}
			for d := 0; d < dim; d++ {
				centroids[j][d] = float32(next[d] / total)
			}
		}
	}

	groups := make([][]int, k)
	for i := range vectors {
		best := 0
		for j := 1; j < k; j++ {
			if resp[i][j] > resp[i][best] {
				best = j
			}
		}
		for j := 0; j < k; j++ {
			if j == best || resp[i][j] >= membership {
				groups[j] = append(groups[j], i)
			}
		}
	}

	out := groups[:0]
	for _, g := range groups {
		if len(g) > 0 {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a][0] < out[b][0] })
	return out
}

// seedCentroids picks k starting points: the vector nearest the corpus mean,
// then repeatedly the vector least similar to every pick so far.
func seedCentroids(vectors [][]float32, k int) [][]float32 {
	n := len(vectors)
	dim := len(vectors[0])

	mean := make([]float32, dim)
	for _, v := range vectors {
		for d, x := range v {
			mean[d] += x
		}
	}
	for d := range mean {
		mean[d] /= float32(n)
	}

	first := 0
	bestSim := math.Inf(-1)
	for i, v := range vectors {
		if sim := cosine32(v, mean); sim > bestSim {
			bestSim = sim
			first = i
		}
	}

	isPicked := make([]bool, n)
	isPicked[first] = true
	picked := []int{first}
	for len(picked) < k {
		next := -1
		nextSim := math.Inf(1)
		for i, v := range vectors {
			if isPicked[i] {
				continue
			}
			closest := math.Inf(-1)
			for _, p := range picked {
				if sim := cosine32(v, vectors[p]); sim > closest {
					closest = sim
				}
			}
			if closest < nextSim {
				nextSim = closest
				next = i
			}
		}
		if next < 0 {
			break
		}
		isPicked[next] = true
		picked = append(picked, next)
	}

	out := make([][]float32, len(picked))
	for i, p := range picked {
		// Copy: the update step mutates centroids in place.
		out[i] = append([]float32(nil), vectors[p]...)
	}
	return out
}

// cosine32 is the cosine similarity of two vectors; zero or mismatched
// vectors yield 0.
func cosine32(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
