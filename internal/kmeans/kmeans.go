// Package kmeans implements k-means clustering over 2-D points with an
// optional prefix of centers held fixed. The fixed prefix is how the tile
// builder pins a parent tile's representatives: those centers never move, so
// an image that represents a coarse tile keeps representing exactly one of
// its children.
package kmeans

import (
	"fmt"
	"math"
	"math/rand"
)

// Point is a 2-D layout coordinate.
type Point [2]float64

// Config tunes a fit. Zero values select the defaults.
type Config struct {
	// K is the total number of centers, including the fixed prefix.
	K int
	// NInit is the number of independent initializations; the best result by
	// inertia wins. With NInit == 1 the remaining centers are seeded by
	// farthest-point sampling, otherwise by distance-weighted sampling.
	NInit int
	// MaxIter bounds the Lloyd iterations per initialization.
	MaxIter int
	// Seed makes runs reproducible.
	Seed int64
}

const (
	defaultNInit   = 1
	defaultMaxIter = 300
)

// Model is a fitted set of centers. Centers[0:Fixed] are the caller-supplied
// pinned centers, bit-for-bit unchanged.
type Model struct {
	Centers []Point
	Fixed   int
	Inertia float64
}

// Fit clusters points into cfg.K clusters, holding fixed as the immutable
// center prefix. len(fixed) may be at most cfg.K and at most len(points);
// when len(fixed) == cfg.K no optimization happens and the model is just the
// fixed centers.
func Fit(points []Point, fixed []Point, cfg Config) (*Model, error) {
	if cfg.K <= 0 {
		return nil, fmt.Errorf("kmeans: k must be positive, got %d", cfg.K)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("kmeans: no points")
	}
	if len(fixed) > cfg.K {
		return nil, fmt.Errorf("kmeans: %d fixed centers exceed k=%d", len(fixed), cfg.K)
	}
	nInit := cfg.NInit
	if nInit <= 0 {
		nInit = defaultNInit
	}
	maxIter := cfg.MaxIter
	if maxIter <= 0 {
		maxIter = defaultMaxIter
	}
	k := cfg.K
	if k > len(points) {
		k = len(points)
	}
	if k < len(fixed) {
		k = len(fixed)
	}

	if k == len(fixed) {
		m := &Model{Centers: append([]Point(nil), fixed...), Fixed: len(fixed)}
		m.Inertia = inertia(points, m.Centers)
		return m, nil
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	best := &Model{Inertia: math.Inf(1)}
	for run := 0; run < nInit; run++ {
		centers := seedCenters(points, fixed, k, nInit, rng)
		lloyd(points, centers, len(fixed), maxIter, rng)
		in := inertia(points, centers)
		if in < best.Inertia {
			best = &Model{Centers: centers, Fixed: len(fixed), Inertia: in}
		}
	}
	return best, nil
}

// Predict returns the index of the nearest center; ties resolve to the
// lowest index, so pinned centers win over coincident moving ones.
func (m *Model) Predict(p Point) int {
	bestIdx := 0
	bestDist := math.Inf(1)
	for i, c := range m.Centers {
		if d := sqDist(p, c); d < bestDist {
			bestDist = d
			bestIdx = i
		}
	}
	return bestIdx
}

// Assign labels every point with its nearest center.
func (m *Model) Assign(points []Point) []int {
	labels := make([]int, len(points))
	for i, p := range points {
		labels[i] = m.Predict(p)
	}
	return labels
}

// seedCenters starts from the fixed prefix and adds centers until k are
// placed. Each new center is the point farthest from all existing centers
// (single init) or a point drawn with probability proportional to that
// distance (multiple inits).
func seedCenters(points []Point, fixed []Point, k, nInit int, rng *rand.Rand) []Point {
	centers := make([]Point, 0, k)
	centers = append(centers, fixed...)
	if len(centers) == 0 {
		centers = append(centers, points[rng.Intn(len(points))])
	}

	dist := make([]float64, len(points))
	for len(centers) < k {
		var total float64
		for i, p := range points {
			d := math.Inf(1)
			for _, c := range centers {
				if sd := sqDist(p, c); sd < d {
					d = sd
				}
			}
			dist[i] = d
			total += d
		}

		var next Point
		if nInit == 1 || total == 0 {
			bestIdx := 0
			for i := 1; i < len(points); i++ {
				if dist[i] > dist[bestIdx] {
					bestIdx = i
				}
			}
			next = points[bestIdx]
		} else {
			r := rng.Float64() * total
			idx := len(points) - 1
			var acc float64
			for i, d := range dist {
				acc += d
				if r < acc {
					idx = i
					break
				}
			}
			next = points[idx]
		}
		centers = append(centers, next)
	}
	return centers
}

// lloyd iterates assignment and mean updates in place. Only centers at index
// >= fixed move; an empty moving cluster is reseeded with a random point.
func lloyd(points []Point, centers []Point, fixed, maxIter int, rng *rand.Rand) {
	k := len(centers)
	counts := make([]int, k)
	sums := make([]Point, k)

	for it := 0; it < maxIter; it++ {
		for i := range counts {
			counts[i] = 0
			sums[i] = Point{}
		}
		for _, p := range points {
			best := 0
			bestDist := math.Inf(1)
			for j, c := range centers {
				if d := sqDist(p, c); d < bestDist {
					bestDist = d
					best = j
				}
			}
			counts[best]++
			sums[best][0] += p[0]
			sums[best][1] += p[1]
		}

		converged := true
		for j := fixed; j < k; j++ {
			var next Point
			if counts[j] == 0 {
				next = points[rng.Intn(len(points))]
			} else {
				next = Point{sums[j][0] / float64(counts[j]), sums[j][1] / float64(counts[j])}
			}
			if next != centers[j] {
				centers[j] = next
				converged = false
			}
		}
		if converged {
			return
		}
	}
}

// inertia is the total distance from each point to its nearest center.
func inertia(points, centers []Point) float64 {
	var total float64
	for _, p := range points {
		d := math.Inf(1)
		for _, c := range centers {
			if sd := sqDist(p, c); sd < d {
				d = sd
			}
		}
		total += math.Sqrt(d)
	}
	return total
}

func sqDist(a, b Point) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	return dx*dx + dy*dy
}
