package dataset

import (
	"math"

	"github.com/golang/geo/r3"
)

// A Region is one extracted input area: the rows of a scene cloud falling
// inside the queried shape, gathered with their features and labels.
// Indices refer back into the scene cloud so per-point predictions can be
// projected onto it.
type Region struct {
	Scene   int32
	Center  r3.Vector
	Indices []int32

	Points   []r3.Vector
	Features []float32
	FeatDim  int
	Labels   []int32
}

// Size returns the number of points in the region.
func (r *Region) Size() int {
	return len(r.Points)
}

// regionExtractor cuts regions out of scenes. The shape is a ball or a
// Chebyshev cube, full-height or cylindrical, sized either by a fixed
// radius or by a fixed point count.
type regionExtractor struct {
	store       *SceneStore
	count       int
	radius      float64
	cubes       bool
	cylindrical bool
	zeroLabels  bool
}

func newRegionExtractor(store *SceneStore, cfg *Config) *regionExtractor {
	e := &regionExtractor{
		store:       store,
		cubes:       cfg.UseCubes,
		cylindrical: cfg.Cylindrical,
		zeroLabels:  cfg.Role == RoleTest,
	}
	if cfg.InRadius < 0 {
		e.count = int(-cfg.InRadius)
	} else {
		e.radius = cfg.InRadius
	}
	return e
}

// Extract gathers the region around a sampled center. Regions may come back
// empty when a fixed-radius query lands in empty space; callers skip those.
// Test datasets carry no ground truth, so their labels are zeroed.
func (e *regionExtractor) Extract(c Center) *Region {
	scene := e.store.Scene(c.Scene)
	inds := e.regionIndices(scene, c.Point)
	sub := scene.Cloud.Gather(inds)
	labels := sub.Labels
	if e.zeroLabels || labels == nil {
		labels = make([]int32, len(inds))
	}
	return &Region{
		Scene:    c.Scene,
		Center:   c.Point,
		Indices:  inds,
		Points:   sub.Points,
		Features: sub.Features,
		FeatDim:  sub.FeatDim,
		Labels:   labels,
	}
}

func (e *regionExtractor) regionIndices(scene *Scene, q r3.Vector) []int32 {
	cloud := scene.Cloud

	if e.count > 0 {
		// Fixed count: take the k nearest, or twice that for cubes so the
		// Chebyshev crop still has k points to choose from. Scenes smaller
		// than the query return whole.
		k := e.count
		if e.cubes {
			k *= 2
		}
		var inds []int32
		if cloud.Size() > k {
			inds = scene.Tree.KNN(q, k)
		} else {
			inds = make([]int32, cloud.Size())
			for i := range inds {
				inds[i] = int32(i)
			}
		}
		if e.cubes && len(inds) > e.count {
			inds = e.cropCube(cloud.Points, inds, q)
		}
		return inds
	}

	// Fixed radius: a ball query covers the cube when scaled to reach its
	// corners, then the mask cuts the ball back down to the cube.
	r := e.radius
	if e.cubes {
		if e.cylindrical {
			r *= math.Sqrt2
		} else {
			r *= math.Sqrt(3)
		}
	}
	inds := scene.Tree.RadiusSearch(q, r)
	if e.cubes {
		inds = e.boxFilter(cloud.Points, inds, q)
	}
	return inds
}

// cropCube keeps the count points closest to q in Chebyshev distance over
// the queried axes.
func (e *regionExtractor) cropCube(points []r3.Vector, inds []int32, q r3.Vector) []int32 {
	dists := make([]float64, len(inds))
	for n, i := range inds {
		p := points[i]
		d := math.Max(math.Abs(p.X-q.X), math.Abs(p.Y-q.Y))
		if !e.cylindrical {
			d = math.Max(d, math.Abs(p.Z-q.Z))
		}
		dists[n] = d
	}
	partialSelect(dists, inds, e.count)
	return inds[:e.count]
}

// boxFilter keeps the indices strictly inside the cube of half-side radius
// around q. Cylindrical cubes are unbounded along Z.
func (e *regionExtractor) boxFilter(points []r3.Vector, inds []int32, q r3.Vector) []int32 {
	out := make([]int32, 0, len(inds))
	for _, i := range inds {
		p := points[i]
		if p.X <= q.X-e.radius || p.X >= q.X+e.radius {
			continue
		}
		if p.Y <= q.Y-e.radius || p.Y >= q.Y+e.radius {
			continue
		}
		if !e.cylindrical && (p.Z <= q.Z-e.radius || p.Z >= q.Z+e.radius) {
			continue
		}
		out = append(out, i)
	}
	return out
}

// partialSelect partitions dists, carrying inds along, so the k smallest
// distances occupy the first k slots in no particular order. Quickselect
// with median-of-three pivots; k must be within (0, len).
func partialSelect(dists []float64, inds []int32, k int) {
	swap := func(a, b int) {
		dists[a], dists[b] = dists[b], dists[a]
		inds[a], inds[b] = inds[b], inds[a]
	}
	lo, hi := 0, len(dists)-1
	for lo < hi {
		mid := lo + (hi-lo)/2
		if dists[mid] < dists[lo] {
			swap(mid, lo)
		}
		if dists[hi] < dists[lo] {
			swap(hi, lo)
		}
		if dists[hi] < dists[mid] {
			swap(hi, mid)
		}
		swap(mid, hi)
		pivot := dists[hi]
		p := lo
		for i := lo; i < hi; i++ {
			if dists[i] < pivot {
				swap(i, p)
				p++
			}
		}
		swap(p, hi)
		switch {
		case p == k:
			return
		case p < k:
			lo = p + 1
		default:
			hi = p - 1
		}
	}
}
