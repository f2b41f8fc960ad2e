package pointcloud

import (
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// treePoint is a kd-tree element carrying the row index of the cloud point
// it was built from. Distances are squared Euclidean over the first dims
// axes only.
type treePoint struct {
	vec  r3.Vector
	dims int
	idx  int32
}

func (p treePoint) at(d int) float64 {
	switch d {
	case 0:
		return p.vec.X
	case 1:
		return p.vec.Y
	default:
		return p.vec.Z
	}
}

// Compare returns the signed distance of p from the plane through q along d.
func (p treePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(treePoint)
	return p.at(int(d)) - q.at(int(d))
}

// Dims returns the number of indexed axes.
func (p treePoint) Dims() int { return p.dims }

// Distance returns the squared Euclidean distance between p and c over the
// indexed axes.
func (p treePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(treePoint)
	var sum float64
	for d := 0; d < p.dims; d++ {
		diff := p.at(d) - q.at(d)
		sum += diff * diff
	}
	return sum
}

type treePoints []treePoint

func (p treePoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p treePoints) Len() int                              { return len(p) }
func (p treePoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p treePoints) Pivot(d kdtree.Dim) int {
	return treePlane{Dim: d, treePoints: p}.Pivot()
}

// treePlane sorts treePoints along a single axis for tree construction.
type treePlane struct {
	kdtree.Dim
	treePoints
}

func (p treePlane) Less(i, j int) bool {
	return p.treePoints[i].at(int(p.Dim)) < p.treePoints[j].at(int(p.Dim))
}

func (p treePlane) Pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}

func (p treePlane) Slice(start, end int) kdtree.SortSlicer {
	p.treePoints = p.treePoints[start:end]
	return p
}

func (p treePlane) Swap(i, j int) {
	p.treePoints[i], p.treePoints[j] = p.treePoints[j], p.treePoints[i]
}

// KDTree indexes cloud coordinates for nearest-neighbor and radius queries.
// With dims == 2 the Z axis is ignored, so every query reads as a vertical
// column through the scene.
type KDTree struct {
	tree *kdtree.Tree
	dims int
	size int
}

// NewKDTree indexes the given points over the first dims axes. Any dims
// other than 2 indexes the full three.
func NewKDTree(points []r3.Vector, dims int) *KDTree {
	if dims != 2 {
		dims = 3
	}
	if len(points) == 0 {
		return &KDTree{dims: dims}
	}
	data := make(treePoints, len(points))
	for i, p := range points {
		data[i] = treePoint{vec: p, dims: dims, idx: int32(i)}
	}
	return &KDTree{tree: kdtree.New(data, false), dims: dims, size: len(points)}
}

// Size returns the number of indexed points.
func (t *KDTree) Size() int { return t.size }

// Dims returns the number of indexed axes.
func (t *KDTree) Dims() int { return t.dims }

// KNN returns the row indices of the k points nearest q, ordered by
// increasing distance. When the tree holds no more than k points, all rows
// are returned.
func (t *KDTree) KNN(q r3.Vector, k int) []int32 {
	if k <= 0 || t.size == 0 {
		return nil
	}
	if k > t.size {
		k = t.size
	}
	keep := kdtree.NewNKeeper(k)
	t.tree.NearestSet(keep, treePoint{vec: q, dims: t.dims, idx: -1})
	found := make([]kdtree.ComparableDist, 0, len(keep.Heap))
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			continue
		}
		found = append(found, cd)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Dist < found[j].Dist })
	out := make([]int32, len(found))
	for i, cd := range found {
		out[i] = cd.Comparable.(treePoint).idx
	}
	return out
}

// Nearest returns the row index of the point nearest q, or -1 for an empty
// tree.
func (t *KDTree) Nearest(q r3.Vector) int32 {
	if t.size == 0 {
		return -1
	}
	got, _ := t.tree.Nearest(treePoint{vec: q, dims: t.dims, idx: -1})
	if got == nil {
		return -1
	}
	return got.(treePoint).idx
}

// RadiusSearch returns the row indices of every point within Euclidean
// distance r of q over the indexed axes, inclusive, in no particular order.
func (t *KDTree) RadiusSearch(q r3.Vector, r float64) []int32 {
	if r < 0 || t.size == 0 {
		return nil
	}
	keep := kdtree.NewDistKeeper(r * r)
	t.tree.NearestSet(keep, treePoint{vec: q, dims: t.dims, idx: -1})
	out := make([]int32, 0, len(keep.Heap))
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			continue
		}
		out = append(out, cd.Comparable.(treePoint).idx)
	}
	return out
}
