package dataset

import (
	"github.com/golang/geo/r3"
	"gorgonia.org/tensor"

	"go.viam.com/sceneseg/pyramid"
)

// A Batch is one packed network input: a variable number of regions stacked
// along the point axis, with per-region lengths instead of padding. An empty
// batch signals the end of a single-pass epoch.
type Batch struct {
	// Graph holds the stacked coordinates and their pyramid levels.
	Graph *pyramid.Graph
	// Features is the N x F float32 input matrix, N summed over regions.
	Features *tensor.Dense
	// Labels is the length-N int32 ground-truth vector, zeroed for test
	// datasets.
	Labels *tensor.Dense

	// Lengths are the per-region point counts after input subsampling and
	// scene mixing; Lengths0 the counts before subsampling. Both follow the
	// merged layout when scene mixing is active.
	Lengths  []int32
	Lengths0 []int32

	// SceneInds and Centers record where each stacked region came from, one
	// entry per region before mixing.
	SceneInds []int32
	Centers   []r3.Vector
	// PointInds are the scene row indices of every pre-subsampling point,
	// concatenated; InverseInds map each of those points to the retained
	// point of its region, for projecting predictions back to scenes.
	PointInds   []int32
	InverseInds []int32
}

// Empty reports whether the batch holds no regions.
func (b *Batch) Empty() bool {
	return b == nil || len(b.Lengths) == 0
}

// Regions returns the number of stacked regions after scene mixing.
func (b *Batch) Regions() int {
	return len(b.Lengths)
}

// PointCount returns the number of stacked input points.
func (b *Batch) PointCount() int {
	n := 0
	for _, l := range b.Lengths {
		n += int(l)
	}
	return n
}
