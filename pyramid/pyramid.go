// Package pyramid defines the multi-resolution neighbor-graph representation
// consumed by point segmentation networks, along with a single-level builder
// for the on-the-fly pipeline and reference neighbor-count statistics used
// during calibration.
package pyramid

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// A Graph is the multi-resolution hierarchy built from one batch. Every
// level keeps the batch in pack layout: the regions' points are concatenated
// and the level's length vector carries one count per region.
//
// Neighbors, Pools and Upsamples are int32 index matrices. A query row with
// fewer true neighbors than the row width is padded with the level's shadow
// index (one past the last point of the level); consumers mask shadow
// entries out of aggregation.
type Graph struct {
	Points  [][]r3.Vector
	Lengths [][]int32

	Neighbors []*tensor.Dense
	Pools     []*tensor.Dense
	Upsamples []*tensor.Dense
}

// Levels returns the number of resolution levels.
func (g *Graph) Levels() int {
	return len(g.Points)
}

// ShadowIndex returns the padding index of a level: one past its last point.
func (g *Graph) ShadowIndex(level int) int32 {
	return int32(len(g.Points[level]))
}

// Validate checks that every level's length vector accounts for exactly that
// level's points.
func (g *Graph) Validate() error {
	if len(g.Lengths) != len(g.Points) {
		return errors.Errorf("graph has %d length vectors for %d levels", len(g.Lengths), len(g.Points))
	}
	for l, pts := range g.Points {
		var sum int
		for _, n := range g.Lengths[l] {
			sum += int(n)
		}
		if sum != len(pts) {
			return errors.Errorf("level %d lengths cover %d points, want %d", l, sum, len(pts))
		}
	}
	return nil
}

// A Builder turns one batch of packed points into its pyramid. Full
// multi-resolution builders are supplied by the network side; this package
// only ships the single-level variant.
type Builder interface {
	Build(points []r3.Vector, lengths []int32) (*Graph, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(points []r3.Vector, lengths []int32) (*Graph, error)

// Build calls f.
func (f BuilderFunc) Build(points []r3.Vector, lengths []int32) (*Graph, error) {
	return f(points, lengths)
}

// Base is the Builder producing single-level graphs, leaving neighbor search
// to the consumer.
var Base Builder = BuilderFunc(func(points []r3.Vector, lengths []int32) (*Graph, error) {
	return BuildBase(points, lengths), nil
})

// BuildBase wraps one batch into a single-level graph with no precomputed
// neighbor indices.
func BuildBase(points []r3.Vector, lengths []int32) *Graph {
	return &Graph{
		Points:  [][]r3.Vector{points},
		Lengths: [][]int32{lengths},
	}
}
