package pyramid

import (
	"math/rand/v2"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestGridNeighborStatsRespectsPackBoundaries(t *testing.T) {
	// two overlapping regions packed together: a query point must only see
	// neighbors from its own region
	points := []r3.Vector{
		{X: 0.0}, {X: 0.1}, {X: 0.2}, {X: 0.3},
		{X: 0.05}, {X: 0.15}, {X: 0.25},
	}
	counter := GridNeighborStats{Layers: 1, SubSize: 0.01, BaseRadius: 10, RadiusScaling: 2}

	counts, err := counter.Count(points, []int32{4, 3})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(counts), test.ShouldEqual, 1)
	test.That(t, counts[0], test.ShouldResemble, []int32{4, 4, 4, 4, 3, 3, 3})
}

func TestGridNeighborStatsLayers(t *testing.T) {
	rng := rand.New(rand.NewPCG(41, 43))
	points := make([]r3.Vector, 400)
	for i := range points {
		points[i] = r3.Vector{
			X: rng.Float64() * 4,
			Y: rng.Float64() * 4,
			Z: rng.Float64() * 4,
		}
	}
	counter := GridNeighborStats{Layers: 3, SubSize: 0.4, BaseRadius: 0.5, RadiusScaling: 2}

	counts, err := counter.Count(points, []int32{int32(len(points))})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(counts), test.ShouldEqual, 3)

	// the finest layer keeps every input point, coarser layers shrink
	test.That(t, len(counts[0]), test.ShouldEqual, len(points))
	test.That(t, len(counts[1]), test.ShouldBeLessThan, len(counts[0]))
	test.That(t, len(counts[2]), test.ShouldBeLessThan, len(counts[1]))
	test.That(t, len(counts[2]), test.ShouldBeGreaterThan, 0)

	// every point is at least its own neighbor
	for _, layer := range counts {
		for _, n := range layer {
			test.That(t, n, test.ShouldBeGreaterThanOrEqualTo, 1)
		}
	}
}

func TestGridNeighborStatsErrors(t *testing.T) {
	points := []r3.Vector{{X: 1}}

	_, err := GridNeighborStats{Layers: 0, SubSize: 1, BaseRadius: 1, RadiusScaling: 2}.Count(points, []int32{1})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = GridNeighborStats{Layers: 1, SubSize: 1, BaseRadius: 0, RadiusScaling: 2}.Count(points, []int32{1})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = GridNeighborStats{Layers: 1, SubSize: 1, BaseRadius: 1, RadiusScaling: 2}.Count(points, []int32{3})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "lengths cover")
}
