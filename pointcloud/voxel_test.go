package pointcloud

import (
	"math/rand/v2"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestGridSubsample(t *testing.T) {
	c, err := NewCloud(
		[]r3.Vector{
			{X: 0.25, Y: 0.25, Z: 0.25},
			{X: 0.75, Y: 0.25, Z: 0.25},
			{X: 1.5, Y: 0.25, Z: 0.25},
		},
		[]float32{1, 2, 6},
		1,
		[]int32{2, 2, 5},
	)
	test.That(t, err, test.ShouldBeNil)

	sub := GridSubsample(c, 1.0)
	test.That(t, sub.Size(), test.ShouldEqual, 2)
	test.That(t, sub.Points, test.ShouldResemble, []r3.Vector{
		{X: 0.5, Y: 0.25, Z: 0.25},
		{X: 1.5, Y: 0.25, Z: 0.25},
	})
	test.That(t, sub.Features, test.ShouldResemble, []float32{1.5, 6})
	test.That(t, sub.Labels, test.ShouldResemble, []int32{2, 5})
}

func TestGridSubsampleMajorityLabel(t *testing.T) {
	c, err := NewCloud(
		[]r3.Vector{{X: 0.1}, {X: 0.2}, {X: 0.3}, {X: 0.4}},
		nil,
		0,
		[]int32{3, 7, 7, 3},
	)
	test.That(t, err, test.ShouldBeNil)

	sub := GridSubsample(c, 10)
	test.That(t, sub.Size(), test.ShouldEqual, 1)
	// two-way tie resolves toward the smaller label
	test.That(t, sub.Labels, test.ShouldResemble, []int32{3})

	c.Labels = []int32{7, 7, 3, 7}
	sub = GridSubsample(c, 10)
	test.That(t, sub.Labels, test.ShouldResemble, []int32{7})
}

func TestGridSubsampleDeterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(29, 31))
	c := &Cloud{Points: randomPoints(rng, 400, 3)}

	first := GridSubsample(c, 0.4)
	second := GridSubsample(c, 0.4)
	test.That(t, second.Points, test.ShouldResemble, first.Points)
	test.That(t, first.Size(), test.ShouldBeLessThan, c.Size())
	test.That(t, first.Size(), test.ShouldBeGreaterThan, 0)

	// a non-positive voxel size leaves the cloud untouched
	same := GridSubsample(c, 0)
	test.That(t, same, test.ShouldEqual, c)
}

func TestGridSubsampleFirstSeenOrder(t *testing.T) {
	pts := []r3.Vector{
		{X: 5.5},
		{X: 0.5},
		{X: 5.6},
		{X: 2.5},
	}
	sub := GridSubsamplePoints(pts, 1.0)
	test.That(t, len(sub), test.ShouldEqual, 3)
	// cells appear in the order their first point arrived
	test.That(t, sub[0].X, test.ShouldAlmostEqual, 5.55)
	test.That(t, sub[1].X, test.ShouldAlmostEqual, 0.5)
	test.That(t, sub[2].X, test.ShouldAlmostEqual, 2.5)
}
