// Package augment provides the point cloud augmentation transforms applied
// to extracted regions before batching: geometric jitter, rotation, scaling
// and flips on coordinates, plus chromatic perturbations on color feature
// channels.
package augment

import (
	"math/rand/v2"

	"github.com/golang/geo/r3"
)

// A Transform perturbs one region. Implementations may mutate the inputs in
// place and must return the slices to use afterwards; the feature dimension
// never changes across a transform.
type Transform interface {
	Apply(rng *rand.Rand, points []r3.Vector, features []float32, featDim int, labels []int32) ([]r3.Vector, []float32, []int32)
}

// Compose chains transforms in order, drawing all randomness from one owned
// generator so a fixed seed reproduces an augmentation stream exactly.
type Compose struct {
	rng        *rand.Rand
	transforms []Transform
}

// NewCompose seeds a generator and returns the transform chain.
func NewCompose(seed uint64, transforms ...Transform) *Compose {
	return &Compose{
		rng:        rand.New(rand.NewPCG(seed, seed<<32|1)),
		transforms: transforms,
	}
}

// Augment applies every transform in order.
func (c *Compose) Augment(points []r3.Vector, features []float32, featDim int, labels []int32) ([]r3.Vector, []float32, []int32) {
	for _, tr := range c.transforms {
		points, features, labels = tr.Apply(c.rng, points, features, featDim, labels)
	}
	return points, features, labels
}
