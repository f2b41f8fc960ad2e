// Package pointcloud defines the column-layout point clouds used by the
// scene segmentation pipeline, along with a kd-tree spatial index,
// voxel-grid subsampling, and LAS file io.
package pointcloud

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// A Cloud is a point set in column layout: coordinates, a row-major feature
// matrix with FeatDim columns, and an optional label column. The columns are
// parallel; row i of each describes the same point.
type Cloud struct {
	Points   []r3.Vector
	Features []float32
	FeatDim  int
	Labels   []int32
}

// NewCloud returns a cloud over the given columns after validating their
// shapes against each other.
func NewCloud(points []r3.Vector, features []float32, featDim int, labels []int32) (*Cloud, error) {
	c := &Cloud{Points: points, Features: features, FeatDim: featDim, Labels: labels}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Size returns the number of points.
func (c *Cloud) Size() int {
	return len(c.Points)
}

// HasLabels reports whether the label column is populated.
func (c *Cloud) HasLabels() bool {
	return len(c.Labels) > 0
}

// Validate checks that the columns agree on the number of rows.
func (c *Cloud) Validate() error {
	if c.FeatDim < 0 {
		return errors.Errorf("feature dimension must not be negative, got %d", c.FeatDim)
	}
	if c.FeatDim == 0 && len(c.Features) != 0 {
		return errors.Errorf("feature column has %d values but the feature dimension is zero", len(c.Features))
	}
	if c.FeatDim > 0 && len(c.Features) != len(c.Points)*c.FeatDim {
		return errors.Errorf("feature column has %d values, want %d (%d points x %d channels)",
			len(c.Features), len(c.Points)*c.FeatDim, len(c.Points), c.FeatDim)
	}
	if len(c.Labels) > 0 && len(c.Labels) != len(c.Points) {
		return errors.Errorf("label column has %d values, want %d", len(c.Labels), len(c.Points))
	}
	return nil
}

// FeatureRow returns the feature values of point i as a view into the
// feature column.
func (c *Cloud) FeatureRow(i int) []float32 {
	return c.Features[i*c.FeatDim : (i+1)*c.FeatDim]
}

// Gather returns a new cloud holding the rows named by indices, in order.
// Indices may repeat.
func (c *Cloud) Gather(indices []int32) *Cloud {
	out := &Cloud{
		Points:  make([]r3.Vector, len(indices)),
		FeatDim: c.FeatDim,
	}
	if c.FeatDim > 0 {
		out.Features = make([]float32, 0, len(indices)*c.FeatDim)
	}
	if c.HasLabels() {
		out.Labels = make([]int32, len(indices))
	}
	for n, i := range indices {
		out.Points[n] = c.Points[i]
		if c.FeatDim > 0 {
			out.Features = append(out.Features, c.FeatureRow(int(i))...)
		}
		if c.HasLabels() {
			out.Labels[n] = c.Labels[i]
		}
	}
	return out
}
