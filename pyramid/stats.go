package pyramid

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/sceneseg/pointcloud"
)

// A NeighborCounter reports, per pyramid layer, how many in-radius neighbors
// each query point of a packed batch would see. Calibration uses the counts
// to pick per-layer neighbor limits.
type NeighborCounter interface {
	Count(points []r3.Vector, lengths []int32) ([][]int32, error)
}

// GridNeighborStats is the reference NeighborCounter. It mirrors how full
// pyramid builders descend: layer l holds the input grid-subsampled at
// SubSize·RadiusScaling^l and counts neighbors within
// BaseRadius·RadiusScaling^l. Counting respects pack boundaries; points of
// different regions never see each other.
type GridNeighborStats struct {
	Layers        int
	SubSize       float64
	BaseRadius    float64
	RadiusScaling float64
}

// Count returns per-layer neighbor counts, concatenated over the batch's
// regions in order.
func (g GridNeighborStats) Count(points []r3.Vector, lengths []int32) ([][]int32, error) {
	if g.Layers <= 0 {
		return nil, errors.Errorf("need at least one layer, got %d", g.Layers)
	}
	if g.SubSize <= 0 || g.BaseRadius <= 0 || g.RadiusScaling <= 0 {
		return nil, errors.New("subsampling size, base radius and radius scaling must be positive")
	}
	var total int
	for _, n := range lengths {
		total += int(n)
	}
	if total != len(points) {
		return nil, errors.Errorf("lengths cover %d points, want %d", total, len(points))
	}

	out := make([][]int32, g.Layers)
	var offset int
	for _, n := range lengths {
		region := points[offset : offset+int(n)]
		offset += int(n)

		cur := region
		radius := g.BaseRadius
		for l := 0; l < g.Layers; l++ {
			if l > 0 {
				cur = pointcloud.GridSubsamplePoints(cur, g.SubSize*math.Pow(g.RadiusScaling, float64(l)))
				radius *= g.RadiusScaling
			}
			tree := pointcloud.NewKDTree(cur, 3)
			for _, p := range cur {
				out[l] = append(out[l], int32(len(tree.RadiusSearch(p, radius))))
			}
		}
	}
	return out, nil
}
