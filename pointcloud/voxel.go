package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// VoxelCoords are integer cell coordinates on a regular grid.
type VoxelCoords struct {
	I, J, K int64
}

// voxelCoordinates computes the grid cell of pt relative to origin.
func voxelCoordinates(pt, origin r3.Vector, voxelSize float64) VoxelCoords {
	v := pt.Sub(origin)
	return VoxelCoords{
		I: int64(math.Floor(v.X / voxelSize)),
		J: int64(math.Floor(v.Y / voxelSize)),
		K: int64(math.Floor(v.Z / voxelSize)),
	}
}

func minBound(points []r3.Vector) r3.Vector {
	min := points[0]
	for _, p := range points[1:] {
		min.X = math.Min(min.X, p.X)
		min.Y = math.Min(min.Y, p.Y)
		min.Z = math.Min(min.Z, p.Z)
	}
	return min
}

type voxelCell struct {
	sum    r3.Vector
	feats  []float64
	labels map[int32]int
	n      int
}

func (v *voxelCell) majorityLabel() int32 {
	var best int32
	bestN := -1
	for label, n := range v.labels {
		if n > bestN || (n == bestN && label < best) {
			best, bestN = label, n
		}
	}
	return best
}

// GridSubsample reduces the cloud to one point per occupied voxel: the cell
// barycenter, with features averaged and the label decided by majority
// (ties broken toward the smaller value). Cells are emitted in first-seen
// order, so the result is deterministic for a given input order. No inverse
// mapping is produced; callers that need one project the original points
// onto the result with a k=1 KDTree lookup.
func GridSubsample(c *Cloud, voxelSize float64) *Cloud {
	if c.Size() == 0 || voxelSize <= 0 {
		return c
	}
	origin := minBound(c.Points)
	slots := make(map[VoxelCoords]int)
	cells := make([]*voxelCell, 0, c.Size()/2+1)
	for i, p := range c.Points {
		key := voxelCoordinates(p, origin, voxelSize)
		s, ok := slots[key]
		if !ok {
			s = len(cells)
			slots[key] = s
			cell := &voxelCell{}
			if c.FeatDim > 0 {
				cell.feats = make([]float64, c.FeatDim)
			}
			if c.HasLabels() {
				cell.labels = make(map[int32]int)
			}
			cells = append(cells, cell)
		}
		cell := cells[s]
		cell.sum = cell.sum.Add(p)
		for j, f := range c.FeatureRow(i) {
			cell.feats[j] += float64(f)
		}
		if c.HasLabels() {
			cell.labels[c.Labels[i]]++
		}
		cell.n++
	}

	out := &Cloud{
		Points:  make([]r3.Vector, len(cells)),
		FeatDim: c.FeatDim,
	}
	if c.FeatDim > 0 {
		out.Features = make([]float32, 0, len(cells)*c.FeatDim)
	}
	if c.HasLabels() {
		out.Labels = make([]int32, len(cells))
	}
	for s, cell := range cells {
		inv := 1.0 / float64(cell.n)
		out.Points[s] = cell.sum.Mul(inv)
		for _, f := range cell.feats {
			out.Features = append(out.Features, float32(f*inv))
		}
		if c.HasLabels() {
			out.Labels[s] = cell.majorityLabel()
		}
	}
	return out
}

// GridSubsamplePoints is the coordinate-only variant of GridSubsample, used
// for sampling-queue generation.
func GridSubsamplePoints(points []r3.Vector, voxelSize float64) []r3.Vector {
	return GridSubsample(&Cloud{Points: points}, voxelSize).Points
}
