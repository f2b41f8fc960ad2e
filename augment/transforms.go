package augment

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Rotation modes.
const (
	RotateVertical = "vertical" // uniform angle about the Z axis
	RotateAll      = "all"      // uniform over all 3-D rotations
	RotateNone     = "none"
)

// RandomRotate rotates the region. The vertical mode keeps gravity intact
// and is the usual choice for scanned scenes.
type RandomRotate struct {
	Mode string
}

// Apply rotates points in place.
func (t RandomRotate) Apply(rng *rand.Rand, points []r3.Vector, features []float32, featDim int, labels []int32) ([]r3.Vector, []float32, []int32) {
	switch t.Mode {
	case RotateAll:
		rotateQuat(rng, points)
	case RotateNone:
	default:
		theta := distuv.Uniform{Min: 0, Max: 2 * math.Pi, Src: rng}.Rand()
		sin, cos := math.Sincos(theta)
		for i, p := range points {
			points[i] = r3.Vector{
				X: p.X*cos - p.Y*sin,
				Y: p.X*sin + p.Y*cos,
				Z: p.Z,
			}
		}
	}
	return points, features, labels
}

// rotateQuat applies a uniformly random rotation, drawn as a normalized
// Gaussian quaternion.
func rotateQuat(rng *rand.Rand, points []r3.Vector) {
	var q quat.Number
	for {
		q = quat.Number{
			Real: rng.NormFloat64(),
			Imag: rng.NormFloat64(),
			Jmag: rng.NormFloat64(),
			Kmag: rng.NormFloat64(),
		}
		if a := quat.Abs(q); a > 1e-9 {
			q = quat.Scale(1/a, q)
			break
		}
	}
	for i, p := range points {
		pv := quat.Number{Imag: p.X, Jmag: p.Y, Kmag: p.Z}
		r := quat.Mul(quat.Mul(q, pv), quat.Conj(q))
		points[i] = r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
	}
}

// RandomScaleFlip scales the region by a factor drawn from [MinScale,
// MaxScale] (per axis when Anisotropic) and mirrors the X axis with
// probability FlipP.
type RandomScaleFlip struct {
	MinScale    float64
	MaxScale    float64
	Anisotropic bool
	FlipP       float64
}

// Apply scales points in place.
func (t RandomScaleFlip) Apply(rng *rand.Rand, points []r3.Vector, features []float32, featDim int, labels []int32) ([]r3.Vector, []float32, []int32) {
	scale := distuv.Uniform{Min: t.MinScale, Max: t.MaxScale, Src: rng}
	sx := scale.Rand()
	sy, sz := sx, sx
	if t.Anisotropic {
		sy = scale.Rand()
		sz = scale.Rand()
	}
	if rng.Float64() < t.FlipP {
		sx = -sx
	}
	for i, p := range points {
		points[i] = r3.Vector{X: p.X * sx, Y: p.Y * sy, Z: p.Z * sz}
	}
	return points, features, labels
}

// RandomJitter adds clipped Gaussian noise to every coordinate. A
// non-positive Clip defaults to five sigma.
type RandomJitter struct {
	Sigma float64
	Clip  float64
}

// Apply jitters points in place.
func (t RandomJitter) Apply(rng *rand.Rand, points []r3.Vector, features []float32, featDim int, labels []int32) ([]r3.Vector, []float32, []int32) {
	clip := t.Clip
	if clip <= 0 {
		clip = 5 * t.Sigma
	}
	noise := distuv.Normal{Mu: 0, Sigma: t.Sigma, Src: rng}
	for i, p := range points {
		points[i] = r3.Vector{
			X: p.X + clampAbs(noise.Rand(), clip),
			Y: p.Y + clampAbs(noise.Rand(), clip),
			Z: p.Z + clampAbs(noise.Rand(), clip),
		}
	}
	return points, features, labels
}

func clampAbs(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// FloorCentering recenters the region: X and Y on the centroid, Z on the
// lowest point, putting the floor at z = 0.
type FloorCentering struct{}

// Apply recenters points in place.
func (FloorCentering) Apply(rng *rand.Rand, points []r3.Vector, features []float32, featDim int, labels []int32) ([]r3.Vector, []float32, []int32) {
	if len(points) == 0 {
		return points, features, labels
	}
	var cx, cy float64
	minZ := points[0].Z
	for _, p := range points {
		cx += p.X
		cy += p.Y
		minZ = math.Min(minZ, p.Z)
	}
	cx /= float64(len(points))
	cy /= float64(len(points))
	for i, p := range points {
		points[i] = r3.Vector{X: p.X - cx, Y: p.Y - cy, Z: p.Z - minZ}
	}
	return points, features, labels
}

// RandomDrop discards a uniform fraction P of the region's points, keeping
// the survivors in their original order.
type RandomDrop struct {
	P float64
}

// Apply drops points, compacting features and labels alongside.
func (t RandomDrop) Apply(rng *rand.Rand, points []r3.Vector, features []float32, featDim int, labels []int32) ([]r3.Vector, []float32, []int32) {
	n := len(points)
	keep := int(math.Ceil(float64(n) * (1 - t.P)))
	if t.P <= 0 || keep >= n {
		return points, features, labels
	}
	sel := rng.Perm(n)[:keep]
	slices.Sort(sel)
	kept := make([]r3.Vector, keep)
	var keptFeats []float32
	if featDim > 0 && len(features) > 0 {
		keptFeats = make([]float32, 0, keep*featDim)
	}
	var keptLabels []int32
	if len(labels) > 0 {
		keptLabels = make([]int32, keep)
	}
	for i, j := range sel {
		kept[i] = points[j]
		if keptFeats != nil {
			keptFeats = append(keptFeats, features[j*featDim:(j+1)*featDim]...)
		}
		if keptLabels != nil {
			keptLabels[i] = labels[j]
		}
	}
	return kept, keptFeats, keptLabels
}

// ChromaticJitter adds Gaussian noise to the three color channels starting
// at Channel, clamping to [0, 1].
type ChromaticJitter struct {
	Sigma   float64
	Channel int
}

// Apply jitters color features in place.
func (t ChromaticJitter) Apply(rng *rand.Rand, points []r3.Vector, features []float32, featDim int, labels []int32) ([]r3.Vector, []float32, []int32) {
	if t.Channel+3 > featDim {
		return points, features, labels
	}
	noise := distuv.Normal{Mu: 0, Sigma: t.Sigma, Src: rng}
	for i := 0; i < len(points); i++ {
		row := features[i*featDim : (i+1)*featDim]
		for c := t.Channel; c < t.Channel+3; c++ {
			row[c] = clamp01f(row[c] + float32(noise.Rand()))
		}
	}
	return points, features, labels
}

// ChromaticTranslation shifts each color channel by one uniform draw in
// [-Ratio, Ratio] shared across the region, clamping to [0, 1].
type ChromaticTranslation struct {
	Ratio   float64
	Channel int
}

// Apply shifts color features in place.
func (t ChromaticTranslation) Apply(rng *rand.Rand, points []r3.Vector, features []float32, featDim int, labels []int32) ([]r3.Vector, []float32, []int32) {
	if t.Channel+3 > featDim {
		return points, features, labels
	}
	var shift [3]float32
	for c := range shift {
		shift[c] = float32((rng.Float64()*2 - 1) * t.Ratio)
	}
	for i := 0; i < len(points); i++ {
		row := features[i*featDim : (i+1)*featDim]
		for c := 0; c < 3; c++ {
			row[t.Channel+c] = clamp01f(row[t.Channel+c] + shift[c])
		}
	}
	return points, features, labels
}

// RandomDropColor zeroes the three color channels starting at Channel with
// probability P, forcing the network to rely on geometry alone.
type RandomDropColor struct {
	P       float64
	Channel int
}

// Apply zeroes color features in place.
func (t RandomDropColor) Apply(rng *rand.Rand, points []r3.Vector, features []float32, featDim int, labels []int32) ([]r3.Vector, []float32, []int32) {
	if t.Channel+3 > featDim || rng.Float64() >= t.P {
		return points, features, labels
	}
	for i := 0; i < len(points); i++ {
		row := features[i*featDim : (i+1)*featDim]
		for c := t.Channel; c < t.Channel+3; c++ {
			row[c] = 0
		}
	}
	return points, features, labels
}

func clamp01f(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
