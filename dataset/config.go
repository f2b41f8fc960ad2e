// Package dataset implements the sampling, extraction and batching pipeline
// that feeds large point-cloud scenes to a segmentation network: a stateful
// center sampler with three interchangeable policies, a region extractor
// with sphere/cube and full/cylindrical shape variants under fixed-count or
// fixed-radius sizing, a batch assembler bounded by a point budget instead
// of an item count, and the calibration procedures that fix that budget and
// the per-layer neighbor limits before training.
package dataset

import "github.com/pkg/errors"

// Role tells the pipeline how its scenes are consumed.
type Role string

// The dataset roles.
const (
	// RoleTrain samples randomly, augments fully and may mix scenes.
	RoleTrain Role = "training"
	// RoleValidation sweeps the scenes regularly and starts a fresh sweep
	// whenever the previous one is exhausted.
	RoleValidation Role = "validation"
	// RoleTest sweeps the scenes exactly once and carries no ground truth:
	// extracted labels are zeroed.
	RoleTest Role = "test"
)

// ParseRole converts a role name, failing on unknown names.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleTrain, RoleValidation, RoleTest:
		return r, nil
	default:
		return "", errors.Errorf("unknown dataset role %q (want %q, %q or %q)", s, RoleTrain, RoleValidation, RoleTest)
	}
}

// revisits reports whether an exhausted regular sweep regenerates its queue
// instead of ending the epoch.
func (r Role) revisits() bool {
	return r == RoleValidation
}

// SamplerPolicy selects how region centers are drawn.
type SamplerPolicy string

// The center sampling policies.
const (
	// SamplerRegular sweeps a shuffled queue of grid centers covering all
	// scenes, shared by every worker.
	SamplerRegular SamplerPolicy = "regular"
	// SamplerRandom draws a point uniformly across all scene points.
	SamplerRandom SamplerPolicy = "random"
	// SamplerClassRandom draws an eligible label uniformly, then a point
	// carrying that label.
	SamplerClassRandom SamplerPolicy = "class-random"
	// SamplerSceneRandom draws a scene uniformly regardless of its size,
	// then a point within it.
	SamplerSceneRandom SamplerPolicy = "scene-random"
)

// ParseSamplerPolicy converts a policy name, failing on unknown names.
func ParseSamplerPolicy(s string) (SamplerPolicy, error) {
	switch p := SamplerPolicy(s); p {
	case SamplerRegular, SamplerRandom, SamplerClassRandom, SamplerSceneRandom:
		return p, nil
	default:
		return "", errors.Errorf("unknown sampler policy %q (want %q, %q, %q or %q)",
			s, SamplerRegular, SamplerRandom, SamplerClassRandom, SamplerSceneRandom)
	}
}

// SubModeGrid is the voxel-grid subsampling mode.
const SubModeGrid = "grid"

// Config describes one dataset instance. The calibration procedures may
// update BatchLimit, BatchSize and NeighborLimits in place before training.
type Config struct {
	Sampler SamplerPolicy `json:"sampler"`
	Role    Role          `json:"role"`

	// UseCubes extracts Chebyshev cubes instead of Euclidean balls.
	UseCubes bool `json:"use_cubes"`
	// Cylindrical queries in the horizontal plane only, turning every
	// region into a vertical column through the scene.
	Cylindrical bool `json:"cylindrical"`
	// InRadius sizes regions: positive values are a fixed radius, negative
	// values request a fixed point count of -InRadius.
	InRadius float64 `json:"in_radius"`
	// CenterNoise is the stddev of the Gaussian jitter the random policies
	// add to chosen centers.
	CenterNoise float64 `json:"center_noise"`

	// InitSubSize is the grid resolution scenes are subsampled to at load
	// time; non-positive keeps them at full resolution.
	InitSubSize float64 `json:"init_sub_size"`
	// InSubSize is the network input resolution; regions are re-subsampled
	// only when it exceeds InitSubSize by more than 1%.
	InSubSize float64 `json:"in_sub_size"`
	SubMode   string  `json:"sub_mode"`

	// BatchLimit is the batch point budget; the assembler stops stacking
	// regions once the accumulated count exceeds it.
	BatchLimit float64 `json:"batch_limit"`
	// BatchSize is the nominal number of regions per batch, used to derive
	// BatchLimit during calibration.
	BatchSize float64 `json:"batch_size"`
	// Mix3D is the fraction of each training batch merged pairwise for
	// scene-mixing augmentation.
	Mix3D float64 `json:"mix3d"`

	Layers         int     `json:"layers"`
	NeighborLimits []int32 `json:"neighbor_limits"`

	Labels LabelSet `json:"labels"`
	Seed   uint64   `json:"seed"`
}

// Validate fails fast on configurations no component can serve.
func (c *Config) Validate() error {
	if _, err := ParseSamplerPolicy(string(c.Sampler)); err != nil {
		return err
	}
	if _, err := ParseRole(string(c.Role)); err != nil {
		return err
	}
	if c.InRadius == 0 {
		return errors.New("in-region radius must be non-zero")
	}
	if c.Sampler == SamplerRegular && c.InRadius < 0 {
		return errors.New("regular sampling can only sweep with a positive in-region radius")
	}
	if c.InRadius < 0 && int(-c.InRadius) < 1 {
		return errors.Errorf("fixed-count sizing needs a magnitude of at least one point, got %v", c.InRadius)
	}
	if c.CenterNoise < 0 {
		return errors.Errorf("center noise must not be negative, got %v", c.CenterNoise)
	}
	if c.InitSubSize < 0 || c.InSubSize < 0 {
		return errors.New("subsampling resolutions must not be negative")
	}
	if c.BatchLimit < 0 || c.BatchSize < 0 {
		return errors.New("batch limit and batch size must not be negative")
	}
	if c.Mix3D < 0 || c.Mix3D > 1 {
		return errors.Errorf("scene mixing fraction must be within [0, 1], got %v", c.Mix3D)
	}
	return c.Labels.Validate()
}
