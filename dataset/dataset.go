package dataset

import (
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/sceneseg/pointcloud"
)

// An Augmentor perturbs one extracted region before it is stacked into a
// batch. augment.Compose satisfies this.
type Augmentor interface {
	Augment(points []r3.Vector, features []float32, featDim int, labels []int32) ([]r3.Vector, []float32, []int32)
}

// A FeatureSelector projects the raw feature channels of a region onto the
// channels the network consumes. It runs after the height channel has been
// appended, so the last input column is the raw height.
type FeatureSelector interface {
	Select(features []float32, featDim int) ([]float32, int)
}

// FeatureSelectorFunc adapts a function to the FeatureSelector interface.
type FeatureSelectorFunc func(features []float32, featDim int) ([]float32, int)

// Select calls f.
func (f FeatureSelectorFunc) Select(features []float32, featDim int) ([]float32, int) {
	return f(features, featDim)
}

// A Subsampler reduces one region to a target grid resolution. The returned
// inverse maps every input point to the row of its retained point; returning
// a nil inverse makes the caller compute one with a nearest-neighbor query.
type Subsampler interface {
	Subsample(points []r3.Vector, features []float32, featDim int, labels []int32, resolution float64) ([]r3.Vector, []float32, []int32, []int32, error)
}

// gridSubsampler is the default Subsampler: one barycenter per occupied
// voxel, no inverse mapping of its own.
type gridSubsampler struct{}

func (gridSubsampler) Subsample(
	points []r3.Vector, features []float32, featDim int, labels []int32, resolution float64,
) ([]r3.Vector, []float32, []int32, []int32, error) {
	sub := pointcloud.GridSubsample(&pointcloud.Cloud{
		Points:   points,
		Features: features,
		FeatDim:  featDim,
		Labels:   labels,
	}, resolution)
	return sub.Points, sub.Features, sub.Labels, nil, nil
}

// newSubsampler resolves a subsampling mode name. Only the grid mode ships
// with the pipeline; other modes come from the caller as a Subsampler.
func newSubsampler(mode string) (Subsampler, error) {
	switch mode {
	case "", SubModeGrid:
		return gridSubsampler{}, nil
	default:
		return nil, errors.Errorf("unknown subsampling mode %q (only %q ships with the pipeline)", mode, SubModeGrid)
	}
}

// A Dataset ties the scene store to one sampling configuration and owns the
// state shared between workers: the regular sampling queue and the seed
// sequence handing every assembler its own random stream.
type Dataset struct {
	cfg    *Config
	store  *SceneStore
	logger golog.Logger

	// shared is non-nil only under the regular policy; it is the one piece
	// of cross-worker mutable state in the pipeline.
	shared  *SamplingState
	workers atomic.Int64
}

// NewDataset validates the configuration and prepares the shared sampling
// state when the regular policy is selected.
func NewDataset(cfg *Config, store *SceneStore, logger golog.Logger) (*Dataset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Dataset{cfg: cfg, store: store, logger: logger}
	if cfg.Sampler == SamplerRegular {
		shared, err := newSamplingState(store, cfg, cfg.Seed)
		if err != nil {
			return nil, err
		}
		d.shared = shared
		logger.Debugf("regular sampling queue holds %d centers", shared.QueueLen())
	}
	return d, nil
}

// Config returns the live configuration. Calibration updates it in place
// before any worker starts.
func (d *Dataset) Config() *Config {
	return d.cfg
}

// Store returns the scene store.
func (d *Dataset) Store() *SceneStore {
	return d.store
}

// newWorkerRNG hands out one random stream per assembler so concurrent
// workers never contend on, or correlate through, a shared generator.
func (d *Dataset) newWorkerRNG() *rand.Rand {
	n := uint64(d.workers.Add(1))
	return rand.New(rand.NewPCG(d.cfg.Seed, n<<32|n))
}

// newSampler builds a center sampler bound to the shared queue state.
func (d *Dataset) newSampler(rng *rand.Rand) (*CenterSampler, error) {
	return newCenterSampler(d.store, d.cfg, d.shared, rng)
}

// Votes returns the sweep progress of the regular sampling queue in units of
// full passes over the dataset, 0 under the random policies.
func (d *Dataset) Votes() float64 {
	if d.shared == nil {
		return 0
	}
	return d.shared.progress()
}

// EpochSteps bounds the number of batches an epoch should consume. Regular
// validation sweeps are clamped so each epoch covers between roughly a third
// and two thirds of the queue; every other configuration keeps the request.
func (d *Dataset) EpochSteps(requested int) int {
	if d.cfg.Role != RoleValidation || d.shared == nil {
		return requested
	}
	n := d.shared.QueueLen()
	steps := min(requested, int(math.Ceil(float64(n)*0.67)))
	return max(steps, int(math.Ceil(float64(n)*0.34)))
}
