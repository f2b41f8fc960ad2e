package dataset

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"go.viam.com/sceneseg/pointcloud"
)

// regularOverlap shrinks the regular sampling spacing so neighboring
// regions overlap slightly instead of only touching.
const regularOverlap = 1.1

// A Center is one region query: the scene to extract from and the query
// position within it.
type Center struct {
	Scene int32
	Point r3.Vector
}

// SamplingState is the regular-sampling queue shared by every worker of a
// dataset: a shuffled list of grid centers covering all scenes, a cursor
// into it and the count of completed sweeps. All access goes through one
// mutex so concurrent workers consume disjoint centers.
type SamplingState struct {
	mu    sync.Mutex
	rng   *rand.Rand
	store *SceneStore

	radius      float64
	cubes       bool
	cylindrical bool

	queue  []Center
	cursor int
	votes  int64
}

func newSamplingState(store *SceneStore, cfg *Config, seed uint64) (*SamplingState, error) {
	if cfg.InRadius <= 0 {
		return nil, errors.New("regular sampling can only sweep with a positive in-region radius")
	}
	s := &SamplingState{
		rng:         rand.New(rand.NewPCG(seed, seed<<32|0x9e37)),
		store:       store,
		radius:      cfg.InRadius,
		cubes:       cfg.UseCubes,
		cylindrical: cfg.Cylindrical,
	}
	s.refillLocked()
	if len(s.queue) == 0 {
		return nil, errors.New("regular sampling queue is empty: all scenes have no points")
	}
	return s, nil
}

// spacing returns the grid resolution of the sampling queue. Cube regions
// tile space side to side; balls must be packed tighter so their union
// still covers every point.
func (s *SamplingState) spacing() float64 {
	dl := s.radius * 2
	if !s.cubes {
		if s.cylindrical {
			dl /= math.Sqrt2
		} else {
			dl /= math.Sqrt(3)
		}
	}
	return dl / regularOverlap
}

// refillLocked regenerates the queue: each scene is grid-subsampled at the
// sweep spacing under a fresh random offset (so sweep borders move between
// epochs) and the resulting centers are shuffled across scenes. Callers
// must hold s.mu, except during construction.
func (s *SamplingState) refillLocked() {
	dl := s.spacing()
	s.queue = s.queue[:0]
	for i := 0; i < s.store.Len(); i++ {
		cloud := s.store.Scene(int32(i)).Cloud
		if cloud.Size() == 0 {
			continue
		}
		offset := r3.Vector{X: s.rng.Float64() * dl, Y: s.rng.Float64() * dl}
		if !s.cylindrical {
			offset.Z = s.rng.Float64() * dl
		}
		shifted := make([]r3.Vector, cloud.Size())
		for p, pt := range cloud.Points {
			shifted[p] = pt.Add(offset)
			if s.cylindrical {
				shifted[p].Z = 0
			}
		}
		for _, pt := range pointcloud.GridSubsamplePoints(shifted, dl) {
			s.queue = append(s.queue, Center{Scene: int32(i), Point: pt.Sub(offset)})
		}
	}
	s.rng.Shuffle(len(s.queue), func(a, b int) {
		s.queue[a], s.queue[b] = s.queue[b], s.queue[a]
	})
}

// next pops the next queued center. When the sweep is exhausted, revisiting
// roles regenerate the queue and count a completed sweep; the others report
// the end of the epoch with ok set to false.
func (s *SamplingState) next(role Role) (Center, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor >= len(s.queue) {
		if !role.revisits() {
			return Center{}, false
		}
		s.cursor = 0
		s.refillLocked()
		s.votes++
	}
	c := s.queue[s.cursor]
	s.cursor++
	return c, true
}

// progress returns the completed sweep count plus the fraction of the
// current sweep already consumed.
func (s *SamplingState) progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.votes) + float64(s.cursor)/float64(len(s.queue))
}

// reset rewinds the cursor so the next epoch starts a fresh sweep over the
// current queue. Calibration consumes centers and calls this afterwards.
func (s *SamplingState) reset() {
	s.mu.Lock()
	s.cursor = 0
	s.mu.Unlock()
}

// QueueLen returns the number of centers in one full sweep.
func (s *SamplingState) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// A CenterSampler draws region centers under one policy. Random policies
// own their draw state, so each worker gets its own sampler; the regular
// policy delegates to the SamplingState shared across workers.
type CenterSampler struct {
	store  *SceneStore
	policy SamplerPolicy
	role   Role

	shared *SamplingState
	rng    *rand.Rand
	noise  distuv.Normal

	// class-random draws among labels that are eligible and actually
	// populated; scene-random among scenes that hold at least one point.
	eligible []int32
	occupied []int32
}

func newCenterSampler(store *SceneStore, cfg *Config, shared *SamplingState, rng *rand.Rand) (*CenterSampler, error) {
	cs := &CenterSampler{
		store:  store,
		policy: cfg.Sampler,
		role:   cfg.Role,
		shared: shared,
		rng:    rng,
		noise:  distuv.Normal{Mu: 0, Sigma: cfg.CenterNoise, Src: rng},
	}
	switch cfg.Sampler {
	case SamplerRegular:
		if shared == nil {
			return nil, errors.New("regular sampling needs the shared queue state")
		}
	case SamplerRandom:
		if store.TotalPoints() == 0 {
			return nil, errors.New("random sampling needs at least one point")
		}
	case SamplerClassRandom:
		cs.eligible = store.nonEmptyLabels(cfg.Labels.Eligible())
		if len(cs.eligible) == 0 {
			return nil, errors.New("class-random sampling found no populated eligible label")
		}
	case SamplerSceneRandom:
		for i := 0; i < store.Len(); i++ {
			if store.Scene(int32(i)).Cloud.Size() > 0 {
				cs.occupied = append(cs.occupied, int32(i))
			}
		}
		if len(cs.occupied) == 0 {
			return nil, errors.New("scene-random sampling found no populated scene")
		}
	}
	return cs, nil
}

// Sample draws the next center. ok is false only when a non-revisiting
// regular sweep is exhausted; the random policies never end.
func (cs *CenterSampler) Sample() (Center, bool) {
	if cs.policy == SamplerRegular {
		return cs.shared.next(cs.role)
	}

	var scene, point int32
	switch cs.policy {
	case SamplerClassRandom:
		label := cs.eligible[cs.rng.IntN(len(cs.eligible))]
		pts := cs.store.labelPoints(label)
		sp := pts[cs.rng.IntN(len(pts))]
		scene, point = sp.scene, sp.point
	case SamplerSceneRandom:
		scene = cs.occupied[cs.rng.IntN(len(cs.occupied))]
		point = int32(cs.rng.IntN(cs.store.Scene(scene).Cloud.Size()))
	default:
		scene, point = cs.store.flatIndex(cs.rng.IntN(cs.store.TotalPoints()))
	}

	pos := cs.store.Scene(scene).Cloud.Points[point]
	if cs.noise.Sigma > 0 {
		pos.X += cs.noise.Rand()
		pos.Y += cs.noise.Rand()
		pos.Z += cs.noise.Rand()
	}
	return Center{Scene: scene, Point: pos}, true
}

// Votes returns the sweep progress of the shared regular queue, in units
// of full passes over the dataset. Random policies report zero.
func (cs *CenterSampler) Votes() float64 {
	if cs.policy != SamplerRegular {
		return 0
	}
	return cs.shared.progress()
}
