package dataset

import (
	"context"
	"math"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	uberatomic "go.uber.org/atomic"
	goutils "go.viam.com/utils"
	"gorgonia.org/tensor"

	"go.viam.com/sceneseg/pointcloud"
	"go.viam.com/sceneseg/pyramid"
)

// emptyBatchBackoff is how long an assembler sleeps after producing an empty
// batch, so an exhausted worker does not spin while its siblings drain their
// last regions.
const emptyBatchBackoff = 100 * time.Millisecond

// AssemblerOptions carry the external collaborators of one assembler. Every
// field may be nil: no augmentation, identity feature selection, grid
// subsampling and a single-level pyramid are the defaults.
type AssemblerOptions struct {
	Augmentor  Augmentor
	Selector   FeatureSelector
	Subsampler Subsampler
	Builder    pyramid.Builder
}

// A BatchAssembler stacks regions into batches until a point budget is
// exceeded. Each worker owns one; the only shared state an assembler touches
// is the regular sampling queue behind its center sampler, so workers need no
// further coordination.
type BatchAssembler struct {
	cfg       *Config
	store     *SceneStore
	sampler   *CenterSampler
	extractor *regionExtractor
	augmentor Augmentor
	selector  FeatureSelector
	sub       Subsampler
	builder   pyramid.Builder
	logger    golog.Logger

	// budget is process-local: shrinking it after a memory failure never
	// propagates to sibling workers.
	budget *uberatomic.Float64
	resub  bool
	fixedK int
	mix    float64
}

// NewAssembler hands a worker its own privately-seeded assembler. The batch
// point budget must be configured (or calibrated) beforehand.
func (d *Dataset) NewAssembler(opts AssemblerOptions) (*BatchAssembler, error) {
	if d.cfg.BatchLimit <= 0 {
		return nil, errors.New("assembling needs a positive batch point budget; set BatchLimit or run batch calibration first")
	}
	rng := d.newWorkerRNG()
	sampler, err := d.newSampler(rng)
	if err != nil {
		return nil, err
	}
	sub := opts.Subsampler
	if sub == nil {
		if sub, err = newSubsampler(d.cfg.SubMode); err != nil {
			return nil, err
		}
	}
	builder := opts.Builder
	if builder == nil {
		builder = pyramid.Base
	}
	b := &BatchAssembler{
		cfg:       d.cfg,
		store:     d.store,
		sampler:   sampler,
		extractor: newRegionExtractor(d.store, d.cfg),
		augmentor: opts.Augmentor,
		selector:  opts.Selector,
		sub:       sub,
		builder:   builder,
		logger:    d.logger,
		budget:    uberatomic.NewFloat64(d.cfg.BatchLimit),
		resub:     d.cfg.InSubSize > 0 && d.cfg.InSubSize > d.cfg.InitSubSize*1.01,
	}
	if d.cfg.InRadius < 0 {
		b.fixedK = int(-d.cfg.InRadius)
	}
	if d.cfg.Role == RoleTrain {
		b.mix = d.cfg.Mix3D
	}
	return b, nil
}

// Budget returns the current batch point budget of this assembler.
func (b *BatchAssembler) Budget() float64 {
	return b.budget.Load()
}

// ShrinkBudget lowers the point budget by 10% after the consumer ran out of
// memory on a batch. The change is local to this assembler; batches already
// produced under the old budget are the caller's to discard.
func (b *BatchAssembler) ShrinkBudget() float64 {
	for {
		cur := b.budget.Load()
		next := cur - math.Trunc(cur*0.1)
		if b.budget.CompareAndSwap(cur, next) {
			b.logger.Debugf("batch point budget lowered from %.0f to %.0f", cur, next)
			return next
		}
	}
}

// Votes proxies the sweep progress of the regular sampling queue.
func (b *BatchAssembler) Votes() float64 {
	return b.sampler.Votes()
}

// stagedRegion is one region after augmentation, feature selection and input
// subsampling, waiting to be concatenated.
type stagedRegion struct {
	points   []r3.Vector
	features []float32
	featDim  int
	labels   []int32
	// sceneInds are the scene rows of the pre-subsample points; inverse maps
	// each of those points to the row of its retained point in points.
	sceneInds []int32
	inverse   []int32
	scene     int32
	center    r3.Vector
}

// Next assembles one batch: it draws centers, extracts and perturbs regions,
// and stacks them until the accumulated point count exceeds the budget. An
// empty batch (no regions) is returned only when a single-pass sweep is
// exhausted; the assembler sleeps briefly first so sibling workers finishing
// their last batches are not starved by a spinning caller.
func (b *BatchAssembler) Next(ctx context.Context) (*Batch, error) {
	var staged []stagedRegion
	var total int
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		center, ok := b.sampler.Sample()
		if !ok {
			break
		}
		region := b.extractor.Extract(center)
		if region.Size() == 0 {
			continue
		}
		st, err := b.stage(region)
		if err != nil {
			return nil, err
		}
		staged = append(staged, st)

		// Fixed-count regions are budgeted at k points even when a small
		// scene returns fewer, keeping the batch size stable across scenes.
		total += len(st.points)
		if b.fixedK > 0 {
			total += b.fixedK - len(st.points)
		}
		if float64(total) > b.budget.Load() {
			break
		}
	}

	if len(staged) == 0 {
		if !goutils.SelectContextOrWait(ctx, emptyBatchBackoff) {
			return nil, ctx.Err()
		}
		return &Batch{}, nil
	}
	return b.concat(staged)
}

// stage runs one extracted region through the perturbation chain: height
// channel, augmentation, feature selection and the optional input
// subsampling with its inverse mapping.
func (b *BatchAssembler) stage(region *Region) (stagedRegion, error) {
	// The raw height goes in as an extra channel before any augmentation
	// moves the points.
	featDim := region.FeatDim + 1
	feats := make([]float32, 0, region.Size()*featDim)
	for i, p := range region.Points {
		if region.FeatDim > 0 {
			feats = append(feats, region.Features[i*region.FeatDim:(i+1)*region.FeatDim]...)
		}
		feats = append(feats, float32(p.Z))
	}

	points := region.Points
	labels := region.Labels
	if b.augmentor != nil {
		points, feats, labels = b.augmentor.Augment(points, feats, featDim, labels)
	}
	if b.selector != nil {
		feats, featDim = b.selector.Select(feats, featDim)
	}

	st := stagedRegion{
		points:    points,
		features:  feats,
		featDim:   featDim,
		labels:    labels,
		sceneInds: region.Indices,
		scene:     region.Scene,
		center:    region.Center,
	}
	if !b.resub {
		st.inverse = make([]int32, len(points))
		for i := range st.inverse {
			st.inverse[i] = int32(i)
		}
		return st, nil
	}

	subPts, subFeats, subLabels, inverse, err := b.sub.Subsample(points, feats, featDim, labels, b.cfg.InSubSize)
	if err != nil {
		return stagedRegion{}, errors.Wrap(err, "cannot subsample region")
	}
	if inverse == nil {
		// The subsampler gave no mapping: project every pre-subsample point
		// onto its nearest retained point.
		tree := pointcloud.NewKDTree(subPts, 3)
		inverse = make([]int32, len(points))
		for i, p := range points {
			inverse[i] = tree.Nearest(p)
		}
	}
	st.points = subPts
	st.features = subFeats
	st.labels = subLabels
	st.inverse = inverse
	return st, nil
}

// concat stacks staged regions into pack layout, applies the scene-mixing
// length merge and delegates to the pyramid builder.
func (b *BatchAssembler) concat(staged []stagedRegion) (*Batch, error) {
	var nPts, nPre int
	featDim := staged[0].featDim
	for _, st := range staged {
		if st.featDim != featDim {
			return nil, errors.Errorf("regions disagree on feature channels: %d vs %d", st.featDim, featDim)
		}
		nPts += len(st.points)
		nPre += len(st.sceneInds)
	}

	batch := &Batch{
		Lengths:     make([]int32, 0, len(staged)),
		Lengths0:    make([]int32, 0, len(staged)),
		SceneInds:   make([]int32, 0, len(staged)),
		Centers:     make([]r3.Vector, 0, len(staged)),
		PointInds:   make([]int32, 0, nPre),
		InverseInds: make([]int32, 0, nPre),
	}
	points := make([]r3.Vector, 0, nPts)
	feats := make([]float32, 0, nPts*featDim)
	labels := make([]int32, 0, nPts)
	for _, st := range staged {
		points = append(points, st.points...)
		feats = append(feats, st.features...)
		labels = append(labels, st.labels...)
		batch.Lengths = append(batch.Lengths, int32(len(st.points)))
		batch.Lengths0 = append(batch.Lengths0, int32(len(st.sceneInds)))
		batch.SceneInds = append(batch.SceneInds, st.scene)
		batch.Centers = append(batch.Centers, st.center)
		batch.PointInds = append(batch.PointInds, st.sceneInds...)
		batch.InverseInds = append(batch.InverseInds, st.inverse...)
	}

	if b.mix > 0 {
		batch.Lengths = mixLengths(batch.Lengths, b.mix)
		batch.Lengths0 = mixLengths(batch.Lengths0, b.mix)
	}

	graph, err := b.builder.Build(points, batch.Lengths)
	if err != nil {
		return nil, errors.Wrap(err, "cannot build batch pyramid")
	}
	if len(graph.Lengths) == 0 || len(graph.Lengths[0]) != len(batch.Lengths) {
		return nil, errors.New("pyramid builder changed the batch region layout")
	}
	batch.Graph = graph

	if featDim > 0 {
		batch.Features = tensor.New(tensor.WithShape(nPts, featDim), tensor.WithBacking(feats))
	}
	batch.Labels = tensor.New(tensor.WithShape(nPts), tensor.WithBacking(labels))
	return batch, nil
}

// mixLengths merges adjacent pairs among the leading regions of a batch,
// leaving a trailing fraction of roughly 1-mix untouched. The merged-pair
// count is kept even by moving one more region into the untouched tail when
// needed; a zero untouched count merges every region.
func mixLengths(lengths []int32, mix float64) []int32 {
	n := len(lengths)
	untouched := max(0, int(math.Ceil(float64(n)*(1-mix))))
	if (n-untouched)%2 == 1 {
		untouched++
	}
	merge := n - untouched
	if merge <= 0 {
		return lengths
	}
	out := make([]int32, 0, merge/2+untouched)
	for i := 0; i < merge; i += 2 {
		out = append(out, lengths[i]+lengths[i+1])
	}
	return append(out, lengths[merge:]...)
}
