package dataset

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"go.viam.com/sceneseg/pyramid"
)

// Default trial counts of the calibration procedures.
const (
	calibSizeSamples  = 20
	calibLimitSamples = 100
)

// defaultNeighborLimit seeds the per-layer limits when none are configured,
// so there is something to report truncation fractions against.
const defaultNeighborLimit = 30

// CalibratorOptions carry the calibrator's collaborators. Augmentor should
// hold the geometric transforms only, so measured region sizes match what
// training will produce without paying for chromatic work; nil skips
// augmentation entirely. A nil Subsampler uses the configured grid mode and a
// nil Clock the wall clock.
type CalibratorOptions struct {
	Augmentor  Augmentor
	Subsampler Subsampler
	Clock      clock.Clock
}

// A Calibrator estimates the batching constants before any worker starts: the
// batch point budget matching a target batch size (or the reverse) and the
// per-layer neighbor limits. It drives the sampling, extraction and
// subsampling loop directly and never touches a pyramid builder.
type Calibrator struct {
	dataset   *Dataset
	sampler   *CenterSampler
	extractor *regionExtractor
	augmentor Augmentor
	sub       Subsampler
	rng       *rand.Rand
	clock     clock.Clock
	logger    golog.Logger
	resub     bool
}

// NewCalibrator builds a calibrator over the dataset's scenes and sampling
// configuration.
func (d *Dataset) NewCalibrator(opts CalibratorOptions, logger golog.Logger) (*Calibrator, error) {
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
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Calibrator{
		dataset:   d,
		sampler:   sampler,
		extractor: newRegionExtractor(d.store, d.cfg),
		augmentor: opts.Augmentor,
		sub:       sub,
		rng:       rng,
		clock:     clk,
		logger:    logger,
		resub:     d.cfg.InSubSize > 0 && d.cfg.InSubSize > d.cfg.InitSubSize*1.01,
	}, nil
}

// BatchStats summarize one calibration run: the point budget it ran against
// and the distributions of batch sizes and batch point counts it produced.
type BatchStats struct {
	Limit      float64
	MeanSize   float64
	StdSize    float64
	MeanPoints float64
	StdPoints  float64
	Batches    int
	Elapsed    time.Duration
}

// NeighborStats summarize a neighbor-limit calibration: the advised per-layer
// limits and the fraction of query points above the limits it ran against.
type NeighborStats struct {
	Advised    []int32
	AboveLimit []float64
	Regions    int
	Elapsed    time.Duration
}

// drawRegion samples one center and runs the region through extraction,
// augmentation and the optional input subsampling. ok reports whether the
// sweep still had a center to offer; an empty slice means the region held no
// points and should be skipped.
func (c *Calibrator) drawRegion(ctx context.Context) ([]r3.Vector, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	center, ok := c.sampler.Sample()
	if !ok {
		return nil, false, nil
	}
	region := c.extractor.Extract(center)
	if region.Size() == 0 {
		return nil, true, nil
	}
	points := region.Points
	feats := region.Features
	labels := region.Labels
	if c.augmentor != nil {
		points, feats, labels = c.augmentor.Augment(points, feats, region.FeatDim, labels)
	}
	if !c.resub || len(points) == 0 {
		return points, true, nil
	}
	subPts, _, _, _, err := c.sub.Subsample(points, feats, region.FeatDim, labels, c.dataset.cfg.InSubSize)
	if err != nil {
		return nil, false, errors.Wrap(err, "cannot subsample region")
	}
	return subPts, true, nil
}

// CalibrateBatchSize runs trial batches against the configured point budget
// and reports the batch size they actually reach. The mean becomes the
// dataset's nominal BatchSize.
func (c *Calibrator) CalibrateBatchSize(ctx context.Context, samples int) (BatchStats, error) {
	cfg := c.dataset.cfg
	if cfg.BatchLimit <= 0 {
		return BatchStats{}, errors.New("batch-size calibration needs a configured batch point budget")
	}
	if samples <= 0 {
		samples = calibSizeSamples
	}
	start := c.clock.Now()

	batchSizes := make([]float64, 0, samples)
	batchPoints := make([]float64, 0, samples)
	for i := 0; i < samples; i++ {
		var n, nPts int
		for {
			pts, ok, err := c.drawRegion(ctx)
			if err != nil {
				return BatchStats{}, err
			}
			if !ok {
				break
			}
			if len(pts) == 0 {
				continue
			}
			nPts += len(pts)
			n++
			if float64(nPts) > cfg.BatchLimit {
				break
			}
		}
		if n == 0 {
			// The sweep ran out; the remaining trials would all be empty.
			break
		}
		batchSizes = append(batchSizes, float64(n))
		batchPoints = append(batchPoints, float64(nPts))
	}
	if len(batchSizes) == 0 {
		return BatchStats{}, errors.New("sampling sweep was exhausted before a single calibration batch was assembled")
	}

	st := batchStats(cfg.BatchLimit, batchSizes, batchPoints, c.clock.Since(start))
	c.logger.Info(frameLines(append([]string{
		"Batch Size Calibration Report",
		"",
	}, st.lines()...)))

	cfg.BatchSize = st.MeanSize
	c.resetSweep()
	return st, nil
}

// CalibrateBatchLimit derives the point budget matching a target batch size:
// it measures the mean region size over single draws, sets the budget to
// mean * target - 1, and verifies it by resampling the measured sizes with
// replacement into synthetic batches.
func (c *Calibrator) CalibrateBatchLimit(ctx context.Context, targetSize float64, samples int) (float64, BatchStats, error) {
	if targetSize <= 0 {
		return 0, BatchStats{}, errors.Errorf("batch-limit calibration needs a positive target batch size, got %v", targetSize)
	}
	if samples <= 0 {
		samples = calibLimitSamples
	}
	start := c.clock.Now()

	regionSizes := make([]float64, 0, samples)
	for len(regionSizes) < samples {
		pts, ok, err := c.drawRegion(ctx)
		if err != nil {
			return 0, BatchStats{}, err
		}
		if !ok {
			break
		}
		if len(pts) == 0 {
			continue
		}
		regionSizes = append(regionSizes, float64(len(pts)))
	}
	if len(regionSizes) == 0 {
		return 0, BatchStats{}, errors.New("sampling sweep was exhausted before a single region was drawn")
	}
	limit := stat.Mean(regionSizes, nil)*targetSize - 1

	// Simulate batches by resampling the measured sizes with replacement,
	// since assembling real ones again would just repeat the slow part.
	batchSizes := make([]float64, 0, samples)
	batchPoints := make([]float64, 0, samples)
	for i := 0; i < samples; i++ {
		var n int
		var nPts float64
		for {
			nPts += regionSizes[c.rng.IntN(len(regionSizes))]
			n++
			if nPts > limit {
				break
			}
		}
		batchSizes = append(batchSizes, float64(n))
		batchPoints = append(batchPoints, nPts)
	}

	st := batchStats(limit, batchSizes, batchPoints, c.clock.Since(start))
	c.logger.Info(frameLines(append([]string{
		"Batch Limit Calibration Report",
		"",
		fmt.Sprintf("%d regions measured for a target batch size of %.1f", len(regionSizes), targetSize),
	}, st.lines()...)))

	c.resetSweep()
	return limit, st, nil
}

// CalibrateBatch fixes the batching constants the way training consumes them.
// A configured budget wins: its effective batch size is measured and the
// configured one overwritten. Otherwise the budget is derived from the
// configured target batch size.
func (c *Calibrator) CalibrateBatch(ctx context.Context) error {
	cfg := c.dataset.cfg
	if cfg.BatchLimit > 0 {
		c.logger.Warnf("batch point budget already set to %.0f; the configured batch size is ignored and recalibrated", cfg.BatchLimit)
		_, err := c.CalibrateBatchSize(ctx, 0)
		return err
	}
	if cfg.BatchSize <= 0 {
		return errors.New("batch calibration needs either a batch point budget or a target batch size")
	}
	limit, _, err := c.CalibrateBatchLimit(ctx, cfg.BatchSize, 0)
	if err != nil {
		return err
	}
	cfg.BatchLimit = limit
	return nil
}

// CalibrateNeighbors runs sampled regions through the per-layer neighbor
// counter and advises a limit per layer as the 99th percentile of the
// observed counts plus one. Configured limits are overwritten only when their
// length does not match the layer count; they are then seeded at 30 per layer
// for the truncation report.
func (c *Calibrator) CalibrateNeighbors(ctx context.Context, counter pyramid.NeighborCounter, samples int) (NeighborStats, error) {
	cfg := c.dataset.cfg
	if counter == nil {
		return NeighborStats{}, errors.New("neighbor calibration needs a neighbor counter")
	}
	if cfg.Layers <= 0 {
		return NeighborStats{}, errors.Errorf("neighbor calibration needs a positive layer count, got %d", cfg.Layers)
	}
	if samples <= 0 {
		samples = calibLimitSamples
	}
	start := c.clock.Now()

	overwrite := len(cfg.NeighborLimits) != cfg.Layers
	limits := cfg.NeighborLimits
	if overwrite {
		limits = make([]int32, cfg.Layers)
		for i := range limits {
			limits[i] = defaultNeighborLimit
		}
	}

	all := make([][]float64, cfg.Layers)
	truncated := make([]int, cfg.Layers)
	regions := 0
	for regions < samples {
		pts, ok, err := c.drawRegion(ctx)
		if err != nil {
			return NeighborStats{}, err
		}
		if !ok {
			break
		}
		if len(pts) == 0 {
			continue
		}
		counts, err := counter.Count(pts, []int32{int32(len(pts))})
		if err != nil {
			return NeighborStats{}, errors.Wrap(err, "cannot count region neighbors")
		}
		if len(counts) != cfg.Layers {
			return NeighborStats{}, errors.Errorf("neighbor counter reported %d layers, want %d", len(counts), cfg.Layers)
		}
		for l, layer := range counts {
			for _, n := range layer {
				if n > limits[l] {
					truncated[l]++
				}
				all[l] = append(all[l], float64(n))
			}
		}
		regions++
	}
	if regions == 0 {
		return NeighborStats{}, errors.New("sampling sweep was exhausted before a single region was drawn")
	}

	st := NeighborStats{
		Advised:    make([]int32, cfg.Layers),
		AboveLimit: make([]float64, cfg.Layers),
		Regions:    regions,
		Elapsed:    c.clock.Since(start),
	}
	for l := range st.Advised {
		if len(all[l]) == 0 {
			st.Advised[l] = limits[l]
			continue
		}
		p, err := stats.Percentile(all[l], 99)
		if err != nil {
			return NeighborStats{}, errors.Wrapf(err, "cannot take the neighbor-count percentile of layer %d", l)
		}
		st.Advised[l] = int32(p) + 1
		st.AboveLimit[l] = float64(truncated[l]) / float64(len(all[l]))
	}

	lines := []string{
		"Neighbors Calibration Report",
		"",
		fmt.Sprintf("%d regions tested in %s", regions, st.Elapsed.Round(time.Millisecond)),
		"",
	}
	if overwrite {
		lines = append(lines,
			"calibrating for 1.0% of larger neighborhoods:",
			fmt.Sprintf("advised limits = %v", st.Advised),
		)
	} else {
		lines = append(lines,
			fmt.Sprintf("current limits = %v", limits),
			fmt.Sprintf("above limits   = %s", percentList(st.AboveLimit)),
			fmt.Sprintf("advised limits = %v", st.Advised),
		)
	}
	c.logger.Info(frameLines(lines))

	if overwrite {
		cfg.NeighborLimits = st.Advised
	}
	c.resetSweep()
	return st, nil
}

// resetSweep rewinds the shared regular queue so calibration draws do not
// count against the first real epoch.
func (c *Calibrator) resetSweep() {
	if c.dataset.shared != nil {
		c.dataset.shared.reset()
	}
}

func batchStats(limit float64, sizes, points []float64, elapsed time.Duration) BatchStats {
	st := BatchStats{Limit: limit, Batches: len(sizes), Elapsed: elapsed}
	st.MeanSize, st.StdSize = meanStdDev(sizes)
	st.MeanPoints, st.StdPoints = meanStdDev(points)
	return st
}

func (st BatchStats) lines() []string {
	return []string{
		fmt.Sprintf("%d batches tested in %s", st.Batches, st.Elapsed.Round(time.Millisecond)),
		"",
		fmt.Sprintf("     batch limit = %.3f", st.Limit),
		fmt.Sprintf("avg batch points = %.3f", st.MeanPoints),
		fmt.Sprintf("std batch points = %.3f", st.StdPoints),
		"",
		fmt.Sprintf("  avg batch size = %.1f", st.MeanSize),
		fmt.Sprintf("  std batch size = %.2f", st.StdSize),
	}
}

// meanStdDev wraps gonum's estimator so a single observation reports a zero
// deviation instead of NaN.
func meanStdDev(xs []float64) (float64, float64) {
	if len(xs) < 2 {
		return stat.Mean(xs, nil), 0
	}
	return stat.MeanStdDev(xs, nil)
}

func percentList(fractions []float64) string {
	parts := make([]string, len(fractions))
	for i, f := range fractions {
		parts[i] = fmt.Sprintf("%.2f%%", f*100)
	}
	return strings.Join(parts, " ")
}

// frameLines renders report lines inside an asterisk frame, the way the
// calibration tooling has always printed them.
func frameLines(lines []string) string {
	width := 0
	for _, l := range lines {
		width = max(width, len(l))
	}
	border := strings.Repeat("*", width+4)
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(border)
	for _, l := range lines {
		fmt.Fprintf(&b, "\n* %-*s *", width, l)
	}
	b.WriteString("\n")
	b.WriteString(border)
	return b.String()
}
