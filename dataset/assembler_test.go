package dataset

import (
	"context"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gorgonia.org/tensor"

	"go.viam.com/sceneseg/pyramid"
)

// recordingAugmentor passes regions through untouched while capturing what
// the assembler fed it.
type recordingAugmentor struct {
	featDims []int
	lastCols [][]float32
	zs       [][]float64
}

func (a *recordingAugmentor) Augment(points []r3.Vector, features []float32, featDim int, labels []int32) ([]r3.Vector, []float32, []int32) {
	a.featDims = append(a.featDims, featDim)
	lastCol := make([]float32, len(points))
	zs := make([]float64, len(points))
	for i, p := range points {
		lastCol[i] = features[i*featDim+featDim-1]
		zs[i] = p.Z
	}
	a.lastCols = append(a.lastCols, lastCol)
	a.zs = append(a.zs, zs)
	return points, features, labels
}

// firstPointSubsampler keeps only the first point of a region and maps every
// input point onto it.
type firstPointSubsampler struct{}

func (firstPointSubsampler) Subsample(
	points []r3.Vector, features []float32, featDim int, labels []int32, resolution float64,
) ([]r3.Vector, []float32, []int32, []int32, error) {
	inverse := make([]int32, len(points))
	var feats []float32
	if featDim > 0 {
		feats = features[:featDim]
	}
	var lbls []int32
	if len(labels) > 0 {
		lbls = labels[:1]
	}
	return points[:1], feats, lbls, inverse, nil
}

// fixedCountConfig samples random centers over one 20-point sheet and asks
// for more points than the scene holds, so every region is the whole scene
// budgeted at the requested count.
func fixedCountConfig(count int, budget float64) *Config {
	cfg := testConfig()
	cfg.Sampler = SamplerRandom
	cfg.CenterNoise = 0
	cfg.InRadius = -float64(count)
	cfg.BatchLimit = budget
	return cfg
}

func TestAssemblerStopsPastBudget(t *testing.T) {
	ds := testDataset(t, fixedCountConfig(64, 200), gridCloud(5, 4, 1, 1))
	asm, err := ds.NewAssembler(AssemblerOptions{})
	test.That(t, err, test.ShouldBeNil)

	batch, err := asm.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch.Empty(), test.ShouldBeFalse)
	// each whole-scene region counts as 64 points: 64, 128, 192, 256 > 200
	test.That(t, batch.Regions(), test.ShouldEqual, 4)
	test.That(t, batch.PointCount(), test.ShouldEqual, 80)
	test.That(t, batch.Lengths, test.ShouldResemble, []int32{20, 20, 20, 20})
	test.That(t, batch.Lengths0, test.ShouldResemble, []int32{20, 20, 20, 20})
	test.That(t, batch.SceneInds, test.ShouldResemble, []int32{0, 0, 0, 0})
	test.That(t, batch.Centers, test.ShouldHaveLength, 4)
	test.That(t, batch.PointInds, test.ShouldHaveLength, 80)
	test.That(t, batch.InverseInds, test.ShouldHaveLength, 80)
	test.That(t, batch.Graph.Validate(), test.ShouldBeNil)
	test.That(t, batch.Graph.Levels(), test.ShouldEqual, 1)
	test.That(t, batch.Graph.Points[0], test.ShouldHaveLength, 80)
	test.That(t, batch.Features.Shape(), test.ShouldResemble, tensor.Shape{80, 2})
	test.That(t, batch.Labels.Shape(), test.ShouldResemble, tensor.Shape{80})
}

func TestAssemblerBudgetIsStrictlyGreater(t *testing.T) {
	// hitting the budget exactly does not stop the batch
	ds := testDataset(t, fixedCountConfig(64, 192), gridCloud(5, 4, 1, 1))
	asm, err := ds.NewAssembler(AssemblerOptions{})
	test.That(t, err, test.ShouldBeNil)
	batch, err := asm.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch.Regions(), test.ShouldEqual, 4)

	ds = testDataset(t, fixedCountConfig(64, 191), gridCloud(5, 4, 1, 1))
	asm, err = ds.NewAssembler(AssemblerOptions{})
	test.That(t, err, test.ShouldBeNil)
	batch, err = asm.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch.Regions(), test.ShouldEqual, 3)
}

func TestAssemblerSkipsEmptyRegions(t *testing.T) {
	cfg := testConfig()
	cfg.Sampler = SamplerRandom
	cfg.CenterNoise = 1
	cfg.InRadius = 0.1
	cfg.BatchLimit = 0.5
	cloud := gridCloud(1, 1, 1, 1)
	ds := testDataset(t, cfg, cloud)
	asm, err := ds.NewAssembler(AssemblerOptions{})
	test.That(t, err, test.ShouldBeNil)

	// almost every jittered center misses the lone point; misses must be
	// skipped, not stacked
	batch, err := asm.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch.Regions(), test.ShouldEqual, 1)
	test.That(t, batch.Lengths, test.ShouldResemble, []int32{1})
}

func TestAssemblerEmptySweepBacksOff(t *testing.T) {
	cfg := testConfig()
	cfg.BatchLimit = 100
	ds := testDataset(t, cfg, isolatedCloud())
	asm, err := ds.NewAssembler(AssemblerOptions{})
	test.That(t, err, test.ShouldBeNil)

	batch, err := asm.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch.Regions(), test.ShouldEqual, 25)
	test.That(t, batch.PointCount(), test.ShouldEqual, 25)

	start := time.Now()
	batch, err = asm.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch.Empty(), test.ShouldBeTrue)
	test.That(t, time.Since(start), test.ShouldBeGreaterThanOrEqualTo, 90*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = asm.Next(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestAssemblerAppendsHeightBeforeAugment(t *testing.T) {
	ds := testDataset(t, fixedCountConfig(8, 1), gridCloud(4, 4, 3, 0.5))
	rec := &recordingAugmentor{}
	asm, err := ds.NewAssembler(AssemblerOptions{Augmentor: rec})
	test.That(t, err, test.ShouldBeNil)

	batch, err := asm.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch.Regions(), test.ShouldEqual, 1)
	test.That(t, rec.featDims, test.ShouldResemble, []int{2})
	for i, z := range rec.zs[0] {
		test.That(t, rec.lastCols[0][i], test.ShouldEqual, float32(z))
	}
	test.That(t, batch.Features.Shape(), test.ShouldResemble, tensor.Shape{8, 2})
}

func TestAssemblerAppliesSelector(t *testing.T) {
	ds := testDataset(t, fixedCountConfig(8, 1), gridCloud(4, 4, 3, 0.5))
	keepHeight := FeatureSelectorFunc(func(features []float32, featDim int) ([]float32, int) {
		out := make([]float32, 0, len(features)/featDim)
		for i := featDim - 1; i < len(features); i += featDim {
			out = append(out, features[i])
		}
		return out, 1
	})
	asm, err := ds.NewAssembler(AssemblerOptions{Selector: keepHeight})
	test.That(t, err, test.ShouldBeNil)

	batch, err := asm.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch.Features.Shape(), test.ShouldResemble, tensor.Shape{8, 1})
	heights := batch.Features.Data().([]float32)
	for i, p := range batch.Graph.Points[0] {
		test.That(t, heights[i], test.ShouldEqual, float32(p.Z))
	}
}

func TestAssemblerResubsamplesWithNearestInverse(t *testing.T) {
	cfg := testConfig()
	cfg.Sampler = SamplerRandom
	cfg.CenterNoise = 0
	cfg.InRadius = 2
	cfg.BatchLimit = 1
	cfg.InSubSize = 1.0
	cloud := gridCloud(8, 8, 2, 0.25)
	ds := testDataset(t, cfg, cloud)
	asm, err := ds.NewAssembler(AssemblerOptions{})
	test.That(t, err, test.ShouldBeNil)

	batch, err := asm.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch.Regions(), test.ShouldEqual, 1)

	pre := int(batch.Lengths0[0])
	sub := int(batch.Lengths[0])
	test.That(t, sub, test.ShouldBeLessThan, pre)
	test.That(t, batch.PointInds, test.ShouldHaveLength, pre)
	test.That(t, batch.InverseInds, test.ShouldHaveLength, pre)

	retained := batch.Graph.Points[0]
	for i, inv := range batch.InverseInds {
		test.That(t, int(inv), test.ShouldBeBetweenOrEqual, 0, sub-1)
		p := cloud.Points[batch.PointInds[i]]
		got := p.Sub(retained[inv]).Norm()
		for _, r := range retained {
			test.That(t, got, test.ShouldBeLessThanOrEqualTo, p.Sub(r).Norm()+1e-9)
		}
	}
}

func TestAssemblerKeepsSubsamplerInverse(t *testing.T) {
	cfg := testConfig()
	cfg.Sampler = SamplerRandom
	cfg.CenterNoise = 0
	cfg.InRadius = 2
	cfg.BatchLimit = 1
	cfg.InSubSize = 1.0
	ds := testDataset(t, cfg, gridCloud(4, 4, 1, 0.25))
	asm, err := ds.NewAssembler(AssemblerOptions{Subsampler: firstPointSubsampler{}})
	test.That(t, err, test.ShouldBeNil)

	batch, err := asm.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch.Lengths, test.ShouldResemble, []int32{1})
	test.That(t, batch.Lengths0[0], test.ShouldBeGreaterThan, int32(1))
	for _, inv := range batch.InverseInds {
		test.That(t, inv, test.ShouldEqual, int32(0))
	}
}

func TestAssemblerIdentityInverseWithoutResub(t *testing.T) {
	ds := testDataset(t, fixedCountConfig(8, 1), gridCloud(4, 4, 3, 0.5))
	asm, err := ds.NewAssembler(AssemblerOptions{})
	test.That(t, err, test.ShouldBeNil)

	batch, err := asm.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch.Lengths, test.ShouldResemble, batch.Lengths0)
	for i, inv := range batch.InverseInds {
		test.That(t, inv, test.ShouldEqual, int32(i))
	}
}

func TestMixLengths(t *testing.T) {
	// ceil(6 * 0.5) = 3 untouched, bumped to 4 to keep the merged pair even
	test.That(t, mixLengths([]int32{1, 2, 3, 4, 5, 6}, 0.5), test.ShouldResemble, []int32{3, 3, 4, 5, 6})
	// full mixing merges everything
	test.That(t, mixLengths([]int32{1, 2, 3, 4}, 1), test.ShouldResemble, []int32{3, 7})
	// an odd region count leaves one region unmerged
	test.That(t, mixLengths([]int32{1, 2, 3, 4, 5}, 1), test.ShouldResemble, []int32{3, 7, 5})
	// too small a fraction to merge a single pair
	test.That(t, mixLengths([]int32{1, 2}, 0.1), test.ShouldResemble, []int32{1, 2})
}

func TestAssemblerMixesOnlyWhenTraining(t *testing.T) {
	cfg := fixedCountConfig(5, 18)
	cfg.Mix3D = 1
	ds := testDataset(t, cfg, gridCloud(5, 4, 1, 1))
	asm, err := ds.NewAssembler(AssemblerOptions{})
	test.That(t, err, test.ShouldBeNil)

	batch, err := asm.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	// 4 extracted regions merge pairwise into 2
	test.That(t, batch.Regions(), test.ShouldEqual, 2)
	test.That(t, batch.Lengths, test.ShouldResemble, []int32{10, 10})
	test.That(t, batch.Lengths0, test.ShouldResemble, []int32{10, 10})
	test.That(t, batch.Graph.Lengths[0], test.ShouldResemble, []int32{10, 10})
	// per-region metadata stays unmerged
	test.That(t, batch.SceneInds, test.ShouldHaveLength, 4)
	test.That(t, batch.Centers, test.ShouldHaveLength, 4)
	test.That(t, batch.PointCount(), test.ShouldEqual, 20)

	val := fixedCountConfig(5, 18)
	val.Role = RoleValidation
	val.Mix3D = 1
	ds = testDataset(t, val, gridCloud(5, 4, 1, 1))
	asm, err = ds.NewAssembler(AssemblerOptions{})
	test.That(t, err, test.ShouldBeNil)
	batch, err = asm.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch.Lengths, test.ShouldResemble, []int32{5, 5, 5, 5})
}

func TestAssemblerBuilderFailures(t *testing.T) {
	ds := testDataset(t, fixedCountConfig(8, 1), gridCloud(4, 4, 3, 0.5))
	failing := pyramid.BuilderFunc(func(points []r3.Vector, lengths []int32) (*pyramid.Graph, error) {
		return nil, errors.New("out of device memory")
	})
	asm, err := ds.NewAssembler(AssemblerOptions{Builder: failing})
	test.That(t, err, test.ShouldBeNil)
	_, err = asm.Next(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "cannot build batch pyramid")
	test.That(t, err.Error(), test.ShouldContainSubstring, "out of device memory")

	relayout := pyramid.BuilderFunc(func(points []r3.Vector, lengths []int32) (*pyramid.Graph, error) {
		return pyramid.BuildBase(points, []int32{int32(len(points))}), nil
	})
	ds = testDataset(t, fixedCountConfig(8, 30), gridCloud(4, 4, 3, 0.5))
	asm, err = ds.NewAssembler(AssemblerOptions{Builder: relayout})
	test.That(t, err, test.ShouldBeNil)
	_, err = asm.Next(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "changed the batch region layout")
}

func TestNewAssemblerRequiresBudget(t *testing.T) {
	ds := testDataset(t, testConfig(), isolatedCloud())
	_, err := ds.NewAssembler(AssemblerOptions{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "positive batch point budget")
}

func TestShrinkBudget(t *testing.T) {
	cfg := testConfig()
	cfg.BatchLimit = 1000
	ds := testDataset(t, cfg, isolatedCloud())
	asm, err := ds.NewAssembler(AssemblerOptions{})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, asm.Budget(), test.ShouldEqual, 1000.0)
	test.That(t, asm.ShrinkBudget(), test.ShouldEqual, 900.0)
	test.That(t, asm.ShrinkBudget(), test.ShouldEqual, 810.0)
	test.That(t, asm.Budget(), test.ShouldEqual, 810.0)
}

func TestAssemblerVotes(t *testing.T) {
	cfg := testConfig()
	cfg.BatchLimit = 100
	ds := testDataset(t, cfg, isolatedCloud())
	asm, err := ds.NewAssembler(AssemblerOptions{})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, asm.Votes(), test.ShouldEqual, 0.0)
	_, err = asm.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, asm.Votes(), test.ShouldAlmostEqual, 1.0, 1e-12)
}
