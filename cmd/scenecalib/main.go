// Package main contains a command to calibrate the batching constants of a
// scene dataset: the batch point budget matching a target batch size and,
// optionally, the per-layer neighbor limits. It prints the calibrated
// configuration as JSON, ready to be stored alongside the data.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.viam.com/utils"

	"go.viam.com/sceneseg/augment"
	"go.viam.com/sceneseg/dataset"
	"go.viam.com/sceneseg/pyramid"
)

var logger = golog.NewDevelopmentLogger("scenecalib")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	fs := flag.NewFlagSet("scenecalib", flag.ContinueOnError)
	role := fs.String("role", string(dataset.RoleTrain), "dataset role (training, validation or test)")
	policy := fs.String("policy", string(dataset.SamplerRegular), "center sampling policy")
	radius := fs.Float64("radius", 2, "region radius in scene units; negative asks for a fixed point count instead")
	cubes := fs.Bool("cubes", false, "extract cubes instead of balls")
	cylindrical := fs.Bool("cylindrical", false, "extract vertical columns through the whole scene")
	noise := fs.Float64("noise", 0.1, "center jitter stddev used by the random policies")
	initSub := fs.Float64("init-sub", 0.04, "grid resolution scenes are subsampled to at load time")
	inSub := fs.Float64("in-sub", 0.04, "network input grid resolution")
	batchSize := fs.Float64("batch-size", 8, "target regions per batch")
	batchLimit := fs.Float64("batch-limit", 0, "batch point budget; overrides -batch-size when positive")
	mix3d := fs.Float64("mix3d", 0, "fraction of each training batch merged pairwise for scene mixing")
	labelsFlag := fs.String("labels", "", "comma-separated label values, each value[:name]")
	ignoredFlag := fs.String("ignored", "", "comma-separated label values excluded from sampling")
	seed := fs.Uint64("seed", 42, "seed of the sampling and augmentation random streams")
	drop := fs.Float64("drop", 0, "fraction of points the training augmentation drops per region")
	neighbors := fs.Bool("neighbors", false, "also calibrate the per-layer neighbor limits")
	layers := fs.Int("layers", 5, "pyramid depth used for neighbor calibration")
	kpRadius := fs.Float64("kp-radius", 2.9, "convolution radius in units of the input grid resolution")
	radiusScaling := fs.Float64("radius-scaling", 2.2, "per-layer growth of grid resolution and radius")
	samples := fs.Int("samples", 0, "regions tested by neighbor calibration; 0 keeps the default")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: scenecalib [flags] <scene-dir>\n\nCalibrates over every .las file in <scene-dir>.\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("need exactly one scene directory")
	}

	samplerPolicy, err := dataset.ParseSamplerPolicy(*policy)
	if err != nil {
		return err
	}
	datasetRole, err := dataset.ParseRole(*role)
	if err != nil {
		return err
	}
	labelSet, err := parseLabelSet(*labelsFlag, *ignoredFlag)
	if err != nil {
		return err
	}

	paths, err := filepath.Glob(filepath.Join(fs.Arg(0), "*.las"))
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return errors.Errorf("no .las scenes under %q", fs.Arg(0))
	}

	cfg := &dataset.Config{
		Sampler:     samplerPolicy,
		Role:        datasetRole,
		UseCubes:    *cubes,
		Cylindrical: *cylindrical,
		InRadius:    *radius,
		CenterNoise: *noise,
		InitSubSize: *initSub,
		InSubSize:   *inSub,
		SubMode:     dataset.SubModeGrid,
		BatchLimit:  *batchLimit,
		BatchSize:   *batchSize,
		Mix3D:       *mix3d,
		Layers:      *layers,
		Labels:      labelSet,
		Seed:        *seed,
	}

	sources := make([]dataset.Source, len(paths))
	for i, path := range paths {
		sources[i] = dataset.NewLASSource(path, logger)
	}
	store, err := dataset.NewSceneStore(ctx, sources, cfg, logger)
	if err != nil {
		return err
	}
	ds, err := dataset.NewDataset(cfg, store, logger)
	if err != nil {
		return err
	}

	var augmentor dataset.Augmentor
	if cfg.Role == dataset.RoleTrain {
		transforms := []augment.Transform{
			augment.RandomRotate{Mode: augment.RotateVertical},
			augment.RandomScaleFlip{MinScale: 0.9, MaxScale: 1.1, FlipP: 0.5},
			augment.RandomJitter{Sigma: 0.005},
		}
		if *drop > 0 {
			transforms = append(transforms, augment.RandomDrop{P: *drop})
		}
		augmentor = augment.NewCompose(cfg.Seed, transforms...)
	}
	cal, err := ds.NewCalibrator(dataset.CalibratorOptions{Augmentor: augmentor}, logger)
	if err != nil {
		return err
	}

	if err := cal.CalibrateBatch(ctx); err != nil {
		return err
	}
	if *neighbors {
		subSize := cfg.InSubSize
		if subSize <= 0 {
			subSize = cfg.InitSubSize
		}
		if subSize <= 0 {
			return errors.New("neighbor calibration needs -in-sub or -init-sub to define the grid resolution")
		}
		counter := pyramid.GridNeighborStats{
			Layers:        cfg.Layers,
			SubSize:       subSize,
			BaseRadius:    *kpRadius * subSize,
			RadiusScaling: *radiusScaling,
		}
		if _, err := cal.CalibrateNeighbors(ctx, counter, *samples); err != nil {
			return err
		}
	}

	out, err := json.MarshalIndent(ds.Config(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// parseLabelSet reads "value[:name]" pairs plus a list of ignored values.
// Unnamed labels fall back to their value as the display name once any label
// is named.
func parseLabelSet(labels, ignored string) (dataset.LabelSet, error) {
	var set dataset.LabelSet
	if labels != "" {
		named := false
		for _, part := range strings.Split(labels, ",") {
			value, name, _ := strings.Cut(strings.TrimSpace(part), ":")
			v, err := strconv.ParseInt(value, 10, 32)
			if err != nil {
				return dataset.LabelSet{}, errors.Wrapf(err, "bad label value %q", part)
			}
			set.Values = append(set.Values, int32(v))
			set.Names = append(set.Names, name)
			named = named || name != ""
		}
		if named {
			for i, name := range set.Names {
				if name == "" {
					set.Names[i] = strconv.Itoa(int(set.Values[i]))
				}
			}
		} else {
			set.Names = nil
		}
	}
	if ignored != "" {
		for _, part := range strings.Split(ignored, ",") {
			v, err := strconv.ParseInt(strings.TrimSpace(part), 10, 32)
			if err != nil {
				return dataset.LabelSet{}, errors.Wrapf(err, "bad ignored label %q", part)
			}
			set.Ignored = append(set.Ignored, int32(v))
		}
	}
	return set, set.Validate()
}
