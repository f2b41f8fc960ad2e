package pointcloud

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// Feature channels produced from a LAS file: intensity first, then red,
// green, blue when the point format carries color. All are scaled to [0, 1].
const (
	lasFeatDimNoColor = 1
	lasFeatDimColor   = 4
)

// lasClassMask selects the classification value from the low five bits of
// the LAS classification byte.
const lasClassMask = 0x1f

// ReadLAS reads a LAS scene file into a column cloud. Intensity and, for
// point format 2, RGB become feature channels; the classification becomes
// the label column.
func ReadLAS(fn string, logger golog.Logger) (*Cloud, error) {
	lf, err := lidario.NewLasFile(fn, "r")
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open LAS file %q", fn)
	}
	defer utils.UncheckedErrorFunc(lf.Close)

	hasColor := lf.Header.PointFormatID == 2
	featDim := lasFeatDimNoColor
	if hasColor {
		featDim = lasFeatDimColor
	}
	n := lf.Header.NumberPoints
	c := &Cloud{
		Points:   make([]r3.Vector, 0, n),
		Features: make([]float32, 0, n*featDim),
		FeatDim:  featDim,
		Labels:   make([]int32, 0, n),
	}
	for i := 0; i < n; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read point %d of %q", i, fn)
		}
		data := p.PointData()
		c.Points = append(c.Points, r3.Vector{X: data.X, Y: data.Y, Z: data.Z})
		c.Features = append(c.Features, float32(data.Intensity)/math.MaxUint16)
		if hasColor {
			rgb := p.RgbData()
			if rgb == nil {
				return nil, errors.Errorf("point %d of %q is missing color data", i, fn)
			}
			c.Features = append(c.Features,
				float32(rgb.Red)/math.MaxUint16,
				float32(rgb.Green)/math.MaxUint16,
				float32(rgb.Blue)/math.MaxUint16)
		}
		c.Labels = append(c.Labels, int32(data.ClassBitField.Value&lasClassMask))
	}
	logger.Debugf("read %d points (feature dim %d) from %q", c.Size(), featDim, fn)
	return c, nil
}

// WriteLAS writes the cloud to a LAS file. The first feature channel is
// stored as intensity; channels 2-4, when present, are stored as RGB with
// point format 2; labels land in the classification field.
func WriteLAS(fn string, c *Cloud) (err error) {
	if err = c.Validate(); err != nil {
		return err
	}
	lf, err := lidario.NewLasFile(fn, "w")
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, lf.Close())
	}()

	hasColor := c.FeatDim >= lasFeatDimColor
	pointFormatID := 0
	if hasColor {
		pointFormatID = 2
	}
	if err = lf.AddHeader(lidario.LasHeader{
		PointFormatID: byte(pointFormatID),
	}); err != nil {
		return err
	}

	for i, pos := range c.Points {
		var lp lidario.LasPointer
		pr0 := &lidario.PointRecord0{
			X: pos.X,
			Y: pos.Y,
			Z: pos.Z,
			BitField: lidario.PointBitField{
				Value: (1) | (1 << 3) | (0 << 6) | (0 << 7),
			},
			ClassBitField: lidario.ClassificationBitField{
				Value: 0,
			},
			ScanAngle:     0,
			UserData:      0,
			PointSourceID: 1,
		}
		if c.HasLabels() {
			pr0.ClassBitField.Value = uint8(c.Labels[i] & lasClassMask)
		}
		if c.FeatDim > 0 {
			pr0.Intensity = uint16(clamp01(c.FeatureRow(i)[0]) * math.MaxUint16)
		}
		lp = pr0
		if hasColor {
			row := c.FeatureRow(i)
			lp = &lidario.PointRecord2{
				PointRecord0: pr0,
				RGB: &lidario.RgbData{
					Red:   uint16(clamp01(row[1]) * math.MaxUint16),
					Green: uint16(clamp01(row[2]) * math.MaxUint16),
					Blue:  uint16(clamp01(row[3]) * math.MaxUint16),
				},
			}
		}
		if err = lf.AddLasPoint(lp); err != nil {
			return err
		}
	}
	return nil
}

func clamp01(v float32) float64 {
	return math.Min(1, math.Max(0, float64(v)))
}
