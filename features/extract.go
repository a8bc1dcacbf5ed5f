package features

import (
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/datasciencecampus/detecting-trucks/cloudmask"
	"github.com/datasciencecampus/detecting-trucks/raster"
	"github.com/datasciencecampus/detecting-trucks/utils"
)

// Set holds the feature vectors of every pixel in one chip on one date,
// row-major, feature-minor. Invalid pixels (cloud, nodata) keep zeroed
// vectors and are excluded from the prediction matrix.
type Set struct {
	Width, Height    int
	OffsetX, OffsetY int
	Location         string
	Date             time.Time
	Transform        raster.Transform

	data  []float64
	valid []bool
}

// Vector returns the feature vector of pixel (x, y). Callers must not
// mutate it.
func (s *Set) Vector(x, y int) []float64 {
	k := (y*s.Width + x) * NumFeatures
	return s.data[k : k+NumFeatures]
}

// Valid reports whether pixel (x, y) carried data and was not cloud.
func (s *Set) Valid(x, y int) bool { return s.valid[y*s.Width+x] }

// NumValid returns how many pixels have feature vectors.
func (s *Set) NumValid() int {
	n := 0
	for _, v := range s.valid {
		if v {
			n++
		}
	}
	return n
}

// Matrix lays the valid pixels out as a gonum matrix, one row per pixel,
// and returns the flat pixel index of each row so predictions can be mapped
// back onto the chip.
func (s *Set) Matrix() (*mat.Dense, []int) {
	n := s.NumValid()
	if n == 0 {
		return nil, nil
	}
	m := mat.NewDense(n, NumFeatures, nil)
	rows := make([]int, 0, n)
	for k, v := range s.valid {
		if !v {
			continue
		}
		m.SetRow(len(rows), s.data[k*NumFeatures:(k+1)*NumFeatures])
		rows = append(rows, k)
	}
	return m, rows
}

// Extract computes the full feature vector for every non-cloud pixel of a
// chip. offsetX/offsetY locate the chip in the parent raster the composite
// was built over; mask may be nil when no cloud information exists. The
// composite must be fully built before any call — it is the only shared
// input, and it is read-only here.
func Extract(
	r *raster.Raster,
	offsetX, offsetY int,
	comp *Composite,
	mask *cloudmask.Mask,
	cfg Config,
) (*Set, error) {
	engine, err := NewSpatialEngine(cfg)
	if err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	width, height := r.Width(), r.Height()
	s := &Set{
		Width:     width,
		Height:    height,
		OffsetX:   offsetX,
		OffsetY:   offsetY,
		Location:  r.Location,
		Date:      r.Date,
		Transform: r.Transform,
		data:      make([]float64, width*height*NumFeatures),
		valid:     make([]bool, width*height),
	}

	utils.ParallelForEachPixel(width, height, func(x, y int) {
		if !usable(r, mask, x, y) {
			return
		}
		s.valid[y*width+x] = true
		v := s.Vector(x, y)

		v[colBlue] = r.Value(raster.Blue, x, y)
		v[colGreen] = r.Value(raster.Green, x, y)
		v[colRed] = r.Value(raster.Red, x, y)
		v[colBgRatio] = normRatio(v[colBlue], v[colGreen])
		v[colBrRatio] = normRatio(v[colBlue], v[colRed])

		if comp != nil {
			tf := comp.EvaluateAt(r, x, y, offsetX+x, offsetY+y)
			v[colBgChange] = tf.BgChange
			v[colBrChange] = tf.BrChange
			v[colBgZ] = tf.BgZ
			v[colBrZ] = tf.BrZ
			v[colBlueZ] = tf.BlueZ
			v[colGreenZ] = tf.GreenZ
			v[colRedZ] = tf.RedZ
		}

		h, sat, val := r.HSV(x, y)
		v[colHue] = h
		v[colSaturation] = sat
		v[colValue] = val

		sf := engine.Evaluate(r, mask, x, y)
		v[colGreenness] = sf.Greenness
		v[colRedness] = sf.Redness
		v[colGreenDX] = float64(sf.GreenDX)
		v[colGreenDY] = float64(sf.GreenDY)
		v[colRedDX] = float64(sf.RedDX)
		v[colRedDY] = float64(sf.RedDY)
		v[colConnectivity] = sf.Connectivity
		if sf.BoundaryIncomplete {
			v[colBoundaryFlag] = 1
		}
	})
	return s, nil
}
