package features

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/datasciencecampus/detecting-trucks/cloudmask"
	"github.com/datasciencecampus/detecting-trucks/raster"
)

// Composite is the per-pixel temporal statistics of a location across all
// observation dates: mean and standard deviation for every raster band plus
// the two derived blue/green and blue/red normalized-difference planes.
// It is built once per location per run and is read-only afterwards; every
// per-date feature extraction that uses it must wait for the build to
// finish.
type Composite struct {
	width, height int
	numBands      int
	// plane layout: bands 0..numBands-1, then bg diff, then br diff
	mean [][]float64
	std  [][]float64

	Location string
	CRS      string
	Dates    []time.Time

	minStdDev float64
}

func (c *Composite) bgPlane() int { return c.numBands }
func (c *Composite) brPlane() int { return c.numBands + 1 }

// Width returns the composite width in pixels.
func (c *Composite) Width() int { return c.width }

// Height returns the composite height in pixels.
func (c *Composite) Height() int { return c.height }

// Mean returns the per-pixel temporal mean of band b at parent pixel (x, y).
func (c *Composite) Mean(b, x, y int) float64 { return c.mean[b][y*c.width+x] }

// Std returns the floored per-pixel temporal standard deviation of band b.
func (c *Composite) Std(b, x, y int) float64 {
	return math.Max(c.std[b][y*c.width+x], c.minStdDev)
}

// BuildComposite computes the composite over all rasters of one location.
// Cloud-flagged pixels are excluded from that date's contribution; masks[i]
// may be nil when date i has no cloud information. The rasters are
// processed in date order regardless of input order, so rebuilding from the
// same date set is deterministic. Adding a date means rebuilding: callers
// must drop any cached composite whenever the available date set changes.
func BuildComposite(rasters []*raster.Raster, masks []*cloudmask.Mask, cfg Config) (*Composite, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(rasters) == 0 {
		return nil, errors.Wrap(raster.ErrInputRaster, "no rasters to composite")
	}
	if masks != nil && len(masks) != len(rasters) {
		return nil, errors.Errorf("got %d masks for %d rasters", len(masks), len(rasters))
	}

	order := make([]int, len(rasters))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return rasters[order[a]].Date.Before(rasters[order[b]].Date)
	})

	first := rasters[order[0]]
	if err := first.Validate(); err != nil {
		return nil, err
	}
	width, height, numBands := first.Width(), first.Height(), first.NumBands()
	numPlanes := numBands + 2

	c := &Composite{
		width:     width,
		height:    height,
		numBands:  numBands,
		mean:      make([][]float64, numPlanes),
		std:       make([][]float64, numPlanes),
		Location:  first.Location,
		CRS:       first.CRS,
		minStdDev: cfg.MinStdDev,
	}
	for p := 0; p < numPlanes; p++ {
		c.mean[p] = make([]float64, width*height)
		c.std[p] = make([]float64, width*height)
	}

	// gather per-date planes once; bg/br derived planes ride along with the
	// raw bands
	type datePlanes struct {
		planes [][]float64
		mask   *cloudmask.Mask
		r      *raster.Raster
	}
	all := make([]datePlanes, 0, len(order))
	for _, i := range order {
		r := rasters[i]
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if r.Width() != width || r.Height() != height || r.NumBands() != numBands {
			return nil, errors.Wrapf(raster.ErrInputRaster,
				"raster %s/%s extent differs from first date", r.Location, r.Date.Format("2006-01-02"))
		}
		planes := make([][]float64, numPlanes)
		for b := 0; b < numBands; b++ {
			planes[b] = r.Band(b)
		}
		planes[c.bgPlane()] = r.NormalizedDiff(raster.Blue, raster.Green)
		planes[c.brPlane()] = r.NormalizedDiff(raster.Blue, raster.Red)
		var m *cloudmask.Mask
		if masks != nil {
			m = masks[i]
		}
		all = append(all, datePlanes{planes: planes, mask: m, r: r})
		c.Dates = append(c.Dates, r.Date)
	}

	samples := make([]float64, 0, len(all))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			k := y*width + x
			for p := 0; p < numPlanes; p++ {
				samples = samples[:0]
				for _, d := range all {
					if d.r.IsNoData(x, y) {
						continue
					}
					if d.mask != nil && d.mask.IsCloud(x, y) {
						continue
					}
					if v := d.planes[p][k]; v != raster.NoData {
						samples = append(samples, v)
					}
				}
				if len(samples) == 0 {
					c.mean[p][k] = raster.NoData
					continue
				}
				mean, std := stat.MeanStdDev(samples, nil)
				c.mean[p][k] = mean
				if len(samples) < 2 || math.IsNaN(std) {
					std = 0
				}
				c.std[p][k] = std
			}
		}
	}
	return c, nil
}

// TemporalFeatures is the per-pixel deviation of one date from the
// composite.
type TemporalFeatures struct {
	BgChange, BrChange  float64
	BgZ, BrZ            float64
	BlueZ, GreenZ, RedZ float64
}

// EvaluateAt computes temporal features for chip pixel (x, y) whose parent
// coordinates are (px, py). Pixels the composite never observed get zero
// deviations rather than NaN so downstream counts stay defined.
func (c *Composite) EvaluateAt(r *raster.Raster, x, y, px, py int) TemporalFeatures {
	var out TemporalFeatures
	if px < 0 || py < 0 || px >= c.width || py >= c.height || r.IsNoData(x, y) {
		return out
	}
	k := py*c.width + px

	zscore := func(v float64, plane int) float64 {
		m := c.mean[plane][k]
		if m == raster.NoData {
			return 0
		}
		return (v - m) / math.Max(c.std[plane][k], c.minStdDev)
	}

	bg := normRatio(r.Value(raster.Blue, x, y), r.Value(raster.Green, x, y))
	br := normRatio(r.Value(raster.Blue, x, y), r.Value(raster.Red, x, y))
	if m := c.mean[c.bgPlane()][k]; m != raster.NoData {
		out.BgChange = bg - m
	}
	if m := c.mean[c.brPlane()][k]; m != raster.NoData {
		out.BrChange = br - m
	}
	out.BgZ = zscore(bg, c.bgPlane())
	out.BrZ = zscore(br, c.brPlane())
	out.BlueZ = zscore(r.Value(raster.Blue, x, y), raster.Blue)
	out.GreenZ = zscore(r.Value(raster.Green, x, y), raster.Green)
	out.RedZ = zscore(r.Value(raster.Red, x, y), raster.Red)
	return out
}

// MeanRaster materializes the composite band means as a raster, e.g. for
// caching on disk or chipping alongside the per-date imagery.
func (c *Composite) MeanRaster() (*raster.Raster, error) {
	bands := make([][]float64, c.numBands)
	for b := 0; b < c.numBands; b++ {
		band := make([]float64, len(c.mean[b]))
		copy(band, c.mean[b])
		bands[b] = band
	}
	r, err := raster.FromBands(c.width, c.height, bands)
	if err != nil {
		return nil, err
	}
	r.Location = c.Location
	r.CRS = c.CRS
	return r, nil
}
