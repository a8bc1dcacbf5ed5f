// Package raster provides the multi-band georeferenced raster type shared by
// every stage of the truck detection pipeline, along with band arithmetic and
// an on-disk cache codec for chips and composites.
package raster

import (
	"math"
	"time"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// Band indices for the standard Sentinel-2 style layer ordering used
// throughout the pipeline.
const (
	Blue = iota
	Green
	Red
	Cloud
	CloudShadow
)

// NoData marks pixels outside the valid image area.
const NoData = -999

// ErrInputRaster is returned for rasters that cannot be processed at all:
// zero-size extents, mismatched band dimensions, or unreadable cache files.
// Failures of this kind are fatal for the raster but other dates continue.
var ErrInputRaster = errors.New("invalid input raster")

// Transform maps pixel coordinates to ground coordinates. Pixels are
// anchored at the top-left corner of the raster; rows increase southwards.
type Transform struct {
	OriginX   float64 // ground X of the left edge of column 0
	OriginY   float64 // ground Y of the top edge of row 0
	PixelSize float64 // ground units per pixel, square pixels
}

// PixelToWorld returns the ground coordinates of the center of pixel (x, y).
func (t Transform) PixelToWorld(x, y int) (float64, float64) {
	return t.OriginX + (float64(x)+0.5)*t.PixelSize, t.OriginY - (float64(y)+0.5)*t.PixelSize
}

// WorldToPixel returns the pixel containing the ground coordinate (gx, gy).
func (t Transform) WorldToPixel(gx, gy float64) (int, int) {
	return int(math.Floor((gx - t.OriginX) / t.PixelSize)), int(math.Floor((t.OriginY - gy) / t.PixelSize))
}

// Shift returns the transform of a sub-window whose top-left pixel sits at
// (x, y) in the parent raster.
func (t Transform) Shift(x, y int) Transform {
	return Transform{
		OriginX:   t.OriginX + float64(x)*t.PixelSize,
		OriginY:   t.OriginY - float64(y)*t.PixelSize,
		PixelSize: t.PixelSize,
	}
}

// Raster is an ordered set of equally sized 2-D float bands sharing one
// extent, CRS and acquisition date. Band data is band-major, row-major within
// a band. Rasters are treated as immutable once handed to the pipeline.
type Raster struct {
	bands  [][]float64
	width  int
	height int

	Transform Transform
	CRS       string
	Location  string
	Date      time.Time
}

// New allocates a raster of the given size with numBands bands, all zero.
func New(width, height, numBands int) (*Raster, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(ErrInputRaster, "zero-size extent %dx%d", width, height)
	}
	if numBands < 3 {
		return nil, errors.Wrapf(ErrInputRaster, "need at least blue, green, red bands, got %d", numBands)
	}
	bands := make([][]float64, numBands)
	for i := range bands {
		bands[i] = make([]float64, width*height)
	}
	return &Raster{bands: bands, width: width, height: height}, nil
}

// FromBands wraps pre-built band slices. Every band must have width*height
// entries.
func FromBands(width, height int, bands [][]float64) (*Raster, error) {
	r, err := New(width, height, len(bands))
	if err != nil {
		return nil, err
	}
	for i, b := range bands {
		if len(b) != width*height {
			return nil, errors.Wrapf(ErrInputRaster,
				"band %d has %d pixels, extent is %dx%d", i, len(b), width, height)
		}
		r.bands[i] = b
	}
	return r, nil
}

// Width returns the raster width in pixels.
func (r *Raster) Width() int { return r.width }

// Height returns the raster height in pixels.
func (r *Raster) Height() int { return r.height }

// NumBands returns the number of bands.
func (r *Raster) NumBands() int { return len(r.bands) }

// HasCloudBand reports whether a cloud probability band is present.
func (r *Raster) HasCloudBand() bool { return len(r.bands) > Cloud }

// HasShadowBand reports whether a cloud shadow band is present.
func (r *Raster) HasShadowBand() bool { return len(r.bands) > CloudShadow }

// In reports whether (x, y) lies inside the raster.
func (r *Raster) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < r.width && y < r.height
}

func (r *Raster) k(x, y int) int { return y*r.width + x }

// Value returns the value of band b at pixel (x, y).
func (r *Raster) Value(b, x, y int) float64 { return r.bands[b][r.k(x, y)] }

// SetValue sets band b at pixel (x, y). Only callers constructing a raster
// should use it; pipeline stages treat rasters as read-only.
func (r *Raster) SetValue(b, x, y int, v float64) { r.bands[b][r.k(x, y)] = v }

// Band returns the backing slice of band b. Callers must not mutate it.
func (r *Raster) Band(b int) []float64 { return r.bands[b] }

// IsNoData reports whether pixel (x, y) is outside the valid image area in
// any of the color bands.
func (r *Raster) IsNoData(x, y int) bool {
	k := r.k(x, y)
	return r.bands[Blue][k] == NoData || r.bands[Green][k] == NoData || r.bands[Red][k] == NoData
}

// Window copies the rectangular sub-window with top-left (x, y) and the given
// size into a new raster, carrying over a shifted transform and metadata.
func (r *Raster) Window(x, y, width, height int) (*Raster, error) {
	if x < 0 || y < 0 || x+width > r.width || y+height > r.height {
		return nil, errors.Wrapf(ErrInputRaster,
			"window %d,%d %dx%d outside extent %dx%d", x, y, width, height, r.width, r.height)
	}
	out, err := New(width, height, len(r.bands))
	if err != nil {
		return nil, err
	}
	for b := range r.bands {
		for row := 0; row < height; row++ {
			src := r.bands[b][(y+row)*r.width+x : (y+row)*r.width+x+width]
			copy(out.bands[b][row*width:(row+1)*width], src)
		}
	}
	out.Transform = r.Transform.Shift(x, y)
	out.CRS = r.CRS
	out.Location = r.Location
	out.Date = r.Date
	return out, nil
}

// Validate checks the invariants every pipeline input must hold.
func (r *Raster) Validate() error {
	if r.width <= 0 || r.height <= 0 {
		return errors.Wrapf(ErrInputRaster, "zero-size extent %dx%d", r.width, r.height)
	}
	for i, b := range r.bands {
		if len(b) != r.width*r.height {
			return errors.Wrapf(ErrInputRaster,
				"band %d has %d pixels, extent is %dx%d", i, len(b), r.width, r.height)
		}
	}
	if r.Transform.PixelSize <= 0 {
		return errors.Wrapf(ErrInputRaster, "non-positive pixel size %f", r.Transform.PixelSize)
	}
	return nil
}

// NormalizedDiff computes (b1-b2)/(b1+b2) per pixel. NoData pixels stay
// NoData, and a zero denominator yields 0 rather than a division blow-up.
func (r *Raster) NormalizedDiff(b1, b2 int) []float64 {
	out := make([]float64, r.width*r.height)
	one, two := r.bands[b1], r.bands[b2]
	for k := range out {
		if one[k] == NoData || two[k] == NoData {
			out[k] = NoData
			continue
		}
		denom := one[k] + two[k]
		if denom == 0 {
			continue
		}
		out[k] = (one[k] - two[k]) / denom
	}
	return out
}

// HSV converts the blue, green, red bands at pixel (x, y) into hue [0,360),
// saturation and value. Reflectances are scaled against the true-color
// saturation level of 0.2 before conversion.
func (r *Raster) HSV(x, y int) (float64, float64, float64) {
	const saturationLevel = 0.2
	k := r.k(x, y)
	c := colorful.Color{
		R: clamp01(r.bands[Red][k] / saturationLevel),
		G: clamp01(r.bands[Green][k] / saturationLevel),
		B: clamp01(r.bands[Blue][k] / saturationLevel),
	}
	return c.Hsv()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
