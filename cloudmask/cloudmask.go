// Package cloudmask derives per-pixel cloud flags from a raster's cloud
// probability band and reports the cloud fraction the aggregator uses for
// count correction.
package cloudmask

import (
	"github.com/pkg/errors"

	"github.com/datasciencecampus/detecting-trucks/raster"
)

// ErrMissingCloudBand is returned when a raster carries no cloud probability
// band. Callers must surface it rather than assuming a clear sky; the
// aggregator degrades that date to an uncorrected, flagged count.
var ErrMissingCloudBand = errors.New("raster has no cloud probability band")

// Config controls masking.
type Config struct {
	// Threshold is the cloud probability (percent) above which a pixel is
	// flagged.
	Threshold float64
	// ExpandEdge grows the mask by a square of this radius around every
	// flagged pixel. Refraction at cloud edges mimics the truck color
	// signal, so edges are masked generously.
	ExpandEdge int
	// MaskShadow merges the cloud shadow band into the mask when present.
	MaskShadow bool
}

// DefaultConfig matches the thresholds the detection model was developed
// against.
func DefaultConfig() Config {
	return Config{Threshold: 25, ExpandEdge: 5, MaskShadow: true}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 100 {
		return errors.Errorf("cloud threshold must be a percentage, got %f", c.Threshold)
	}
	if c.ExpandEdge < 0 {
		return errors.Errorf("expand edge must be non-negative, got %d", c.ExpandEdge)
	}
	return nil
}

// Mask holds per-pixel cloud flags for one raster or chip.
type Mask struct {
	flags  []bool
	width  int
	height int
	// valid counts pixels that carry data at all; nodata pixels are
	// excluded from the fraction denominator.
	valid int
}

// Apply masks r per cfg. It fails with ErrMissingCloudBand when r has no
// cloud band.
func Apply(r *raster.Raster, cfg Config) (*Mask, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !r.HasCloudBand() {
		return nil, errors.Wrapf(ErrMissingCloudBand, "location %s", r.Location)
	}

	width, height := r.Width(), r.Height()
	m := &Mask{flags: make([]bool, width*height), width: width, height: height}
	cloud := r.Band(raster.Cloud)
	var shadow []float64
	if cfg.MaskShadow && r.HasShadowBand() {
		shadow = r.Band(raster.CloudShadow)
	}

	seed := make([]bool, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			k := y*width + x
			if r.IsNoData(x, y) || cloud[k] == raster.NoData {
				continue
			}
			m.valid++
			if cloud[k] > cfg.Threshold {
				seed[k] = true
			}
			if shadow != nil && shadow[k] > 0 && shadow[k] != raster.NoData {
				seed[k] = true
			}
		}
	}

	if cfg.ExpandEdge == 0 {
		copy(m.flags, seed)
		return m, nil
	}
	// box dilation of the seed mask
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if !seed[y*width+x] {
				continue
			}
			for dy := -cfg.ExpandEdge; dy <= cfg.ExpandEdge; dy++ {
				ny := y + dy
				if ny < 0 || ny >= height {
					continue
				}
				for dx := -cfg.ExpandEdge; dx <= cfg.ExpandEdge; dx++ {
					nx := x + dx
					if nx < 0 || nx >= width {
						continue
					}
					m.flags[ny*width+nx] = true
				}
			}
		}
	}
	return m, nil
}

// IsCloud reports whether pixel (x, y) is flagged.
func (m *Mask) IsCloud(x, y int) bool { return m.flags[y*m.width+x] }

// Fraction returns the share of valid pixels that are flagged, in [0, 1].
// A raster with no valid pixels at all counts as fully clouded.
func (m *Mask) Fraction() float64 {
	if m.valid == 0 {
		return 1
	}
	flagged := 0
	for _, f := range m.flags {
		if f {
			flagged++
		}
	}
	if flagged > m.valid {
		flagged = m.valid
	}
	return float64(flagged) / float64(m.valid)
}

// Window returns the mask restricted to the sub-window with top-left
// (x, y), so chip tasks see the same flags the parent mask holds for their
// pixels. Out-of-range requests are clamped to the mask extent.
func (m *Mask) Window(x, y, width, height int) *Mask {
	out := &Mask{flags: make([]bool, width*height), width: width, height: height, valid: width * height}
	for wy := 0; wy < height; wy++ {
		for wx := 0; wx < width; wx++ {
			px, py := x+wx, y+wy
			if px < 0 || py < 0 || px >= m.width || py >= m.height {
				continue
			}
			out.flags[wy*width+wx] = m.flags[py*m.width+px]
		}
	}
	return out
}

// Clear returns a mask with nothing flagged, sized for r. It stands in for
// cloud information when the band is missing and the caller chooses to
// proceed uncorrected.
func Clear(r *raster.Raster) *Mask {
	return &Mask{
		flags:  make([]bool, r.Width()*r.Height()),
		width:  r.Width(),
		height: r.Height(),
		valid:  r.Width() * r.Height(),
	}
}
