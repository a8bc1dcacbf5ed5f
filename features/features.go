// Package features turns raster chips into per-pixel feature vectors for the
// truck classifier. The spatial engine traces the blue→green→red sequence a
// moving vehicle leaves across the sensor's per-band acquisition offset; the
// temporal engine normalizes each date against a multi-date composite of the
// same location.
package features

import (
	"github.com/pkg/errors"
)

// Sentinel values for pixels where no kernel match exists. Ratio features
// live in [-1, 1] so -2 is unambiguous; offsets use 0 and connectivity 0.
const (
	SentinelRatio = -2.0
)

// Axis is the sensor scan-offset direction the blue→green→red sequence
// follows. It is a configuration parameter, not a constant: the offset
// direction depends on sensor and orbit.
type Axis struct {
	DX, DY int
}

// Config controls both feature engines. It is passed explicitly into every
// entry point so chip-level tasks stay side-effect free.
type Config struct {
	// GreenRadius is the kernel radius searched for the green match around
	// the blue anchor pixel.
	GreenRadius int
	// RedRadius is the kernel radius searched for the red match around the
	// green match. Red lags further behind blue than green does, so it must
	// be at least GreenRadius.
	RedRadius int
	// OffsetAxis is the direction candidates must lie along; the sequence
	// blue→green→red is spatially monotonic along it.
	OffsetAxis Axis
	// MinStdDev floors the per-pixel standard deviation used in z-scores so
	// near-constant pixels cannot blow the division up.
	MinStdDev float64
}

// DefaultConfig mirrors the kernel sizes the detection approach was
// developed with: a 3 px green search and a wider 5 px red search, offset
// axis pointing east.
func DefaultConfig() Config {
	return Config{
		GreenRadius: 3,
		RedRadius:   5,
		OffsetAxis:  Axis{DX: 1, DY: 0},
		MinStdDev:   1e-6,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.GreenRadius <= 0 {
		return errors.Errorf("green kernel radius must be positive, got %d", c.GreenRadius)
	}
	if c.RedRadius < c.GreenRadius {
		return errors.Errorf("red kernel radius %d must be >= green radius %d", c.RedRadius, c.GreenRadius)
	}
	if c.OffsetAxis.DX == 0 && c.OffsetAxis.DY == 0 {
		return errors.New("offset axis must be non-zero")
	}
	if c.MinStdDev <= 0 {
		return errors.Errorf("min std dev must be positive, got %f", c.MinStdDev)
	}
	return nil
}

// Columns lists the feature schema, in the exact order Vector lays values
// out. The training table and the classifier artifact both carry this list
// so dimension mismatches are caught at load time.
func Columns() []string {
	return []string{
		"blue", "green", "red",
		"bg_ratio", "br_ratio",
		"bg_change", "br_change", "bg_zscore", "br_zscore",
		"blue_zscore", "green_zscore", "red_zscore",
		"hue", "saturation", "value",
		"greenness", "redness",
		"green_dx", "green_dy", "red_dx", "red_dy",
		"connectivity", "boundary_flag",
	}
}

// NumFeatures is len(Columns()).
var NumFeatures = len(Columns())

// Index of each feature within a vector.
const (
	colBlue = iota
	colGreen
	colRed
	colBgRatio
	colBrRatio
	colBgChange
	colBrChange
	colBgZ
	colBrZ
	colBlueZ
	colGreenZ
	colRedZ
	colHue
	colSaturation
	colValue
	colGreenness
	colRedness
	colGreenDX
	colGreenDY
	colRedDX
	colRedDY
	colConnectivity
	colBoundaryFlag
)
