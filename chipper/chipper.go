// Package chipper splits full-extent rasters into a deterministic grid of
// smaller rasters ("chips") that downstream stages can process
// independently, and re-assembles per-chip results back into the parent
// extent.
package chipper

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/datasciencecampus/detecting-trucks/raster"
)

// Config controls the chip grid. The grid is driven purely by pixel offsets
// so the same raster and config always produce identical chip boundaries.
type Config struct {
	// Size is the chip width and height in pixels.
	Size int
	// Overlap is how many pixels consecutive chips share along each axis.
	// Zero means an exact tiling.
	Overlap int
}

// Validate checks the config before any chipping happens.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return errors.Errorf("chip size must be positive, got %d", c.Size)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return errors.Errorf("overlap must be in [0, size), got %d with size %d", c.Overlap, c.Size)
	}
	return nil
}

func (c Config) step() int { return c.Size - c.Overlap }

// Chip is one rectangular sub-window of a parent raster. Trailing chips at
// the right/bottom border keep their true, smaller dimensions rather than
// being padded, so OffsetX+Width() etc. never exceed the parent extent.
type Chip struct {
	*raster.Raster

	Row, Col int
	// OffsetX, OffsetY locate the chip's top-left pixel in the parent.
	OffsetX, OffsetY int
}

// ID encodes the chip's grid position; it is enough to recover the chip's
// offset given the grid config.
func (c *Chip) ID() string {
	return fmt.Sprintf("r%03d_c%03d", c.Row, c.Col)
}

// core returns the pixel range along one axis that a chip is responsible
// for when chips overlap: the trailing Overlap pixels belong to the next
// chip, which sees them with full interior context, except where the chip
// reaches the parent edge. Re-assembly uses it so shared pixels are written
// exactly once.
func core(size, overlap, offset, extent int) (from, to int) {
	to = size
	if offset+size < extent {
		to = size - overlap
	}
	return 0, to
}

// ChipRaster cuts r into a grid of chips per cfg. It is pure: the input
// raster is never mutated and the output ordering is row-major over the
// grid.
func ChipRaster(r *raster.Raster, cfg Config) ([]*Chip, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	step := cfg.step()
	var chips []*Chip
	for row, y := 0, 0; y < r.Height(); row, y = row+1, y+step {
		height := cfg.Size
		if y+height > r.Height() {
			height = r.Height() - y
		}
		for col, x := 0, 0; x < r.Width(); col, x = col+1, x+step {
			width := cfg.Size
			if x+width > r.Width() {
				width = r.Width() - x
			}
			win, err := r.Window(x, y, width, height)
			if err != nil {
				return nil, err
			}
			chips = append(chips, &Chip{
				Raster:  win,
				Row:     row,
				Col:     col,
				OffsetX: x,
				OffsetY: y,
			})
			if x+width >= r.Width() {
				break
			}
		}
		if y+height >= r.Height() {
			break
		}
	}
	return chips, nil
}

// Grid describes the parent extent a set of chips came from, so per-chip
// results can be stitched back together.
type Grid struct {
	Width, Height int
	Config        Config
}

// Assemble writes per-chip planes back into a single parent-extent plane.
// values maps each chip to a row-major plane of the chip's size. Overlap
// pixels are taken from the chip that owns them (the one whose non-overlap
// core contains the pixel), and variable-size border chips are handled by
// their true dimensions.
func (g Grid) Assemble(chips []*Chip, values func(c *Chip) []float64) ([]float64, error) {
	out := make([]float64, g.Width*g.Height)
	for _, c := range chips {
		plane := values(c)
		if len(plane) != c.Width()*c.Height() {
			return nil, errors.Errorf("chip %s plane has %d values, want %d",
				c.ID(), len(plane), c.Width()*c.Height())
		}
		fromX, toX := core(c.Width(), g.Config.Overlap, c.OffsetX, g.Width)
		fromY, toY := core(c.Height(), g.Config.Overlap, c.OffsetY, g.Height)
		for y := fromY; y < toY; y++ {
			py := c.OffsetY + y
			if py >= g.Height {
				return nil, errors.Errorf("chip %s row %d outside parent height %d", c.ID(), py, g.Height)
			}
			for x := fromX; x < toX; x++ {
				px := c.OffsetX + x
				if px >= g.Width {
					return nil, errors.Errorf("chip %s col %d outside parent width %d", c.ID(), px, g.Width)
				}
				out[py*g.Width+px] = plane[y*c.Width()+x]
			}
		}
	}
	return out, nil
}
