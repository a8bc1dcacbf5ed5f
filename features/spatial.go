package features

import (
	"math"
	"sort"

	"github.com/datasciencecampus/detecting-trucks/cloudmask"
	"github.com/datasciencecampus/detecting-trucks/raster"
)

// SpatialFeatures is the kernel-chain search outcome for one anchor pixel.
type SpatialFeatures struct {
	// Greenness of the best green match and redness of the red match
	// chained from it. SentinelRatio when no match exists.
	Greenness float64
	Redness   float64
	// Offsets from the anchor to the green match and from the green match
	// to the red match. Zero when no match.
	GreenDX, GreenDY int
	RedDX, RedDY     int
	// Connectivity is 1 when a green match and a chained red match were
	// both found within their kernels, else 0.
	Connectivity float64
	// BoundaryIncomplete marks anchors whose kernels reach beyond the chip
	// and therefore searched a truncated candidate set.
	BoundaryIncomplete bool
}

type kernelOffset struct {
	dx, dy int
	dist   float64
}

// forwardOffsets builds the candidate offset table for one kernel: all
// offsets within radius whose projection onto the axis is strictly forward,
// ordered nearest first so an exact score tie keeps the smallest offset.
func forwardOffsets(radius int, axis Axis) []kernelOffset {
	var out []kernelOffset
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*axis.DX+dy*axis.DY <= 0 {
				continue
			}
			d := math.Hypot(float64(dx), float64(dy))
			if d > float64(radius) {
				continue
			}
			out = append(out, kernelOffset{dx: dx, dy: dy, dist: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		if out[i].dy != out[j].dy {
			return out[i].dy < out[j].dy
		}
		return out[i].dx < out[j].dx
	})
	return out
}

// SpatialEngine evaluates the blue→green→red kernel chain. It is immutable
// after construction and safe for concurrent use across chips and pixels.
type SpatialEngine struct {
	cfg         Config
	greenKernel []kernelOffset
	redKernel   []kernelOffset
	greenReach  int
	redReach    int
}

// NewSpatialEngine precomputes the neighbor-offset tables for cfg.
func NewSpatialEngine(cfg Config) (*SpatialEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SpatialEngine{
		cfg:         cfg,
		greenKernel: forwardOffsets(cfg.GreenRadius, cfg.OffsetAxis),
		redKernel:   forwardOffsets(cfg.RedRadius, cfg.OffsetAxis),
		greenReach:  cfg.GreenRadius,
		redReach:    cfg.RedRadius,
	}, nil
}

// greenness expresses the green band relative to the stronger of red and
// blue as a normalized ratio; redness analogously relative to green and
// blue. Absolute reflectance cancels out, which is what makes the ratios
// comparable across scenes.
func greenness(r *raster.Raster, x, y int) float64 {
	g := r.Value(raster.Green, x, y)
	o := math.Max(r.Value(raster.Red, x, y), r.Value(raster.Blue, x, y))
	return normRatio(g, o)
}

func redness(r *raster.Raster, x, y int) float64 {
	rv := r.Value(raster.Red, x, y)
	o := math.Max(r.Value(raster.Green, x, y), r.Value(raster.Blue, x, y))
	return normRatio(rv, o)
}

func normRatio(a, b float64) float64 {
	if a+b == 0 {
		return 0
	}
	return (a - b) / (a + b)
}

func sentinelSpatial(boundary bool) SpatialFeatures {
	return SpatialFeatures{
		Greenness:          SentinelRatio,
		Redness:            SentinelRatio,
		BoundaryIncomplete: boundary,
	}
}

// usable reports whether a candidate pixel can participate in the search.
func usable(r *raster.Raster, m *cloudmask.Mask, x, y int) bool {
	if !r.In(x, y) || r.IsNoData(x, y) {
		return false
	}
	return m == nil || !m.IsCloud(x, y)
}

// Evaluate runs the chained kernel search with pixel (x, y) as the blue
// anchor. A missing match is a sentinel outcome, never an error: most
// pixels are not trucks.
func (e *SpatialEngine) Evaluate(r *raster.Raster, m *cloudmask.Mask, x, y int) SpatialFeatures {
	boundary := e.nearBoundary(r, x, y)
	if !usable(r, m, x, y) {
		return sentinelSpatial(boundary)
	}

	gx, gy, gScore, found := e.bestMatch(r, m, x, y, e.greenKernel, greenness)
	if !found {
		return sentinelSpatial(boundary)
	}

	out := SpatialFeatures{
		Greenness:          gScore,
		Redness:            SentinelRatio,
		GreenDX:            gx - x,
		GreenDY:            gy - y,
		BoundaryIncomplete: boundary,
	}

	rx, ry, rScore, found := e.bestMatch(r, m, gx, gy, e.redKernel, redness)
	if !found {
		return out
	}
	out.Redness = rScore
	out.RedDX = rx - gx
	out.RedDY = ry - gy
	out.Connectivity = 1
	return out
}

func (e *SpatialEngine) bestMatch(
	r *raster.Raster,
	m *cloudmask.Mask,
	x, y int,
	kernel []kernelOffset,
	score func(*raster.Raster, int, int) float64,
) (bx, by int, best float64, found bool) {
	// a candidate only counts as a match when its score is positive, i.e.
	// the band actually dominates; otherwise flat background would "match"
	// everywhere
	best = 0
	for _, off := range kernel {
		cx, cy := x+off.dx, y+off.dy
		if !usable(r, m, cx, cy) {
			continue
		}
		// strictly greater keeps the nearest candidate on exact ties, as
		// the kernel table is ordered nearest first
		if s := score(r, cx, cy); s > best {
			best = s
			bx, by = cx, cy
			found = true
		}
	}
	if !found {
		return 0, 0, 0, false
	}
	return bx, by, best, true
}

// nearBoundary reports whether the full chained kernel around (x, y) fits
// inside the chip. Anchors near the edge search a truncated candidate set
// and are flagged so training-label alignment can account for it.
func (e *SpatialEngine) nearBoundary(r *raster.Raster, x, y int) bool {
	reach := e.greenReach + e.redReach
	return x-reach < 0 || y-reach < 0 || x+reach >= r.Width() || y+reach >= r.Height()
}
