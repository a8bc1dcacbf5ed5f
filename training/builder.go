// Package training builds labelled feature tables from extracted chip
// features and human-labelled truck points, ready for an external classifier
// trainer.
package training

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/datasciencecampus/detecting-trucks/features"
)

// ErrInsufficientTrainingData is returned before training proceeds with too
// few labelled positives.
var ErrInsufficientTrainingData = errors.New("insufficient labelled training data")

// Config controls table building.
type Config struct {
	// SnapTolerance is the max ground distance between a labelled point and
	// a pixel center for the pixel to take the label. Labelling happens in
	// a GIS viewer, so points rarely sit exactly on centers.
	SnapTolerance float64
	// MaxNegatives caps unlabelled rows per chip; 0 means keep all. The
	// subsample is a deterministic stride, not a random draw, so rebuilt
	// tables are identical.
	MaxNegatives int
	// MinPositives is the smallest usable number of positive rows.
	MinPositives int
}

// DefaultConfig assumes 10 m pixels.
func DefaultConfig() Config {
	return Config{SnapTolerance: 5, MaxNegatives: 10000, MinPositives: 1}
}

// Point is a labelled truck location in ground coordinates. Labels mark the
// blue anchor pixel of the truck signal.
type Point struct {
	X, Y float64
}

// Row is one labelled pixel.
type Row struct {
	Location string
	Date     time.Time
	// PixelX, PixelY are parent-raster coordinates.
	PixelX, PixelY int
	Features       []float64
	Class          int
}

// Table is a labelled feature table. Rows from multiple dates and training
// areas may be merged as long as the feature schema matches.
type Table struct {
	Columns []string
	Rows    []Row
}

// CountPositives returns the number of rows labelled as trucks.
func (t *Table) CountPositives() int {
	n := 0
	for _, r := range t.Rows {
		if r.Class == 1 {
			n++
		}
	}
	return n
}

// Check fails with ErrInsufficientTrainingData when the table has fewer
// positives than cfg requires.
func (t *Table) Check(cfg Config) error {
	if p := t.CountPositives(); p < cfg.MinPositives {
		return errors.Wrapf(ErrInsufficientTrainingData, "%d positives, need %d", p, cfg.MinPositives)
	}
	return nil
}

// Merge appends other's rows. Schemas must match exactly.
func (t *Table) Merge(other *Table) error {
	if len(t.Columns) != len(other.Columns) {
		return errors.Errorf("schema mismatch: %d vs %d columns", len(t.Columns), len(other.Columns))
	}
	for i := range t.Columns {
		if t.Columns[i] != other.Columns[i] {
			return errors.Errorf("schema mismatch at column %d: %q vs %q", i, t.Columns[i], other.Columns[i])
		}
	}
	t.Rows = append(t.Rows, other.Rows...)
	return nil
}

// BuildTable labels every valid pixel of an extracted feature set: 1 for
// pixels a labelled point snaps to, 0 otherwise.
func BuildTable(set *features.Set, points []Point, cfg Config, logger *zap.SugaredLogger) (*Table, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.SnapTolerance < 0 {
		return nil, errors.Errorf("snap tolerance must be non-negative, got %f", cfg.SnapTolerance)
	}

	labelled := make(map[int]bool, len(points))
	for _, p := range points {
		x, y, ok := snap(set, p, cfg.SnapTolerance)
		if !ok {
			logger.Warnw("labelled point outside training extent",
				"x", p.X, "y", p.Y, "location", set.Location)
			continue
		}
		labelled[y*set.Width+x] = true
	}

	table := &Table{Columns: features.Columns()}
	negatives := 0
	for y := 0; y < set.Height; y++ {
		for x := 0; x < set.Width; x++ {
			if !set.Valid(x, y) {
				continue
			}
			class := 0
			if labelled[y*set.Width+x] {
				class = 1
			} else {
				negatives++
			}
			vec := make([]float64, features.NumFeatures)
			copy(vec, set.Vector(x, y))
			table.Rows = append(table.Rows, Row{
				Location: set.Location,
				Date:     set.Date,
				PixelX:   set.OffsetX + x,
				PixelY:   set.OffsetY + y,
				Features: vec,
				Class:    class,
			})
		}
	}

	if cfg.MaxNegatives > 0 && negatives > cfg.MaxNegatives {
		table.Rows = thinNegatives(table.Rows, cfg.MaxNegatives)
	}

	logger.Infow("built training table",
		"location", set.Location,
		"positives", table.CountPositives(),
		"rows", len(table.Rows),
	)
	return table, nil
}

// snap maps a ground point to the chip pixel it labels, if any pixel center
// is within tolerance.
func snap(set *features.Set, p Point, tolerance float64) (int, int, bool) {
	px, py := set.Transform.WorldToPixel(p.X, p.Y)
	if px < 0 || py < 0 || px >= set.Width || py >= set.Height {
		return 0, 0, false
	}
	cx, cy := set.Transform.PixelToWorld(px, py)
	if math.Hypot(p.X-cx, p.Y-cy) > tolerance+set.Transform.PixelSize/2 {
		return 0, 0, false
	}
	return px, py, true
}

// thinNegatives keeps all positives and a deterministic stride sample of
// the negatives.
func thinNegatives(rows []Row, maxNegatives int) []Row {
	negatives := 0
	for _, r := range rows {
		if r.Class == 0 {
			negatives++
		}
	}
	if negatives <= maxNegatives {
		return rows
	}
	stride := (negatives + maxNegatives - 1) / maxNegatives
	out := rows[:0]
	seen := 0
	kept := 0
	for _, r := range rows {
		if r.Class == 1 {
			out = append(out, r)
			continue
		}
		if seen%stride == 0 && kept < maxNegatives {
			out = append(out, r)
			kept++
		}
		seen++
	}
	return out
}
