package chipper

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/datasciencecampus/detecting-trucks/raster"
)

// Store persists chips on disk under <root>/<location>/<date>/, one cached
// raster per chip. Chips are pure functions of their source raster, so a
// store can always be regenerated.
type Store struct {
	root   string
	cfg    Config
	logger *zap.SugaredLogger
}

// NewStore creates a chip store rooted at dir.
func NewStore(dir string, cfg Config, logger *zap.SugaredLogger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: dir, cfg: cfg, logger: logger}, nil
}

// Config returns the grid config the store chips with.
func (s *Store) Config() Config { return s.cfg }

const dateLayout = "2006-01-02"

func (s *Store) dateDir(location string, date time.Time) string {
	return filepath.Join(s.root, location, date.UTC().Format(dateLayout))
}

func chipFileName(location string, date time.Time, id string) string {
	return fmt.Sprintf("%s_%s_%s%s", location, date.UTC().Format(dateLayout), id, raster.Ext)
}

// WriteChips chips r and persists the result for the raster's location and
// date, replacing whatever was there. Re-running for an already chipped date
// rewrites identical output.
func (s *Store) WriteChips(r *raster.Raster) ([]*Chip, error) {
	chips, err := ChipRaster(r, s.cfg)
	if err != nil {
		return nil, err
	}
	dir := s.dateDir(r.Location, r.Date)
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	for _, c := range chips {
		fn := filepath.Join(dir, chipFileName(r.Location, r.Date, c.ID()))
		if err := c.WriteFile(fn); err != nil {
			return nil, errors.Wrapf(err, "writing chip %s", c.ID())
		}
	}
	s.logger.Infow("chipped raster",
		"location", r.Location,
		"date", r.Date.UTC().Format(dateLayout),
		"chips", len(chips),
	)
	return chips, nil
}

// ReadChips loads all chips previously written for (location, date), in
// row-major grid order.
func (s *Store) ReadChips(location string, date time.Time) ([]*Chip, error) {
	dir := s.dateDir(location, date)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(raster.ErrInputRaster, "no chips for %s %s: %v",
			location, date.UTC().Format(dateLayout), err)
	}
	var chips []*Chip
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), raster.Ext) {
			continue
		}
		row, col, err := parseChipID(e.Name())
		if err != nil {
			return nil, err
		}
		r, err := raster.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		step := s.cfg.step()
		chips = append(chips, &Chip{
			Raster:  r,
			Row:     row,
			Col:     col,
			OffsetX: col * step,
			OffsetY: row * step,
		})
	}
	sort.Slice(chips, func(i, j int) bool {
		if chips[i].Row != chips[j].Row {
			return chips[i].Row < chips[j].Row
		}
		return chips[i].Col < chips[j].Col
	})
	return chips, nil
}

// HasChips reports whether chips exist for (location, date).
func (s *Store) HasChips(location string, date time.Time) bool {
	entries, err := os.ReadDir(s.dateDir(location, date))
	return err == nil && len(entries) > 0
}

// Regenerate re-chips a single date from its source raster without touching
// any other date's chips.
func (s *Store) Regenerate(r *raster.Raster) ([]*Chip, error) {
	s.logger.Debugw("regenerating chips", "location", r.Location, "date", r.Date.UTC().Format(dateLayout))
	return s.WriteChips(r)
}

// parseChipID recovers the grid position from a chip filename, e.g.
// "avonmouth_2020-04-06_r002_c011.ras.gz" -> (2, 11).
func parseChipID(name string) (row, col int, err error) {
	base := strings.TrimSuffix(name, raster.Ext)
	parts := strings.Split(base, "_")
	if len(parts) < 2 {
		return 0, 0, errors.Wrapf(raster.ErrInputRaster, "malformed chip filename %q", name)
	}
	rPart, cPart := parts[len(parts)-2], parts[len(parts)-1]
	if _, err := fmt.Sscanf(rPart+" "+cPart, "r%d c%d", &row, &col); err != nil {
		return 0, 0, errors.Wrapf(raster.ErrInputRaster, "malformed chip id in %q: %v", name, err)
	}
	return row, col, nil
}
