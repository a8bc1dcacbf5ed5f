package detection

import (
	"context"
	"sort"
	"sync"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/datasciencecampus/detecting-trucks/chipper"
	"github.com/datasciencecampus/detecting-trucks/cloudmask"
	"github.com/datasciencecampus/detecting-trucks/features"
	"github.com/datasciencecampus/detecting-trucks/raster"
	"github.com/datasciencecampus/detecting-trucks/utils"
)

// Config carries every knob the pipeline needs, threaded explicitly so chip
// tasks stay side-effect free.
type Config struct {
	Chip     chipper.Config
	Cloud    cloudmask.Config
	Features features.Config
	// CloudCeiling is the cloud fraction at or above which a date's count
	// is flagged unreliable instead of corrected.
	CloudCeiling float64
	// MaxParallelDates bounds the date fan-out; zero means all at once.
	MaxParallelDates int
}

// DefaultConfig is the configuration the detection approach was developed
// with: 50 px chips overlapping by more than the kernel chain reach, the
// standard cloud thresholds and kernel sizes, and a 0.95 correction
// ceiling.
func DefaultConfig() Config {
	return Config{
		Chip:         chipper.Config{Size: 50, Overlap: 10},
		Cloud:        cloudmask.DefaultConfig(),
		Features:     features.DefaultConfig(),
		CloudCeiling: 0.95,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if err := c.Chip.Validate(); err != nil {
		return err
	}
	if err := c.Cloud.Validate(); err != nil {
		return err
	}
	if err := c.Features.Validate(); err != nil {
		return err
	}
	if c.CloudCeiling <= 0 || c.CloudCeiling > 1 {
		return errors.Errorf("cloud ceiling must be in (0, 1], got %f", c.CloudCeiling)
	}
	return nil
}

// DateResult is everything the pipeline produced for one observation date.
type DateResult struct {
	Record     Record
	Detections []Detection
}

// Aggregator runs the classifier over chipped imagery and folds per-chip
// results into counts and polygons.
type Aggregator struct {
	cfg    Config
	clf    Classifier
	logger *zap.SugaredLogger
}

// NewAggregator builds an aggregator around an externally trained
// classifier.
func NewAggregator(cfg Config, clf Classifier, logger *zap.SugaredLogger) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clf == nil {
		return nil, errors.Wrap(ErrClassifierContract, "no classifier supplied")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Aggregator{cfg: cfg, clf: clf, logger: logger}, nil
}

// maskFor returns the cloud mask and fraction for a raster, degrading to
// no-cloud-information when the band is missing.
func (a *Aggregator) maskFor(r *raster.Raster) (*cloudmask.Mask, float64, error) {
	m, err := cloudmask.Apply(r, a.cfg.Cloud)
	if errors.Is(err, cloudmask.ErrMissingCloudBand) {
		a.logger.Warnw("no cloud band, counts for this date will be uncorrected",
			"location", r.Location, "date", r.Date.UTC().Format("2006-01-02"))
		return nil, CloudFractionMissing, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return m, m.Fraction(), nil
}

// ProcessDate runs detection for one date against a pre-built composite.
// The composite must be fully constructed before this is called; it is
// read-only here and shared across all chips and dates.
func (a *Aggregator) ProcessDate(ctx context.Context, parent *raster.Raster, comp *features.Composite) (*DateResult, error) {
	if err := parent.Validate(); err != nil {
		return nil, err
	}
	mask, fraction, err := a.maskFor(parent)
	if err != nil {
		return nil, err
	}

	chips, err := chipper.ChipRaster(parent, a.cfg.Chip)
	if err != nil {
		return nil, err
	}

	planes := make([][]float64, len(chips))
	probaSums := make([]float64, len(chips))
	probaCounts := make([]int, len(chips))
	var mu sync.Mutex

	err = utils.ParallelForEach(ctx, len(chips), func(i int) error {
		c := chips[i]
		plane, sum, n, err := a.processChip(c, comp, mask)
		if err != nil {
			return errors.Wrapf(err, "chip %s", c.ID())
		}
		mu.Lock()
		planes[i] = plane
		probaSums[i] = sum
		probaCounts[i] = n
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	byChip := make(map[*chipper.Chip][]float64, len(chips))
	for i, c := range chips {
		byChip[c] = planes[i]
	}
	grid := chipper.Grid{Width: parent.Width(), Height: parent.Height(), Config: a.cfg.Chip}
	assembled, err := grid.Assemble(chips, func(c *chipper.Chip) []float64 {
		return byChip[c]
	})
	if err != nil {
		return nil, err
	}

	detections := Vectorize(assembled, parent.Width(), parent.Height(), parent.Transform, parent.Location, parent.Date)

	corrected, unreliable := CloudCorrect(len(detections), fraction, a.cfg.CloudCeiling)
	record := Record{
		Location:        parent.Location,
		Date:            parent.Date,
		RawCount:        len(detections),
		CloudFraction:   fraction,
		CorrectedCount:  corrected,
		Unreliable:      unreliable,
		MeanProbability: meanProbability(probaSums, probaCounts),
	}
	a.logger.Infow("processed date",
		"location", parent.Location,
		"date", parent.Date.UTC().Format("2006-01-02"),
		"raw_count", record.RawCount,
		"cloud_fraction", record.CloudFraction,
		"corrected_count", record.CorrectedCount,
	)
	return &DateResult{Record: record, Detections: detections}, nil
}

// processChip extracts features for one chip, predicts, and returns the
// chip's binary detection plane plus the probability sum/count diagnostic.
func (a *Aggregator) processChip(c *chipper.Chip, comp *features.Composite, parentMask *cloudmask.Mask) ([]float64, float64, int, error) {
	chipMask := windowMask(parentMask, c)
	set, err := features.Extract(c.Raster, c.OffsetX, c.OffsetY, comp, chipMask, a.cfg.Features)
	if err != nil {
		return nil, 0, 0, err
	}

	plane := make([]float64, c.Width()*c.Height())
	matrix, rows := set.Matrix()
	if matrix == nil {
		return plane, 0, 0, nil
	}

	scaled, err := a.clf.Transform(matrix)
	if err != nil {
		return nil, 0, 0, err
	}
	labels, err := a.clf.Predict(scaled)
	if err != nil {
		return nil, 0, 0, err
	}
	if len(labels) != len(rows) {
		return nil, 0, 0, errors.Wrapf(ErrClassifierContract,
			"%d labels for %d rows", len(labels), len(rows))
	}
	for i, k := range rows {
		if labels[i] == 1 {
			plane[k] = 1
		}
	}

	sum, n := 0.0, 0
	if pp, ok := a.clf.(ProbabilityPredictor); ok {
		proba, err := pp.PredictProba(scaled)
		if err != nil {
			return nil, 0, 0, err
		}
		for _, p := range proba {
			sum += p
		}
		n = len(proba)
	}
	return plane, sum, n, nil
}

// windowMask rebuilds the chip's view of the parent cloud mask. The chip
// carries its own cloud band, so masking it directly gives the same flags
// the parent mask holds for those pixels.
func windowMask(parentMask *cloudmask.Mask, c *chipper.Chip) *cloudmask.Mask {
	if parentMask == nil {
		return nil
	}
	return parentMask.Window(c.OffsetX, c.OffsetY, c.Width(), c.Height())
}

func meanProbability(sums []float64, counts []int) float64 {
	total, n := 0.0, 0
	for i := range sums {
		total += sums[i]
		n += counts[i]
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// Run processes every date of one location: it builds the composite (a
// barrier — nothing date-specific starts before it finishes), fans out
// across dates, and folds the results into a date-sorted series. A failed
// date is logged and skipped; the others continue.
func (a *Aggregator) Run(ctx context.Context, rasters []*raster.Raster) ([]DateResult, error) {
	if len(rasters) == 0 {
		return nil, errors.Wrap(raster.ErrInputRaster, "no rasters to process")
	}

	masks := make([]*cloudmask.Mask, len(rasters))
	var maskErrs error
	for i, r := range rasters {
		m, _, err := a.maskFor(r)
		if err != nil {
			maskErrs = multierr.Append(maskErrs, err)
			continue
		}
		masks[i] = m
	}
	if maskErrs != nil {
		return nil, maskErrs
	}

	comp, err := features.BuildComposite(rasters, masks, a.cfg.Features)
	if err != nil {
		return nil, err
	}

	results := make([]*DateResult, len(rasters))
	var group errgroup.Group
	if a.cfg.MaxParallelDates > 0 {
		group.SetLimit(a.cfg.MaxParallelDates)
	}
	var failures error
	var failMu sync.Mutex
	for i := range rasters {
		i := i
		group.Go(func() error {
			res, err := a.ProcessDate(ctx, rasters[i], comp)
			if err != nil {
				a.logger.Errorw("date failed",
					"location", rasters[i].Location,
					"date", rasters[i].Date.UTC().Format("2006-01-02"),
					"error", err,
				)
				failMu.Lock()
				failures = multierr.Append(failures, err)
				failMu.Unlock()
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var out []DateResult
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	if len(out) == 0 && failures != nil {
		return nil, failures
	}
	SortResults(out)
	return out, failures
}

// SortResults orders results by date ascending.
func SortResults(results []DateResult) {
	sort.Slice(results, func(i, j int) bool {
		return results[i].Record.Date.Before(results[j].Record.Date)
	})
}

// SeriesSummary reports distribution statistics over the corrected counts,
// for the end-of-run log line.
func SeriesSummary(results []DateResult) (mean, median float64, err error) {
	counts := make([]float64, 0, len(results))
	for _, r := range results {
		counts = append(counts, r.Record.CorrectedCount)
	}
	if mean, err = stats.Mean(counts); err != nil {
		return 0, 0, err
	}
	if median, err = stats.Median(counts); err != nil {
		return 0, 0, err
	}
	return mean, median, nil
}
