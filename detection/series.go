package detection

import (
	"encoding/csv"
	"os"
	"sort"
	"strconv"
	"time"
)

// CloudFractionMissing marks records for dates with no cloud information.
const CloudFractionMissing = -1.0

// Record is one row of the truck count time series.
type Record struct {
	Location string
	Date     time.Time
	// RawCount is the number of detection polygons before correction.
	RawCount int
	// CloudFraction is the share of valid pixels flagged as cloud, or
	// CloudFractionMissing when the date had no cloud band.
	CloudFraction float64
	// CorrectedCount is RawCount scaled by 1/(1-CloudFraction), or
	// RawCount unchanged when the record is Unreliable.
	CorrectedCount float64
	// Unreliable marks dates where correction was impossible or the cloud
	// fraction exceeded the ceiling; their counts are floors, not
	// estimates.
	Unreliable bool
	// MeanProbability is the average positive-class probability across all
	// valid pixels, when the classifier reports probabilities.
	MeanProbability float64
}

// CloudCorrect scales a raw count by the inverse of the clear fraction.
// Fractions at or above ceiling would produce an extreme multiplier, so the
// date is flagged unreliable and left uncorrected instead; likewise a
// missing fraction.
func CloudCorrect(raw int, fraction, ceiling float64) (corrected float64, unreliable bool) {
	if fraction < 0 || fraction >= ceiling {
		return float64(raw), true
	}
	return float64(raw) / (1 - fraction), false
}

// SortRecords orders the time series by date ascending, independent of the
// order dates were processed in.
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].Date.Before(records[j].Date) })
}

var seriesHeader = []string{
	"location", "date", "raw_count", "cloud_fraction", "corrected_count", "unreliable", "mean_probability",
}

// WriteSeriesCSV writes the time series, sorted by date ascending.
func WriteSeriesCSV(fn string, records []Record) error {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	SortRecords(sorted)

	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(seriesHeader); err != nil {
		return err
	}
	for _, r := range sorted {
		rec := []string{
			r.Location,
			r.Date.UTC().Format("2006-01-02"),
			strconv.Itoa(r.RawCount),
			strconv.FormatFloat(r.CloudFraction, 'g', -1, 64),
			strconv.FormatFloat(r.CorrectedCount, 'g', -1, 64),
			strconv.FormatBool(r.Unreliable),
			strconv.FormatFloat(r.MeanProbability, 'g', -1, 64),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}
