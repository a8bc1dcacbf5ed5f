package detection

import (
	"context"
	"testing"
	"time"

	"go.viam.com/test"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/mat"

	"github.com/datasciencecampus/detecting-trucks/features"
	"github.com/datasciencecampus/detecting-trucks/raster"
)

// ruleClassifier stands in for a trained model: it marks exactly the
// blue-dominant pixels with a completed kernel chain.
type ruleClassifier struct {
	bgRatio      int
	connectivity int
}

func newRuleClassifier(t *testing.T) *ruleClassifier {
	t.Helper()
	rc := &ruleClassifier{bgRatio: -1, connectivity: -1}
	for i, c := range features.Columns() {
		switch c {
		case "bg_ratio":
			rc.bgRatio = i
		case "connectivity":
			rc.connectivity = i
		}
	}
	test.That(t, rc.bgRatio, test.ShouldNotEqual, -1)
	test.That(t, rc.connectivity, test.ShouldNotEqual, -1)
	return rc
}

func (rc *ruleClassifier) Transform(m *mat.Dense) (*mat.Dense, error) { return m, nil }

func (rc *ruleClassifier) Predict(m *mat.Dense) ([]int, error) {
	rows, _ := m.Dims()
	out := make([]int, rows)
	for i := range out {
		if m.At(i, rc.connectivity) == 1 && m.At(i, rc.bgRatio) > 0.2 {
			out[i] = 1
		}
	}
	return out, nil
}

// probClassifier additionally reports a constant probability per row.
type probClassifier struct {
	*ruleClassifier
	proba float64
}

func (pc *probClassifier) PredictProba(m *mat.Dense) ([]float64, error) {
	rows, _ := m.Dims()
	out := make([]float64, rows)
	for i := range out {
		out[i] = pc.proba
	}
	return out, nil
}

// sceneRaster returns a raster with every color band at 0.1, a zeroed cloud
// band when bands > 3, and a 10 m grid.
func sceneRaster(t *testing.T, width, height, bands int) *raster.Raster {
	t.Helper()
	r, err := raster.New(width, height, bands)
	test.That(t, err, test.ShouldBeNil)
	r.Transform = raster.Transform{OriginX: 0, OriginY: float64(height) * 10, PixelSize: 10}
	r.CRS = "EPSG:32630"
	r.Location = "avonmouth"
	r.Date = time.Date(2020, 4, 6, 0, 0, 0, 0, time.UTC)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			for b := 0; b < 3; b++ {
				r.SetValue(b, x, y, 0.1)
			}
		}
	}
	return r
}

func paintTruck(r *raster.Raster, x, y int) {
	r.SetValue(raster.Blue, x, y, 0.3)
	r.SetValue(raster.Green, x+2, y, 0.3)
	r.SetValue(raster.Red, x+5, y, 0.3)
}

func testAggregator(t *testing.T, clf Classifier) *Aggregator {
	t.Helper()
	agg, err := NewAggregator(DefaultConfig(), clf, zaptest.NewLogger(t).Sugar())
	test.That(t, err, test.ShouldBeNil)
	return agg
}

func TestNewAggregatorValidation(t *testing.T) {
	_, err := NewAggregator(DefaultConfig(), nil, nil)
	test.That(t, err, test.ShouldNotBeNil)

	cfg := DefaultConfig()
	cfg.CloudCeiling = 2
	_, err = NewAggregator(cfg, newRuleClassifier(t), nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestProcessDateFindsSingleTruck(t *testing.T) {
	r := sceneRaster(t, 100, 100, 4)
	paintTruck(r, 20, 30)

	agg := testAggregator(t, newRuleClassifier(t))
	res, err := agg.ProcessDate(context.Background(), r, nil)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, res.Record.RawCount, test.ShouldEqual, 1)
	test.That(t, res.Record.CloudFraction, test.ShouldEqual, 0.0)
	test.That(t, res.Record.CorrectedCount, test.ShouldEqual, 1.0)
	test.That(t, res.Record.Unreliable, test.ShouldBeFalse)

	test.That(t, res.Detections, test.ShouldHaveLength, 1)
	d := res.Detections[0]
	test.That(t, d.PixelCount, test.ShouldEqual, 1)
	// anchor pixel (20, 30) spans ground x 200..210, y 690..700
	test.That(t, d.Polygon[0].X, test.ShouldEqual, 200.0)
	test.That(t, d.Polygon[0].Y, test.ShouldEqual, 700.0)
	test.That(t, d.Polygon[2].X, test.ShouldEqual, 210.0)
	test.That(t, d.Polygon[2].Y, test.ShouldEqual, 690.0)
}

func TestProcessDateTruckAcrossChipSeam(t *testing.T) {
	// anchor inside the second chip column's owned range, with the chain
	// ahead of it; the first chip sees the anchor but cannot complete the
	// chain within its extent
	r := sceneRaster(t, 100, 100, 4)
	paintTruck(r, 48, 30)

	agg := testAggregator(t, newRuleClassifier(t))
	res, err := agg.ProcessDate(context.Background(), r, nil)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, res.Record.RawCount, test.ShouldEqual, 1)
	test.That(t, res.Detections[0].Polygon[0].X, test.ShouldEqual, 480.0)
}

func TestProcessDateMissingCloudBand(t *testing.T) {
	r := sceneRaster(t, 60, 60, 3)
	paintTruck(r, 20, 30)

	agg := testAggregator(t, newRuleClassifier(t))
	res, err := agg.ProcessDate(context.Background(), r, nil)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, res.Record.RawCount, test.ShouldEqual, 1)
	test.That(t, res.Record.CloudFraction, test.ShouldEqual, CloudFractionMissing)
	test.That(t, res.Record.CorrectedCount, test.ShouldEqual, 1.0)
	test.That(t, res.Record.Unreliable, test.ShouldBeTrue)
}

func TestProcessDateCorrectsForCloudFraction(t *testing.T) {
	r := sceneRaster(t, 100, 100, 4)
	for y := 0; y < 50; y++ {
		for x := 0; x < 100; x++ {
			r.SetValue(raster.Cloud, x, y, 100)
		}
	}
	paintTruck(r, 20, 70)

	cfg := DefaultConfig()
	cfg.Cloud.ExpandEdge = 0
	agg, err := NewAggregator(cfg, newRuleClassifier(t), zaptest.NewLogger(t).Sugar())
	test.That(t, err, test.ShouldBeNil)

	res, err := agg.ProcessDate(context.Background(), r, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Record.RawCount, test.ShouldEqual, 1)
	test.That(t, res.Record.CloudFraction, test.ShouldEqual, 0.5)
	test.That(t, res.Record.CorrectedCount, test.ShouldEqual, 2.0)
	test.That(t, res.Record.Unreliable, test.ShouldBeFalse)
}

func TestProcessDateFullyCloudedIsUnreliable(t *testing.T) {
	r := sceneRaster(t, 60, 60, 4)
	for y := 0; y < 60; y++ {
		for x := 0; x < 60; x++ {
			r.SetValue(raster.Cloud, x, y, 100)
		}
	}

	agg := testAggregator(t, newRuleClassifier(t))
	res, err := agg.ProcessDate(context.Background(), r, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Record.RawCount, test.ShouldEqual, 0)
	test.That(t, res.Record.CloudFraction, test.ShouldEqual, 1.0)
	test.That(t, res.Record.Unreliable, test.ShouldBeTrue)
}

func TestProcessDateMeanProbability(t *testing.T) {
	r := sceneRaster(t, 60, 60, 4)
	clf := &probClassifier{ruleClassifier: newRuleClassifier(t), proba: 0.25}

	agg := testAggregator(t, clf)
	res, err := agg.ProcessDate(context.Background(), r, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Record.MeanProbability, test.ShouldAlmostEqual, 0.25, 1e-12)
}

func TestRunSortsResultsByDate(t *testing.T) {
	later := sceneRaster(t, 60, 60, 4)
	later.Date = time.Date(2020, 4, 11, 0, 0, 0, 0, time.UTC)
	paintTruck(later, 20, 30)
	earlier := sceneRaster(t, 60, 60, 4)
	paintTruck(earlier, 40, 10)

	agg := testAggregator(t, newRuleClassifier(t))
	results, failures := agg.Run(context.Background(), []*raster.Raster{later, earlier})
	test.That(t, failures, test.ShouldBeNil)
	test.That(t, results, test.ShouldHaveLength, 2)
	test.That(t, results[0].Record.Date.Before(results[1].Record.Date), test.ShouldBeTrue)
	test.That(t, results[0].Record.RawCount, test.ShouldEqual, 1)
	test.That(t, results[1].Record.RawCount, test.ShouldEqual, 1)

	mean, median, err := SeriesSummary(results)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mean, test.ShouldEqual, 1.0)
	test.That(t, median, test.ShouldEqual, 1.0)
}

func TestRunWithNoRasters(t *testing.T) {
	agg := testAggregator(t, newRuleClassifier(t))
	_, err := agg.Run(context.Background(), nil)
	test.That(t, err, test.ShouldNotBeNil)
}
