package features

import (
	"testing"

	"go.viam.com/test"

	"github.com/datasciencecampus/detecting-trucks/cloudmask"
	"github.com/datasciencecampus/detecting-trucks/raster"
)

// flatRaster returns a raster where every color band is 0.1 everywhere.
func flatRaster(t *testing.T, width, height int) *raster.Raster {
	t.Helper()
	r, err := raster.New(width, height, 3)
	test.That(t, err, test.ShouldBeNil)
	r.Transform = raster.Transform{OriginY: float64(height) * 10, PixelSize: 10}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			for b := 0; b < 3; b++ {
				r.SetValue(b, x, y, 0.1)
			}
		}
	}
	return r
}

// paintTruck writes a blue anchor at (x, y), a green pixel greenOff further
// along x and a red pixel redOff beyond the green one.
func paintTruck(r *raster.Raster, x, y, greenOff, redOff int) {
	r.SetValue(raster.Blue, x, y, 0.3)
	r.SetValue(raster.Green, x+greenOff, y, 0.3)
	r.SetValue(raster.Red, x+greenOff+redOff, y, 0.3)
}

func TestForwardOffsetsAreForwardAndNearestFirst(t *testing.T) {
	offs := forwardOffsets(3, Axis{DX: 1, DY: 0})
	test.That(t, len(offs), test.ShouldBeGreaterThan, 0)
	for i, o := range offs {
		test.That(t, o.dx, test.ShouldBeGreaterThan, 0)
		if i > 0 {
			test.That(t, o.dist, test.ShouldBeGreaterThanOrEqualTo, offs[i-1].dist)
		}
	}
	// nearest candidate straight along the axis
	test.That(t, offs[0].dx, test.ShouldEqual, 1)
	test.That(t, offs[0].dy, test.ShouldEqual, 0)
}

func TestEvaluateFindsChainedTruckSignal(t *testing.T) {
	r := flatRaster(t, 40, 20)
	paintTruck(r, 20, 10, 2, 3)

	engine, err := NewSpatialEngine(DefaultConfig())
	test.That(t, err, test.ShouldBeNil)

	sf := engine.Evaluate(r, nil, 20, 10)
	test.That(t, sf.Connectivity, test.ShouldEqual, 1.0)
	test.That(t, sf.Greenness, test.ShouldAlmostEqual, 0.5, 1e-12)
	test.That(t, sf.Redness, test.ShouldAlmostEqual, 0.5, 1e-12)
	test.That(t, sf.GreenDX, test.ShouldEqual, 2)
	test.That(t, sf.GreenDY, test.ShouldEqual, 0)
	test.That(t, sf.RedDX, test.ShouldEqual, 3)
	test.That(t, sf.RedDY, test.ShouldEqual, 0)
	test.That(t, sf.BoundaryIncomplete, test.ShouldBeFalse)
}

func TestEvaluateSentinelOnFlatBackground(t *testing.T) {
	r := flatRaster(t, 30, 30)
	engine, err := NewSpatialEngine(DefaultConfig())
	test.That(t, err, test.ShouldBeNil)

	// flat background: no candidate dominates, so no match
	sf := engine.Evaluate(r, nil, 15, 15)
	test.That(t, sf.Greenness, test.ShouldEqual, SentinelRatio)
	test.That(t, sf.Connectivity, test.ShouldEqual, 0.0)

	// no usable candidate at all: sentinel, never a spurious value
	single := flatRaster(t, 30, 30)
	for y := 0; y < 30; y++ {
		for x := 16; x < 30; x++ {
			single.SetValue(raster.Blue, x, y, raster.NoData)
			single.SetValue(raster.Green, x, y, raster.NoData)
			single.SetValue(raster.Red, x, y, raster.NoData)
		}
	}
	sf = engine.Evaluate(single, nil, 15, 15)
	test.That(t, sf.Greenness, test.ShouldEqual, SentinelRatio)
	test.That(t, sf.Redness, test.ShouldEqual, SentinelRatio)
	test.That(t, sf.Connectivity, test.ShouldEqual, 0.0)
	test.That(t, sf.GreenDX, test.ShouldEqual, 0)
}

func TestTieBreakPrefersNearest(t *testing.T) {
	r := flatRaster(t, 40, 20)
	// two equally green candidates at distance 1 and 3
	r.SetValue(raster.Green, 21, 10, 0.3)
	r.SetValue(raster.Green, 23, 10, 0.3)

	engine, err := NewSpatialEngine(DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	sf := engine.Evaluate(r, nil, 20, 10)
	test.That(t, sf.GreenDX, test.ShouldEqual, 1)
}

func TestCloudPixelsAreExcluded(t *testing.T) {
	r, err := raster.New(40, 20, 4)
	test.That(t, err, test.ShouldBeNil)
	r.Transform = raster.Transform{OriginY: 200, PixelSize: 10}
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			for b := 0; b < 3; b++ {
				r.SetValue(b, x, y, 0.1)
			}
		}
	}
	paintTruck(r, 20, 10, 2, 3)
	// the anchor itself is under cloud
	r.SetValue(raster.Cloud, 20, 10, 95)

	m, err := cloudmask.Apply(r, cloudmask.Config{Threshold: 25})
	test.That(t, err, test.ShouldBeNil)

	engine, err := NewSpatialEngine(DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	sf := engine.Evaluate(r, m, 20, 10)
	test.That(t, sf.Greenness, test.ShouldEqual, SentinelRatio)
}

func TestBoundaryIncompleteFlag(t *testing.T) {
	r := flatRaster(t, 30, 30)
	engine, err := NewSpatialEngine(DefaultConfig())
	test.That(t, err, test.ShouldBeNil)

	// reach is green+red radius = 8
	sf := engine.Evaluate(r, nil, 5, 15)
	test.That(t, sf.BoundaryIncomplete, test.ShouldBeTrue)
	sf = engine.Evaluate(r, nil, 15, 15)
	test.That(t, sf.BoundaryIncomplete, test.ShouldBeFalse)
	sf = engine.Evaluate(r, nil, 25, 15)
	test.That(t, sf.BoundaryIncomplete, test.ShouldBeTrue)
}

func TestOffsetAxisIsConfigurable(t *testing.T) {
	r := flatRaster(t, 20, 40)
	// truck oriented along +y
	r.SetValue(raster.Blue, 10, 20, 0.3)
	r.SetValue(raster.Green, 10, 22, 0.3)
	r.SetValue(raster.Red, 10, 25, 0.3)

	cfg := DefaultConfig()
	cfg.OffsetAxis = Axis{DX: 0, DY: 1}
	engine, err := NewSpatialEngine(cfg)
	test.That(t, err, test.ShouldBeNil)
	sf := engine.Evaluate(r, nil, 10, 20)
	test.That(t, sf.Connectivity, test.ShouldEqual, 1.0)
	test.That(t, sf.GreenDY, test.ShouldEqual, 2)
	test.That(t, sf.RedDY, test.ShouldEqual, 3)

	// with the default +x axis the same signal must not chain
	engineX, err := NewSpatialEngine(DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	sf = engineX.Evaluate(r, nil, 10, 20)
	test.That(t, sf.Connectivity, test.ShouldEqual, 0.0)
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedRadius = 1
	_, err := NewSpatialEngine(cfg)
	test.That(t, err, test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.OffsetAxis = Axis{}
	_, err = NewSpatialEngine(cfg)
	test.That(t, err, test.ShouldNotBeNil)
}
