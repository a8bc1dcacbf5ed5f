package detection

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/datasciencecampus/detecting-trucks/raster"
)

// Quicklook renders an assembled detection plane over the scene's
// true-color bands and writes a PNG for visual QA. Detected pixels are
// drawn in red; scale enlarges the output so single-pixel detections stay
// visible.
func Quicklook(fn string, parent *raster.Raster, plane []float64, scale int) error {
	if scale < 1 {
		scale = 1
	}
	width, height := parent.Width(), parent.Height()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	const saturationLevel = 0.2
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if plane[y*width+x] > 0 {
				img.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
				continue
			}
			if parent.IsNoData(x, y) {
				img.SetNRGBA(x, y, color.NRGBA{A: 255})
				continue
			}
			img.SetNRGBA(x, y, color.NRGBA{
				R: to8bit(parent.Value(raster.Red, x, y) / saturationLevel),
				G: to8bit(parent.Value(raster.Green, x, y) / saturationLevel),
				B: to8bit(parent.Value(raster.Blue, x, y) / saturationLevel),
				A: 255,
			})
		}
	}
	out := imaging.Resize(img, width*scale, height*scale, imaging.NearestNeighbor)
	return imaging.Save(out, fn)
}

func to8bit(v float64) uint8 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return uint8(v * 255)
}
