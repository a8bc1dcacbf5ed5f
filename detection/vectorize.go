package detection

import (
	"time"

	"github.com/golang/geo/r2"

	"github.com/datasciencecampus/detecting-trucks/raster"
)

// Detection is the vectorized ground footprint of one contiguous cluster of
// positively classified pixels. A single positive pixel is a valid minimal
// detection.
type Detection struct {
	Location string
	Date     time.Time
	// Polygon is a closed ring in the raster's CRS, wound clockwise from
	// the north-west corner of the cluster's footprint.
	Polygon []r2.Point
	// PixelCount is the cluster size.
	PixelCount int
}

// Vectorize finds the 4-connected clusters of positive cells in a
// parent-extent binary plane and returns one polygon per cluster. Because
// the plane is assembled from all chips first, clusters spanning chip
// boundaries dissolve into one detection.
func Vectorize(plane []float64, width, height int, tf raster.Transform, location string, date time.Time) []Detection {
	seen := make([]bool, len(plane))
	var out []Detection
	var queue []int
	for start, v := range plane {
		if seen[start] || v <= 0 {
			continue
		}
		minX, minY := start%width, start/width
		maxX, maxY := minX, minY
		count := 0
		queue = append(queue[:0], start)
		seen[start] = true
		for len(queue) > 0 {
			k := queue[0]
			queue = queue[1:]
			count++
			x, y := k%width, k/width
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
			for _, nk := range [4]int{k - width, k + width, k - 1, k + 1} {
				if nk < 0 || nk >= len(plane) || seen[nk] {
					continue
				}
				// no wrap across row ends
				if (nk == k-1 && x == 0) || (nk == k+1 && x == width-1) {
					continue
				}
				if plane[nk] > 0 {
					seen[nk] = true
					queue = append(queue, nk)
				}
			}
		}
		out = append(out, Detection{
			Location:   location,
			Date:       date,
			Polygon:    footprint(minX, minY, maxX, maxY, tf),
			PixelCount: count,
		})
	}
	return out
}

// footprint returns the closed ground-CRS ring of the pixel range
// [minX..maxX] x [minY..maxY], using pixel outer edges.
func footprint(minX, minY, maxX, maxY int, tf raster.Transform) []r2.Point {
	left := tf.OriginX + float64(minX)*tf.PixelSize
	right := tf.OriginX + float64(maxX+1)*tf.PixelSize
	top := tf.OriginY - float64(minY)*tf.PixelSize
	bottom := tf.OriginY - float64(maxY+1)*tf.PixelSize
	return []r2.Point{
		{X: left, Y: top},
		{X: right, Y: top},
		{X: right, Y: bottom},
		{X: left, Y: bottom},
		{X: left, Y: top},
	}
}
