package detection

import (
	"encoding/json"
	"os"
)

// geoJSON types, just enough for polygon feature collections.
type geoJSONGeometry struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

type geoJSONFeature struct {
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
	Geometry   geoJSONGeometry        `json:"geometry"`
}

type geoJSONCollection struct {
	Type     string           `json:"type"`
	CRS      string           `json:"crs,omitempty"`
	Features []geoJSONFeature `json:"features"`
}

// WriteGeoJSON writes one date's detections as a polygon feature
// collection in the raster's CRS.
func WriteGeoJSON(fn string, detections []Detection, crs string) error {
	coll := geoJSONCollection{Type: "FeatureCollection", CRS: crs, Features: []geoJSONFeature{}}
	for i, d := range detections {
		ring := make([][2]float64, len(d.Polygon))
		for j, p := range d.Polygon {
			ring[j] = [2]float64{p.X, p.Y}
		}
		coll.Features = append(coll.Features, geoJSONFeature{
			Type: "Feature",
			Properties: map[string]interface{}{
				"id":          i,
				"location":    d.Location,
				"date":        d.Date.UTC().Format("2006-01-02"),
				"pixel_count": d.PixelCount,
			},
			Geometry: geoJSONGeometry{Type: "Polygon", Coordinates: [][][2]float64{ring}},
		})
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(coll); err != nil {
		return err
	}
	return f.Sync()
}

// ReadGeoJSON loads a collection written by WriteGeoJSON; used by tests and
// by reruns that want to skip already-predicted dates.
func ReadGeoJSON(fn string) (int, error) {
	raw, err := os.ReadFile(fn)
	if err != nil {
		return 0, err
	}
	var coll geoJSONCollection
	if err := json.Unmarshal(raw, &coll); err != nil {
		return 0, err
	}
	return len(coll.Features), nil
}
