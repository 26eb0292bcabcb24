package density

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
	"github.com/twpayne/go-geos"
)

// minRingCoords is the smallest closed ring GEOS accepts: three distinct
// vertices plus the closing vertex.
const minRingCoords = 4

// BuildGeometry turns [lon, lat] pairs into a valid polygon in EPSG:4326.
// It is BuildPolygon followed by RepairGeometry.
func BuildGeometry(coords [][]float64) (geom.T, error) {
	p, err := BuildPolygon(coords)
	if err != nil {
		return nil, err
	}
	g, _, err := RepairGeometry(p)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// BuildPolygon validates the input pairs and builds a single-ring polygon,
// appending the first pair when the ring is not already closed.
func BuildPolygon(coords [][]float64) (*geom.Polygon, error) {
	if len(coords) < 3 {
		return nil, invalidInput("requires >= 3 points, got %d", len(coords))
	}

	flat := make([]float64, 0, (len(coords)+1)*2)
	for i, c := range coords {
		if len(c) != 2 {
			return nil, invalidInput("point %d must be a [lon, lat] pair, got %d values", i, len(c))
		}
		if !finite(c[0]) || !finite(c[1]) {
			return nil, invalidInput("point %d has a non-finite coordinate", i)
		}
		flat = append(flat, c[0], c[1])
	}

	first, last := coords[0], coords[len(coords)-1]
	if first[0] != last[0] || first[1] != last[1] {
		flat = append(flat, first[0], first[1])
	}

	if n := len(flat) / 2; n < minRingCoords {
		return nil, invalidInput("ring requires at least %d coordinates once closed, got %d", minRingCoords, n)
	}

	return geom.NewPolygonFlat(geom.XY, flat, []int{len(flat)}).SetSRID(4326), nil
}

// RepairGeometry returns p unchanged when GEOS considers it valid. Otherwise
// it returns the zero-width buffer of p and true. The repaired geometry may
// be a MultiPolygon, may have a different vertex count, and may be empty.
func RepairGeometry(p *geom.Polygon) (geom.T, bool, error) {
	text, err := wkt.Marshal(p)
	if err != nil {
		return nil, false, eris.Wrap(err, "density: encode polygon")
	}

	g, err := geos.NewGeomFromWKT(text)
	if err != nil {
		return nil, false, &InvalidInputError{Reason: err.Error()}
	}
	if g.IsValid() {
		return p, false, nil
	}

	repaired, err := wkt.Unmarshal(g.Buffer(0, 8).ToWKT())
	if err != nil {
		return nil, false, eris.Wrap(err, "density: decode repaired polygon")
	}
	return withSRID(repaired, 4326), true, nil
}

func withSRID(g geom.T, srid int) geom.T {
	switch t := g.(type) {
	case *geom.Polygon:
		return t.SetSRID(srid)
	case *geom.MultiPolygon:
		return t.SetSRID(srid)
	}
	return g
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
