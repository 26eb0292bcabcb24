package density

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// GeographicCRS is the CRS every input polygon is expressed in.
const GeographicCRS = "EPSG:4326"

// reprojectDecimals is the precision coordinates are rounded to after a
// transform.
const reprojectDecimals = 6

// CoordTransformer transforms EPSG:4326 coordinates in place into targetCRS.
// targetCRS is an "EPSG:<code>" identifier or a WKT definition.
type CoordTransformer interface {
	Transform(targetCRS string, xs, ys []float64) error
}

// IsGeographic reports whether crs names plain WGS84 longitude/latitude.
func IsGeographic(crs string) bool {
	switch strings.ToUpper(strings.TrimSpace(crs)) {
	case GeographicCRS, "WGS84":
		return true
	}
	return false
}

// Reproject returns g expressed in targetCRS. An unknown (empty) or
// geographic target returns g unchanged; masking against a raster without a
// CRS is best effort.
func Reproject(g geom.T, targetCRS string, tr CoordTransformer) (geom.T, error) {
	if targetCRS == "" || IsGeographic(targetCRS) {
		return g, nil
	}
	if tr == nil {
		return nil, eris.Errorf("density: no transformer for %s", targetCRS)
	}

	stride := g.Stride()
	src := g.FlatCoords()
	n := len(src) / stride
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i := 0; i < n; i++ {
		xs[i] = src[i*stride]
		ys[i] = src[i*stride+1]
	}

	if err := tr.Transform(targetCRS, xs, ys); err != nil {
		return nil, eris.Wrapf(err, "density: reproject to %s", targetCRS)
	}

	flat := make([]float64, 0, n*2)
	for i := 0; i < n; i++ {
		flat = append(flat, round(xs[i], reprojectDecimals), round(ys[i], reprojectDecimals))
	}

	switch t := g.(type) {
	case *geom.Polygon:
		return geom.NewPolygonFlat(geom.XY, flat, scaleEnds(t.Ends(), stride)), nil
	case *geom.MultiPolygon:
		endss := make([][]int, len(t.Endss()))
		for i, ends := range t.Endss() {
			endss[i] = scaleEnds(ends, stride)
		}
		return geom.NewMultiPolygonFlat(geom.XY, flat, endss), nil
	default:
		return nil, eris.Errorf("density: cannot reproject %T", g)
	}
}

// scaleEnds rewrites ring end offsets from a layout with the given stride to XY.
func scaleEnds(ends []int, stride int) []int {
	out := make([]int, len(ends))
	for i, e := range ends {
		out[i] = e / stride * 2
	}
	return out
}

func round(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}
