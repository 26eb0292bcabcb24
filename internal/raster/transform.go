package raster

import (
	"github.com/airbusgeo/godal"
	"github.com/rotisserie/eris"
)

// Transformer reprojects EPSG:4326 coordinates with GDAL/PROJ, using
// longitude/latitude axis order.
type Transformer struct{}

// NewTransformer registers GDAL drivers and returns a Transformer.
func NewTransformer() Transformer {
	Register()
	return Transformer{}
}

// Transform converts xs/ys in place from EPSG:4326 into targetCRS, which may
// be an "EPSG:<code>" identifier or a WKT definition.
func (Transformer) Transform(targetCRS string, xs, ys []float64) error {
	if len(xs) != len(ys) {
		return eris.Errorf("raster: transform got %d xs and %d ys", len(xs), len(ys))
	}

	src, err := godal.NewSpatialRefFromEPSG(4326)
	if err != nil {
		return eris.Wrap(err, "raster: EPSG:4326 spatial ref")
	}
	defer src.Close()

	dst, err := godal.NewSpatialRef(targetCRS)
	if err != nil {
		return eris.Wrapf(err, "raster: parse CRS %q", targetCRS)
	}
	defer dst.Close()

	trn, err := godal.NewTransform(src, dst)
	if err != nil {
		return eris.Wrapf(err, "raster: transform to %q", targetCRS)
	}
	defer trn.Close()

	ok := make([]bool, len(xs))
	if err := trn.TransformEx(xs, ys, nil, ok); err != nil {
		return eris.Wrapf(err, "raster: transform to %q", targetCRS)
	}
	for i, good := range ok {
		if !good {
			return eris.Errorf("raster: point %d (%v, %v) failed to transform to %q", i, xs[i], ys[i], targetCRS)
		}
	}
	return nil
}
