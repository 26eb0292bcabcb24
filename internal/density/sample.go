package density

import (
	"github.com/twpayne/go-geom"
)

// Role names one of the two raster inputs.
type Role string

// Raster roles.
const (
	RoleDensity   Role = "density"
	RoleLandcover Role = "landcover"
)

// Sample is band 1 of a raster cropped to a geometry's envelope. Inside marks
// the pixels whose centre falls within the geometry itself.
type Sample struct {
	Width  int
	Height int
	Values []float64
	Inside []bool
}

// Enclosed returns the values of pixels inside the geometry, before the
// nodata heuristic is applied.
func (s *Sample) Enclosed() []float64 {
	if s == nil {
		return nil
	}
	out := make([]float64, 0, len(s.Values))
	for i, v := range s.Values {
		if i < len(s.Inside) && s.Inside[i] {
			out = append(out, v)
		}
	}
	return out
}

// Valid returns the enclosed values that pass IsValidPixel.
func (s *Sample) Valid() []float64 {
	return ValidPixels(s.Enclosed())
}

// Raster is an open, read-only raster handle.
type Raster interface {
	// CRS returns "EPSG:<code>", a WKT definition, or "" when the raster
	// has no spatial reference.
	CRS() string
	// Clip crops band 1 to the envelope of g, which must already be in the
	// raster's CRS, and masks it to g's footprint.
	Clip(g geom.T) (*Sample, error)
	Close() error
}

// RasterOpener opens rasters by path. A missing file yields an error that
// wraps fs.ErrNotExist.
type RasterOpener interface {
	Open(path string) (Raster, error)
}
