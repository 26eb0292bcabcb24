package raster

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/airbusgeo/godal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/popdensity/internal/density"
)

// unitGT covers lon 0..1, lat 0..1 with 0.1 degree pixels.
var unitGT = [6]float64{0, 0.1, 0, 1, 0, -0.1}

// writeTestRaster creates a 10x10 Float64 GeoTIFF where pixel (row, col)
// holds row*10+col+1. epsg 0 leaves the raster without a CRS.
func writeTestRaster(t *testing.T, epsg int) string {
	t.Helper()
	Register()

	path := filepath.Join(t.TempDir(), "test.tif")
	ds, err := godal.Create(godal.GTiff, path, 1, godal.Float64, 10, 10)
	require.NoError(t, err)

	require.NoError(t, ds.SetGeoTransform(unitGT))
	if epsg != 0 {
		sr, err := godal.NewSpatialRefFromEPSG(epsg)
		require.NoError(t, err)
		defer sr.Close()
		require.NoError(t, ds.SetSpatialRef(sr))
	}

	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i + 1)
	}
	require.NoError(t, ds.Bands()[0].Write(0, 0, values, 10, 10))
	require.NoError(t, ds.Close())
	return path
}

func square(x0, y0, x1, y1 float64) *geom.Polygon {
	return geom.NewPolygonFlat(geom.XY, []float64{x0, y0, x1, y0, x1, y1, x0, y1, x0, y0}, []int{10})
}

func TestOpen_Missing(t *testing.T) {
	_, err := NewOpener().Open(filepath.Join(t.TempDir(), "nope.tif"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestOpen_NotARaster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.tif")
	require.NoError(t, os.WriteFile(path, []byte("not a tiff"), 0o644))

	_, err := NewOpener().Open(path)
	require.Error(t, err)
	assert.False(t, errors.Is(err, fs.ErrNotExist))
}

func TestDataset_CRS(t *testing.T) {
	r, err := NewOpener().Open(writeTestRaster(t, 3035))
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck
	assert.Equal(t, "EPSG:3035", r.CRS())

	bare, err := NewOpener().Open(writeTestRaster(t, 0))
	require.NoError(t, err)
	defer bare.Close() //nolint:errcheck
	assert.Equal(t, "", bare.CRS())
}

func TestDataset_ClipSquare(t *testing.T) {
	r, err := NewOpener().Open(writeTestRaster(t, 4326))
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck

	s, err := r.Clip(square(0.22, 0.22, 0.58, 0.58))
	require.NoError(t, err)

	assert.Equal(t, 4, s.Width)
	assert.Equal(t, 4, s.Height)
	require.Len(t, s.Values, 16)
	assert.Equal(t, 43.0, s.Values[0])
	assert.Equal(t, 76.0, s.Values[15])

	enclosed := s.Enclosed()
	assert.Len(t, enclosed, 16)
	maxVal, _ := density.ContinuousStats(s.Valid())
	assert.Equal(t, 76.0, maxVal)
}

func TestDataset_ClipMasksOutsidePixels(t *testing.T) {
	r, err := NewOpener().Open(writeTestRaster(t, 4326))
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck

	tri := geom.NewPolygonFlat(geom.XY, []float64{0.2, 0.2, 0.8, 0.2, 0.2, 0.8, 0.2, 0.2}, []int{8})
	s, err := r.Clip(tri)
	require.NoError(t, err)

	assert.Contains(t, s.Inside, true)
	assert.Contains(t, s.Inside, false)
	assert.Less(t, len(s.Enclosed()), len(s.Values))
}

func TestDataset_ClipNoOverlap(t *testing.T) {
	r, err := NewOpener().Open(writeTestRaster(t, 4326))
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck

	_, err = r.Clip(square(10, 10, 11, 11))
	assert.ErrorIs(t, err, ErrNoOverlap)
}

func TestDataset_CloseTwice(t *testing.T) {
	r, err := NewOpener().Open(writeTestRaster(t, 4326))
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}

func TestPixelWindow(t *testing.T) {
	b := geom.NewBounds(geom.XY).Set(0.25, 0.35, 0.55, 0.65)
	w, err := pixelWindow(unitGT, 10, 10, b)
	require.NoError(t, err)
	assert.Equal(t, window{col: 2, row: 3, width: 4, height: 4}, w)

	gt := w.geoTransform(unitGT)
	assert.InDelta(t, 0.2, gt[0], 1e-12)
	assert.InDelta(t, 0.7, gt[3], 1e-12)
	assert.Equal(t, unitGT[1], gt[1])
	assert.Equal(t, unitGT[5], gt[5])
}

func TestPixelWindow_ClampsToRaster(t *testing.T) {
	b := geom.NewBounds(geom.XY).Set(-5, -5, 0.15, 0.15)
	w, err := pixelWindow(unitGT, 10, 10, b)
	require.NoError(t, err)
	assert.Equal(t, window{col: 0, row: 8, width: 2, height: 2}, w)
}

func TestPixelWindow_Errors(t *testing.T) {
	b := geom.NewBounds(geom.XY).Set(0.2, 0.2, 0.4, 0.4)

	_, err := pixelWindow([6]float64{0, 0.1, 0.01, 1, 0, -0.1}, 10, 10, b)
	assert.Error(t, err)

	_, err = pixelWindow([6]float64{0, 0, 0, 1, 0, -0.1}, 10, 10, b)
	assert.Error(t, err)

	_, err = pixelWindow(unitGT, 10, 10, geom.NewBounds(geom.XY).Set(2, 2, 3, 3))
	assert.ErrorIs(t, err, ErrNoOverlap)
}

func TestTransformer_LAEAEurope(t *testing.T) {
	xs := []float64{10}
	ys := []float64{52}
	require.NoError(t, NewTransformer().Transform("EPSG:3035", xs, ys))

	// 52N 10E is the projection centre of ETRS89-LAEA.
	assert.InDelta(t, 4321000, xs[0], 1)
	assert.InDelta(t, 3210000, ys[0], 1)
}

func TestTransformer_Errors(t *testing.T) {
	tr := NewTransformer()
	assert.Error(t, tr.Transform("EPSG:3035", []float64{1, 2}, []float64{1}))
	assert.Error(t, tr.Transform("not a crs", []float64{1}, []float64{1}))
}
