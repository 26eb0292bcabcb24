// Package raster reads GeoTIFF (or any GDAL-readable) rasters for the
// density estimator.
package raster

import (
	"errors"
	"io/fs"
	"math"
	"os"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/sells-group/popdensity/internal/density"
)

// ErrNoOverlap is returned when a geometry's envelope misses the raster.
var ErrNoOverlap = eris.New("raster: input shape does not overlap raster")

var registerOnce sync.Once

// Register registers the GDAL drivers. It is safe to call more than once.
func Register() {
	registerOnce.Do(godal.RegisterAll)
}

// Opener opens rasters read-only with GDAL.
type Opener struct{}

// NewOpener registers GDAL drivers and returns an Opener.
func NewOpener() Opener {
	Register()
	return Opener{}
}

// Open opens path read-only. A missing file returns an error wrapping
// fs.ErrNotExist without touching GDAL.
func (Opener) Open(path string) (density.Raster, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, eris.Wrapf(fs.ErrNotExist, "raster: %s", path)
		}
		return nil, eris.Wrapf(err, "raster: stat %s", path)
	}

	Register()
	ds, err := godal.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "raster: open %s", path)
	}
	return &Dataset{ds: ds, path: path}, nil
}

// Dataset is an open GDAL raster.
type Dataset struct {
	ds   *godal.Dataset
	path string
}

// CRS returns "EPSG:<code>" when the raster's spatial reference carries an
// EPSG authority, its WKT otherwise, and "" when it has none.
func (d *Dataset) CRS() string {
	projWKT := d.ds.Projection()
	if projWKT == "" {
		return ""
	}
	sr, err := godal.NewSpatialRefFromWKT(projWKT)
	if err != nil {
		return projWKT
	}
	defer sr.Close()

	if sr.AuthorityName("") == "EPSG" {
		if code := sr.AuthorityCode(""); code != "" {
			return "EPSG:" + code
		}
	}
	return projWKT
}

// Clip reads band 1 over the pixel window covering g's envelope and masks it
// to g's footprint. g must be in the raster's CRS.
func (d *Dataset) Clip(g geom.T) (*density.Sample, error) {
	if len(g.FlatCoords()) == 0 {
		return nil, eris.Wrap(ErrNoOverlap, "raster: empty geometry")
	}

	gt, err := d.ds.GeoTransform()
	if err != nil {
		return nil, eris.Wrapf(err, "raster: geotransform %s", d.path)
	}

	st := d.ds.Structure()
	if st.NBands < 1 {
		return nil, eris.Errorf("raster: %s has no bands", d.path)
	}

	w, err := pixelWindow(gt, st.SizeX, st.SizeY, g.Bounds())
	if err != nil {
		return nil, eris.Wrapf(err, "raster: window %s", d.path)
	}

	values := make([]float64, w.width*w.height)
	if err := d.ds.Bands()[0].Read(w.col, w.row, values, w.width, w.height); err != nil {
		return nil, eris.Wrapf(err, "raster: read %s", d.path)
	}

	inside, err := rasterizeMask(g, w.geoTransform(gt), w.width, w.height)
	if err != nil {
		return nil, eris.Wrapf(err, "raster: mask %s", d.path)
	}

	return &density.Sample{
		Width:  w.width,
		Height: w.height,
		Values: values,
		Inside: inside,
	}, nil
}

// Close releases the GDAL handle.
func (d *Dataset) Close() error {
	if d.ds == nil {
		return nil
	}
	err := d.ds.Close()
	d.ds = nil
	return err
}

// window is a pixel window into a raster.
type window struct {
	col, row      int
	width, height int
}

// geoTransform returns the geotransform of the window's top-left pixel.
func (w window) geoTransform(gt [6]float64) [6]float64 {
	return [6]float64{
		gt[0] + float64(w.col)*gt[1],
		gt[1],
		0,
		gt[3] + float64(w.row)*gt[5],
		0,
		gt[5],
	}
}

// pixelWindow maps an envelope to the pixel window that covers it, with the
// start floored and the stop ceiled, clamped to the raster extent.
func pixelWindow(gt [6]float64, sizeX, sizeY int, b *geom.Bounds) (window, error) {
	if gt[2] != 0 || gt[4] != 0 {
		return window{}, eris.New("rotated rasters are not supported")
	}
	if gt[1] == 0 || gt[5] == 0 {
		return window{}, eris.New("degenerate geotransform")
	}

	c0 := (b.Min(0) - gt[0]) / gt[1]
	c1 := (b.Max(0) - gt[0]) / gt[1]
	r0 := (b.Max(1) - gt[3]) / gt[5]
	r1 := (b.Min(1) - gt[3]) / gt[5]
	if c0 > c1 {
		c0, c1 = c1, c0
	}
	if r0 > r1 {
		r0, r1 = r1, r0
	}

	colStart := clamp(int(math.Floor(c0)), 0, sizeX)
	colStop := clamp(int(math.Ceil(c1)), 0, sizeX)
	rowStart := clamp(int(math.Floor(r0)), 0, sizeY)
	rowStop := clamp(int(math.Ceil(r1)), 0, sizeY)

	if colStop <= colStart || rowStop <= rowStart {
		return window{}, ErrNoOverlap
	}
	return window{
		col:    colStart,
		row:    rowStart,
		width:  colStop - colStart,
		height: rowStop - rowStart,
	}, nil
}

// rasterizeMask burns g onto an in-memory byte grid aligned with the window.
// A pixel is inside when its centre falls within g.
func rasterizeMask(g geom.T, gt [6]float64, width, height int) ([]bool, error) {
	text, err := wkt.Marshal(g)
	if err != nil {
		return nil, eris.Wrap(err, "encode geometry")
	}
	og, err := godal.NewGeometryFromWKT(text, nil)
	if err != nil {
		return nil, eris.Wrap(err, "build geometry")
	}
	defer og.Close()

	mem, err := godal.Create(godal.Memory, "", 1, godal.Byte, width, height)
	if err != nil {
		return nil, eris.Wrap(err, "create mask dataset")
	}
	defer mem.Close() //nolint:errcheck

	if err := mem.SetGeoTransform(gt); err != nil {
		return nil, eris.Wrap(err, "set mask geotransform")
	}
	if err := mem.RasterizeGeometry(og, godal.Values(1)); err != nil {
		return nil, eris.Wrap(err, "rasterize geometry")
	}

	buf := make([]uint8, width*height)
	if err := mem.Bands()[0].Read(0, 0, buf, width, height); err != nil {
		return nil, eris.Wrap(err, "read mask")
	}

	inside := make([]bool, len(buf))
	for i, v := range buf {
		inside[i] = v != 0
	}
	return inside, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
