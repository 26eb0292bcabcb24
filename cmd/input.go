package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// parsePolygonJSON accepts either a bare coordinate array or a
// {"polygon": [...]} request body.
func parsePolygonJSON(data []byte) ([][]float64, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var coords [][]float64
		if err := json.Unmarshal(data, &coords); err != nil {
			return nil, eris.Wrap(err, "parse coordinate array")
		}
		return coords, nil
	}

	var body queryRequest
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, eris.Wrap(err, "parse polygon body")
	}
	if body.Polygon == nil {
		return nil, eris.New("parse polygon body: missing \"polygon\"")
	}
	return body.Polygon, nil
}

// readPolygonFile reads a GeoJSON geometry, Feature or FeatureCollection, or
// a {"polygon": [...]} body. For GeoJSON the exterior ring of the first
// polygon is used.
func readPolygonFile(path string) ([][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Type == "" {
		return parsePolygonJSON(data)
	}

	var g geom.T
	switch probe.Type {
	case "FeatureCollection":
		var fc geojson.FeatureCollection
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, eris.Wrapf(err, "parse feature collection %s", path)
		}
		if len(fc.Features) == 0 {
			return nil, eris.Errorf("%s: feature collection is empty", path)
		}
		g = fc.Features[0].Geometry
	case "Feature":
		var f geojson.Feature
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, eris.Wrapf(err, "parse feature %s", path)
		}
		g = f.Geometry
	default:
		if err := geojson.Unmarshal(data, &g); err != nil {
			return nil, eris.Wrapf(err, "parse geometry %s", path)
		}
	}
	return exteriorRing(g)
}

// readShapefile returns the exterior ring of the first polygon record.
// Coordinates are taken as longitude/latitude.
func readShapefile(path string) ([][]float64, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	for reader.Next() {
		_, shape := reader.Shape()
		p, ok := shape.(*shp.Polygon)
		if !ok || p.NumParts == 0 || len(p.Points) == 0 {
			continue
		}
		end := int(p.NumPoints)
		if p.NumParts > 1 {
			end = int(p.Parts[1])
		}
		start := int(p.Parts[0])
		coords := make([][]float64, 0, end-start)
		for _, pt := range p.Points[start:end] {
			coords = append(coords, []float64{pt.X, pt.Y})
		}
		return coords, nil
	}
	if err := reader.Err(); err != nil {
		return nil, eris.Wrapf(err, "read shapefile %s", path)
	}
	return nil, eris.Errorf("%s: no polygon records", path)
}

func exteriorRing(g geom.T) ([][]float64, error) {
	var p *geom.Polygon
	switch t := g.(type) {
	case *geom.Polygon:
		p = t
	case *geom.MultiPolygon:
		if t.NumPolygons() == 0 {
			return nil, eris.New("multipolygon is empty")
		}
		p = t.Polygon(0)
	default:
		return nil, eris.Errorf("unsupported geometry %T, want a Polygon or MultiPolygon", g)
	}
	if p.NumLinearRings() == 0 {
		return nil, eris.New("polygon has no rings")
	}

	ring := p.LinearRing(0).Coords()
	coords := make([][]float64, len(ring))
	for i, c := range ring {
		coords[i] = []float64{c.X(), c.Y()}
	}
	return coords, nil
}
