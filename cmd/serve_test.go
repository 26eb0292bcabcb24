//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/popdensity/internal/density"
	"github.com/sells-group/popdensity/internal/monitoring"
)

// stubRaster returns the same enclosed pixels for any geometry.
type stubRaster struct {
	values []float64
}

func (stubRaster) CRS() string { return "EPSG:4326" }

func (s stubRaster) Clip(geom.T) (*density.Sample, error) {
	inside := make([]bool, len(s.values))
	for i := range inside {
		inside[i] = true
	}
	return &density.Sample{Width: len(s.values), Height: 1, Values: s.values, Inside: inside}, nil
}

func (stubRaster) Close() error { return nil }

// stubOpener serves stubRasters by path; other paths do not exist.
type stubOpener map[string][]float64

func (o stubOpener) Open(path string) (density.Raster, error) {
	values, ok := o[path]
	if !ok {
		return nil, eris.Wrapf(fs.ErrNotExist, "stub: %s", path)
	}
	return stubRaster{values: values}, nil
}

// failingEstimator returns a fixed error.
type failingEstimator struct{ err error }

func (f failingEstimator) Estimate(context.Context, [][]float64) (*density.Estimate, error) {
	return nil, f.err
}

func newTestRouter(t *testing.T, opener density.RasterOpener) (http.Handler, *monitoring.Metrics) {
	t.Helper()
	metrics, reg := monitoring.NewMetricsForTesting()
	lookup, err := density.Scheme(density.SchemeLUISA2021)
	require.NoError(t, err)

	dir := t.TempDir()
	est := density.NewEstimator(density.EstimatorConfig{
		Opener:        opener,
		DensityPath:   filepath.Join(dir, "jrc.tif"),
		LandcoverPath: filepath.Join(dir, "luisa.tif"),
		Lookup:        lookup,
		Metrics:       metrics,
	})
	return buildRouter(routerDeps{
		Estimator:     est,
		DataDir:       dir,
		DensityPath:   filepath.Join(dir, "jrc.tif"),
		LandcoverPath: filepath.Join(dir, "luisa.tif"),
		Metrics:       metrics,
		Gatherer:      reg,
		MaxBodyBytes:  1 << 20,
	}), metrics
}

func postQuery(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/query-density", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

const triangle = `{"polygon": [[10.0, 50.0], [10.1, 50.0], [10.05, 50.1]]}`

func TestHealth_AlwaysOK(t *testing.T) {
	h, _ := newTestRouter(t, stubOpener{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.False(t, body.JRCExists)
	assert.False(t, body.LUISAExists)
	assert.NotEmpty(t, body.DataDir)
}

func TestHealth_ReportsPresentFiles(t *testing.T) {
	dir := t.TempDir()
	jrc := filepath.Join(dir, "jrc.tif")
	require.NoError(t, os.WriteFile(jrc, []byte("x"), 0o644))

	h := buildRouter(routerDeps{
		Estimator:     failingEstimator{},
		DataDir:       dir,
		DensityPath:   jrc,
		LandcoverPath: filepath.Join(dir, "luisa.tif"),
		Gatherer:      prometheus.NewRegistry(),
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.JRCExists)
	assert.False(t, body.LUISAExists)
	assert.Equal(t, dir, body.DataDir)
}

func TestQueryDensity_MissingRastersReturnsZeros(t *testing.T) {
	h, _ := newTestRouter(t, stubOpener{})

	rr := postQuery(t, h, triangle)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"d_popmax":0,"d_avg":0,"d_jrc_max":0,"d_luisa_conservative":0,"luisa_class":null}`, rr.Body.String())
}

func TestQueryDensity_NoValidPixelsReturnsZeros(t *testing.T) {
	est := density.NewEstimator(density.EstimatorConfig{
		Opener: stubOpener{
			"jrc.tif":   {0, -1, 0},
			"luisa.tif": {0, 0},
		},
		DensityPath:   "jrc.tif",
		LandcoverPath: "luisa.tif",
	})
	h := buildRouter(routerDeps{Estimator: est, Gatherer: prometheus.NewRegistry()})

	rr := postQuery(t, h, triangle)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"d_popmax":0,"d_avg":0,"d_jrc_max":0,"d_luisa_conservative":0,"luisa_class":null}`, rr.Body.String())
}

func TestQueryDensity_ReconcilesBothRasters(t *testing.T) {
	metrics, reg := monitoring.NewMetricsForTesting()
	lookup, err := density.Scheme(density.SchemeLUISA2021)
	require.NoError(t, err)
	est := density.NewEstimator(density.EstimatorConfig{
		Opener: stubOpener{
			"jrc.tif":   {10, 20, 30, -5, 0},
			"luisa.tif": {1111, 1111, 1121, 3350},
		},
		DensityPath:   "jrc.tif",
		LandcoverPath: "luisa.tif",
		Lookup:        lookup,
		Metrics:       metrics,
	})
	h := buildRouter(routerDeps{Estimator: est, Metrics: metrics, Gatherer: reg})

	rr := postQuery(t, h, triangle)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"d_popmax":5000,"d_avg":20,"d_jrc_max":30,"d_luisa_conservative":5000,"luisa_class":1111}`, rr.Body.String())
}

func TestQueryDensity_InvalidInputIs500(t *testing.T) {
	h, _ := newTestRouter(t, stubOpener{})

	for name, tc := range map[string]struct {
		body string
		want string
	}{
		"two points":   {`{"polygon": [[0, 0], [1, 1]]}`, "invalid polygon: requires >= 3 points, got 2"},
		"missing":      {`{}`, `invalid polygon: "polygon" is required`},
		"bad pair":     {`{"polygon": [[0, 0], [1], [1, 1]]}`, "invalid polygon: point 1 must be a [lon, lat] pair, got 1 values"},
		"not json":     {`{"polygon": `, "invalid polygon: request body is truncated JSON"},
		"wrong type":   {`{"polygon": "square"}`, `invalid polygon: "polygon" must be a list of [lon, lat] pairs`},
		"empty object": {``, "invalid polygon: request body is empty"},
	} {
		t.Run(name, func(t *testing.T) {
			rr := postQuery(t, h, tc.body)
			assert.Equal(t, http.StatusInternalServerError, rr.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tc.want, resp["error"])
			assert.NotContains(t, resp["error"], "queryRequest")
		})
	}
}

func TestQueryDensity_UnexpectedErrorIs500(t *testing.T) {
	h := buildRouter(routerDeps{
		Estimator: failingEstimator{err: eris.New("density: estimate: boom")},
		Gatherer:  prometheus.NewRegistry(),
	})

	rr := postQuery(t, h, triangle)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "boom")
}

func TestRequestID(t *testing.T) {
	h, _ := newTestRouter(t, stubOpener{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Len(t, rr.Header().Get(requestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "abc-123", rr.Header().Get(requestIDHeader))
}

func TestCORS_AllowsAnyOrigin(t *testing.T) {
	h, _ := newTestRouter(t, stubOpener{})

	req := httptest.NewRequest(http.MethodOptions, "/query-density", nil)
	req.Header.Set("Origin", "https://maps.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestRouter(t, stubOpener{})
	_ = postQuery(t, h, triangle)
	_ = postQuery(t, h, `{}`)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `popdensity_query_requests_total{outcome="ok"} 1`)
	assert.Contains(t, rr.Body.String(), `popdensity_query_requests_total{outcome="invalid"} 1`)
	assert.Contains(t, rr.Body.String(), `popdensity_raster_samples_total{outcome="missing",role="density"} 1`)
}

func TestQueryDensity_BodyTooLarge(t *testing.T) {
	h := buildRouter(routerDeps{
		Estimator:    failingEstimator{},
		Gatherer:     prometheus.NewRegistry(),
		MaxBodyBytes: 16,
	})

	rr := postQuery(t, h, string(bytes.Repeat([]byte(" "), 64))+triangle)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"error":"invalid polygon: request body exceeds 16 bytes"}`, rr.Body.String())
}
