package density

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/popdensity/internal/monitoring"
)

// Estimate is the reconciled density for one polygon, in inhabitants/km².
type Estimate struct {
	OverallMax                 float64 `json:"d_popmax"`
	ContinuousAvg              float64 `json:"d_avg"`
	ContinuousMax              float64 `json:"d_jrc_max"`
	CategoricalConservativeMax float64 `json:"d_luisa_conservative"`
	DominantClass              *int    `json:"luisa_class"`
}

// EstimatorConfig wires an Estimator.
type EstimatorConfig struct {
	Opener        RasterOpener
	Transformer   CoordTransformer
	DensityPath   string
	LandcoverPath string
	Lookup        ClassLookup
	Cache         *EstimateCache      // optional
	Metrics       *monitoring.Metrics // optional
}

// Estimator turns polygons into density estimates against the two rasters.
// It holds no per-request state and is safe for concurrent use.
type Estimator struct {
	opener        RasterOpener
	transformer   CoordTransformer
	densityPath   string
	landcoverPath string
	lookup        ClassLookup
	cache         *EstimateCache
	metrics       *monitoring.Metrics
}

// NewEstimator creates an Estimator. A nil lookup means every class maps to 0.
func NewEstimator(cfg EstimatorConfig) *Estimator {
	lookup := cfg.Lookup
	if lookup == nil {
		lookup = ClassLookup{}
	}
	return &Estimator{
		opener:        cfg.Opener,
		transformer:   cfg.Transformer,
		densityPath:   cfg.DensityPath,
		landcoverPath: cfg.LandcoverPath,
		lookup:        lookup,
		cache:         cfg.Cache,
		metrics:       cfg.Metrics,
	}
}

// CacheStats reports the estimate cache counters. ok is false when the
// estimator runs without a cache.
func (e *Estimator) CacheStats() (stats CacheStats, ok bool) {
	if e.cache == nil {
		return CacheStats{}, false
	}
	return e.cache.Stats(), true
}

// roleResult is the outcome of evaluating one raster role.
type roleResult struct {
	valid   []float64
	outcome string
}

// Estimate builds a geometry from coords and evaluates both rasters against
// it. Only invalid input and context cancellation are returned as errors; a
// raster that cannot be read contributes zeros.
func (e *Estimator) Estimate(ctx context.Context, coords [][]float64) (*Estimate, error) {
	g, err := BuildGeometry(coords)
	if err != nil {
		return nil, err
	}

	key := PolygonKey(coords)
	if e.cache != nil {
		est, ok := e.cache.Get(key)
		e.metrics.ObserveCache(ok)
		if ok {
			return &est, nil
		}
	}

	var densityRes, landcoverRes roleResult
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		densityRes = e.evaluate(gctx, RoleDensity, e.densityPath, g)
		return nil
	})
	grp.Go(func() error {
		landcoverRes = e.evaluate(gctx, RoleLandcover, e.landcoverPath, g)
		return nil
	})
	_ = grp.Wait()

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "density: estimate")
	}

	contMax, contAvg := ContinuousStats(densityRes.valid)
	catMax, dominant := CategoricalConservative(landcoverRes.valid, e.lookup)

	est := Estimate{
		OverallMax:                 Reconcile(contMax, catMax),
		ContinuousAvg:              contAvg,
		ContinuousMax:              contMax,
		CategoricalConservativeMax: catMax,
		DominantClass:              dominant,
	}

	// Degraded results are not cached: a missing file may be provisioned later.
	if e.cache != nil && densityRes.outcome == monitoring.OutcomeOK && landcoverRes.outcome == monitoring.OutcomeOK {
		e.cache.Put(key, est)
	}
	return &est, nil
}

// evaluate runs one raster role and converts any failure into an empty result.
func (e *Estimator) evaluate(ctx context.Context, role Role, path string, g geom.T) roleResult {
	start := time.Now()
	log := zap.L().With(
		zap.String("component", "density.estimator"),
		zap.String("role", string(role)),
		zap.String("path", path),
	)

	valid, err := e.sample(ctx, role, path, g)
	res := roleResult{valid: valid, outcome: monitoring.OutcomeOK}
	switch {
	case err == nil:
		log.Debug("raster sampled", zap.Int("valid_pixels", len(valid)))
	case errors.Is(err, fs.ErrNotExist):
		res = roleResult{outcome: monitoring.OutcomeMissing}
		log.Debug("raster file not present, using defaults")
	default:
		res = roleResult{outcome: monitoring.OutcomeError}
		log.Error("raster sampling failed, using defaults", zap.Error(err))
	}

	e.metrics.ObserveSample(string(role), res.outcome, time.Since(start).Seconds(), len(res.valid))
	return res
}

// sample is the scoped open, reproject, clip, close sequence for one raster.
func (e *Estimator) sample(ctx context.Context, role Role, path string, g geom.T) ([]float64, error) {
	if path == "" {
		return nil, &RasterAccessError{Role: role, Path: path, Err: fs.ErrNotExist}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.opener == nil {
		return nil, &RasterAccessError{Role: role, Path: path, Err: eris.New("no raster opener configured")}
	}

	r, err := e.opener.Open(path)
	if err != nil {
		return nil, &RasterAccessError{Role: role, Path: path, Err: err}
	}
	defer func() {
		if cerr := r.Close(); cerr != nil {
			zap.L().Warn("density: close raster", zap.String("path", path), zap.Error(cerr))
		}
	}()

	crs := r.CRS()
	if crs == "" {
		zap.L().Warn("density: raster has no CRS, masking with geographic coordinates",
			zap.String("role", string(role)),
			zap.String("path", path),
		)
	}

	target, err := Reproject(g, crs, e.transformer)
	if err != nil {
		return nil, &RasterAccessError{Role: role, Path: path, Err: err}
	}

	s, err := r.Clip(target)
	if err != nil {
		return nil, &RasterAccessError{Role: role, Path: path, Err: err}
	}
	return s.Valid(), nil
}
