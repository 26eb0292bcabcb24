package main

import (
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/popdensity/internal/config"
	"github.com/sells-group/popdensity/internal/density"
	"github.com/sells-group/popdensity/internal/monitoring"
	"github.com/sells-group/popdensity/internal/raster"
)

// buildLookup returns the land-cover lookup table selected by the config.
// A lookup file overrides the built-in scheme.
func buildLookup(c *config.Config) (density.ClassLookup, error) {
	lc := c.Rasters.Landcover
	if lc.LookupFile != "" {
		l, err := density.LoadLookupFile(lc.LookupFile)
		if err != nil {
			return nil, eris.Wrap(err, "build lookup")
		}
		return l, nil
	}
	l, err := density.Scheme(lc.Scheme)
	if err != nil {
		return nil, eris.Wrap(err, "build lookup")
	}
	return l, nil
}

// newEstimator wires the GDAL-backed estimator from the config. metrics may
// be nil.
func newEstimator(c *config.Config, metrics *monitoring.Metrics) (*density.Estimator, error) {
	lookup, err := buildLookup(c)
	if err != nil {
		return nil, err
	}

	var cache *density.EstimateCache
	if c.Cache.MaxEntries > 0 {
		cache = density.NewEstimateCache(c.Cache.MaxEntries, time.Duration(c.Cache.TTLSecs)*time.Second, nil)
	}

	zap.L().Info("estimator configured",
		zap.String("density_path", c.Rasters.Density.Path),
		zap.String("landcover_path", c.Rasters.Landcover.Path),
		zap.Ints("lookup_classes", lookup.Classes()),
		zap.Int("cache_entries", c.Cache.MaxEntries),
	)

	return density.NewEstimator(density.EstimatorConfig{
		Opener:        raster.NewOpener(),
		Transformer:   raster.NewTransformer(),
		DensityPath:   c.Rasters.Density.Path,
		LandcoverPath: c.Rasters.Landcover.Path,
		Lookup:        lookup,
		Cache:         cache,
		Metrics:       metrics,
	}), nil
}
