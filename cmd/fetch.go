package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/popdensity/internal/config"
	"github.com/sells-group/popdensity/internal/fetcher"
	"github.com/sells-group/popdensity/internal/provision"
	"github.com/sells-group/popdensity/internal/resilience"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download missing raster files from their configured URLs",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := newProvisioner(cfg.Fetch)
		results, err := p.Ensure(cmd.Context(), rasterAssets(cfg))

		out := cmd.OutOrStdout()
		for _, r := range results {
			fmt.Fprintf(out, "%-10s %-11s %s %s\n", r.Asset.Name, r.Status, r.Asset.Path, r.ETag) //nolint:errcheck
		}
		if err != nil {
			zap.L().Error("fetch incomplete", zap.Error(err))
		}
		return err
	},
}

// rasterAssets lists the two raster roles as provisioning assets.
func rasterAssets(c *config.Config) []provision.Asset {
	return []provision.Asset{
		{Name: "density", Path: c.Rasters.Density.Path, URL: c.Rasters.Density.URL},
		{Name: "landcover", Path: c.Rasters.Landcover.Path, URL: c.Rasters.Landcover.URL},
	}
}

// newProvisioner builds the provisioner. MaxRequestRetries bounds requests
// inside one download; MaxAttempts bounds whole-file downloads.
func newProvisioner(fc config.FetchConfig) *provision.Provisioner {
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:      fc.UserAgent,
		Timeout:        time.Duration(fc.TimeoutSecs) * time.Second,
		MaxRetries:     fc.MaxRequestRetries,
		RequestsPerSec: fc.RequestsPerSec,
	})
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = fc.MaxAttempts
	if fc.InitialBackoffS > 0 {
		retry.InitialBackoff = time.Duration(fc.InitialBackoffS) * time.Second
	}
	return provision.New(f, retry)
}

// provisionInBackground runs p over assets without blocking the caller. The
// returned channel yields the results once and is then closed.
func provisionInBackground(ctx context.Context, p *provision.Provisioner, assets []provision.Asset) <-chan []provision.Result {
	done := make(chan []provision.Result, 1)
	go func() {
		defer close(done)
		results, err := p.Ensure(ctx, assets)
		if err != nil {
			zap.L().Error("background provisioning incomplete", zap.Error(err))
		} else {
			zap.L().Info("background provisioning finished", zap.Int("assets", len(results)))
		}
		done <- results
	}()
	return done
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}
