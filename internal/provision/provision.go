// Package provision downloads raster files that are missing from the data
// directory.
package provision

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/popdensity/internal/fetcher"
	"github.com/sells-group/popdensity/internal/resilience"
)

// partSuffix marks a download in progress. A file is only visible under its
// final name once it is complete.
const partSuffix = ".part"

// Asset is one raster file the service reads.
type Asset struct {
	Name string
	Path string
	URL  string
}

// Status is what Ensure did with an asset.
type Status string

// Asset statuses.
const (
	StatusPresent    Status = "present"
	StatusNoURL      Status = "no_url"
	StatusDownloaded Status = "downloaded"
	StatusFailed     Status = "failed"
)

// Result reports the outcome for one asset. ETag is the server's entity tag
// for a downloaded asset, when it sent one.
type Result struct {
	Asset  Asset
	Status Status
	Bytes  int64
	ETag   string
	Err    error
}

// Provisioner fetches missing assets.
type Provisioner struct {
	fetcher fetcher.Fetcher
	retry   resilience.RetryConfig
}

// New creates a Provisioner. retry governs whole-file attempts; the fetcher
// retries individual requests on its own.
func New(f fetcher.Fetcher, retry resilience.RetryConfig) *Provisioner {
	return &Provisioner{fetcher: f, retry: retry}
}

// Ensure downloads every asset that has a URL and is not already on disk.
// Assets are processed concurrently and independently; the returned error
// joins every failure.
func (p *Provisioner) Ensure(ctx context.Context, assets []Asset) ([]Result, error) {
	results := make([]Result, len(assets))
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	for i, a := range assets {
		g.Go(func() error {
			res := p.ensureOne(ctx, a)
			results[i] = res
			if res.Err != nil {
				mu.Lock()
				errs = append(errs, res.Err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

func (p *Provisioner) ensureOne(ctx context.Context, a Asset) Result {
	log := zap.L().With(
		zap.String("component", "provision"),
		zap.String("asset", a.Name),
		zap.String("path", a.Path),
	)

	if _, err := os.Stat(a.Path); err == nil {
		log.Info("asset present, skipping")
		return Result{Asset: a, Status: StatusPresent}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Result{Asset: a, Status: StatusFailed, Err: eris.Wrapf(err, "provision: stat %s", a.Path)}
	}

	if a.URL == "" {
		log.Warn("asset missing and no URL configured")
		return Result{Asset: a, Status: StatusNoURL}
	}

	n, etag, err := p.download(ctx, a, log)
	if err != nil {
		log.Error("asset download failed", zap.Error(err))
		return Result{Asset: a, Status: StatusFailed, Err: err}
	}
	log.Info("asset downloaded", zap.Int64("bytes", n), zap.String("etag", etag))
	return Result{Asset: a, Status: StatusDownloaded, Bytes: n, ETag: etag}
}

func (p *Provisioner) download(ctx context.Context, a Asset, log *zap.Logger) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(a.Path), 0o755); err != nil {
		return 0, "", eris.Wrapf(err, "provision: create directory for %s", a.Name)
	}

	expected := int64(-1)
	var etag string
	if info, err := p.fetcher.Head(ctx, a.URL); err != nil {
		log.Debug("HEAD failed, size will not be checked", zap.Error(err))
	} else {
		expected = info.Size
		etag = info.ETag
		log.Info("downloading asset",
			zap.String("url", a.URL),
			zap.Int64("expected_bytes", expected),
			zap.String("etag", etag),
		)
	}

	part := a.Path + partSuffix
	cfg := p.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(a.Name)
	}

	var n int64
	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		n, err = p.fetcher.DownloadToFile(ctx, a.URL, part)
		if err != nil {
			return err
		}
		if expected >= 0 && n != expected {
			return resilience.NewTransientError(
				eris.Errorf("provision: %s: got %d bytes, expected %d", a.Name, n, expected), 0)
		}
		return nil
	})
	if err != nil {
		removePart(part)
		return 0, "", eris.Wrapf(err, "provision: download %s", a.Name)
	}

	if err := os.Rename(part, a.Path); err != nil {
		removePart(part)
		return 0, "", eris.Wrapf(err, "provision: install %s", a.Name)
	}
	return n, etag, nil
}

func removePart(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		zap.L().Warn("provision: remove partial download", zap.String("path", path), zap.Error(err))
	}
}
