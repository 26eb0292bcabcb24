// Package fetcher downloads remote raster assets over HTTP.
package fetcher

import (
	"context"
	"io"
)

// Fetcher defines the interface for downloading remote files.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)

	// Head returns the advertised size and ETag of the URL.
	Head(ctx context.Context, url string) (RemoteInfo, error)
}

// RemoteInfo describes a remote file. Size is -1 when the server does not
// report a Content-Length.
type RemoteInfo struct {
	Size int64
	ETag string
}
