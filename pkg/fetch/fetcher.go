// Package fetch downloads remote resources into local staging files.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/eunmann/tlc-sync/pkg/fileutil"
)

// DefaultUserAgent is sent with every request unless overridden.
const DefaultUserAgent = "tlc-sync/1.0"

// TransferError reports a failed download: a non-success status or an
// interrupted connection. StatusCode is 0 when no response was received.
type TransferError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transfer %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transfer %s: %v", e.URL, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Config configures the Fetcher.
type Config struct {
	// Client is the HTTP client to use. Default: a client without timeout.
	Client *http.Client
	// UserAgent overrides DefaultUserAgent.
	UserAgent string
}

// Fetcher downloads a URL to a local path.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return &Fetcher{client: cfg.Client, userAgent: cfg.UserAgent}
}

// Fetch downloads url into dest and returns the number of bytes written.
// The body is streamed into dest.tmp and renamed to dest only once fully
// written, so dest either holds the complete resource or does not exist.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &TransferError{URL: url, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, &TransferError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		io.CopyN(io.Discard, resp.Body, 4096)
		return 0, &TransferError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var written int64
	err = fileutil.WriteTmpThenMove(dest, func(tmpPath string) error {
		out, err := os.Create(tmpPath)
		if err != nil {
			return fmt.Errorf("create staging file: %w", err)
		}
		written, err = io.Copy(out, resp.Body)
		closeErr := out.Close()
		if err != nil {
			return &TransferError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
		}
		if closeErr != nil {
			return fmt.Errorf("close staging file: %w", closeErr)
		}
		if resp.ContentLength >= 0 && written != resp.ContentLength {
			return &TransferError{URL: url, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("short body: got %d of %d bytes", written, resp.ContentLength)}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}
