// Package fetch downloads referenced DICOM files.
package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/knee-cdss/internal/apperr"
	"github.com/Brownie44l1/knee-cdss/internal/config"
)

const op = "fetch"

type Fetcher struct {
	client     *http.Client
	maxBytes   int64
	concurrent bool
	log        *zap.SugaredLogger
}

func New(cfg config.FetchConfig, log *zap.SugaredLogger) *Fetcher {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		client:     &http.Client{Timeout: timeout},
		maxBytes:   int64(cfg.MaxDownloadMB) << 20,
		concurrent: cfg.Concurrent,
		log:        log,
	}
}

// Fetch downloads one URL. Timeouts are reported as timeout errors, every
// other failure as a retrieval error. Nothing is retried.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRetrieval, op, err, "Failed to download DICOM: invalid URL %q", url)
	}
	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindRetrieval, op, "Failed to download DICOM. Status: %d", resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, classify(err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, apperr.New(apperr.KindRetrieval, op, "Failed to download DICOM: file exceeds %d bytes", f.maxBytes)
	}
	f.log.Infow("downloaded DICOM", "url", url, "bytes", len(data), "elapsed", time.Since(start))
	return data, nil
}

// FetchAll downloads every URL, keeping the input order. The first failure in
// URL order is returned.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) ([][]byte, error) {
	out := make([][]byte, len(urls))
	errs := make([]error, len(urls))
	if !f.concurrent || len(urls) == 1 {
		for i, u := range urls {
			if out[i], errs[i] = f.Fetch(ctx, u); errs[i] != nil {
				return nil, errs[i]
			}
		}
		return out, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			out[i], errs[i] = f.Fetch(ctx, u)
			if errs[i] != nil {
				cancel()
			}
		}(i, u)
	}
	wg.Wait()

	// Siblings cancelled by the first failure are not the cause.
	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return nil, err
		}
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperr.Wrap(apperr.KindTimeout, op, err, "DICOM download timeout")
	}
	return apperr.Wrap(apperr.KindRetrieval, op, err, "Failed to download DICOM: %v", err)
}
