// Package warmer primes a THREDDS server's aggregation caches by requesting
// every configured dataset endpoint once, so the first real user does not
// pay the cost of the server opening an aggregation cold.
package warmer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// DatasetConfig describes which endpoints one dataset exposes. Unknown JSON
// keys are ignored.
type DatasetConfig struct {
	GenerateAggregation bool `json:"generate_aggregation"`
	IncludeInWMS        bool `json:"include_in_wms"`
}

// LoadConfig reads a JSON mapping from dataset ID to DatasetConfig.
func LoadConfig(fs afero.Fs, path string) (map[string]DatasetConfig, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset config: %w", err)
	}
	var cfg map[string]DatasetConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing dataset config: %w", err)
	}
	return cfg, nil
}

// RequestError collects the per-URL failures of one warming batch. A failed
// request never stops the rest of the batch, so all failures are reported
// together.
type RequestError struct {
	Errors []error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("1 request failed: %v", e.Errors[0])
	}
	var buf strings.Builder
	fmt.Fprintf(&buf, "%d requests failed:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&buf, "  %d. %v\n", i+1, err)
	}
	return buf.String()
}

// Unwrap returns the underlying errors for use with errors.Is and errors.As.
func (e *RequestError) Unwrap() []error { return e.Errors }

// Warmer issues the warming requests for a set of datasets against one
// server.
type Warmer struct {
	base        string
	datasets    map[string]DatasetConfig
	client      *http.Client
	concurrency int
	maxRetries  uint64
	log         *logrus.Logger
}

// WarmerOption configures a Warmer.
type WarmerOption func(*Warmer)

// WithClient sets the HTTP client used for requests.
func WithClient(client *http.Client) WarmerOption {
	return func(w *Warmer) { w.client = client }
}

// WithConcurrency bounds the number of in-flight requests.
func WithConcurrency(n int) WarmerOption {
	return func(w *Warmer) { w.concurrency = n }
}

// WithMaxRetries sets how many times a failed request is retried with
// exponential backoff before it is reported as failed.
func WithMaxRetries(n uint64) WarmerOption {
	return func(w *Warmer) { w.maxRetries = n }
}

// WithLogger sets the logger for per-request progress and failures.
func WithLogger(log *logrus.Logger) WarmerOption {
	return func(w *Warmer) { w.log = log }
}

// New creates a Warmer for the server at base.
func New(base string, datasets map[string]DatasetConfig, options ...WarmerOption) *Warmer {
	warmer := &Warmer{
		base:        strings.TrimRight(base, "/"),
		datasets:    datasets,
		client:      http.DefaultClient,
		concurrency: 4,
		maxRetries:  2,
		log:         logrus.StandardLogger(),
	}
	for _, option := range options {
		option(warmer)
	}
	return warmer
}

// URLs returns every endpoint the warmer will request, sorted. Datasets
// with an aggregation get their OPeNDAP DDS requested; datasets included in
// WMS get a GetCapabilities request.
func (w *Warmer) URLs() []string {
	var urls []string
	for id, cfg := range w.datasets {
		if cfg.GenerateAggregation {
			urls = append(urls, fmt.Sprintf("%s/dodsC/%s.dds", w.base, id))
		}
		if cfg.IncludeInWMS {
			urls = append(urls, fmt.Sprintf(
				"%s/wms/%s?service=WMS&version=1.3.0&request=GetCapabilities", w.base, id))
		}
	}
	sort.Strings(urls)
	return urls
}

// Warm requests every URL once, with bounded concurrency and per-request
// retries. All failures are collected into a single *RequestError; one bad
// endpoint never aborts the batch.
func (w *Warmer) Warm(ctx context.Context) error {
	urls := w.URLs()

	var (
		mu       sync.Mutex
		failures []error
		g        errgroup.Group
	)
	g.SetLimit(w.concurrency)

	for _, url := range urls {
		url := url
		g.Go(func() error {
			if err := w.fetch(ctx, url); err != nil {
				w.log.WithField("url", url).Warnf("warming request failed: %v", err)
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", url, err))
				mu.Unlock()
				return nil
			}
			w.log.WithField("url", url).Debug("warmed")
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		return &RequestError{Errors: failures}
	}
	return nil
}

// fetch requests one URL, retrying transient failures with exponential
// backoff. Any non-2xx status counts as a failure.
func (w *Warmer) fetch(ctx context.Context, url string) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("unexpected status %s", resp.Status)
		}
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), w.maxRetries), ctx)
	return backoff.Retry(operation, b)
}
