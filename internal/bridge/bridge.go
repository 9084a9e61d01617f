package bridge

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Endpoint is one upstream exporter the bridge scrapes, per the GLOSSARY's
// "Endpoint (bridge context)".
type Endpoint struct {
	Name string // "<host>:<port>" used verbatim as the injected endpoint label
	URL  string
}

// Fetcher pulls and merges multiple upstream Prometheus feeds into one
// Aggregate, per spec.md §4.6.
type Fetcher struct {
	Endpoints []Endpoint
	Client    *http.Client
	Logger    *slog.Logger
}

// NewFetcher builds a Fetcher with a sane default HTTP client timeout.
func NewFetcher(endpoints []Endpoint, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		Endpoints: endpoints,
		Client:    &http.Client{Timeout: 10 * time.Second},
		Logger:    logger,
	}
}

// FetchAll scrapes every endpoint and merges the results into one
// Aggregate. A failing endpoint is logged and skipped, matching spec.md
// §7's "partial results are preferable to no results" policy.
func (f *Fetcher) FetchAll() (*Aggregate, error) {
	merged := NewAggregate()
	now := time.Now()

	if len(f.Endpoints) == 0 {
		return merged, nil
	}

	var lastErr error
	successCount := 0

	for _, ep := range f.Endpoints {
		agg, err := f.fetchOne(ep, now)
		if err != nil {
			lastErr = err
			if f.Logger != nil {
				f.Logger.Error("bridge: endpoint scrape failed", "endpoint", ep.Name, "err", err)
			}
			continue
		}
		successCount++
		merged.Merge(agg)
	}

	if successCount == 0 && lastErr != nil {
		return merged, fmt.Errorf("bridge: all endpoints failed, last error: %w", lastErr)
	}

	return merged, nil
}

func (f *Fetcher) fetchOne(ep Endpoint, now time.Time) (*Aggregate, error) {
	resp, err := f.Client.Get(ep.URL)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", ep.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", ep.URL, resp.StatusCode)
	}

	return Parse(resp.Body, ep.Name, now)
}
