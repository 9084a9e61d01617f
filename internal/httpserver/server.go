// Package httpserver implements spec.md §4.5/§4.7: the scrape/bridge HTTP
// pipeline, with cache coordination in front of the collection engine and
// the bridge fetcher.
package httpserver

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus-community/pgexporter/internal/alerts"
	"github.com/prometheus-community/pgexporter/internal/bridge"
	"github.com/prometheus-community/pgexporter/internal/cache"
	"github.com/prometheus-community/pgexporter/internal/collector"
)

// Server wires the collection engine and bridge fetcher to three HTTP
// ports, each fronted by its own cache region, per spec.md §4.5's "three
// independent cache regions: local metrics, bridge text, bridge JSON".
type Server struct {
	Engine  *collector.Engine
	Fetcher *bridge.Fetcher
	Logger  *slog.Logger

	// Alerts is optional; when set, its evaluation is appended to the
	// metrics body as pgexporter_alert_state samples (a supplemented
	// feature beyond the core scrape/bridge/management subsystems).
	Alerts *alerts.Set

	MetricsCache    *cache.Region
	BridgeTextCache *cache.Region
	BridgeJSONCache *cache.Region

	MetricsCacheMaxAge time.Duration
	BridgeCacheMaxAge  time.Duration
	CacheLockTimeout   time.Duration
}

// MetricsHandler implements GET / and GET /metrics on the local metrics
// port.
func (s *Server) MetricsHandler() http.Handler {
	return s.routeHandler("PostgreSQL Exporter", func(w http.ResponseWriter, r *http.Request) {
		s.serveCached(w, s.MetricsCache, s.MetricsCacheMaxAge, "text/plain; version=0.0.1; charset=utf-8", func() string {
			return s.scrapeWithAlerts()
		})
	})
}

// scrapeWithAlerts runs one scrape and, if an alert set is configured,
// appends the alert evaluation family to the body.
func (s *Server) scrapeWithAlerts() string {
	body := s.Engine.Scrape()
	if s.Alerts == nil {
		return body
	}

	names := make([]string, len(s.Engine.Servers))
	connected := make(map[string]bool, len(s.Engine.Servers))
	for i, srv := range s.Engine.Servers {
		names[i] = srv.Config.Name
		connected[srv.Config.Name] = srv.State == collector.StateConnected
	}
	evals := s.Alerts.EvaluateAll(body, names, connected)
	return body + alerts.Render(evals)
}

// BridgeTextHandler implements GET / and GET /metrics on the bridge text
// port.
func (s *Server) BridgeTextHandler() http.Handler {
	return s.routeHandler("PostgreSQL Exporter Bridge", func(w http.ResponseWriter, r *http.Request) {
		s.serveCached(w, s.BridgeTextCache, s.BridgeCacheMaxAge, "text/plain; version=0.0.1; charset=utf-8", func() string {
			agg, err := s.refreshBridge()
			if err != nil {
				s.logError("bridge text refresh", err)
				return ""
			}
			return bridge.Render(agg)
		})
	})
}

// BridgeJSONHandler implements GET / and GET /metrics on the bridge JSON
// port. Per spec.md §4.5's open question resolution, a cache-acquire
// timeout here is an error rather than a fresh-uncached fallback. On a
// cache miss it fetches all endpoints itself and fills only
// BridgeJSONCache; it never takes the text cache lock, so the two bridge
// locks are never taken in JSON-then-text order.
func (s *Server) BridgeJSONHandler() http.Handler {
	return s.routeHandler("PostgreSQL Exporter Bridge (JSON)", func(w http.ResponseWriter, r *http.Request) {
		if !s.BridgeJSONCache.Acquire(s.CacheLockTimeout) {
			http.Error(w, "cache lock timeout", http.StatusServiceUnavailable)
			return
		}
		defer s.BridgeJSONCache.Release()

		if s.BridgeJSONCache.IsValid() {
			writeBody(w, "application/json", s.BridgeJSONCache.Bytes())
			return
		}

		agg, err := s.refreshBridgeJSONOnly()
		if err != nil {
			s.logError("bridge json refresh", err)
			http.Error(w, "bridge refresh failed", http.StatusBadGateway)
			return
		}
		body, err := bridge.RenderJSON(agg)
		if err != nil {
			s.logError("bridge json render", err)
			http.Error(w, "rendering failed", http.StatusInternalServerError)
			return
		}
		s.fillCache(s.BridgeJSONCache, body, s.BridgeCacheMaxAge)
		writeBody(w, "application/json", body)
	})
}

// refreshBridge fetches all configured upstream endpoints once. The
// caller (serveCached) already holds and fills BridgeTextCache; this only
// fills BridgeJSONCache, taking its lock second per spec.md §9's
// open-question resolution ("text-then-JSON, never the reverse") — never
// the reverse, and never re-acquiring the text lock the caller is
// already holding.
func (s *Server) refreshBridge() (*bridge.Aggregate, error) {
	agg, err := s.Fetcher.FetchAll()
	if err != nil {
		return nil, err
	}

	if s.BridgeJSONCache.Acquire(s.CacheLockTimeout) {
		if body, err := bridge.RenderJSON(agg); err == nil {
			s.fillCacheLocked(s.BridgeJSONCache, body, s.BridgeCacheMaxAge)
		}
		s.BridgeJSONCache.Release()
	}

	return agg, nil
}

// refreshBridgeJSONOnly fetches all configured upstream endpoints for the
// JSON port. It takes no cache lock itself; its caller holds only the
// JSON cache lock.
func (s *Server) refreshBridgeJSONOnly() (*bridge.Aggregate, error) {
	return s.Fetcher.FetchAll()
}

// serveCached implements spec.md §4.5's acquire/is-valid/append/finalize
// cycle with the metrics-endpoint fallback: on a lock-acquire timeout,
// serve freshly rendered content without touching the cache at all.
func (s *Server) serveCached(w http.ResponseWriter, region *cache.Region, maxAge time.Duration, contentType string, render func() string) {
	if !region.Acquire(s.CacheLockTimeout) {
		writeBody(w, contentType, []byte(render()))
		return
	}
	defer region.Release()

	if region.IsValid() {
		writeBody(w, contentType, region.Bytes())
		return
	}

	body := []byte(render())
	s.fillCacheLocked(region, body, maxAge)
	writeBody(w, contentType, body)
}

func (s *Server) fillCache(region *cache.Region, body []byte, maxAge time.Duration) {
	if !region.Acquire(s.CacheLockTimeout) {
		return
	}
	defer region.Release()
	s.fillCacheLocked(region, body, maxAge)
}

// fillCacheLocked implements the append-then-finalize half of spec.md
// §4.5, assuming the caller already holds region's lock.
func (s *Server) fillCacheLocked(region *cache.Region, body []byte, maxAge time.Duration) {
	region.Invalidate()
	if !region.Append(body) {
		return // oversize body: cache left empty, scrape served uncached
	}
	region.Finalize(maxAge)
}

// routeHandler implements spec.md §4.7's routing table: "/" and
// "/index.html" serve a landing page, "/metrics" is delegated to fn,
// anything else is 403, and non-GET is 400.
func (s *Server) routeHandler(title string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/", "/index.html":
			writeBody(w, "text/html; charset=utf-8", []byte(landingPage(title)))
		case "/metrics":
			fn(w, r)
		default:
			http.Error(w, "forbidden", http.StatusForbidden)
		}
	})
}

// writeBody streams the body in one chunk, relying on net/http's
// automatic Transfer-Encoding: chunked when no Content-Length is set,
// per spec.md §4.7.
func writeBody(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, bytes.NewReader(body))
}

func landingPage(title string) string {
	return fmt.Sprintf(`<html>
<head><title>%s</title></head>
<body>
<h1>%s</h1>
<p><a href="/metrics">Metrics</a></p>
</body>
</html>
`, title, title)
}

func (s *Server) logError(context string, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.Error("httpserver: "+context, "err", err)
}
