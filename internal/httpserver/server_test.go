package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus-community/pgexporter/internal/bridge"
	"github.com/prometheus-community/pgexporter/internal/cache"
	"github.com/prometheus-community/pgexporter/internal/catalog"
	"github.com/prometheus-community/pgexporter/internal/collector"
)

func emptyEngine() *collector.Engine {
	return &collector.Engine{Catalog: &catalog.Catalog{Metrics: map[string]*catalog.Metric{}}}
}

func testServer() *Server {
	return &Server{
		Engine:             emptyEngine(),
		Fetcher:            bridge.NewFetcher(nil, nil),
		MetricsCache:       cache.NewRegion(4096),
		BridgeTextCache:    cache.NewRegion(4096),
		BridgeJSONCache:    cache.NewRegion(4096),
		MetricsCacheMaxAge: 30 * time.Second,
		BridgeCacheMaxAge:  30 * time.Second,
		CacheLockTimeout:   time.Second,
	}
}

func TestRouteHandlerServesLandingPage(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.MetricsHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "PostgreSQL Exporter") {
		t.Errorf("landing page missing title: %s", rec.Body.String())
	}
}

func TestRouteHandlerRejectsUnknownPath(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/secret", nil)
	rec := httptest.NewRecorder()
	s.MetricsHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestRouteHandlerRejectsNonGET(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodPost, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.MetricsHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMetricsHandlerServesFabricLabelsWhenUncached(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.MetricsHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pgexporter_state") {
		t.Errorf("expected fabric labels in body: %s", rec.Body.String())
	}
}

func TestMetricsHandlerServesFromCacheOnSecondRequest(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	first := httptest.NewRecorder()
	s.MetricsHandler().ServeHTTP(first, req)

	if !s.MetricsCache.IsValid() {
		t.Fatal("expected the metrics cache to be valid after the first request")
	}

	second := httptest.NewRecorder()
	s.MetricsHandler().ServeHTTP(second, req)
	if second.Body.String() != first.Body.String() {
		t.Errorf("second response should be served from cache and match the first")
	}
}

func TestServeCachedFallsBackWhenLockUnavailable(t *testing.T) {
	s := testServer()
	s.MetricsCache.Acquire(time.Second) // hold the lock, never release
	s.CacheLockTimeout = 10 * time.Millisecond

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.MetricsHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (uncached fallback)", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pgexporter_state") {
		t.Errorf("expected a freshly rendered body even with the lock held: %s", rec.Body.String())
	}
}

func TestBridgeJSONHandlerReturns503WhenLockUnavailable(t *testing.T) {
	s := testServer()
	s.BridgeJSONCache.Acquire(time.Second)
	s.CacheLockTimeout = 10 * time.Millisecond

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.BridgeJSONHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestBridgeTextHandlerServesEmptyAggregateWithNoEndpoints(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.BridgeTextHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
