package bridge

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchAllMergesMultipleEndpoints(t *testing.T) {
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pg_up 1\n"))
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pg_up 1\n"))
	}))
	defer srvB.Close()

	f := NewFetcher([]Endpoint{
		{Name: "a", URL: srvA.URL},
		{Name: "b", URL: srvB.URL},
	}, nil)

	agg, err := f.FetchAll()
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	rec := agg.Record("pg_up")
	if rec == nil || len(rec.Definitions) != 2 {
		t.Fatalf("expected one definition per endpoint, got %v", rec)
	}
}

func TestFetchAllToleratesPartialFailure(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pg_up 1\n"))
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	f := NewFetcher([]Endpoint{
		{Name: "ok", URL: ok.URL},
		{Name: "broken", URL: broken.URL},
	}, nil)

	agg, err := f.FetchAll()
	if err != nil {
		t.Fatalf("FetchAll should return partial results without error, got %v", err)
	}
	if agg.Record("pg_up") == nil {
		t.Fatal("expected the healthy endpoint's metric to survive the broken one's failure")
	}
}

func TestFetchAllReturnsErrorWhenEveryEndpointFails(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	f := NewFetcher([]Endpoint{{Name: "broken", URL: broken.URL}}, nil)

	if _, err := f.FetchAll(); err == nil {
		t.Error("expected an error when every endpoint fails")
	}
}

func TestFetchAllNoEndpointsReturnsEmptyAggregate(t *testing.T) {
	f := NewFetcher(nil, nil)
	agg, err := f.FetchAll()
	if err != nil {
		t.Fatalf("FetchAll with no endpoints should not error, got %v", err)
	}
	if len(agg.MetricNames()) != 0 {
		t.Error("expected an empty aggregate with no endpoints configured")
	}
}
