package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/ianwong123/spot-manager/spot-manager/internal/demand"
	"github.com/ianwong123/spot-manager/spot-manager/internal/metrics"
)

func newTestServer(t *testing.T) (*APIServer, *demand.Aggregator, *prometheus.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	registry := prometheus.NewRegistry()
	rec, err := metrics.NewRecorder(registry)
	if err != nil {
		t.Fatal(err)
	}
	agg := demand.NewAggregatorFromClient(rdb)
	return NewAPIServer(agg, rec, registry), agg, registry
}

func TestDemandSuccess(t *testing.T) {
	// Create json byte
	var jsonStr = []byte(`{
  "source": "batch-scheduler",
  "timestamp": "2024-01-01T12:00:00Z",
  "fleet": "etl",
  "required_utility": 42.5,
  "queue_depth": 17
}`)
	// instantiate server
	server, agg, registry := newTestServer(t)

	// simulate post request
	req, err := http.NewRequest(http.MethodPost, "/demand", bytes.NewBuffer(jsonStr))
	if err != nil {
		t.Fatal(err)
	}

	// set header so handler knows to expect json
	req.Header.Set("Content-Type", "application/json")

	// simulate response writer
	rr := httptest.NewRecorder()

	// call handler
	server.handleDemand(rr, req)

	if status := rr.Code; status != http.StatusCreated {
		t.Errorf("Handler returned wrong status code: got %v, want %v", status, http.StatusCreated)
		return
	}

	expected := "Demand payload accepted"
	if rr.Body.String() != expected {
		t.Errorf("Handler returned unexpected body: got %q, want %q", rr.Body.String(), expected)
	}

	latest, err := agg.LatestDemand(context.Background(), "etl")
	if err != nil {
		t.Fatalf("LatestDemand() error = %v", err)
	}
	if latest.RequiredUtility != 42.5 || latest.QueueDepth == nil || *latest.QueueDepth != 17 {
		t.Errorf("LatestDemand() = %+v", latest)
	}

	n, err := testutil.GatherAndCount(registry, "spot_manager_demand_payloads_total")
	if err != nil || n != 1 {
		t.Errorf("demand payload series = %d, %v, want 1", n, err)
	}
}

func TestDemandRejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{"fleet": `},
		{name: "missing fleet", body: `{"source": "x", "timestamp": "2024-01-01T12:00:00Z", "required_utility": 1}`},
		{name: "negative utility", body: `{"source": "x", "timestamp": "2024-01-01T12:00:00Z", "fleet": "etl", "required_utility": -3}`},
	}

	server, agg, _ := newTestServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/demand", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			server.handleDemand(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Errorf("Handler returned wrong status code: got %v, want %v", rr.Code, http.StatusBadRequest)
			}
		})
	}

	if _, err := agg.LatestDemand(context.Background(), "etl"); !errors.Is(err, demand.ErrNoDemand) {
		t.Errorf("rejected payloads were stored: %v", err)
	}
}

func TestRoutes(t *testing.T) {
	server, _, _ := newTestServer(t)
	h := server.routes()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{method: http.MethodGet, path: "/healthz", want: http.StatusOK},
		{method: http.MethodGet, path: "/metrics", want: http.StatusOK},
		{method: http.MethodGet, path: "/demand", want: http.StatusMethodNotAllowed},
		{method: http.MethodGet, path: "/nope", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))
			if rr.Code != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rr.Code, tt.want)
			}
		})
	}
}

func TestServeDocumentsSurgeFeed(t *testing.T) {
	if !strings.Contains(serveCmd.Long, demand.SurgeQueueKey) {
		t.Errorf("serve help does not name the surge queue %s", demand.SurgeQueueKey)
	}
}
