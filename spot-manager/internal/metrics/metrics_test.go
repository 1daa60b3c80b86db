package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}

	r.Budget("fleet", 5, 1.5, 1.2)
	r.Utility("fleet", 0, 14, 0)
	r.Bid("fleet", "c5.large", "us-east-1a", BidSubmitted)
	r.Bid("fleet", "c5.large", "us-east-1a", BidSubmitted)
	r.Removal("fleet", "c5.large", ReasonScaleDown)
	r.Cancellations("fleet", ReasonGiveUp, 3)
	r.Setup("fleet", SetupFailure)
	r.CycleDuration("fleet", 2*time.Second)

	if got := testutil.ToFloat64(r.budget.WithLabelValues("fleet", "remaining")); got != 3.5 {
		t.Errorf("remaining budget = %v, want 3.5", got)
	}
	if got := testutil.ToFloat64(r.bids.WithLabelValues("fleet", "c5.large", "us-east-1a", BidSubmitted)); got != 2 {
		t.Errorf("submitted bids = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.cancellations.WithLabelValues("fleet", ReasonGiveUp)); got != 3 {
		t.Errorf("cancellations = %v, want 3", got)
	}
	if got := testutil.CollectAndCount(r.cycleDuration); got != 1 {
		t.Errorf("cycle duration series = %d, want 1", got)
	}

	if _, err := NewRecorder(reg); err == nil {
		t.Error("registering twice should fail")
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Budget("fleet", 1, 1, 1)
	r.Bid("fleet", "a", "b", BidFailed)
	r.Setup("fleet", SetupSuccess)
}

func TestPush(t *testing.T) {
	var body string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		path = req.URL.Path
		b, _ := io.ReadAll(req.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	r, _ := NewRecorder(reg)
	r.Setup("fleet", SetupSuccess)

	if err := Push(context.Background(), srv.URL, "spot-manager", reg); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if !strings.Contains(path, "/job/spot-manager") {
		t.Errorf("pushed to %s", path)
	}
	if body == "" {
		t.Error("empty push body")
	}
}
