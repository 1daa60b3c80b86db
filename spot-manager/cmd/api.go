package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ianwong123/spot-manager/spot-manager/internal/demand"
	"github.com/ianwong123/spot-manager/spot-manager/internal/metrics"
)

type APIServer struct {
	Validator  demand.ValidatorInterface
	Aggregator demand.AggregatorInterface
	Metrics    *metrics.Recorder
	Gatherer   prometheus.Gatherer
}

// constructor
func NewAPIServer(agg demand.AggregatorInterface, rec *metrics.Recorder, g prometheus.Gatherer) *APIServer {
	return &APIServer{
		Validator:  demand.NewValidator(),
		Aggregator: agg,
		Metrics:    rec,
		Gatherer:   g,
	}
}

func (s *APIServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /demand", s.handleDemand)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// start http server, shut it down when ctx is done
func (s *APIServer) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handler function for POST /demand
func (s *APIServer) handleDemand(w http.ResponseWriter, r *http.Request) {
	var payload demand.DemandPayload

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&payload); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if err := s.Validator.ValidateDemandPayload(&payload); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}

	if err := s.Aggregator.SaveDemandPayload(r.Context(), &payload); err != nil {
		glog.Errorf("failed to save demand for %s: %v", payload.Fleet, err)
		http.Error(w, "Failed to save demand", http.StatusInternalServerError)
		return
	}
	s.Metrics.DemandPayload(payload.Fleet)

	glog.V(1).Infof("Received demand for %s from %s: %g utility", payload.Fleet, payload.Source, payload.RequiredUtility)
	w.WriteHeader(http.StatusCreated)
	w.Write([]byte("Demand payload accepted"))
}

// handler function for GET /healthz
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
