// Package metrics exports what the spot manager spends and does.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "spot_manager"

// Label values
const (
	BidSubmitted = "submitted"
	BidSkipped   = "skipped"
	BidFailed    = "failed"

	ReasonScaleDown    = "scale_down"
	ReasonCostBrake    = "cost_brake"
	ReasonSetupTimeout = "setup_timeout"
	ReasonUnknownType  = "unknown_type"
	ReasonGiveUp       = "give_up"

	SetupSuccess = "success"
	SetupFailure = "failure"
	SetupTimeout = "timeout"
)

// Recorder holds the spot manager metrics. A nil Recorder records nothing.
type Recorder struct {
	budget        *prometheus.GaugeVec
	utility       *prometheus.GaugeVec
	bids          *prometheus.CounterVec
	removals      *prometheus.CounterVec
	cancellations *prometheus.CounterVec
	setups        *prometheus.CounterVec
	demand        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
}

// NewRecorder creates the metrics and registers them with registry
func NewRecorder(registry prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		budget: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "budget_dollars_per_hour",
				Help:      "Budget figures of the last cycle",
			},
			[]string{"fleet", "kind"},
		),
		utility: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "utility",
				Help:      "Utility figures of the last cycle",
			},
			[]string{"fleet", "kind"},
		),
		bids: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bids_total",
				Help:      "Spot bids by outcome",
			},
			[]string{"fleet", "instance_type", "zone", "outcome"},
		),
		removals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instance_removals_total",
				Help:      "Instances terminated by the manager",
			},
			[]string{"fleet", "instance_type", "reason"},
		),
		cancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_cancellations_total",
				Help:      "Spot requests cancelled by the manager",
			},
			[]string{"fleet", "reason"},
		),
		setups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "setups_total",
				Help:      "Instance setups by outcome",
			},
			[]string{"fleet", "outcome"},
		),
		demand: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "demand_payloads_total",
				Help:      "Demand payloads accepted by the ingest API",
			},
			[]string{"fleet"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Time from the start of a cycle until the watcher is done",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"fleet"},
		),
	}

	collectors := map[string]prometheus.Collector{
		"budget":        r.budget,
		"utility":       r.utility,
		"bids":          r.bids,
		"removals":      r.removals,
		"cancellations": r.cancellations,
		"setups":        r.setups,
		"demand":        r.demand,
		"cycleDuration": r.cycleDuration,
	}
	for name, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s metric: %w", name, err)
		}
	}
	return r, nil
}

// Budget records the budget figures of a cycle
func (r *Recorder) Budget(fleet string, configured, used, spending float64) {
	if r == nil {
		return
	}
	r.budget.WithLabelValues(fleet, "configured").Set(configured)
	r.budget.WithLabelValues(fleet, "used").Set(used)
	r.budget.WithLabelValues(fleet, "remaining").Set(configured - used)
	r.budget.WithLabelValues(fleet, "current_spending").Set(spending)
}

// Utility records the utility figures of a cycle
func (r *Recorder) Utility(fleet string, current, required, shortfall float64) {
	if r == nil {
		return
	}
	r.utility.WithLabelValues(fleet, "current").Set(current)
	r.utility.WithLabelValues(fleet, "required").Set(required)
	r.utility.WithLabelValues(fleet, "shortfall").Set(shortfall)
}

func (r *Recorder) Bid(fleet, instanceType, zone, outcome string) {
	if r == nil {
		return
	}
	r.bids.WithLabelValues(fleet, instanceType, zone, outcome).Inc()
}

func (r *Recorder) Removal(fleet, instanceType, reason string) {
	if r == nil {
		return
	}
	r.removals.WithLabelValues(fleet, instanceType, reason).Inc()
}

func (r *Recorder) Cancellations(fleet, reason string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.cancellations.WithLabelValues(fleet, reason).Add(float64(n))
}

func (r *Recorder) Setup(fleet, outcome string) {
	if r == nil {
		return
	}
	r.setups.WithLabelValues(fleet, outcome).Inc()
}

func (r *Recorder) DemandPayload(fleet string) {
	if r == nil {
		return
	}
	r.demand.WithLabelValues(fleet).Inc()
}

func (r *Recorder) CycleDuration(fleet string, d time.Duration) {
	if r == nil {
		return
	}
	r.cycleDuration.WithLabelValues(fleet).Observe(d.Seconds())
}

// Push sends everything in g to a prometheus pushgateway
func Push(ctx context.Context, url, job string, g prometheus.Gatherer) error {
	if err := push.New(url, job).Gatherer(g).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
