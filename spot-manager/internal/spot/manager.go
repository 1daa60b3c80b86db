// Package spot keeps a fleet of spot instances at the utility its
// InstanceManager asks for, within budget.
package spot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/ianwong123/spot-manager/spot-manager/internal/capacity"
	"github.com/ianwong123/spot-manager/spot-manager/internal/config"
	"github.com/ianwong123/spot-manager/spot-manager/internal/index"
	"github.com/ianwong123/spot-manager/spot-manager/internal/metrics"
	"github.com/ianwong123/spot-manager/spot-manager/internal/pricing"
	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
	"github.com/ianwong123/spot-manager/spot-manager/internal/queue"
	"github.com/ianwong123/spot-manager/spot-manager/internal/signal"
	"github.com/ianwong123/spot-manager/spot-manager/internal/store"
)

var (
	// ErrCycleTimeout means the lifecycle watcher did not finish within the run interval
	ErrCycleTimeout = errors.New("lifecycle watcher did not finish within the run interval")
	// ErrUnknownInstanceType means an instance has a type missing from the utility table
	ErrUnknownInstanceType = errors.New("instance type has no utility configured")
)

// InstanceManager decides how much utility is needed and prepares
// instances for work
type InstanceManager interface {
	// RequiredUtility returns the utility the fleet should have, given what it has
	RequiredUtility(ctx context.Context, current float64) (float64, error)
	// Setup prepares a fresh instance. ctx is cancelled when the watcher stops.
	Setup(ctx context.Context, inst *provider.Instance, spec config.UtilitySpec) error
	// Teardown shuts an instance down gracefully before it is terminated
	Teardown(ctx context.Context, inst *provider.Instance) error
	// SetupRequired reports whether instances need Setup at all
	SetupRequired() bool
}

// Deps are the collaborators of a Manager
type Deps struct {
	Provider  provider.Provider
	Store     store.Store
	Instances InstanceManager
	// Metrics may be nil
	Metrics *metrics.Recorder
	// Reports, when set, receives a CycleReport after every cycle
	Reports queue.QueueClient
	Clock   clock.WithDelayedExecution
}

// Manager runs one planning cycle for one fleet
type Manager struct {
	cfg       *config.Config
	fleet     string
	utility   *config.UtilityTable
	template  provider.LaunchTemplate
	provider  provider.Provider
	view      *provider.View
	pricing   *pricing.Engine
	backoff   *capacity.Backoff
	instances InstanceManager
	metrics   *metrics.Recorder
	reports   queue.QueueClient
	clock     clock.WithDelayedExecution

	// doneMaking fires once every new spot request of the cycle is submitted
	doneMaking *signal.Signal

	netNewMu sync.Mutex
	netNew   *index.Index[string, provider.SpotRequest]

	// active are the requests counted against budget this cycle
	active []provider.SpotRequest

	stopMu sync.Mutex
	stop   *signal.Signal
}

func requestID(r provider.SpotRequest) string { return r.ID }

// New builds a Manager for cfg
func New(cfg *config.Config, deps Deps) (*Manager, error) {
	if deps.Provider == nil || deps.Store == nil || deps.Instances == nil {
		return nil, fmt.Errorf("provider, store and instance manager are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	table, err := cfg.UtilityTable()
	if err != nil {
		return nil, err
	}

	backoff := capacity.NewBackoff(cfg.Watcher.NoCapacityRetry)
	engine := pricing.NewEngine(deps.Provider, deps.Store, backoff, table.Utility, pricing.Options{
		Params: pricing.Params{
			Percentile: cfg.Pricing.Percentile,
			History:    cfg.Pricing.History,
			Smoothing:  cfg.Pricing.Smoothing,
		},
		InstanceTypes: table.Types(),
		Zones:         cfg.AvailabilityZones,
		SubnetZones:   lo.Keys(cfg.Launch.Subnets),
		Product:       cfg.Pricing.Product,
		FetchWindow:   cfg.Pricing.FetchWindow,
		RetainWindow:  cfg.Pricing.RetainWindow,
	}, deps.Clock)

	return &Manager{
		cfg:        cfg,
		fleet:      cfg.Fleet.Name,
		utility:    table,
		template:   cfg.LaunchTemplate(),
		provider:   deps.Provider,
		view:       provider.NewView(deps.Provider, cfg.Fleet.Name, cfg.Watcher.CacheTTL, deps.Clock),
		pricing:    engine,
		backoff:    backoff,
		instances:  deps.Instances,
		metrics:    deps.Metrics,
		reports:    deps.Reports,
		clock:      deps.Clock,
		doneMaking: signal.New("done making new spot requests"),
		netNew:     index.New(requestID),
	}, nil
}

// Pricing returns the pricing engine
func (m *Manager) Pricing() *pricing.Engine {
	return m.pricing
}

// DoneMaking fires once the cycle has submitted and tagged its requests
func (m *Manager) DoneMaking() *signal.Signal {
	return m.doneMaking
}

// NetNew returns the requests made this cycle that the watcher still tracks
func (m *Manager) NetNew() []provider.SpotRequest {
	m.netNewMu.Lock()
	defer m.netNewMu.Unlock()
	return m.netNew.Items()
}

// Run performs one cycle: it starts the lifecycle watcher when instances
// need setup, updates the spot requests, then waits for the watcher or
// the run interval, whichever comes first.
func (m *Manager) Run(ctx context.Context) (*CycleReport, error) {
	start := m.clock.Now()

	var watcherDone *signal.Signal
	if m.instances.SetupRequired() {
		watcherDone = m.StartWatcher(ctx)
	}

	report, err := m.UpdateSpotRequests(ctx)
	if err != nil {
		m.stopWatcher()
		if watcherDone != nil {
			watcherDone.Wait()
		}
		return nil, err
	}

	if watcherDone != nil {
		timeout := signal.Till(m.clock, m.cfg.RunInterval)
		if err := watcherDone.Or(timeout).WaitContext(ctx); err != nil {
			return report, err
		}
		if !watcherDone.IsGo() {
			glog.Errorf("lifecycle watcher for %s still running after %s", m.fleet, m.cfg.RunInterval)
			return report, ErrCycleTimeout
		}
	} else if err := m.pricing.SaveBackoff(ctx); err != nil {
		glog.Warningf("%v", err)
	}

	report.Duration = m.clock.Since(start)
	m.metrics.CycleDuration(m.fleet, report.Duration)
	m.publish(ctx, report)
	return report, nil
}

func (m *Manager) stopWatcher() {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	if m.stop != nil {
		m.stop.Go()
	}
}

// publish pushes the report to the report queue, if any
func (m *Manager) publish(ctx context.Context, report *CycleReport) {
	if m.reports == nil {
		return
	}
	if err := m.reports.PublishJob(ctx, queue.ReportQueueKey, report); err != nil {
		glog.Warningf("failed to publish cycle report %s: %v", report.ID, err)
	}
}

// BidRecord is one submitted spot request
type BidRecord struct {
	RequestID    string  `json:"request_id"`
	InstanceType string  `json:"instance_type"`
	Zone         string  `json:"availability_zone"`
	Price        float64 `json:"price"`
	Utility      float64 `json:"utility"`
}

// CycleReport summarises one planning cycle
type CycleReport struct {
	ID              string        `json:"id"`
	Fleet           string        `json:"fleet"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	CurrentUtility  float64       `json:"current_utility"`
	RequiredUtility float64       `json:"required_utility"`
	// Shortfall is utility that could not be funded this cycle
	Shortfall       float64     `json:"shortfall"`
	Budget          float64     `json:"budget"`
	UsedBudget      float64     `json:"used_budget"`
	CurrentSpending float64     `json:"current_spending"`
	RemainingBudget float64     `json:"remaining_budget"`
	Bids            []BidRecord `json:"bids,omitempty"`
	// Removed are instance ids terminated this cycle
	Removed []string `json:"removed,omitempty"`
	// Cancelled are spot request ids cancelled this cycle
	Cancelled []string `json:"cancelled,omitempty"`
}

func newReport(fleet string, now time.Time, budget float64) *CycleReport {
	return &CycleReport{
		ID:        uuid.NewString(),
		Fleet:     fleet,
		StartedAt: now,
		Budget:    budget,
	}
}
