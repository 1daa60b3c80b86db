package spot

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/sourcegraph/conc/panics"

	"github.com/ianwong123/spot-manager/spot-manager/internal/index"
	"github.com/ianwong123/spot-manager/spot-manager/internal/metrics"
	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
	"github.com/ianwong123/spot-manager/spot-manager/internal/signal"
)

const (
	setupSuffix   = " (setup)"
	runningSuffix = " (running)"
)

// setupTask is one Setup call running in the background
type setupTask struct {
	instance provider.Instance
	request  provider.SpotRequest
	done     *signal.Signal
	cancel   context.CancelFunc
	err      error
}

// watcher is the state of one lifecycle watcher loop
type watcher struct {
	m    *Manager
	stop *signal.Signal

	// deadlines are when each untagged instance must be set up by
	deadlines map[string]time.Time
	// tasks are the setups in flight, by instance id
	tasks map[string]*setupTask
	// failures counts failed setups by spot request id
	failures map[string]int
	// cancelled are give-up requests already cancelled
	cancelled map[string]bool
}

// StartWatcher starts the lifecycle watcher in the background. The watcher
// drives new spot requests to a set-up instance, cancels the ones that will
// never be fulfilled, and exits once nothing is left in flight after
// DoneMaking has fired, or when its stop timer runs out. The returned
// signal goes when it has exited.
func (m *Manager) StartWatcher(ctx context.Context) *signal.Signal {
	stop := signal.Till(m.clock, m.cfg.WatcherStop())
	m.stopMu.Lock()
	m.stop = stop
	m.stopMu.Unlock()

	w := newWatcher(m, stop)
	done := signal.New("lifecycle watcher done")
	go func() {
		defer done.Go()
		w.loop(ctx)
	}()
	return done
}

func newWatcher(m *Manager, stop *signal.Signal) *watcher {
	return &watcher{
		m:         m,
		stop:      stop,
		deadlines: make(map[string]time.Time),
		tasks:     make(map[string]*setupTask),
		failures:  make(map[string]int),
		cancelled: make(map[string]bool),
	}
}

func (w *watcher) loop(ctx context.Context) {
	m := w.m
	taskCtx, cancel := signal.Context(ctx, w.stop)
	defer cancel()

	for !w.stop.IsGo() && ctx.Err() == nil {
		finished, err := w.poll(taskCtx)
		if err != nil {
			glog.Warningf("lifecycle watcher poll failed: %v", err)
		}
		if finished {
			break
		}

		wake := signal.Till(m.clock, m.cfg.Watcher.PollInterval).Or(w.stop)
		for _, t := range w.tasks {
			wake = wake.Or(t.done)
		}
		if err := wake.WaitContext(ctx); err != nil {
			break
		}
	}

	if len(w.tasks) > 0 {
		glog.Warningf("lifecycle watcher stopped with %d setups still running", len(w.tasks))
	}
	if err := m.pricing.SaveBackoff(context.WithoutCancel(ctx)); err != nil {
		glog.Warningf("%v", err)
	}
	glog.Infof("lifecycle watcher for %s is done", m.fleet)
}

// poll runs one watcher iteration and reports whether the watcher is finished
func (w *watcher) poll(ctx context.Context) (bool, error) {
	m := w.m
	requests, err := m.view.Requests(ctx)
	if err != nil {
		return false, err
	}
	instances, err := m.view.AllInstances(ctx)
	if err != nil {
		return false, err
	}
	now := m.clock.Now()

	w.setupInstances(ctx, requests, instances, now)
	w.joinTasks(ctx)

	var pending, giveUp []provider.SpotRequest
	for _, r := range requests {
		switch {
		case provider.Pending.Has(r.StatusCode):
			pending = append(pending, r)
		case provider.IsGiveUp(r.StatusCode) && !w.cancelled[r.ID]:
			giveUp = append(giveUp, r)
		}
	}

	if !m.doneMaking.IsGo() {
		return false, nil
	}

	w.cancelGiveUps(ctx, giveUp, now)

	m.netNewMu.Lock()
	expired := now.Add(-m.cfg.NetNewExpiry())
	for _, r := range m.netNew.Items() {
		if r.CreateTime.Before(expired) {
			glog.Infof("spot request %s never showed up, no longer waiting for it", r.ID)
			m.netNew.Remove(r)
		}
	}
	for _, r := range requests {
		if provider.MightHappen.Has(r.StatusCode) {
			m.netNew.RemoveKey(r.ID)
		}
	}
	waiting, _ := index.From(requestID, pending, index.IgnoreDuplicates())
	waiting = waiting.Union(m.netNew)
	m.netNewMu.Unlock()

	finished := waiting.Len() == 0 && len(w.deadlines) == 0 && len(w.tasks) == 0
	if !finished {
		glog.V(2).Infof("watcher: %d requests waiting, %d instance deadlines, %d setups running", waiting.Len(), len(w.deadlines), len(w.tasks))
	}
	return finished, nil
}

// setupInstances starts a setup for every fulfilled, untagged instance that
// has been running for at least the setup delay
func (w *watcher) setupInstances(ctx context.Context, requests []provider.SpotRequest, instances map[string]provider.Instance, now time.Time) {
	m := w.m

	// deadlines of instances that went away on their own
	for id := range w.deadlines {
		if inst, ok := instances[id]; !ok || inst.State != provider.StateRunning {
			delete(w.deadlines, id)
		}
	}
	for id, t := range w.tasks {
		if d, ok := w.deadlines[id]; ok && now.After(d) && !t.done.IsGo() {
			glog.Warningf("Instance %s took too long to setup. Terminating.", id)
			t.cancel()
			// a failed termination is retried once the cancelled setup is joined
			if !w.terminate(ctx, t.instance, t.request) {
				continue
			}
			delete(w.tasks, id)
			m.metrics.Setup(m.fleet, metrics.SetupTimeout)
			m.metrics.Removal(m.fleet, t.instance.InstanceType, metrics.ReasonSetupTimeout)
		}
	}

	for _, r := range requests {
		if !provider.Running.Has(r.StatusCode) || r.InstanceID == "" {
			continue
		}
		if r.Name() == "" && !w.isNetNew(r.ID) {
			continue
		}
		inst, ok := instances[r.InstanceID]
		if !ok || inst.State != provider.StateRunning || inst.Name() != "" {
			continue
		}
		if _, busy := w.tasks[inst.ID]; busy {
			continue
		}
		if now.Before(inst.LaunchTime.Add(m.cfg.Watcher.SetupDelay)) {
			continue
		}

		deadline, ok := w.deadlines[inst.ID]
		if !ok {
			deadline = now.Add(m.cfg.Watcher.SetupTimeout)
			w.deadlines[inst.ID] = deadline
		}
		if now.After(deadline) {
			glog.Warningf("Instance %s took too long to setup. Terminating.", inst.ID)
			if w.terminate(ctx, inst, r) {
				m.metrics.Setup(m.fleet, metrics.SetupTimeout)
				m.metrics.Removal(m.fleet, inst.InstanceType, metrics.ReasonSetupTimeout)
			}
			continue
		}

		spec, ok := m.utility.Get(inst.InstanceType)
		if !ok {
			err := fmt.Errorf("%w: %s is %s", ErrUnknownInstanceType, inst.ID, inst.InstanceType)
			glog.Errorf("Terminating instance: %v", err)
			w.terminate(ctx, inst, r)
			m.metrics.Removal(m.fleet, inst.InstanceType, metrics.ReasonUnknownType)
			continue
		}

		if err := m.provider.SetName(ctx, inst.ID, m.fleet+setupSuffix); err != nil {
			glog.Warningf("failed to tag instance %s for setup: %v", inst.ID, err)
			continue
		}
		glog.Infof("Setup instance %s (%s in %s)", inst.ID, inst.InstanceType, inst.Zone)

		setupCtx, cancel := context.WithCancel(ctx)
		t := &setupTask{instance: inst, request: r, done: signal.New("setup " + inst.ID), cancel: cancel}
		w.tasks[inst.ID] = t
		go func() {
			defer t.done.Go()
			var pc panics.Catcher
			pc.Try(func() { t.err = m.instances.Setup(setupCtx, &t.instance, spec) })
			if rec := pc.Recovered(); rec != nil {
				t.err = rec.AsError()
			}
		}()
	}
}

// joinTasks collects the setups that have finished since the last poll
func (w *watcher) joinTasks(ctx context.Context) {
	m := w.m
	for id, t := range w.tasks {
		if !t.done.IsGo() {
			continue
		}
		delete(w.tasks, id)
		t.cancel()

		if t.err == nil {
			if err := m.provider.SetName(ctx, id, m.fleet+runningSuffix); err != nil {
				glog.Warningf("failed to tag instance %s as running: %v", id, err)
			}
			glog.Infof("Instance %s is set up", id)
			m.netNewMu.Lock()
			m.netNew.RemoveKey(t.request.ID)
			m.netNewMu.Unlock()
			delete(w.deadlines, id)
			m.metrics.Setup(m.fleet, metrics.SetupSuccess)
			continue
		}

		// untagged instances are picked up again on the next poll
		if err := provider.IgnoreNotFound(m.provider.ClearName(ctx, id)); err != nil {
			glog.Warningf("failed to untag instance %s: %v", id, err)
		}
		w.failures[t.request.ID]++
		m.metrics.Setup(m.fleet, metrics.SetupFailure)
		if n := w.failures[t.request.ID]; n > m.cfg.Watcher.MaxSetupFailures {
			glog.Warningf("Setup of %s failed %d times: %v", id, n, t.err)
		} else {
			glog.V(2).Infof("setup of %s failed: %v", id, t.err)
		}
	}
}

// cancelGiveUps cancels requests that will not be fulfilled and puts
// types without capacity into backoff
func (w *watcher) cancelGiveUps(ctx context.Context, giveUp []provider.SpotRequest, now time.Time) {
	if len(giveUp) == 0 {
		return
	}
	m := w.m
	ids := make([]string, 0, len(giveUp))
	for _, r := range giveUp {
		ids = append(ids, r.ID)
		if provider.NoCapacity.Has(r.StatusCode) {
			m.backoff.Record(r.LaunchSpec.InstanceType, now)
		}
	}
	glog.Infof("Cancel spot requests %v", ids)
	if err := provider.IgnoreNotFound(m.provider.CancelSpotRequests(ctx, ids)); err != nil {
		glog.Warningf("failed to cancel spot requests %v: %v", ids, err)
		return
	}
	m.metrics.Cancellations(m.fleet, metrics.ReasonGiveUp, len(ids))

	m.netNewMu.Lock()
	for _, r := range giveUp {
		w.cancelled[r.ID] = true
		m.netNew.RemoveKey(r.ID)
	}
	m.netNewMu.Unlock()
	m.view.Invalidate()
}

// terminate drops an instance that will never be set up and reports
// whether it is gone
func (w *watcher) terminate(ctx context.Context, inst provider.Instance, r provider.SpotRequest) bool {
	m := w.m
	if err := provider.IgnoreNotFound(m.provider.TerminateInstances(ctx, []string{inst.ID})); err != nil {
		glog.Warningf("failed to terminate instance %s: %v", inst.ID, err)
		return false
	}
	delete(w.deadlines, inst.ID)
	m.netNewMu.Lock()
	m.netNew.RemoveKey(r.ID)
	m.netNewMu.Unlock()
	m.view.Invalidate()
	return true
}

func (w *watcher) isNetNew(id string) bool {
	w.m.netNewMu.Lock()
	defer w.m.netNewMu.Unlock()
	return w.m.netNew.ContainsKey(id)
}
