package spot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/golang/glog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/ianwong123/spot-manager/spot-manager/internal/metrics"
	"github.com/ianwong123/spot-manager/spot-manager/internal/pricing"
	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
	"github.com/ianwong123/spot-manager/spot-manager/internal/signal"
)

// bidPrecision is the number of decimals a bid price is rounded to
const bidPrecision = 5

// UpdateSpotRequests sizes the fleet once. It cuts cost when over budget,
// removes surplus utility or bids for missing utility, tags the new
// requests and fires DoneMaking.
func (m *Manager) UpdateSpotRequests(ctx context.Context) (*CycleReport, error) {
	report := newReport(m.fleet, m.clock.Now(), m.cfg.Budget)

	if _, err := m.pricing.Quotes(ctx); err != nil {
		return nil, fmt.Errorf("failed to compute prices: %w", err)
	}
	requests, err := m.view.Requests(ctx)
	if err != nil {
		return nil, err
	}
	instances, err := m.view.Instances(ctx)
	if err != nil {
		return nil, err
	}
	running := make(map[string]bool, len(instances))
	for _, i := range instances {
		running[i.ID] = true
	}

	active := lo.Filter(requests, func(r provider.SpotRequest, _ int) bool {
		if !provider.IsActive(r.StatusCode) {
			return false
		}
		// cancelled requests only count while their instance is still around
		return r.StatusCode != provider.StatusCanceledAndInstanceRunning || running[r.InstanceID]
	})
	m.active = active

	used := decimal.Zero
	spending := decimal.Zero
	currentUtility := 0.0
	for _, a := range active {
		instanceType, zone := a.LaunchSpec.InstanceType, a.LaunchSpec.Zone
		discount := decimal.NewFromFloat(m.utility.Discount(instanceType))
		bid := decimal.NewFromFloat(a.BidPrice)

		glog.Infof("Active spot request %s: %s %s in %s @ %s", a.ID, instanceType, a.InstanceID, zone, bid.Sub(discount).Round(4))
		used = used.Add(bid).Sub(discount)
		current := bid
		if q, ok := m.pricing.Lookup(instanceType, zone); ok && q.HasCurrentPrice() {
			current = decimal.NewFromFloat(q.CurrentPrice)
		}
		spending = spending.Add(current).Sub(discount)

		u, ok := m.utility.Utility(instanceType)
		if !ok {
			glog.Warningf("active spot request %s has unconfigured type %s", a.ID, instanceType)
		}
		currentUtility += u
	}
	usedBudget, _ := used.Float64()
	currentSpending, _ := spending.Float64()
	glog.Infof("Total exposure: $%s/hour (current price: $%s/hour)", used.Round(4), spending.Round(4))

	remainingBudget := m.cfg.Budget - usedBudget
	required, err := m.instances.RequiredUtility(ctx, currentUtility)
	if err != nil {
		return nil, fmt.Errorf("failed to get required utility: %w", err)
	}
	netNewUtility := required - currentUtility
	glog.Infof("have %g utility running; need %g more utility", currentUtility, netNewUtility)

	report.CurrentUtility = currentUtility
	report.RequiredUtility = required
	report.UsedBudget = usedBudget
	report.CurrentSpending = currentSpending
	m.metrics.Budget(m.fleet, m.cfg.Budget, usedBudget, currentSpending)

	if remainingBudget < 0 {
		remainingBudget, netNewUtility = m.saveMoney(ctx, report, requests, remainingBudget, netNewUtility)
	}

	if netNewUtility < 0 {
		if m.cfg.AllowedOverage > 0 {
			netNewUtility = math.Min(netNewUtility+m.cfg.AllowedOverage*required, 0)
		}
		if netNewUtility < 0 {
			netNewUtility = m.removeInstances(ctx, report, netNewUtility)
		}
	}

	if netNewUtility > 0 {
		netNewUtility = math.Min(netNewUtility, m.cfg.MaxNewUtility)
		netNewUtility, remainingBudget = m.addInstances(ctx, report, netNewUtility, remainingBudget)
	}

	if netNewUtility > 0 {
		glog.Errorf("Can not fund %.2f more utility (all utility costs more than $%.2f/hour). Remaining budget is $%.2f",
			netNewUtility, m.cfg.MaxUtilityPrice, remainingBudget)
		report.Shortfall = netNewUtility
	}
	report.RemainingBudget = remainingBudget
	m.metrics.Utility(m.fleet, currentUtility, required, report.Shortfall)

	// give the provider a chance to notice the new requests before tagging them
	settle := signal.Till(m.clock, m.cfg.Watcher.SettleDelay)
	if err := settle.WaitContext(ctx); err != nil {
		return report, err
	}
	m.tagNetNew(ctx)

	glog.Infof("All requests for new utility have been made")
	m.doneMaking.Go()
	return report, nil
}

// tagNetNew names this cycle's requests after the fleet
func (m *Manager) tagNetNew(ctx context.Context) {
	m.netNewMu.Lock()
	pending := m.netNew.Items()
	m.netNewMu.Unlock()

	for _, r := range pending {
		if err := provider.IgnoreNotFound(m.provider.SetName(ctx, r.ID, m.fleet)); err != nil {
			glog.Warningf("failed to tag spot request %s: %v", r.ID, err)
		}
	}
	m.view.Invalidate()
}

// candidates returns the running instances with their market data
func (m *Manager) candidates(ctx context.Context) ([]Candidate, error) {
	instances, err := m.view.Instances(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(instances))
	for _, i := range instances {
		c := Candidate{Instance: i}
		c.Utility, _ = m.utility.Utility(i.InstanceType)
		q, ok := m.pricing.Lookup(i.InstanceType, i.Zone)
		if !ok {
			glog.Warningf("no pricing for %s (%s in %s)", i.ID, i.InstanceType, i.Zone)
		}
		c.EstimatedValue = q.EstimatedValue
		switch {
		case i.Request != nil && i.Request.BidPrice > 0:
			c.Refund = i.Request.BidPrice
		case q.Price80 > 0:
			c.Refund = q.Price80
		default:
			c.Refund = q.CurrentPrice
		}
		c.Refund -= m.utility.Discount(i.InstanceType)
		out = append(out, c)
	}
	return out, nil
}

// saveMoney brings the budget back to non-negative: pending requests are
// cancelled first, then the least valuable instances are removed
func (m *Manager) saveMoney(ctx context.Context, report *CycleReport, requests []provider.SpotRequest, remainingBudget, netNewUtility float64) (float64, float64) {
	var cancel []string
	for _, r := range requests {
		if !provider.IsAwaiting(r.StatusCode) {
			continue
		}
		cancel = append(cancel, r.ID)
		u, _ := m.utility.Utility(r.LaunchSpec.InstanceType)
		netNewUtility += u
		remainingBudget += r.BidPrice - m.utility.Discount(r.LaunchSpec.InstanceType)
	}
	if len(cancel) > 0 {
		glog.Warningf("Cancel pending spot requests %v to save money", cancel)
		if err := provider.IgnoreNotFound(m.provider.CancelSpotRequests(ctx, cancel)); err != nil {
			glog.Errorf("failed to cancel spot requests %v: %v", cancel, err)
		} else {
			report.Cancelled = append(report.Cancelled, cancel...)
			m.metrics.Cancellations(m.fleet, metrics.ReasonCostBrake, len(cancel))
			m.active = lo.Reject(m.active, func(r provider.SpotRequest, _ int) bool { return lo.Contains(cancel, r.ID) })
		}
	}

	candidates, err := m.candidates(ctx)
	if err != nil {
		glog.Errorf("failed to list instances to save money: %v", err)
		return remainingBudget, netNewUtility
	}
	// least valuable first
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].EstimatedValue < candidates[j].EstimatedValue
	})

	var remove []Candidate
	for _, c := range candidates {
		if remainingBudget >= 0 {
			break
		}
		remove = append(remove, c)
		netNewUtility += c.Utility
		remainingBudget += c.Refund
	}
	if len(remove) == 0 {
		return remainingBudget, netNewUtility
	}

	glog.Warningf("Shutdown %v to save money!", candidateIDs(remove))
	m.shutdown(ctx, report, remove, metrics.ReasonCostBrake)
	return remainingBudget, netNewUtility
}

// removeInstances removes at least -netNewUtility utility and returns the
// new net utility need
func (m *Manager) removeInstances(ctx context.Context, report *CycleReport, netNewUtility float64) float64 {
	candidates, err := m.candidates(ctx)
	if err != nil {
		glog.Errorf("failed to list instances to remove: %v", err)
		return netNewUtility
	}

	remove, overshoot := SelectForRemoval(candidates, -netNewUtility, m.cfg.Removal.MaxOvershoot)
	if len(remove) == 0 {
		return netNewUtility
	}

	glog.Infof("Shutdown %v", candidateIDs(remove))
	m.shutdown(ctx, report, remove, metrics.ReasonScaleDown)
	return overshoot
}

// shutdown tears the instances down concurrently, then terminates them
// and cancels their spot requests
func (m *Manager) shutdown(ctx context.Context, report *CycleReport, remove []Candidate, reason string) {
	var wg conc.WaitGroup
	for _, c := range remove {
		inst := c.Instance
		wg.Go(func() {
			if err := m.instances.Teardown(ctx, &inst); err != nil {
				glog.Warningf("Teardown of %s failed: %v", inst.ID, err)
			}
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		glog.Warningf("Teardown panicked: %v", r.AsError())
	}

	ids := candidateIDs(remove)
	if err := provider.IgnoreNotFound(m.provider.TerminateInstances(ctx, ids)); err != nil {
		glog.Errorf("failed to terminate instances %v: %v", ids, err)
		return
	}
	report.Removed = append(report.Removed, ids...)
	for _, c := range remove {
		m.metrics.Removal(m.fleet, c.Instance.InstanceType, reason)
	}

	requestIDs := lo.Uniq(lo.FilterMap(remove, func(c Candidate, _ int) (string, bool) {
		if c.Instance.Request != nil {
			return c.Instance.Request.ID, true
		}
		return c.Instance.SpotRequestID, c.Instance.SpotRequestID != ""
	}))
	if len(requestIDs) == 0 {
		return
	}
	if err := provider.IgnoreNotFound(m.provider.CancelSpotRequests(ctx, requestIDs)); err != nil {
		glog.Errorf("failed to cancel spot requests %v: %v", requestIDs, err)
		return
	}
	report.Cancelled = append(report.Cancelled, requestIDs...)
	m.metrics.Cancellations(m.fleet, reason, len(requestIDs))
	m.view.Invalidate()
}

// addInstances bids on the ranked quotes until the need or the budget is
// used up. It returns what is left of both.
func (m *Manager) addInstances(ctx context.Context, report *CycleReport, netNewUtility, remainingBudget float64) (float64, float64) {
	quotes, err := m.pricing.Quotes(ctx)
	if err != nil {
		glog.Errorf("failed to get prices: %v", err)
		return netNewUtility, remainingBudget
	}
	now := m.clock.Now()

	for _, q := range quotes {
		if netNewUtility <= 0 || remainingBudget <= 0 {
			break
		}
		spec, ok := m.utility.Get(q.InstanceType)
		if !ok {
			continue
		}
		if !q.HasCurrentPrice() {
			glog.Infof("%s has no current price", q.InstanceType)
			continue
		}
		if spec.Blacklist || spec.ZoneBlacklisted(q.Zone) {
			glog.Infof("%s in %s skipped due to blacklist", q.InstanceType, q.Zone)
			continue
		}

		ladder := PlanLadder(LadderInput{
			Quote:              q,
			Discount:           spec.Discount,
			MaxUtilityPrice:    m.cfg.MaxUtilityPrice,
			NetNewUtility:      netNewUtility,
			RemainingBudget:    remainingBudget,
			MaxPercentPerType:  m.cfg.MaxPercentPerType,
			MaxRequestsPerType: m.cfg.MaxRequestsPerType,
			TypeZoneCount:      m.countActive(q.InstanceType, q.Zone),
			ZoneCount:          m.countActive("", q.Zone),
		})
		if ladder.Skip != "" {
			glog.Infof("Did not bid on %s in %s: %s", q.InstanceType, q.Zone, ladder.Skip)
			continue
		}

		for _, bid := range ladder.Bids {
			bid = ladder.Round(bid, bidPrecision)
			if bid < q.CurrentPrice {
				glog.Infof("Did not bid $%.4f/hour on %s: under current price of $%.4f/hour", bid, q.InstanceType, q.CurrentPrice)
				m.metrics.Bid(m.fleet, q.InstanceType, q.Zone, metrics.BidSkipped)
				continue
			}
			if bid-spec.Discount > remainingBudget {
				glog.Infof("Did not bid $%.4f/hour on %s: over remaining budget of $%.4f/hour", bid-spec.Discount, q.InstanceType, remainingBudget)
				m.metrics.Bid(m.fleet, q.InstanceType, q.Zone, metrics.BidSkipped)
				continue
			}
			if m.backoff.Blocked(q.InstanceType, now) {
				last, _ := m.backoff.LastFailure(q.InstanceType)
				glog.Infof("Did not bid on %s: \"no capacity\" last seen at %s", q.InstanceType, last.Format("2006-01-02 15:04:05"))
				m.metrics.Bid(m.fleet, q.InstanceType, q.Zone, metrics.BidSkipped)
				continue
			}

			created, err := m.requestSpot(ctx, bid, q, spec.EphemeralVolumes(), spec.LaunchDrives())
			if err != nil {
				glog.Warningf("Request instance %s failed because %v", q.InstanceType, err)
				m.metrics.Bid(m.fleet, q.InstanceType, q.Zone, metrics.BidFailed)
				if errors.Is(err, provider.ErrRequestLimitExceeded) {
					glog.Infof("No further spot requests will be attempted.")
					return netNewUtility, remainingBudget
				}
				if errors.Is(err, provider.ErrCapacityNotAvailable) {
					m.backoff.Record(q.InstanceType, now)
				}
				continue
			}

			glog.Infof("Request %d instance %s in %s with utility %g at $%.4f/hour", len(created), q.InstanceType, q.Zone, q.Utility, bid)
			n := float64(len(created))
			netNewUtility -= q.Utility * n
			remainingBudget -= (bid - spec.Discount) * n

			m.netNewMu.Lock()
			for _, r := range created {
				if err := m.netNew.Add(r); err != nil {
					glog.Warningf("spot request %s tracked twice: %v", r.ID, err)
				}
			}
			m.netNewMu.Unlock()

			for _, r := range created {
				m.active = append(m.active, r)
				report.Bids = append(report.Bids, BidRecord{
					RequestID:    r.ID,
					InstanceType: q.InstanceType,
					Zone:         q.Zone,
					Price:        bid,
					Utility:      q.Utility,
				})
				m.metrics.Bid(m.fleet, q.InstanceType, q.Zone, metrics.BidSubmitted)
			}
		}
	}
	return netNewUtility, remainingBudget
}

// requestSpot submits one spot request for q at bid
func (m *Manager) requestSpot(ctx context.Context, bid float64, q pricing.Quote, ephemeral int, drives []provider.Drive) ([]provider.SpotRequest, error) {
	req, err := m.template.Bid(bid, q.Zone, q.InstanceType, ephemeral, drives, m.clock.Now())
	if err != nil {
		return nil, err
	}
	return m.provider.RequestSpot(ctx, req)
}

// countActive counts this cycle's active requests in zone, of instanceType
// when it is not empty
func (m *Manager) countActive(instanceType, zone string) int {
	return lo.CountBy(m.active, func(r provider.SpotRequest) bool {
		return r.LaunchSpec.Zone == zone && (instanceType == "" || r.LaunchSpec.InstanceType == instanceType)
	})
}

func candidateIDs(candidates []Candidate) []string {
	return lo.Map(candidates, func(c Candidate, _ int) string { return c.Instance.ID })
}
