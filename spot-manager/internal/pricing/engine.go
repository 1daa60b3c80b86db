package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/ianwong123/spot-manager/spot-manager/internal/capacity"
	"github.com/ianwong123/spot-manager/spot-manager/internal/index"
	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
	"github.com/ianwong123/spot-manager/spot-manager/internal/store"
)

const (
	DefaultProduct      = "Linux/UNIX (Amazon VPC)"
	DefaultFetchWindow  = 7 * 24 * time.Hour
	DefaultRetainWindow = 2 * 24 * time.Hour
)

// Options configures an Engine
type Options struct {
	Params
	// InstanceTypes are fetched from the provider
	InstanceTypes []string
	// Zones restricts the zones fetched; empty means every provider zone
	Zones []string
	// SubnetZones are the zones a bid can launch into; empty means no limit
	SubnetZones []string
	// Product is the provider product description
	Product string
	// FetchWindow bounds how far back history is fetched when nothing is cached
	FetchWindow time.Duration
	// RetainWindow is how much history before today is kept in the cache
	RetainWindow time.Duration
}

// Engine computes quotes once per process and remembers them
type Engine struct {
	provider provider.Provider
	store    store.Store
	backoff  *capacity.Backoff
	utility  UtilityFunc
	opts     Options
	clock    clock.PassiveClock

	mu     sync.Mutex
	quotes []Quote
	lookup *index.Index[QuoteKey, Quote]
}

func NewEngine(p provider.Provider, s store.Store, backoff *capacity.Backoff, utility UtilityFunc, opts Options, clk clock.PassiveClock) *Engine {
	if opts.Product == "" {
		opts.Product = DefaultProduct
	}
	if opts.FetchWindow <= 0 {
		opts.FetchWindow = DefaultFetchWindow
	}
	if opts.RetainWindow <= 0 {
		opts.RetainWindow = DefaultRetainWindow
	}
	return &Engine{
		provider: p,
		store:    s,
		backoff:  backoff,
		utility:  utility,
		opts:     opts,
		clock:    clk,
	}
}

// Quotes returns the ranked quotes, computing them on the first call.
// Concurrent callers wait for that first computation.
func (e *Engine) Quotes(ctx context.Context) ([]Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.quotes != nil {
		return e.quotes, nil
	}

	samples, err := e.fetch(ctx)
	if err != nil {
		return nil, err
	}

	quotes := Compute(samples, e.utility, e.clock.Now(), e.opts.Params)
	lookup := index.New(Quote.Key)
	if err := lookup.AddAll(quotes...); err != nil {
		return nil, fmt.Errorf("failed to index quotes: %w", err)
	}
	for _, q := range quotes {
		glog.V(2).Infof("quote %s in %s: price_80=%.4f current=%.4f higher=%.4f value=%.2f",
			q.InstanceType, q.Zone, q.Price80, q.CurrentPrice, q.HigherPrice, q.EstimatedValue)
	}
	e.quotes = quotes
	e.lookup = lookup
	return quotes, nil
}

// Lookup returns the quote for instanceType in zone. Quotes must have
// been computed.
func (e *Engine) Lookup(instanceType, zone string) (Quote, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lookup == nil {
		return Quote{}, false
	}
	return e.lookup.Get(QuoteKey{InstanceType: instanceType, Zone: zone})
}

// Reset forgets the computed quotes so the next call recomputes them
func (e *Engine) Reset() {
	e.mu.Lock()
	e.quotes = nil
	e.lookup = nil
	e.mu.Unlock()
}

// LoadBackoff merges the persisted no-capacity table into the backoff table
func (e *Engine) LoadBackoff(ctx context.Context) {
	records, err := e.store.LoadBackoff(ctx)
	if err != nil {
		glog.Warningf("failed to read no-capacity table: %v", err)
		return
	}
	e.backoff.Load(records)
}

// SaveBackoff persists the no-capacity table if it changed
func (e *Engine) SaveBackoff(ctx context.Context) error {
	if !e.backoff.Dirty() {
		return nil
	}
	if err := e.store.SaveBackoff(ctx, e.backoff.Snapshot()); err != nil {
		return fmt.Errorf("failed to save no-capacity table: %w", err)
	}
	e.backoff.MarkSaved()
	return nil
}

// zones returns the provider zones, limited to the configured ones and
// to the zones with a launch subnet
func (e *Engine) zones(ctx context.Context) ([]string, error) {
	zones, err := e.provider.Zones(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}
	if len(e.opts.Zones) > 0 {
		zones = lo.Intersect(zones, e.opts.Zones)
	}
	if len(e.opts.SubnetZones) > 0 {
		zones = lo.Intersect(zones, e.opts.SubnetZones)
	}
	if len(zones) == 0 {
		glog.Warningf("no availability zone has a launch subnet")
	}
	return zones, nil
}

// fetch merges the cached samples with fresh provider history and writes
// the recent part back to the cache
func (e *Engine) fetch(ctx context.Context) ([]provider.PriceSample, error) {
	e.LoadBackoff(ctx)

	cached, err := e.store.LoadPrices(ctx)
	if err != nil {
		glog.Warningf("failed to read price cache, starting empty: %v", err)
		cached = nil
	}

	samples := index.New(provider.PriceSample.Key, index.IgnoreDuplicates())
	mostRecent := make(map[QuoteKey]time.Time)
	for _, s := range cached {
		_ = samples.Add(s)
		k := QuoteKey{InstanceType: s.InstanceType, Zone: s.Zone}
		if s.Timestamp.After(mostRecent[k]) {
			mostRecent[k] = s.Timestamp
		}
	}

	zones, err := e.zones(ctx)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	today := now.Truncate(24 * time.Hour)
	floor := today.Add(-e.opts.FetchWindow)

	for _, instanceType := range e.opts.InstanceTypes {
		for _, zone := range zones {
			start := floor
			if t, ok := mostRecent[QuoteKey{InstanceType: instanceType, Zone: zone}]; ok && t.After(start) {
				start = t
			}
			glog.V(2).Infof("get pricing for %s in %s starting at %s", instanceType, zone, start.Format(time.RFC3339))

			q := provider.PriceQuery{
				InstanceType: instanceType,
				Zone:         zone,
				Product:      e.opts.Product,
				Start:        start,
			}
			for {
				page, err := e.provider.PriceHistory(ctx, q)
				if err != nil {
					return nil, fmt.Errorf("failed to get price history for %s in %s: %w", instanceType, zone, err)
				}
				for _, s := range page.Samples {
					_ = samples.Add(s)
				}
				if page.NextToken == "" {
					break
				}
				q.NextToken = page.NextToken
			}
		}
	}

	all := samples.Items()
	keep := today.Add(-e.opts.RetainWindow)
	recent := lo.Filter(all, func(s provider.PriceSample, _ int) bool {
		return !s.Timestamp.Before(keep)
	})
	if err := e.store.SavePrices(ctx, recent); err != nil {
		glog.Warningf("failed to save price cache: %v", err)
	}

	// cached samples may cover zones that are no longer usable
	usable := lo.SliceToMap(zones, func(z string) (string, bool) { return z, true })
	return lo.Filter(all, func(s provider.PriceSample, _ int) bool {
		return usable[s.Zone]
	}), nil
}
