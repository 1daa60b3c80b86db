// Package sim is an in-memory provider. It backs the "simulate" provider
// kind and the spot manager tests.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
)

// Provider keeps spot requests, instances and price history in memory
type Provider struct {
	clock clock.PassiveClock

	mu        sync.Mutex
	zones     []string
	requests  map[string]*provider.SpotRequest
	instances map[string]*provider.Instance
	prices    []provider.PriceSample
	pageSize  int

	// RequestErr, when set, is consulted before each RequestSpot
	RequestErr func(req provider.BidRequest) error
	// AutoFulfill starts an instance as soon as a request is made
	AutoFulfill bool

	Bids       []provider.BidRequest
	Cancelled  []string
	Terminated []string
}

// New returns an empty provider with the given zones
func New(clk clock.PassiveClock, zones ...string) *Provider {
	return &Provider{
		clock:     clk,
		zones:     zones,
		requests:  make(map[string]*provider.SpotRequest),
		instances: make(map[string]*provider.Instance),
		pageSize:  100,
	}
}

// LoadPrices reads a JSON list of price samples from path
func (p *Provider) LoadPrices(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read price seed: %w", err)
	}
	var samples []provider.PriceSample
	if err := json.Unmarshal(data, &samples); err != nil {
		return fmt.Errorf("failed to parse price seed: %w", err)
	}
	p.AddPrices(samples...)
	return nil
}

// AddPrices appends price history
func (p *Provider) AddPrices(samples ...provider.PriceSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices = append(p.prices, samples...)
	sort.SliceStable(p.prices, func(i, j int) bool {
		return p.prices[i].Timestamp.Before(p.prices[j].Timestamp)
	})
}

// SetPageSize changes how many samples PriceHistory returns per page
func (p *Provider) SetPageSize(n int) {
	p.mu.Lock()
	p.pageSize = n
	p.mu.Unlock()
}

// AddRequest inserts an existing spot request
func (p *Provider) AddRequest(r provider.SpotRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r.Tags = copyTags(r.Tags)
	p.requests[r.ID] = &r
}

// AddInstance inserts an existing instance
func (p *Provider) AddInstance(i provider.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i.Tags = copyTags(i.Tags)
	i.Request = nil
	p.instances[i.ID] = &i
}

// SetStatus changes the status code of a spot request
func (p *Provider) SetStatus(id, code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.requests[id]; ok {
		r.StatusCode = code
	}
}

// Fulfill starts an instance for the spot request id and returns it
func (p *Provider) Fulfill(id string) (provider.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fulfillLocked(id)
}

func (p *Provider) fulfillLocked(id string) (provider.Instance, error) {
	r, ok := p.requests[id]
	if !ok {
		return provider.Instance{}, fmt.Errorf("%w: %s", provider.ErrNotFound, id)
	}
	inst := &provider.Instance{
		ID:            "i-" + uuid.NewString()[:8],
		InstanceType:  r.LaunchSpec.InstanceType,
		Zone:          r.LaunchSpec.Zone,
		LaunchTime:    p.clock.Now(),
		State:         provider.StateRunning,
		SpotRequestID: r.ID,
		PrivateIP:     "10.0.0.1",
		Tags:          map[string]string{},
	}
	p.instances[inst.ID] = inst
	r.InstanceID = inst.ID
	r.StatusCode = provider.StatusFulfilled
	return *inst, nil
}

// Request returns a copy of the spot request id
func (p *Provider) Request(id string) (provider.SpotRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.requests[id]
	if !ok {
		return provider.SpotRequest{}, false
	}
	out := *r
	out.Tags = copyTags(r.Tags)
	return out, true
}

// Instance returns a copy of the instance id
func (p *Provider) Instance(id string) (provider.Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.instances[id]
	if !ok {
		return provider.Instance{}, false
	}
	out := *i
	out.Tags = copyTags(i.Tags)
	return out, true
}

func (p *Provider) SpotRequests(ctx context.Context) ([]provider.SpotRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provider.SpotRequest, 0, len(p.requests))
	for _, r := range p.requests {
		c := *r
		c.Tags = copyTags(r.Tags)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *Provider) Instances(ctx context.Context) ([]provider.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provider.Instance, 0, len(p.instances))
	for _, i := range p.instances {
		c := *i
		c.Tags = copyTags(i.Tags)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *Provider) Zones(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.zones...), nil
}

func (p *Provider) RequestSpot(ctx context.Context, req provider.BidRequest) ([]provider.SpotRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.RequestErr != nil {
		if err := p.RequestErr(req); err != nil {
			return nil, err
		}
	}
	p.Bids = append(p.Bids, req)

	r := &provider.SpotRequest{
		ID:         "sir-" + uuid.NewString()[:8],
		StatusCode: provider.StatusPendingEvaluation,
		LaunchSpec: provider.LaunchSpec{InstanceType: req.InstanceType, Zone: req.Zone},
		BidPrice:   req.Price,
		CreateTime: p.clock.Now(),
		Tags:       map[string]string{},
	}
	p.requests[r.ID] = r
	if p.AutoFulfill {
		if _, err := p.fulfillLocked(r.ID); err != nil {
			return nil, err
		}
	}
	out := *r
	out.Tags = copyTags(r.Tags)
	return []provider.SpotRequest{out}, nil
}

func (p *Provider) CancelSpotRequests(ctx context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		p.Cancelled = append(p.Cancelled, id)
		r, ok := p.requests[id]
		if !ok {
			continue
		}
		if r.InstanceID != "" {
			if i, ok := p.instances[r.InstanceID]; ok && i.State == provider.StateRunning {
				r.StatusCode = provider.StatusCanceledAndInstanceRunning
				continue
			}
		}
		delete(p.requests, id)
	}
	return nil
}

func (p *Provider) TerminateInstances(ctx context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		p.Terminated = append(p.Terminated, id)
		i, ok := p.instances[id]
		if !ok {
			continue
		}
		i.State = provider.StateTerminated
		if r, ok := p.requests[i.SpotRequestID]; ok {
			if r.StatusCode == provider.StatusCanceledAndInstanceRunning {
				delete(p.requests, r.ID)
			} else {
				r.StatusCode = provider.StatusInstanceTerminatedByUser
			}
		}
	}
	return nil
}

func (p *Provider) PriceHistory(ctx context.Context, q provider.PriceQuery) (provider.PricePage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var matching []provider.PriceSample
	for _, s := range p.prices {
		if s.InstanceType == q.InstanceType && s.Zone == q.Zone && !s.Timestamp.Before(q.Start) {
			matching = append(matching, s)
		}
	}

	start := 0
	if q.NextToken != "" {
		if _, err := fmt.Sscanf(q.NextToken, "%d", &start); err != nil {
			return provider.PricePage{}, fmt.Errorf("bad next token %q", q.NextToken)
		}
	}
	if start > len(matching) {
		start = len(matching)
	}
	end := start + p.pageSize
	page := provider.PricePage{}
	if end < len(matching) {
		page.NextToken = fmt.Sprintf("%d", end)
	} else {
		end = len(matching)
	}
	page.Samples = append(page.Samples, matching[start:end]...)
	return page, nil
}

func (p *Provider) SetName(ctx context.Context, resourceID, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.requests[resourceID]; ok {
		r.Tags[provider.NameTag] = name
		return nil
	}
	if i, ok := p.instances[resourceID]; ok {
		i.Tags[provider.NameTag] = name
		return nil
	}
	return fmt.Errorf("%w: %s", provider.ErrNotFound, resourceID)
}

func (p *Provider) ClearName(ctx context.Context, resourceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.requests[resourceID]; ok {
		delete(r.Tags, provider.NameTag)
		return nil
	}
	if i, ok := p.instances[resourceID]; ok {
		delete(i.Tags, provider.NameTag)
		return nil
	}
	return fmt.Errorf("%w: %s", provider.ErrNotFound, resourceID)
}

func copyTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
