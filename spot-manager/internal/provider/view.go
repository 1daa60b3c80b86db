package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// View lists the spot requests and instances that belong to one fleet.
// A resource belongs to the fleet when its Name tag starts with the fleet
// name. Spot requests without a Name tag are included too, because new
// requests are only tagged after the provider has registered them.
type View struct {
	provider Provider
	fleet    string
	ttl      time.Duration
	clock    clock.PassiveClock

	mu        sync.Mutex
	requests  []SpotRequest
	fetchedAt time.Time
}

// NewView returns a view of the fleet named fleet. Spot request listings
// are cached for ttl.
func NewView(p Provider, fleet string, ttl time.Duration, clk clock.PassiveClock) *View {
	return &View{
		provider: p,
		fleet:    fleet,
		ttl:      ttl,
		clock:    clk,
	}
}

// Fleet returns the fleet name
func (v *View) Fleet() string {
	return v.fleet
}

// Provider returns the underlying provider
func (v *View) Provider() Provider {
	return v.provider
}

// Managed reports whether a Name tag belongs to the fleet
func (v *View) Managed(name string) bool {
	return strings.HasPrefix(name, v.fleet)
}

// Requests returns the managed spot requests, cached for the view's ttl
func (v *View) Requests(ctx context.Context) ([]SpotRequest, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.clock.Now()
	if v.requests != nil && now.Sub(v.fetchedAt) < v.ttl {
		return v.requests, nil
	}

	all, err := v.provider.SpotRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list spot requests: %w", err)
	}
	out := make([]SpotRequest, 0, len(all))
	for _, r := range all {
		if name := r.Name(); name == "" || v.Managed(name) {
			out = append(out, r)
		}
	}
	v.requests = out
	v.fetchedAt = now
	return out, nil
}

// Invalidate drops the cached spot request listing
func (v *View) Invalidate() {
	v.mu.Lock()
	v.requests = nil
	v.mu.Unlock()
}

// Instances returns the running managed instances, each linked to its spot request
func (v *View) Instances(ctx context.Context) ([]Instance, error) {
	requests, err := v.Requests(ctx)
	if err != nil {
		return nil, err
	}
	byInstance := make(map[string]SpotRequest, len(requests))
	for _, r := range requests {
		if r.InstanceID != "" {
			byInstance[r.InstanceID] = r
		}
	}

	all, err := v.provider.Instances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	out := make([]Instance, 0, len(all))
	for _, i := range all {
		if i.State != StateRunning || !v.Managed(i.Name()) {
			continue
		}
		if r, ok := byInstance[i.ID]; ok {
			r := r
			i.Request = &r
		}
		out = append(out, i)
	}
	return out, nil
}

// AllInstances returns every instance keyed by id, managed or not. The
// lifecycle watcher needs untagged instances, which are not yet managed.
func (v *View) AllInstances(ctx context.Context) (map[string]Instance, error) {
	all, err := v.provider.Instances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	out := make(map[string]Instance, len(all))
	for _, i := range all {
		out[i.ID] = i
	}
	return out, nil
}
