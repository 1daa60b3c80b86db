package provider

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

// DefaultBackoff paces retries of throttled calls
var DefaultBackoff = wait.Backoff{
	Duration: 500 * time.Millisecond,
	Factor:   2,
	Jitter:   0.1,
	Steps:    10,
	Cap:      30 * time.Second,
}

// Retrying wraps a Provider so throttled calls are retried with the same
// parameters until they succeed, fail otherwise, or ctx is done.
type Retrying struct {
	Provider
	backoff wait.Backoff
	clock   clock.Clock
}

// NewRetrying wraps p
func NewRetrying(p Provider, backoff wait.Backoff, clk clock.Clock) *Retrying {
	return &Retrying{Provider: p, backoff: backoff, clock: clk}
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	b := r.backoff
	for {
		err := fn()
		if !errors.Is(err, ErrThrottled) {
			return err
		}
		delay := b.Step()
		glog.Warningf("%s throttled, retrying in %s", op, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(delay):
		}
	}
}

func (r *Retrying) SpotRequests(ctx context.Context) (out []SpotRequest, err error) {
	err = r.do(ctx, "list spot requests", func() (e error) {
		out, e = r.Provider.SpotRequests(ctx)
		return e
	})
	return out, err
}

func (r *Retrying) Instances(ctx context.Context) (out []Instance, err error) {
	err = r.do(ctx, "list instances", func() (e error) {
		out, e = r.Provider.Instances(ctx)
		return e
	})
	return out, err
}

func (r *Retrying) Zones(ctx context.Context) (out []string, err error) {
	err = r.do(ctx, "list zones", func() (e error) {
		out, e = r.Provider.Zones(ctx)
		return e
	})
	return out, err
}

func (r *Retrying) RequestSpot(ctx context.Context, req BidRequest) (out []SpotRequest, err error) {
	err = r.do(ctx, "request spot", func() (e error) {
		out, e = r.Provider.RequestSpot(ctx, req)
		return e
	})
	return out, err
}

func (r *Retrying) CancelSpotRequests(ctx context.Context, ids []string) error {
	return r.do(ctx, "cancel spot requests", func() error {
		return r.Provider.CancelSpotRequests(ctx, ids)
	})
}

func (r *Retrying) TerminateInstances(ctx context.Context, ids []string) error {
	return r.do(ctx, "terminate instances", func() error {
		return r.Provider.TerminateInstances(ctx, ids)
	})
}

func (r *Retrying) PriceHistory(ctx context.Context, q PriceQuery) (out PricePage, err error) {
	err = r.do(ctx, "price history", func() (e error) {
		out, e = r.Provider.PriceHistory(ctx, q)
		return e
	})
	return out, err
}

func (r *Retrying) SetName(ctx context.Context, resourceID, name string) error {
	return r.do(ctx, "tag "+resourceID, func() error {
		return r.Provider.SetName(ctx, resourceID, name)
	})
}

func (r *Retrying) ClearName(ctx context.Context, resourceID string) error {
	return r.do(ctx, "untag "+resourceID, func() error {
		return r.Provider.ClearName(ctx, resourceID)
	})
}
