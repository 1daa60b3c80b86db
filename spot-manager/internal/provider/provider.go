// Package provider describes the calls the spot manager makes against a
// cloud provider, without binding to any particular SDK.
package provider

import (
	"context"
	"errors"
)

var (
	// ErrThrottled is a transient rate-limit error; the call may be retried unchanged
	ErrThrottled = errors.New("request throttled")
	// ErrRequestLimitExceeded means no more spot requests will be accepted
	ErrRequestLimitExceeded = errors.New("max spot instance count exceeded")
	// ErrNotFound means the resource is already gone
	ErrNotFound = errors.New("resource not found")
	// ErrCapacityNotAvailable means the provider has no capacity for the type
	ErrCapacityNotAvailable = errors.New("capacity not available")
)

// Provider is the cloud API surface used by the spot manager
type Provider interface {
	// SpotRequests lists all spot requests visible to the account
	SpotRequests(ctx context.Context) ([]SpotRequest, error)
	// Instances lists all instances visible to the account
	Instances(ctx context.Context) ([]Instance, error)
	// Zones lists the availability zones open to the account
	Zones(ctx context.Context) ([]string, error)
	// RequestSpot submits one spot request
	RequestSpot(ctx context.Context, req BidRequest) ([]SpotRequest, error)
	CancelSpotRequests(ctx context.Context, ids []string) error
	TerminateInstances(ctx context.Context, ids []string) error
	PriceHistory(ctx context.Context, q PriceQuery) (PricePage, error)
	// SetName sets the Name tag on an instance or spot request
	SetName(ctx context.Context, resourceID, name string) error
	// ClearName removes the Name tag
	ClearName(ctx context.Context, resourceID string) error
}

// IgnoreNotFound returns nil if err means the resource is already gone
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
