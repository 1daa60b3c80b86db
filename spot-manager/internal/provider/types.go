package provider

import (
	"strings"
	"time"
)

// LaunchSpec is where and what a spot request asks for
type LaunchSpec struct {
	InstanceType string `json:"instance_type"`
	Zone         string `json:"zone"`
}

// SpotRequest is owned by the cloud provider. The controller only reads it
// and asks the provider to tag or cancel it.
type SpotRequest struct {
	ID         string            `json:"id"`
	StatusCode string            `json:"status_code"`
	InstanceID string            `json:"instance_id,omitempty"`
	LaunchSpec LaunchSpec        `json:"launch_spec"`
	BidPrice   float64           `json:"bid_price"`
	CreateTime time.Time         `json:"create_time"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Name returns the Name tag
func (r SpotRequest) Name() string {
	return r.Tags[NameTag]
}

// Instance is a machine started for a fulfilled spot request
type Instance struct {
	ID            string            `json:"id"`
	InstanceType  string            `json:"instance_type"`
	Zone          string            `json:"zone"`
	Tags          map[string]string `json:"tags,omitempty"`
	LaunchTime    time.Time         `json:"launch_time"`
	State         string            `json:"state"`
	SpotRequestID string            `json:"spot_request_id,omitempty"`
	PrivateIP     string            `json:"private_ip,omitempty"`

	// Request is the managed spot request that started this instance, if known
	Request *SpotRequest `json:"-"`
}

// Name returns the Name tag
func (i Instance) Name() string {
	return i.Tags[NameTag]
}

// PriceSample is one observed market price. Providers report a sample only
// when the price changes.
type PriceSample struct {
	Zone         string    `json:"availability_zone"`
	InstanceType string    `json:"instance_type"`
	Price        float64   `json:"price"`
	Timestamp    time.Time `json:"timestamp"`
}

// SampleKey identifies a sample for de-duplication
type SampleKey struct {
	Zone         string
	InstanceType string
	Timestamp    int64
}

// Key returns the de-duplication key of s
func (s PriceSample) Key() SampleKey {
	return SampleKey{Zone: s.Zone, InstanceType: s.InstanceType, Timestamp: s.Timestamp.Unix()}
}

// PriceQuery asks for one page of price history
type PriceQuery struct {
	InstanceType string
	Zone         string
	Product      string
	Start        time.Time
	NextToken    string
}

// PricePage is one page of price history
type PricePage struct {
	Samples   []PriceSample
	NextToken string
}

// Volume is a block device attached at launch
type Volume struct {
	Device              string `json:"device"`
	EphemeralName       string `json:"ephemeral_name,omitempty"`
	SizeGB              int    `json:"size_gb,omitempty"`
	VolumeType          string `json:"volume_type,omitempty"`
	DeleteOnTermination bool   `json:"delete_on_termination"`
}

// BidRequest asks the provider for one spot instance
type BidRequest struct {
	Price          float64
	Zone           string
	InstanceType   string
	ImageID        string
	KeyName        string
	SecurityGroups []string
	SubnetIDs      []string
	PlacementGroup string
	Profile        string
	UserData       string
	Volumes        []Volume
	ValidUntil     time.Time
}

// Instance states
const (
	StateRunning    = "running"
	StatePending    = "pending"
	StateTerminated = "terminated"
)

// NameTag is the tag used to recognise managed resources
const NameTag = "Name"

// Spot request status codes
const (
	StatusFulfilled                    = "fulfilled"
	StatusCanceledAndInstanceRunning   = "request-canceled-and-instance-running"
	StatusPendingEvaluation            = "pending-evaluation"
	StatusPendingFulfillment           = "pending-fulfillment"
	StatusAZGroupConstraint            = "az-group-constraint"
	StatusPlacementGroupConstraint     = "placement-group-constraint"
	StatusPriceTooLow                  = "price-too-low"
	StatusCapacityOversubscribed       = "capacity-oversubscribed"
	StatusCapacityNotAvailable         = "capacity-not-available"
	StatusBadParameters                = "bad-parameters"
	StatusMarkedForTermination         = "marked-for-termination"
	StatusCanceledBeforeFulfillment    = "canceled-before-fulfillment"
	StatusInstanceTerminatedByPrice    = "instance-terminated-by-price"
	StatusInstanceTerminatedByUser     = "instance-terminated-by-user"
	StatusInstanceTerminatedNoCapacity = "instance-terminated-no-capacity"
	statusInstanceTerminatedPrefix     = "instance-terminated-"
)

// StatusSet is a set of status codes
type StatusSet map[string]struct{}

func newStatusSet(codes ...string) StatusSet {
	s := make(StatusSet, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether code is in the set
func (s StatusSet) Has(code string) bool {
	_, ok := s[code]
	return ok
}

var (
	// Running requests have an instance
	Running = newStatusSet(StatusFulfilled, StatusCanceledAndInstanceRunning)
	// Pending requests are still being evaluated by the provider
	Pending = newStatusSet(StatusPendingEvaluation, StatusPendingFulfillment)
	// MightHappen requests can still be fulfilled without any help
	MightHappen = newStatusSet(StatusAZGroupConstraint)
	// NotForAWhile requests are unlikely to be fulfilled soon
	NotForAWhile = newStatusSet(StatusPlacementGroupConstraint, StatusPriceTooLow)
	// Terminal requests will never be fulfilled
	Terminal = newStatusSet(
		StatusMarkedForTermination,
		StatusCapacityOversubscribed,
		StatusCapacityNotAvailable,
		StatusBadParameters,
	)
	// NoCapacity codes put the instance type into backoff
	NoCapacity = newStatusSet(StatusCapacityNotAvailable, StatusBadParameters)
)

// IsActive reports whether a request counts against budget and utility
func IsActive(code string) bool {
	return Running.Has(code) || Pending.Has(code) || MightHappen.Has(code) || NotForAWhile.Has(code)
}

// IsAwaiting reports whether a request is not yet fulfilled but may be
func IsAwaiting(code string) bool {
	return Pending.Has(code) || MightHappen.Has(code) || NotForAWhile.Has(code)
}

// IsGiveUp reports whether a request should be cancelled
func IsGiveUp(code string) bool {
	return Terminal.Has(code) || NotForAWhile.Has(code) || strings.HasPrefix(code, statusInstanceTerminatedPrefix)
}
