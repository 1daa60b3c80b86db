package demand

import "time"

// DemandPayload is one report of how much utility a fleet needs
type DemandPayload struct {
	Source    string    `json:"source" validate:"required"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Fleet     string    `json:"fleet" validate:"required"`
	// RequiredUtility is the utility the reporter wants running
	RequiredUtility float64 `json:"required_utility" validate:"gte=0"`
	// QueueDepth is the backlog seen by the reporter, if it has one
	QueueDepth *int64 `json:"queue_depth,omitempty" validate:"omitempty,gte=0"`
}

// SurgeJob is pushed when demand jumps well above the previous report
type SurgeJob struct {
	Reason   string        `json:"reason" validate:"required"`
	Fleet    string        `json:"fleet" validate:"required"`
	Previous float64       `json:"previous_utility"`
	Demand   DemandPayload `json:"demand"`
}
