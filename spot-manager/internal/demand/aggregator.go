// Package demand ingests demand reports and keeps the latest one per fleet
// in redis.
package demand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/ianwong123/spot-manager/spot-manager/internal/queue"
)

// ErrNoDemand means no demand has been reported for the fleet
var ErrNoDemand = errors.New("no demand reported")

type AggregatorInterface interface {
	SaveDemandPayload(ctx context.Context, p *DemandPayload) error
	LatestDemand(ctx context.Context, fleet string) (*DemandPayload, error)
}

type Aggregator struct {
	Client *redis.Client
	Queue  queue.QueueClient

	// SurgeFactor is how many times the previous demand counts as a surge
	SurgeFactor float64
	// Cooldown is the least time between two surge jobs for one fleet
	Cooldown time.Duration
	Clock    clock.PassiveClock
}

const (
	LatestDemandKey = "demand:latest:"
	// SurgeQueueKey is an outbound feed for the scheduler of "run"
	SurgeQueueKey   = "queue:spot:surges"
	CooldownKey     = "demand:cooldown:"

	DefaultSurgeFactor = 1.5
	DefaultCooldown    = 30 * time.Minute
)

func NewAggregator(redisAddr string, redisPass string, db int) *Aggregator {
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPass,
		DB:       db,
	})
	return NewAggregatorFromClient(rdb)
}

func NewAggregatorFromClient(rdb *redis.Client) *Aggregator {
	return &Aggregator{
		Client:      rdb,
		Queue:       queue.NewRedisQueue(rdb),
		SurgeFactor: DefaultSurgeFactor,
		Cooldown:    DefaultCooldown,
		Clock:       clock.RealClock{},
	}
}

// Marshal payload and save to redis
// Key - demand:latest:<fleet>
// Value - <payload>
func (a *Aggregator) SaveDemandPayload(ctx context.Context, p *DemandPayload) error {
	jsonData, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	previous, err := a.LatestDemand(ctx, p.Fleet)
	if err != nil && !errors.Is(err, ErrNoDemand) {
		glog.Warningf("failed to read previous demand for %s: %v", p.Fleet, err)
	}

	err = a.Client.Set(ctx, LatestDemandKey+p.Fleet, jsonData, 0).Err()
	if err != nil {
		return fmt.Errorf("failed to SET redis: %w", err)
	}

	if previous == nil || a.SurgeFactor <= 0 || p.RequiredUtility <= previous.RequiredUtility*a.SurgeFactor {
		return nil
	}

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	go func() {
		defer cancel()
		a.handleTrigger(bg, *p, previous.RequiredUtility)
	}()
	return nil
}

// LatestDemand returns the last demand saved for fleet
func (a *Aggregator) LatestDemand(ctx context.Context, fleet string) (*DemandPayload, error) {
	raw, err := a.Client.Get(ctx, LatestDemandKey+fleet).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w for %s", ErrNoDemand, fleet)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get redis demand data: %w", err)
	}

	var p DemandPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal demand for %s: %w", fleet, err)
	}
	return &p, nil
}

// Handle trigger cooldown
// Key: demand:cooldown:<fleet>
// Value: timestamp
func (a *Aggregator) handleTrigger(ctx context.Context, p DemandPayload, previous float64) {
	key := CooldownKey + p.Fleet

	lastTriggerStr, err := a.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		a.executePush(ctx, key, p, previous)
		return
	} else if err != nil {
		glog.Warningf("Redis error %v", err)
		return
	}

	lastTrigger, err := strconv.ParseInt(lastTriggerStr, 10, 64)
	if err != nil {
		glog.Warningf("Failed to parse timestamp %v", err)
		return
	}

	if a.Clock.Since(time.Unix(lastTrigger, 0)) < a.Cooldown {
		glog.Infof("Cooldown active for %s. Skipping.", p.Fleet)
		return
	}
	a.executePush(ctx, key, p, previous)
}

// push to queue and update timestamp
func (a *Aggregator) executePush(ctx context.Context, cooldownKey string, p DemandPayload, previous float64) {
	reason := fmt.Sprintf("Demand surge from %.1f to %.1f utility", previous, p.RequiredUtility)
	glog.Infof("Pushing to queue for %s because: %s", p.Fleet, reason)

	job := SurgeJob{
		Reason:   reason,
		Fleet:    p.Fleet,
		Previous: previous,
		Demand:   p,
	}
	if err := a.Queue.PublishJob(ctx, SurgeQueueKey, job); err != nil {
		glog.Warningf("Failed to push job: %v", err)
		return
	}
	a.Client.Set(ctx, cooldownKey, a.Clock.Now().Unix(), 0)
}
