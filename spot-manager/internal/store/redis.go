package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
)

// Redis keeps one hash per fleet for prices and one for the backoff table
// Key - <prefix>:<fleet>:prices, field - <zone>|<type>|<unix>, value - price
// Key - <prefix>:<fleet>:nocapacity, field - <type>, value - unix time
type Redis struct {
	Client *redis.Client
	prefix string
	fleet  string
}

func NewRedis(client *redis.Client, prefix, fleet string) *Redis {
	if prefix == "" {
		prefix = "spot"
	}
	return &Redis{Client: client, prefix: prefix, fleet: fleet}
}

func (r *Redis) pricesKey() string {
	return fmt.Sprintf("%s:%s:prices", r.prefix, r.fleet)
}

func (r *Redis) backoffKey() string {
	return fmt.Sprintf("%s:%s:nocapacity", r.prefix, r.fleet)
}

func sampleField(s provider.PriceSample) string {
	return fmt.Sprintf("%s|%s|%d", s.Zone, s.InstanceType, s.Timestamp.Unix())
}

func parseSampleField(field, value string) (provider.PriceSample, error) {
	parts := strings.Split(field, "|")
	if len(parts) != 3 {
		return provider.PriceSample{}, fmt.Errorf("malformed price field %q", field)
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return provider.PriceSample{}, fmt.Errorf("malformed timestamp in %q: %w", field, err)
	}
	price, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return provider.PriceSample{}, fmt.Errorf("malformed price for %q: %w", field, err)
	}
	return provider.PriceSample{
		Zone:         parts[0],
		InstanceType: parts[1],
		Price:        price,
		Timestamp:    time.Unix(ts, 0).UTC(),
	}, nil
}

func (r *Redis) LoadPrices(ctx context.Context) ([]provider.PriceSample, error) {
	fields, err := r.Client.HGetAll(ctx, r.pricesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to HGETALL %s: %w", r.pricesKey(), err)
	}
	out := make([]provider.PriceSample, 0, len(fields))
	for f, v := range fields {
		s, err := parseSampleField(f, v)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sortSamples(out)
	return out, nil
}

func (r *Redis) SavePrices(ctx context.Context, samples []provider.PriceSample) error {
	values := make([]interface{}, 0, 2*len(samples))
	for _, s := range samples {
		values = append(values, sampleField(s), strconv.FormatFloat(s.Price, 'f', -1, 64))
	}

	pipe := r.Client.TxPipeline()
	pipe.Del(ctx, r.pricesKey())
	if len(values) > 0 {
		pipe.HSet(ctx, r.pricesKey(), values...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save prices to %s: %w", r.pricesKey(), err)
	}
	return nil
}

func (r *Redis) LoadBackoff(ctx context.Context) (map[string]time.Time, error) {
	fields, err := r.Client.HGetAll(ctx, r.backoffKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to HGETALL %s: %w", r.backoffKey(), err)
	}
	out := make(map[string]time.Time, len(fields))
	for k, v := range fields {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed backoff time for %s: %w", k, err)
		}
		out[k] = time.Unix(ts, 0).UTC()
	}
	return out, nil
}

func (r *Redis) SaveBackoff(ctx context.Context, records map[string]time.Time) error {
	if len(records) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(records))
	for k, t := range records {
		values[k] = t.Unix()
	}
	if err := r.Client.HSet(ctx, r.backoffKey(), values).Err(); err != nil {
		return fmt.Errorf("failed to save backoff to %s: %w", r.backoffKey(), err)
	}
	return nil
}

func sortSamples(samples []provider.PriceSample) {
	sort.Slice(samples, func(i, j int) bool {
		a, b := samples[i], samples[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.InstanceType != b.InstanceType {
			return a.InstanceType < b.InstanceType
		}
		return a.Zone < b.Zone
	})
}
