// Package pricing turns the provider's change-only spot price history into
// ranked per-(type, zone) quotes.
package pricing

import (
	"math"
	"sort"
	"time"

	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
)

// Bucket is the highest price seen during one hour
type Bucket struct {
	Hour  time.Time
	Price float64
}

// endOfDay returns midnight after t
func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

// HourlyGrid expands the samples of one (type, zone) into hourly buckets
// covering floor(now)-history up to and including the current hour.
//
// A sample is in effect from its timestamp minus smoothing until the next
// sample's timestamp (exclusive). The latest sample stays in effect until
// the end of the day. Hours with no sample in effect are left out.
func HourlyGrid(samples []provider.PriceSample, now time.Time, history, smoothing time.Duration) []Bucket {
	if len(samples) == 0 {
		return nil
	}
	sorted := make([]provider.PriceSample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	start := now.Truncate(time.Hour).Add(-history)
	end := now.Truncate(time.Hour).Add(time.Hour)
	hours := int(end.Sub(start) / time.Hour)
	if hours <= 0 {
		return nil
	}
	prices := make([]float64, hours)
	seen := make([]bool, hours)

	for i, s := range sorted {
		effective := s.Timestamp.Add(-smoothing)
		expire := endOfDay(now)
		if i+1 < len(sorted) {
			expire = sorted[i+1].Timestamp
		}
		if !expire.After(start) {
			continue
		}
		if effective.Before(start) {
			effective = start
		}
		if expire.After(end) {
			expire = end
		}
		if !expire.After(effective) {
			continue
		}
		first := int(effective.Sub(start) / time.Hour)
		last := int(expire.Add(-time.Nanosecond).Sub(start) / time.Hour)
		for h := first; h <= last && h < hours; h++ {
			if !seen[h] || s.Price > prices[h] {
				prices[h] = s.Price
				seen[h] = true
			}
		}
	}

	out := make([]Bucket, 0, hours)
	for h := 0; h < hours; h++ {
		if seen[h] {
			out = append(out, Bucket{Hour: start.Add(time.Duration(h) * time.Hour), Price: prices[h]})
		}
	}
	return out
}

// Percentile returns the p-th percentile (0..1) of values, interpolating
// linearly between the closest ranks. It returns 0 for no values.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	k := float64(len(sorted)-1) * p
	f := math.Floor(k)
	c := math.Ceil(k)
	if f == c {
		return sorted[int(k)]
	}
	return sorted[int(f)]*(c-k) + sorted[int(c)]*(k-f)
}
