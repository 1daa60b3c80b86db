package pricing

import (
	"math"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
)

// UtilityFunc returns the utility of an instance type, false when the type
// is not configured
type UtilityFunc func(instanceType string) (float64, bool)

// QuoteKey identifies a quote
type QuoteKey struct {
	InstanceType string
	Zone         string
}

// Quote summarises the recent market for one instance type in one zone
type Quote struct {
	InstanceType string  `json:"instance_type"`
	Zone         string  `json:"availability_zone"`
	Utility      float64 `json:"utility"`
	// Price80 is the configured percentile of the hourly prices
	Price80      float64 `json:"price_80"`
	CurrentPrice float64 `json:"current_price"`
	MaxPrice     float64 `json:"max_price"`
	// HigherPrice is the cheapest hourly price above Price80, or Price80
	// when there is none
	HigherPrice    float64   `json:"higher_price"`
	EstimatedValue float64   `json:"estimated_value"`
	AllPrices      []float64 `json:"all_price"`
	Count          int       `json:"count"`
}

// Key returns the (type, zone) key of q
func (q Quote) Key() QuoteKey {
	return QuoteKey{InstanceType: q.InstanceType, Zone: q.Zone}
}

// HasCurrentPrice reports whether the latest hour has a usable price
func (q Quote) HasCurrentPrice() bool {
	return q.CurrentPrice > 0
}

// Params controls how quotes are computed
type Params struct {
	// Percentile of hourly prices used as the bid floor, 0..1
	Percentile float64
	// History is how far back the hourly grid reaches
	History time.Duration
	// Smoothing spreads each price back in time to cover short spikes
	Smoothing time.Duration
}

// HigherPrice returns the cheapest price strictly above reference, or
// reference itself when there is none
func HigherPrice(prices []float64, reference float64) float64 {
	higher := lo.Filter(prices, func(p float64, _ int) bool { return p > reference })
	if len(higher) == 0 {
		return reference
	}
	return lo.Min(higher)
}

// Compute builds one quote per configured (type, zone) seen in samples,
// ranked by estimated value, best first.
func Compute(samples []provider.PriceSample, utility UtilityFunc, now time.Time, params Params) []Quote {
	groups := lo.GroupBy(samples, func(s provider.PriceSample) QuoteKey {
		return QuoteKey{InstanceType: s.InstanceType, Zone: s.Zone}
	})

	quotes := make([]Quote, 0, len(groups))
	for key, group := range groups {
		u, ok := utility(key.InstanceType)
		if !ok {
			continue
		}
		grid := HourlyGrid(group, now, params.History, params.Smoothing)
		if len(grid) == 0 {
			continue
		}
		all := lo.Map(grid, func(b Bucket, _ int) float64 { return b.Price })

		q := Quote{
			InstanceType: key.InstanceType,
			Zone:         key.Zone,
			Utility:      u,
			Price80:      Percentile(all, params.Percentile),
			CurrentPrice: grid[len(grid)-1].Price,
			MaxPrice:     lo.Max(all),
			AllPrices:    all,
			Count:        len(all),
		}
		q.HigherPrice = HigherPrice(all, q.Price80)
		if q.Price80 > 0 {
			q.EstimatedValue = u / q.Price80
		} else {
			q.EstimatedValue = math.Inf(1)
		}
		quotes = append(quotes, q)
	}

	Rank(quotes)
	return quotes
}

// Rank sorts quotes by estimated value, best first. Ties are ordered by
// type then zone.
func Rank(quotes []Quote) {
	sort.SliceStable(quotes, func(i, j int) bool {
		a, b := quotes[i], quotes[j]
		if a.EstimatedValue != b.EstimatedValue {
			return a.EstimatedValue > b.EstimatedValue
		}
		if a.InstanceType != b.InstanceType {
			return a.InstanceType < b.InstanceType
		}
		return a.Zone < b.Zone
	})
}
