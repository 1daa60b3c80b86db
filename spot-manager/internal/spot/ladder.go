package spot

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/ianwong123/spot-manager/spot-manager/internal/pricing"
)

// LadderInput is everything needed to plan the bids on one quote
type LadderInput struct {
	Quote    pricing.Quote
	Discount float64
	// MaxUtilityPrice is the most paid for one unit of utility per hour
	MaxUtilityPrice float64
	NetNewUtility   float64
	RemainingBudget float64
	// MaxPercentPerType caps the share of one type in a zone (1 = no cap)
	MaxPercentPerType  float64
	MaxRequestsPerType int
	// TypeZoneCount is how many active requests have this type in this zone
	TypeZoneCount int
	// ZoneCount is how many active requests are in this zone
	ZoneCount int
}

// Ladder is the planned bids for one quote. Skip is set, and Bids empty,
// when the quote cannot be bid on.
type Ladder struct {
	MaxAcceptable float64
	MinBid        float64
	MaxBid        float64
	Bids          []float64
	Skip          string
}

// PlanLadder spreads the bids for one quote between the price floor and
// what can be afforded. A single bid goes just above the current price.
func PlanLadder(in LadderInput) Ladder {
	q := in.Quote
	l := Ladder{
		MaxAcceptable: q.Utility*in.MaxUtilityPrice + in.Discount,
		MinBid:        q.Price80,
	}
	l.MaxBid = math.Min(q.HigherPrice, math.Min(l.MaxAcceptable, in.RemainingBudget))

	if l.MinBid > l.MaxAcceptable {
		l.Skip = fmt.Sprintf("price of $%.4f/hour is over acceptable price of $%.4f/hour", l.MinBid, l.MaxAcceptable)
		return l
	}
	if l.MinBid > in.RemainingBudget {
		l.Skip = fmt.Sprintf("price of $%.4f/hour is over remaining budget of $%.4f/hour", l.MinBid, in.RemainingBudget)
		return l
	}

	naive := int(math.Round(in.NetNewUtility / q.Utility))
	num := naive
	if in.MaxPercentPerType > 0 && in.MaxPercentPerType < 1 {
		all := in.ZoneCount
		if naive > all {
			all = naive
		}
		limit := int(math.Floor((float64(all)*in.MaxPercentPerType - float64(in.TypeZoneCount)) / (1 - in.MaxPercentPerType)))
		if limit < num {
			num = limit
		}
	}
	if in.MaxRequestsPerType > 0 && in.MaxRequestsPerType < num {
		num = in.MaxRequestsPerType
	}

	switch {
	case num < 0:
		l.Skip = fmt.Sprintf("over %.0f%% of instances in %s", in.MaxPercentPerType*100, q.Zone)
	case num == 0:
		l.Skip = "no instances needed"
	case num == 1:
		bid := math.Min(math.Max(q.CurrentPrice*1.1, l.MinBid), l.MaxAcceptable)
		l.Bids = []float64{bid}
	default:
		step := math.Min(l.MinBid/10, (l.MaxBid-l.MinBid)/float64(num-1))
		l.Bids = make([]float64, num)
		for i := range l.Bids {
			l.Bids[i] = l.MinBid + float64(i)*step
		}
	}
	return l
}

// Round rounds bid to places decimals, keeping it within the floor and the
// acceptable price
func (l Ladder) Round(bid float64, places int32) float64 {
	rounded := decimal.NewFromFloat(bid).Round(places).InexactFloat64()
	return math.Min(math.Max(rounded, l.MinBid), l.MaxAcceptable)
}
