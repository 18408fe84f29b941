package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// PriceUpdateTask is one accepted price change, queued for persistence.
// Applying it twice is harmless because it overwrites the market's snapshot.
type PriceUpdateTask struct {
	MarketID       string            `json:"market_id"`
	OutcomePrices  []decimal.Decimal `json:"outcome_prices"`
	YesPrice       decimal.Decimal   `json:"yes_price"`
	NoPrice        decimal.Decimal   `json:"no_price"`
	YesProbability int               `json:"yes_probability"`
	NoProbability  int               `json:"no_probability"`
	ObservedAt     time.Time         `json:"observed_at"`
}

// NewPriceUpdateTask derives the YES/NO split from a reference instrument's
// outcome prices. With fewer than two prices the NO side is the complement
// of YES.
func NewPriceUpdateTask(marketID string, prices []decimal.Decimal, observedAt time.Time) (PriceUpdateTask, error) {
	if len(prices) == 0 {
		return PriceUpdateTask{}, ErrNoPrice
	}
	yes := prices[0]
	no := decimal.NewFromInt(1).Sub(yes)
	if len(prices) > 1 {
		no = prices[1]
	}
	yesProb, noProb := Probabilities(yes, no)
	return PriceUpdateTask{
		MarketID:       marketID,
		OutcomePrices:  prices,
		YesPrice:       yes,
		NoPrice:        no,
		YesProbability: yesProb,
		NoProbability:  noProb,
		ObservedAt:     observedAt,
	}, nil
}

// Probabilities normalises a YES/NO price pair into whole percentages that
// always sum to 100. A zero or negative total yields 50/50.
func Probabilities(yes, no decimal.Decimal) (int, int) {
	total := yes.Add(no)
	if !total.IsPositive() || yes.IsNegative() || no.IsNegative() {
		return 50, 50
	}
	yesProb := int(yes.Div(total).Mul(hundred).Round(0).IntPart())
	return yesProb, 100 - yesProb
}
