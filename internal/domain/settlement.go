package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementSource records how a market's outcome was decided.
type SettlementSource string

const (
	SettlementSourceExternal SettlementSource = "external"
	SettlementSourceVolume   SettlementSource = "volume"
)

// SettlementStats is the aggregate result of applying one market outcome.
type SettlementStats struct {
	MarketID      string           `json:"market_id"`
	Outcome       Outcome          `json:"outcome"`
	Source        SettlementSource `json:"source"`
	TotalOrders   int              `json:"total_orders"`
	WinningOrders int              `json:"winning_orders"`
	AffectedUsers int              `json:"affected_users"`
	TotalPayout   decimal.Decimal  `json:"total_payout"`
	SettledAt     time.Time        `json:"settled_at"`
}
