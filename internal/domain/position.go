package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "OPEN"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// Side is the outcome a position is exposed to.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Position is a user's holding in one side of a market. Settlement is the
// only writer this system has for positions.
type Position struct {
	ID       string
	MarketID string
	UserID   string
	Side     Side
	Shares   decimal.Decimal
	Cost     decimal.Decimal
	Status   PositionStatus
	Payout   decimal.Decimal
	OpenedAt time.Time
	ClosedAt *time.Time
}

// PayoutFor returns what the position is owed under outcome: shares x 1.0
// for the winning side, the original stake on a push and zero otherwise.
func (p Position) PayoutFor(outcome Outcome) decimal.Decimal {
	switch {
	case outcome == OutcomeCanceled:
		return p.Cost
	case string(p.Side) == string(outcome):
		return p.Shares
	default:
		return decimal.Zero
	}
}
