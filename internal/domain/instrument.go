package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ResolutionKind is the tagged outcome of parsing an external resolution.
type ResolutionKind string

const (
	ResolutionUnresolved  ResolutionKind = "unresolved"
	ResolutionYes         ResolutionKind = "yes"
	ResolutionNo          ResolutionKind = "no"
	ResolutionUnparseable ResolutionKind = "unparseable"
)

// Resolution is the external source's verdict on an instrument. Raw holds
// the payload fragment that could not be parsed, for triage.
type Resolution struct {
	Kind ResolutionKind
	Raw  string
}

// Definitive reports whether the resolution names a winning side.
func (r Resolution) Definitive() bool {
	return r.Kind == ResolutionYes || r.Kind == ResolutionNo
}

// Outcome maps a definitive resolution to a market outcome.
func (r Resolution) Outcome() (Outcome, bool) {
	switch r.Kind {
	case ResolutionYes:
		return OutcomeYes, true
	case ResolutionNo:
		return OutcomeNo, true
	}
	return "", false
}

// Instrument is a market on the external reference source.
type Instrument struct {
	ID            string
	Title         string
	Slug          string
	Description   string
	Asset         string
	SeriesIDs     []string
	OutcomePrices []decimal.Decimal
	EndDate       *time.Time
	Closed        bool
	Volume        float64
	Resolution    Resolution
}

// YesPrice returns the first outcome price, which is the YES side on the
// reference source.
func (i Instrument) YesPrice() (decimal.Decimal, bool) {
	if len(i.OutcomePrices) == 0 {
		return decimal.Zero, false
	}
	return i.OutcomePrices[0], true
}

// ReferenceSource is the external oracle the pipeline binds to, prices from
// and settles against.
type ReferenceSource interface {
	ListOpenInstruments(ctx context.Context, offset, limit int) ([]Instrument, error)
	GetInstrument(ctx context.Context, id string) (Instrument, error)
}
