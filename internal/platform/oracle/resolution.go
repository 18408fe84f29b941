package oracle

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketfactory/internal/domain"
)

// Settled binary instruments report collapsed prices: the winner at or above
// settledHigh and the loser at or below settledLow.
var (
	settledHigh = decimal.RequireFromString("0.99")
	settledLow  = decimal.RequireFromString("0.01")
)

type resolutionToken struct {
	Outcome string   `json:"outcome"`
	Winner  flexBool `json:"winner"`
}

type conditionResolution struct {
	PayoutNumerators []json.Number `json:"payoutNumerators"`
}

// ParseResolution reads the external verdict from a raw instrument payload.
// The source reports outcomes in several shapes; the first shape present
// decides, and a shape with an unrecognised value is Unparseable rather than
// defaulting to a side.
func ParseResolution(raw []byte) domain.Resolution {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return domain.Resolution{Kind: domain.ResolutionUnparseable, Raw: snippet(raw)}
	}

	var resolved, closed flexBool
	if v, ok := obj["resolved"]; ok {
		_ = json.Unmarshal(v, &resolved)
	}
	if v, ok := obj["closed"]; ok {
		_ = json.Unmarshal(v, &closed)
	}
	var tokens []resolutionToken
	if v, ok := obj["tokens"]; ok {
		_ = json.Unmarshal(v, &tokens)
	}
	_, hasResolution := present(obj, "resolution")
	collapsed := collapsedPrices(obj)

	settledByPrice := bool(closed) && collapsed.Kind != domain.ResolutionUnresolved
	if !bool(resolved) && !hasResolution && !(bool(closed) && hasWinnerToken(tokens)) && !settledByPrice {
		return domain.Resolution{Kind: domain.ResolutionUnresolved}
	}

	if v, ok := present(obj, "resolution"); ok {
		return fromLabel(v)
	}
	if v, ok := present(obj, "winner"); ok {
		return fromWinnerFlag(v)
	}
	if v, ok := present(obj, "outcome"); ok {
		return fromLabel(v)
	}
	if v, ok := present(obj, "resolvedOutcome"); ok {
		return fromLabel(v)
	}
	if v, ok := present(obj, "conditionResolution"); ok {
		return fromPayouts(v)
	}
	if len(tokens) > 0 {
		for _, t := range tokens {
			if bool(t.Winner) {
				return fromLabel(mustMarshal(t.Outcome))
			}
		}
	}
	if collapsed.Kind != domain.ResolutionUnresolved {
		return collapsed
	}
	return domain.Resolution{Kind: domain.ResolutionUnparseable, Raw: snippet(raw)}
}

func present(obj map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	v, ok := obj[key]
	if !ok || string(v) == "null" {
		return nil, false
	}
	return v, true
}

func hasWinnerToken(tokens []resolutionToken) bool {
	for _, t := range tokens {
		if bool(t.Winner) {
			return true
		}
	}
	return false
}

// collapsedPrices reads a two-outcome outcomePrices list. It returns Yes or
// No when one side has settled at 1 and the other at 0, and Unresolved for
// anything else, including a missing or malformed list.
func collapsedPrices(obj map[string]json.RawMessage) domain.Resolution {
	v, ok := present(obj, "outcomePrices")
	if !ok {
		return domain.Resolution{Kind: domain.ResolutionUnresolved}
	}
	var prices priceList
	if err := json.Unmarshal(v, &prices); err != nil || len(prices) != 2 {
		return domain.Resolution{Kind: domain.ResolutionUnresolved}
	}
	yes, no := prices[0], prices[1]
	switch {
	case yes.GreaterThanOrEqual(settledHigh) && no.LessThanOrEqual(settledLow):
		return domain.Resolution{Kind: domain.ResolutionYes}
	case no.GreaterThanOrEqual(settledHigh) && yes.LessThanOrEqual(settledLow):
		return domain.Resolution{Kind: domain.ResolutionNo}
	}
	return domain.Resolution{Kind: domain.ResolutionUnresolved}
}

// fromLabel accepts "YES"/"NO" labels in any case, plus bool and 1/0 forms.
func fromLabel(v json.RawMessage) domain.Resolution {
	var s flexString
	if err := json.Unmarshal(v, &s); err != nil {
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			return unparseable(v)
		}
		if b {
			return domain.Resolution{Kind: domain.ResolutionYes}
		}
		return domain.Resolution{Kind: domain.ResolutionNo}
	}
	switch strings.ToUpper(strings.TrimSpace(string(s))) {
	case "YES", "Y", "TRUE", "1":
		return domain.Resolution{Kind: domain.ResolutionYes}
	case "NO", "N", "FALSE", "0":
		return domain.Resolution{Kind: domain.ResolutionNo}
	}
	return unparseable(v)
}

// fromWinnerFlag maps the winner flag: 1 is YES, 0 is NO.
func fromWinnerFlag(v json.RawMessage) domain.Resolution {
	var s flexString
	if err := json.Unmarshal(v, &s); err != nil {
		return unparseable(v)
	}
	switch strings.TrimSpace(string(s)) {
	case "1":
		return domain.Resolution{Kind: domain.ResolutionYes}
	case "0":
		return domain.Resolution{Kind: domain.ResolutionNo}
	}
	return unparseable(v)
}

// fromPayouts maps a payout vector: [1,0] is YES, [0,1] is NO.
func fromPayouts(v json.RawMessage) domain.Resolution {
	var cr conditionResolution
	if err := json.Unmarshal(v, &cr); err != nil || len(cr.PayoutNumerators) != 2 {
		return unparseable(v)
	}
	yes, errYes := cr.PayoutNumerators[0].Float64()
	no, errNo := cr.PayoutNumerators[1].Float64()
	if errYes != nil || errNo != nil {
		return unparseable(v)
	}
	switch {
	case yes > 0 && no == 0:
		return domain.Resolution{Kind: domain.ResolutionYes}
	case no > 0 && yes == 0:
		return domain.Resolution{Kind: domain.ResolutionNo}
	}
	return unparseable(v)
}

func unparseable(v []byte) domain.Resolution {
	return domain.Resolution{Kind: domain.ResolutionUnparseable, Raw: snippet(v)}
}

func mustMarshal(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func snippet(b []byte) string {
	if len(b) > 512 {
		return string(b[:512])
	}
	return string(b)
}
