package oracle_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/alanyoungcy/marketfactory/internal/platform/oracle"
)

func TestParseResolution(t *testing.T) {
	tests := []struct {
		name string
		body string
		want domain.ResolutionKind
	}{
		{"not resolved", `{"id":"1","resolved":false,"closed":false}`, domain.ResolutionUnresolved},
		{"no fields", `{"id":"1"}`, domain.ResolutionUnresolved},
		{"resolution label yes", `{"resolved":true,"resolution":"Yes"}`, domain.ResolutionYes},
		{"resolution label no", `{"resolution":"NO"}`, domain.ResolutionNo},
		{"resolution invalid", `{"resolved":true,"resolution":"INVALID"}`, domain.ResolutionUnparseable},
		{"winner one", `{"resolved":true,"winner":1}`, domain.ResolutionYes},
		{"winner zero string", `{"resolved":true,"winner":"0"}`, domain.ResolutionNo},
		{"winner other", `{"resolved":true,"winner":2}`, domain.ResolutionUnparseable},
		{"outcome field", `{"resolved":true,"outcome":"yes"}`, domain.ResolutionYes},
		{"resolved outcome field", `{"resolved":true,"resolvedOutcome":"No"}`, domain.ResolutionNo},
		{"payout yes", `{"resolved":true,"conditionResolution":{"payoutNumerators":[1,0]}}`, domain.ResolutionYes},
		{"payout no", `{"resolved":true,"conditionResolution":{"payoutNumerators":[0,1]}}`, domain.ResolutionNo},
		{"payout split", `{"resolved":true,"conditionResolution":{"payoutNumerators":[1,1]}}`, domain.ResolutionUnparseable},
		{"closed with winning token", `{"closed":true,"tokens":[{"outcome":"Yes","winner":false},{"outcome":"No","winner":true}]}`, domain.ResolutionNo},
		{"closed without winner", `{"closed":true,"tokens":[{"outcome":"Yes","winner":false}]}`, domain.ResolutionUnresolved},
		{"closed with settled prices yes", `{"id":"42","closed":true,"outcomePrices":"[\"1\",\"0\"]"}`, domain.ResolutionYes},
		{"closed with settled prices no", `{"id":"42","closed":true,"outcomePrices":["0.005","0.995"]}`, domain.ResolutionNo},
		{"closed with live prices", `{"id":"42","closed":true,"outcomePrices":"[\"0.6\",\"0.4\"]"}`, domain.ResolutionUnresolved},
		{"open with settled prices", `{"id":"42","closed":false,"outcomePrices":"[\"1\",\"0\"]"}`, domain.ResolutionUnresolved},
		{"resolved with settled prices", `{"resolved":true,"outcomePrices":[0.999,0.001]}`, domain.ResolutionYes},
		{"resolved without encoding", `{"resolved":true}`, domain.ResolutionUnparseable},
		{"garbage", `not json`, domain.ResolutionUnparseable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := oracle.ParseResolution([]byte(tt.body))
			assert.Equal(t, tt.want, got.Kind)
			if tt.want == domain.ResolutionUnparseable {
				assert.NotEmpty(t, got.Raw)
			}
		})
	}
}

func TestParseResolution_FirstEncodingDecides(t *testing.T) {
	// resolution is checked before winner, so the unknown label wins.
	got := oracle.ParseResolution([]byte(`{"resolved":true,"resolution":"MAYBE","winner":1}`))
	assert.Equal(t, domain.ResolutionUnparseable, got.Kind)
	assert.Contains(t, got.Raw, "MAYBE")
}
