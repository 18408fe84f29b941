package oracle

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/shopspring/decimal"
)

// flexBool unmarshals from a JSON bool or a string ("true"/"false"/"1").
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexString accepts a JSON string or number, so ids survive either form.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*f = flexFloat(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// priceList accepts outcome prices as a JSON array of strings or numbers,
// or as a string holding such an array ("[\"0.5\",\"0.5\"]").
type priceList []decimal.Decimal

func (p *priceList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var encoded string
	if err := json.Unmarshal(data, &encoded); err == nil {
		if strings.TrimSpace(encoded) == "" {
			return nil
		}
		data = []byte(encoded)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("outcome prices: %w", err)
	}
	out := make([]decimal.Decimal, 0, len(items))
	for _, item := range items {
		var s flexString
		if err := json.Unmarshal(item, &s); err != nil {
			return fmt.Errorf("outcome prices: %w", err)
		}
		d, err := decimal.NewFromString(string(s))
		if err != nil {
			return fmt.Errorf("outcome prices: %w", err)
		}
		if d.IsNegative() {
			d = decimal.Zero
		}
		out = append(out, d)
	}
	*p = out
	return nil
}

type apiSeries struct {
	ID flexString `json:"id"`
}

type apiEvent struct {
	EndDate    string      `json:"endDate"`
	EndDateISO string      `json:"endDateIso"`
	SeriesID   flexString  `json:"seriesId"`
	Series     []apiSeries `json:"series"`
}

// apiInstrument is the subset of a Gamma market the pipeline reads.
type apiInstrument struct {
	ID            flexString `json:"id"`
	Question      string     `json:"question"`
	Title         string     `json:"title"`
	Slug          string     `json:"slug"`
	Description   string     `json:"description"`
	Asset         string     `json:"asset"`
	Closed        flexBool   `json:"closed"`
	Volume        flexFloat  `json:"volume"`
	VolumeNum     flexFloat  `json:"volumeNum"`
	OutcomePrices priceList  `json:"outcomePrices"`
	Price         priceList  `json:"price"`
	EndDate       string     `json:"endDate"`
	EndDateISO    string     `json:"endDateIso"`
	EndDateISO2   string     `json:"end_date_iso"`
	SeriesID      flexString `json:"seriesId"`
	Events        []apiEvent `json:"events"`
}

func decodeInstrument(raw []byte) (domain.Instrument, error) {
	var a apiInstrument
	if err := json.Unmarshal(raw, &a); err != nil {
		return domain.Instrument{}, err
	}
	if a.ID == "" {
		return domain.Instrument{}, fmt.Errorf("instrument without id")
	}
	inst := a.toDomain()
	inst.Resolution = ParseResolution(raw)
	return inst, nil
}

func (a *apiInstrument) toDomain() domain.Instrument {
	title := a.Question
	if title == "" {
		title = a.Title
	}
	prices := a.OutcomePrices
	if len(prices) == 0 {
		prices = a.Price
	}
	volume := float64(a.VolumeNum)
	if volume == 0 {
		volume = float64(a.Volume)
	}

	inst := domain.Instrument{
		ID:            string(a.ID),
		Title:         title,
		Slug:          a.Slug,
		Description:   a.Description,
		Asset:         a.Asset,
		OutcomePrices: []decimal.Decimal(prices),
		Closed:        bool(a.Closed),
		Volume:        volume,
		EndDate:       a.endDate(),
	}

	seen := map[string]bool{}
	addSeries := func(id flexString) {
		if id != "" && !seen[string(id)] {
			seen[string(id)] = true
			inst.SeriesIDs = append(inst.SeriesIDs, string(id))
		}
	}
	addSeries(a.SeriesID)
	for _, ev := range a.Events {
		addSeries(ev.SeriesID)
		for _, s := range ev.Series {
			addSeries(s.ID)
		}
	}
	return inst
}

// endDate picks the first parseable end date, falling back to the first
// event's.
func (a *apiInstrument) endDate() *time.Time {
	candidates := []string{a.EndDate, a.EndDateISO, a.EndDateISO2}
	if len(a.Events) > 0 {
		candidates = append(candidates, a.Events[0].EndDate, a.Events[0].EndDateISO)
	}
	for _, c := range candidates {
		if t, ok := parseTime(c); ok {
			return &t
		}
	}
	return nil
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z0700", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
