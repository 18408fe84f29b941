package service

import "time"

const (
	minutesPerDay   = 1440
	minutesPerWeek  = 10080
	minutesPerMonth = 43200
)

// NextBoundary returns the first period boundary strictly after t, in UTC.
// Periods that divide a day align to midnight (15m to :00/:15/:30/:45, 4h
// to 00/04/08...), weekly periods to Monday 00:00 and monthly periods to
// the 1st of the month.
func NextBoundary(t time.Time, periodMinutes int) time.Time {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

	switch {
	case periodMinutes <= 0:
		return t
	case periodMinutes == minutesPerMonth:
		return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	case periodMinutes == minutesPerWeek:
		days := (8 - int(t.Weekday())) % 7
		if days == 0 {
			days = 7
		}
		return midnight.AddDate(0, 0, days)
	case minutesPerDay%periodMinutes == 0:
		period := time.Duration(periodMinutes) * time.Minute
		n := t.Sub(midnight)/period + 1
		return midnight.Add(n * period)
	default:
		return t.Add(time.Duration(periodMinutes) * time.Minute).Truncate(time.Minute)
	}
}
