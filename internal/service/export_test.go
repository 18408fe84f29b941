package service

import "time"

func (s *OddsSync) SetClock(now func() time.Time) { s.now = now }

func (s *Settlement) SetClock(now func() time.Time) { s.now = now }

func (s *Settlement) AlertedMarkets() int {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	return len(s.alerted)
}

func (b *Binder) SetClock(now func() time.Time) { b.now = now }

func (r *Relay) SetClock(now func() time.Time) { r.now = now }
