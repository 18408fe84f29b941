package domain

import "time"

// Pub/Sub channels carrying pipeline events.
const (
	ChannelOdds       = "ch:odds"
	ChannelSettlement = "ch:settlement"
	ChannelRelay      = "ch:relay"
)

// Event is the envelope published on the event bus and relayed to
// websocket clients.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}
