package core

import (
	"time"

	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
)

// Packet is a gossip or data frame received on an authenticated link
type Packet struct {
	Link     state.LinkId
	From     state.Address
	Envelope *protocol.Envelope
	At       time.Time
}
