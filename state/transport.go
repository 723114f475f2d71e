package state

import "time"

// Transport moves raw frames over direct links. Both ends of a link know it by the id passed to Open.
// Implementations must not call back into the handler from inside Open, Close or SendRaw.
type Transport interface {
	Open(id LinkId, remote Address) error
	Close(id LinkId)
	SendRaw(id LinkId, data []byte) error
	SetHandler(h TransportHandler)
}

// TransportHandler receives transport notifications, possibly from several goroutines at once
type TransportHandler interface {
	// OnInbound is called when remote opens a link to us
	OnInbound(id LinkId, remote Address)
	OnRawReceive(id LinkId, data []byte, at time.Time)
	// OnClosed is called when the link fails or the remote side closes it
	OnClosed(id LinkId, err error)
}
