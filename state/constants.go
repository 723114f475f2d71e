package state

import "time"

const (
	DefaultPort       = 57180
	DefaultMinVersion = 0
	DefaultMaxVersion = 1 << 12
	// MaxChainLength bounds the work needed to evaluate a hash chain
	MaxChainLength = 1 << 20
)

var (
	PingDelay         = time.Millisecond * 1000
	LinkDeadThreshold = 5 * PingDelay
	HandshakeTimeout  = 3 * PingDelay
	MaxClockSkew      = time.Second * 30
	ReconnectDelay    = time.Second * 5
	DownLinkRetention = time.Minute * 2

	StateMachineDelay = time.Millisecond * 500
	GossipDelay       = time.Second * 2
	// a new neighbour gets the whole table this long after its link comes up
	NeighbourSyncDelay = time.Millisecond * 50
	EventPumpDelay     = time.Millisecond * 100
	GossipFanout       = 3
	MaxGossipEntries   = 256
	// MaxEventsPerTick bounds the number of queued events a single tick processes
	MaxEventsPerTick  = 1024
	GossipReplyDedup  = time.Second * 1
	RouteTombstoneTTL = time.Minute * 10
	GcDelay           = time.Second * 5

	// path selection
	MaxPathHops   = 8
	MaxPathSearch = 4096

	// per subscriber buffer for event streams, the oldest events are dropped when it is full
	BroadcastBuffer = 256
)
