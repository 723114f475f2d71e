package state

import (
	"fmt"

	"github.com/google/uuid"
)

// LinkId identifies a single direct connection attempt, it is stable for the connection's lifetime
type LinkId = uuid.UUID

func NewLinkId() LinkId {
	return uuid.New()
}

type LinkStatus uint8

const (
	LinkDown LinkStatus = iota
	// LinkUpActive is a locally initiated link
	LinkUpActive
	// LinkUpPassive is a remotely initiated link
	LinkUpPassive
)

func (s LinkStatus) IsActive() bool {
	return s == LinkUpActive || s == LinkUpPassive
}

func (s LinkStatus) String() string {
	switch s {
	case LinkDown:
		return "LINK_DOWN"
	case LinkUpActive:
		return "LINK_UP_ACTIVE"
	case LinkUpPassive:
		return "LINK_UP_PASSIVE"
	}
	return fmt.Sprintf("LINK_STATUS(%d)", uint8(s))
}

// Route is a directed edge between two addresses
type Route struct {
	From Address
	To   Address
}

func (r Route) String() string {
	return fmt.Sprintf("%s -> %s", r.From, r.To)
}

// Reverse returns the edge in the opposite direction
func (r Route) Reverse() Route {
	return Route{From: r.To, To: r.From}
}

func CompareRoute(a, b Route) int {
	if c := CompareAddress(a.From, b.From); c != 0 {
		return c
	}
	return CompareAddress(a.To, b.To)
}

// RouteState is the replicated state of a route. Version is the only key used to resolve conflicts.
type RouteState struct {
	Route   Route
	Version uint64
	Status  LinkStatus
}

func (r RouteState) String() string {
	return fmt.Sprintf("(%s, v%d, %s)", r.Route, r.Version, r.Status)
}

// LinkInfo is the externally visible status of one physical link
type LinkInfo struct {
	LinkId LinkId
	State  RouteState
}

func (l LinkInfo) Remote() Address {
	return l.State.Route.To
}
