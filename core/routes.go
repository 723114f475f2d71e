package core

import (
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/encodeous/weft/perf"
	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"github.com/jellydator/ttlcache/v3"
)

type routeEntry struct {
	state.RouteState
	updated time.Time
}

type RouteDiscoveryCfg struct {
	Links   *NeighbourDiscoveryService
	Network state.NetworkCfg
	Log     *slog.Logger
	// Clock defaults to time.Now
	Clock func() time.Time
	// Rand defaults to a randomly seeded generator
	Rand *rand.Rand
}

// RouteDiscoveryService maintains the replicated table of routes. Routes leaving the local node are owned by
// it and derived from link events, every other route is learned through gossip and merged by version.
type RouteDiscoveryService struct {
	local state.Address
	links *NeighbourDiscoveryService
	env   *state.Env // nil until Init
	cfg   state.NetworkCfg
	log   *slog.Logger
	now   func() time.Time

	linkEvents *Subscription[state.LinkInfo]
	packets    *Subscription[Packet]
	replyDedup *ttlcache.Cache[state.Address, struct{}]

	mu     sync.Mutex
	rng    *rand.Rand
	routes map[state.Route]*routeEntry

	OnRouteChange *Broadcast[state.RouteState]
}

func NewRouteDiscoveryService(c RouteDiscoveryCfg) *RouteDiscoveryService {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &RouteDiscoveryService{
		local:      c.Links.Local(),
		links:      c.Links,
		cfg:        c.Network,
		log:        c.Log.With("module", "routes"),
		now:        c.Clock,
		linkEvents: c.Links.OnLinkStatusChange.Subscribe(),
		packets:    c.Links.OnReceive.Subscribe(),
		replyDedup: ttlcache.New[state.Address, struct{}](
			ttlcache.WithTTL[state.Address, struct{}](state.GossipReplyDedup),
			ttlcache.WithDisableTouchOnHit[state.Address, struct{}](),
		),
		rng:           c.Rand,
		routes:        make(map[state.Route]*routeEntry),
		OnRouteChange: NewBroadcast[state.RouteState](),
	}
}

func (r *RouteDiscoveryService) Init(s *state.State) error {
	r.log = s.Log.With("module", "routes")
	r.env = s.Env
	s.Env.RepeatTask(func(s *state.State) error {
		r.ProcessEvents()
		return nil
	}, state.EventPumpDelay)
	s.Env.RepeatTask(func(s *state.State) error {
		r.NextGossip()
		return nil
	}, state.GossipDelay)
	s.Env.RepeatTask(func(s *state.State) error {
		r.RunGC()
		return nil
	}, state.GcDelay)
	return nil
}

func (r *RouteDiscoveryService) Cleanup(s *state.State) error {
	r.linkEvents.Close()
	r.packets.Close()
	r.OnRouteChange.Close()
	return nil
}

// store must be called with mu held
func (r *RouteDiscoveryService) store(rs state.RouteState) {
	r.routes[rs.Route] = &routeEntry{RouteState: rs, updated: r.now()}
	r.OnRouteChange.Publish(rs)
}

// ApplyLinkInfo records the state of one of our own routes
func (r *RouteDiscoveryService) ApplyLinkInfo(info state.LinkInfo) {
	r.applyOwn(info.State)
}

func (r *RouteDiscoveryService) applyOwn(rs state.RouteState) {
	r.mu.Lock()
	cur, ok := r.routes[rs.Route]
	if !ok || rs.Version > cur.Version {
		r.store(rs)
		r.mu.Unlock()
		if rs.Status.IsActive() && (!ok || !cur.Status.IsActive()) {
			r.scheduleSync(rs.Route.To)
		}
		return
	}
	held := cur.RouteState
	r.mu.Unlock()
	if held.Status == rs.Status {
		return
	}
	// the table already carries a higher version, learned from gossip, than the link manager had
	if next, ok := r.links.AdvanceVersion(held, held.Version); ok {
		r.applyOwn(next)
	}
}

func (r *RouteDiscoveryService) scheduleSync(neighbour state.Address) {
	if r.env == nil {
		return
	}
	r.env.ScheduleTask(func(s *state.State) error {
		r.SyncNeighbour(neighbour)
		return nil
	}, state.NeighbourSyncDelay)
}

// SyncNeighbour sends our table to a single neighbour and asks for its table in return
func (r *RouteDiscoveryService) SyncNeighbour(neighbour state.Address) {
	id, ok := r.links.FindLinkTo(neighbour)
	if !ok {
		return
	}
	if env := r.gossipEnvelope(); env != nil {
		r.sendGossip(neighbour, id, env)
	}
}

// gossipEnvelope returns nil when the table is empty
func (r *RouteDiscoveryService) gossipEnvelope() *protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.sortedEntries()
	if len(entries) == 0 {
		return nil
	}
	states := make([]protocol.RouteState, 0, min(len(entries), state.MaxGossipEntries))
	for _, e := range entries[:min(len(entries), state.MaxGossipEntries)] {
		states = append(states, protocol.FromRouteState(e.RouteState))
	}
	return &protocol.Envelope{Gossip: &protocol.Gossip{States: states, WantReply: true}}
}

func (r *RouteDiscoveryService) sendGossip(to state.Address, id state.LinkId, env *protocol.Envelope) {
	if err := r.links.SendEnvelope(id, env); err != nil {
		r.log.Debug("failed to send gossip", "to", to, "error", err)
		return
	}
	perf.GossipSent.Add(1)
}

// HandleGossip merges the states received from a neighbour, and replies with what the neighbour is missing
func (r *RouteDiscoveryService) HandleGossip(from state.Address, id state.LinkId, g *protocol.Gossip) {
	mentioned := make(map[state.Route]uint64, len(g.States))
	var advance []state.Pair[state.RouteState, uint64]
	merged, skipped := 0, 0

	r.mu.Lock()
	for _, wire := range g.States {
		rs, err := wire.ToRouteState()
		if err != nil {
			r.log.Warn("dropping malformed route state", "from", from, "error", err)
			continue
		}
		mentioned[rs.Route] = rs.Version
		cur, ok := r.routes[rs.Route]
		if rs.Route.From == r.local {
			// our own route, only we may author it
			var known uint64
			if ok {
				known = cur.Version
			}
			advance = append(advance, state.Pair[state.RouteState, uint64]{V1: rs, V2: known})
			continue
		}
		if !ok {
			r.store(rs)
			merged++
			continue
		}
		if next, replaced := MergeRouteState(cur.RouteState, rs); replaced {
			r.store(next)
			merged++
		} else {
			skipped++
		}
	}

	var reply []protocol.RouteState
	if g.WantReply && !r.replyDedup.Has(from) {
		r.replyDedup.Set(from, struct{}{}, ttlcache.DefaultTTL)
		for _, e := range r.sortedEntries() {
			if len(reply) >= state.MaxGossipEntries {
				break
			}
			if v, ok := mentioned[e.Route]; ok && v >= e.Version {
				continue
			}
			reply = append(reply, protocol.FromRouteState(e.RouteState))
		}
	}
	r.mu.Unlock()

	perf.GossipMerged.Add(float64(merged))
	perf.GossipSkipped.Add(float64(skipped))
	if merged > 0 {
		r.log.Debug("merged gossip", "from", from, "merged", merged, "skipped", skipped)
	}

	for _, a := range advance {
		if next, ok := r.links.AdvanceVersion(a.V1, a.V2); ok {
			r.log.Debug("republished own route", "route", next.Route, "announced", a.V1, "version", next.Version)
			r.applyOwn(next)
		}
	}

	if len(reply) > 0 {
		err := r.links.SendEnvelope(id, &protocol.Envelope{Gossip: &protocol.Gossip{States: reply}})
		if err != nil {
			r.log.Debug("failed to reply to gossip", "to", from, "error", err)
		} else {
			perf.GossipSent.Add(1)
		}
	}
}

// sortedEntries lists own routes first, then the most recently updated routes. Must be called with mu held.
func (r *RouteDiscoveryService) sortedEntries() []*routeEntry {
	entries := slices.Collect(maps.Values(r.routes))
	slices.SortFunc(entries, func(a, b *routeEntry) int {
		aOwn, bOwn := a.Route.From == r.local, b.Route.From == r.local
		if aOwn != bOwn {
			if aOwn {
				return -1
			}
			return 1
		}
		if c := b.updated.Compare(a.updated); c != 0 {
			return c
		}
		return state.CompareRoute(a.Route, b.Route)
	})
	return entries
}

// ProcessEvents drains pending link events and received gossip without blocking
func (r *RouteDiscoveryService) ProcessEvents() {
	for _, info := range r.linkEvents.Drain(state.MaxEventsPerTick) {
		r.ApplyLinkInfo(info)
	}
	for _, pkt := range r.packets.Drain(state.MaxEventsPerTick) {
		if pkt.Envelope.Gossip != nil {
			r.HandleGossip(pkt.From, pkt.Link, pkt.Envelope.Gossip)
		}
	}
	r.replyDedup.DeleteExpired()
}

// NextGossip pushes our table to a random subset of neighbours and asks them for a reply
func (r *RouteDiscoveryService) NextGossip() {
	r.ProcessEvents()

	neighbours := r.links.KnownNeighbours()
	r.mu.Lock()
	r.rng.Shuffle(len(neighbours), func(i, j int) {
		neighbours[i], neighbours[j] = neighbours[j], neighbours[i]
	})
	r.mu.Unlock()

	env := r.gossipEnvelope()
	if env == nil {
		return
	}
	for _, nb := range neighbours[:min(len(neighbours), state.GossipFanout)] {
		if id, ok := r.links.FindLinkTo(nb); ok {
			r.sendGossip(nb, id, env)
		}
	}
}

// RunGC forgets DOWN routes of other nodes that have not changed for RouteTombstoneTTL.
// Our own routes are kept, their tombstones are what overrides stale UP states still in circulation.
func (r *RouteDiscoveryService) RunGC() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for route, e := range r.routes {
		if route.From == r.local {
			continue
		}
		if e.Status == state.LinkDown && now.Sub(e.updated) > state.RouteTombstoneTTL {
			delete(r.routes, route)
		}
	}
}

// FindRandomRouteTo selects a random path of UP routes from the local node to dest.
// The returned hops exclude the local address and end with dest.
func (r *RouteDiscoveryService) FindRandomRouteTo(dest state.Address) ([]state.Address, bool) {
	if dest == nil || dest == r.local {
		return nil, false
	}
	allow := func(state.Address) bool { return true }
	if !r.cfg.AllowDynamicRouting {
		allow = r.cfg.IsStatic
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g := buildGraph(r.routeStates())
	path, expanded := randomPath(g, r.local, dest, allow, r.rng, state.MaxPathHops, state.MaxPathSearch)
	perf.PathSearchSize.Add(float64(expanded))
	if path == nil {
		return nil, false
	}
	return path, true
}

// routeStates must be called with mu held
func (r *RouteDiscoveryService) routeStates() []state.RouteState {
	out := make([]state.RouteState, 0, len(r.routes))
	for _, e := range r.routes {
		out = append(out, e.RouteState)
	}
	slices.SortFunc(out, func(a, b state.RouteState) int {
		return state.CompareRoute(a.Route, b.Route)
	})
	return out
}

func (r *RouteDiscoveryService) Routes() []state.RouteState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routeStates()
}

func (r *RouteDiscoveryService) Route(route state.Route) (state.RouteState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.routes[route]
	if !ok {
		return state.RouteState{}, false
	}
	return e.RouteState, true
}

// KnownAddresses lists every endpoint of a route in the table
func (r *RouteDiscoveryService) KnownAddresses() []state.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[state.Address]struct{})
	for route := range r.routes {
		set[route.From] = struct{}{}
		set[route.To] = struct{}{}
	}
	return slices.SortedFunc(maps.Keys(set), state.CompareAddress)
}

// KnownNeighbours lists the destinations of our own UP routes
func (r *RouteDiscoveryService) KnownNeighbours() []state.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []state.Address
	for route, e := range r.routes {
		if route.From == r.local && e.Status.IsActive() {
			out = append(out, route.To)
		}
	}
	slices.SortFunc(out, state.CompareAddress)
	return out
}
