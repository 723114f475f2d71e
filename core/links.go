package core

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/encodeous/weft/perf"
	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"github.com/gaissmai/bart"
	"github.com/jellydator/ttlcache/v3"
)

type link struct {
	id            state.LinkId
	remote        state.Address
	status        state.LinkStatus
	since         time.Time // time of the last transition
	lastHeard     time.Time
	lastPing      time.Time
	rtt           time.Duration
	authenticated bool
}

func (l *link) initiator(local state.Address) state.Address {
	if l.status == state.LinkUpActive {
		return local
	}
	return l.remote
}

type NeighbourDiscoveryCfg struct {
	Local     state.Address
	Identity  state.SecureHash
	Keys      *KeyService
	Transport state.Transport
	Network   state.NetworkCfg
	Log       *slog.Logger
	// Clock defaults to time.Now
	Clock func() time.Time
}

// NeighbourDiscoveryService tracks the state of every direct link of the node. A link is UP from the
// moment the transport reports it, and goes DOWN when closed, failed, silent for too long or when the
// remote fails to authenticate. Each transition publishes a LinkInfo carrying a fresh route version.
type NeighbourDiscoveryService struct {
	local     state.Address
	identity  state.SecureHash
	keys      *KeyService
	transport state.Transport
	cfg       state.NetworkCfg
	log       *slog.Logger
	now       func() time.Time

	denyPrefixes bart.Table[struct{}]
	backoff      *ttlcache.Cache[state.Address, struct{}]

	mu       sync.Mutex
	links    map[state.LinkId]*link
	versions map[state.Address]uint64
	nonce    uint64

	OnLinkStatusChange *Broadcast[state.LinkInfo]
	OnReceive          *Broadcast[Packet]
}

func NewNeighbourDiscoveryService(c NeighbourDiscoveryCfg) *NeighbourDiscoveryService {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	n := &NeighbourDiscoveryService{
		local:     c.Local,
		identity:  c.Identity,
		keys:      c.Keys,
		transport: c.Transport,
		cfg:       c.Network,
		log:       c.Log.With("module", "links"),
		now:       c.Clock,
		backoff: ttlcache.New[state.Address, struct{}](
			ttlcache.WithTTL[state.Address, struct{}](state.ReconnectDelay),
			ttlcache.WithDisableTouchOnHit[state.Address, struct{}](),
		),
		links:              make(map[state.LinkId]*link),
		versions:           make(map[state.Address]uint64),
		OnLinkStatusChange: NewBroadcast[state.LinkInfo](),
		OnReceive:          NewBroadcast[Packet](),
	}
	for _, pfx := range c.Network.DenyListedPrefixes {
		n.denyPrefixes.Insert(pfx.Masked(), struct{}{})
	}
	c.Transport.SetHandler(n)
	return n
}

func (n *NeighbourDiscoveryService) Init(s *state.State) error {
	n.log = s.Log.With("module", "links")
	s.Env.RepeatTask(func(s *state.State) error {
		n.NextPing()
		return nil
	}, state.PingDelay)
	s.Env.RepeatTask(func(s *state.State) error {
		n.RunStateMachine()
		return nil
	}, state.StateMachineDelay)
	return nil
}

func (n *NeighbourDiscoveryService) Cleanup(s *state.State) error {
	n.mu.Lock()
	ids := make([]state.LinkId, 0, len(n.links))
	for id, l := range n.links {
		if l.status.IsActive() {
			ids = append(ids, id)
		}
	}
	n.mu.Unlock()
	for _, id := range ids {
		n.closeLink(id, "node stopping", true)
	}
	n.OnLinkStatusChange.Close()
	n.OnReceive.Close()
	return nil
}

func (n *NeighbourDiscoveryService) Local() state.Address {
	return n.local
}

func (n *NeighbourDiscoveryService) isDenied(addr state.Address) bool {
	if slices.ContainsFunc(n.cfg.DenyListedSources, func(t state.AddressText) bool {
		return t.Address == addr
	}) {
		return true
	}
	if pub, ok := addr.(state.PublicAddress); ok {
		if ip, ok := pub.Addr(); ok {
			_, found := n.denyPrefixes.Lookup(ip)
			return found
		}
	}
	return false
}

// transition must be called with mu held
func (n *NeighbourDiscoveryService) transition(l *link, status state.LinkStatus) state.LinkInfo {
	n.versions[l.remote]++
	if l.status != status || l.since.IsZero() {
		l.since = n.now()
	}
	l.status = status
	info := state.LinkInfo{
		LinkId: l.id,
		State: state.RouteState{
			Route:   state.Route{From: n.local, To: l.remote},
			Version: n.versions[l.remote],
			Status:  status,
		},
	}
	perf.LinkTransitions.Add(1)
	n.log.Debug("link transition", "link", l.id, "remote", l.remote, "status", status, "version", info.State.Version)
	n.OnLinkStatusChange.Publish(info)
	return info
}

// upLinkTo must be called with mu held
func (n *NeighbourDiscoveryService) upLinkTo(remote state.Address) *link {
	for _, l := range n.links {
		if l.remote == remote && l.status.IsActive() {
			return l
		}
	}
	return nil
}

// OpenLink establishes an active link to remote. It succeeds without a new event if a link is already up.
func (n *NeighbourDiscoveryService) OpenLink(remote state.Address) bool {
	if remote == nil || remote == n.local || n.isDenied(remote) {
		n.log.Debug("refusing to open link", "remote", remote)
		return false
	}
	n.mu.Lock()
	if n.upLinkTo(remote) != nil {
		n.mu.Unlock()
		return true
	}
	n.mu.Unlock()

	id := state.NewLinkId()
	if err := n.transport.Open(id, remote); err != nil {
		n.log.Warn("failed to open link", "remote", remote, "error", fmt.Errorf("%w: %w", state.ErrLinkOpenFailed, err))
		return false
	}

	n.mu.Lock()
	var drop *state.LinkId
	if existing := n.upLinkTo(remote); existing != nil {
		// an inbound link raced us, keep the link initiated by the lower address
		if state.CompareAddress(existing.initiator(n.local), n.local) <= 0 {
			n.mu.Unlock()
			n.transport.Close(id)
			return true
		}
		n.transition(existing, state.LinkDown)
		drop = &existing.id
	}
	now := n.now()
	l := &link{id: id, remote: remote, lastHeard: now}
	n.links[id] = l
	n.transition(l, state.LinkUpActive)
	n.mu.Unlock()

	if drop != nil {
		n.transport.Close(*drop)
	}
	n.sendHello(id, remote)
	return true
}

func (n *NeighbourDiscoveryService) OnInbound(id state.LinkId, remote state.Address) {
	if remote == nil || remote == n.local || n.isDenied(remote) {
		n.log.Debug("refusing inbound link", "link", id, "remote", remote)
		n.transport.Close(id)
		return
	}
	n.mu.Lock()
	var drop *state.LinkId
	if existing := n.upLinkTo(remote); existing != nil {
		// simultaneous open, keep the link initiated by the lower address
		if state.CompareAddress(existing.initiator(n.local), remote) <= 0 {
			n.mu.Unlock()
			n.transport.Close(id)
			return
		}
		n.transition(existing, state.LinkDown)
		drop = &existing.id
	}
	now := n.now()
	l := &link{id: id, remote: remote, lastHeard: now}
	n.links[id] = l
	n.transition(l, state.LinkUpPassive)
	n.mu.Unlock()

	if drop != nil {
		n.transport.Close(*drop)
	}
	n.sendHello(id, remote)
}

func (n *NeighbourDiscoveryService) OnClosed(id state.LinkId, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.links[id]
	if !ok || !l.status.IsActive() {
		return
	}
	n.log.Debug("link closed by transport", "link", id, "remote", l.remote, "error", err)
	n.transition(l, state.LinkDown)
}

// CloseLink takes the link down. Closing a link that is already down has no effect.
func (n *NeighbourDiscoveryService) CloseLink(id state.LinkId) {
	n.closeLink(id, "closed", true)
}

func (n *NeighbourDiscoveryService) closeLink(id state.LinkId, reason string, bye bool) {
	n.mu.Lock()
	l, ok := n.links[id]
	if !ok || !l.status.IsActive() {
		n.mu.Unlock()
		return
	}
	n.transition(l, state.LinkDown)
	n.mu.Unlock()

	if bye {
		_ = n.SendEnvelopeUnchecked(id, &protocol.Envelope{Bye: &protocol.Goodbye{Reason: reason}})
	}
	n.transport.Close(id)
}

func (n *NeighbourDiscoveryService) FindLinkTo(remote state.Address) (state.LinkId, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l := n.upLinkTo(remote); l != nil {
		return l.id, true
	}
	return state.LinkId{}, false
}

func (n *NeighbourDiscoveryService) Neighbour(id state.LinkId) (state.Address, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.links[id]
	if !ok {
		return nil, false
	}
	return l.remote, true
}

// Links returns every tracked link, including DOWN links that have not been evicted yet
func (n *NeighbourDiscoveryService) Links() map[state.LinkId]state.LinkInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[state.LinkId]state.LinkInfo, len(n.links))
	for id, l := range n.links {
		out[id] = state.LinkInfo{
			LinkId: id,
			State: state.RouteState{
				Route:   state.Route{From: n.local, To: l.remote},
				Version: n.versions[l.remote],
				Status:  l.status,
			},
		}
	}
	return out
}

// KnownNeighbours returns the remotes of every UP link, in address order
func (n *NeighbourDiscoveryService) KnownNeighbours() []state.Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	set := make(map[state.Address]struct{})
	for _, l := range n.links {
		if l.status.IsActive() {
			set[l.remote] = struct{}{}
		}
	}
	return slices.SortedFunc(maps.Keys(set), state.CompareAddress)
}

// Rtt returns the last measured round trip time of a link
func (n *NeighbourDiscoveryService) Rtt(id state.LinkId) (time.Duration, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.links[id]
	if !ok || l.rtt == 0 {
		return 0, false
	}
	return l.rtt, true
}

// AdvanceVersion reconciles a neighbour's view of one of our own routes with the current link status.
// known is the version the route table holds for the route. When the announced state is newer than
// ours or disagrees with the current status, the current status is republished with a higher version.
// Only remotes with a link entry produce a link event.
func (n *NeighbourDiscoveryService) AdvanceVersion(announced state.RouteState, known uint64) (state.RouteState, bool) {
	remote := announced.Route.To
	n.mu.Lock()
	defer n.mu.Unlock()
	cur, linked := n.versions[remote]
	cur = max(cur, known)
	l := n.upLinkTo(remote)
	status := state.LinkDown
	if l != nil {
		status = l.status
	}
	if announced.Status == status && announced.Version <= cur {
		return state.RouteState{}, false
	}
	next := max(cur, announced.Version)
	if l == nil {
		l = n.lastLinkTo(remote)
	}
	if l != nil {
		n.versions[remote] = next
		return n.transition(l, status).State, true
	}
	if linked {
		n.versions[remote] = next + 1
	}
	return state.RouteState{
		Route:   state.Route{From: n.local, To: remote},
		Version: next + 1,
		Status:  state.LinkDown,
	}, true
}

// lastLinkTo returns the most recent link entry for remote, up or down. Must be called with mu held.
func (n *NeighbourDiscoveryService) lastLinkTo(remote state.Address) *link {
	var last *link
	for _, l := range n.links {
		if l.remote == remote && (last == nil || l.since.After(last.since)) {
			last = l
		}
	}
	return last
}

var errEmptyPayload = errors.New("empty payload")

// Send delivers an application payload over an UP link
func (n *NeighbourDiscoveryService) Send(id state.LinkId, data []byte) error {
	if len(data) == 0 {
		return errEmptyPayload
	}
	return n.SendEnvelope(id, &protocol.Envelope{Data: data})
}

func (n *NeighbourDiscoveryService) SendEnvelope(id state.LinkId, env *protocol.Envelope) error {
	n.mu.Lock()
	l, ok := n.links[id]
	up := ok && l.status.IsActive()
	n.mu.Unlock()
	if !up {
		return fmt.Errorf("%w: %s", state.ErrLinkDown, id)
	}
	return n.SendEnvelopeUnchecked(id, env)
}

// SendEnvelopeUnchecked writes a frame without checking the link status
func (n *NeighbourDiscoveryService) SendEnvelopeUnchecked(id state.LinkId, env *protocol.Envelope) error {
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	if err := n.transport.SendRaw(id, data); err != nil {
		return err
	}
	perf.SentBytes.Add(float64(len(data)))
	return nil
}

// NextPing sends a heartbeat on every link that has not been pinged for PingDelay, and expires dead links
func (n *NeighbourDiscoveryService) NextPing() {
	n.expire()
	now := n.now()
	type ping struct {
		id    state.LinkId
		nonce uint64
	}
	var pings []ping
	n.mu.Lock()
	for id, l := range n.links {
		if !l.status.IsActive() || now.Sub(l.lastPing) < state.PingDelay {
			continue
		}
		n.nonce++
		l.lastPing = now
		pings = append(pings, ping{id, n.nonce})
	}
	n.mu.Unlock()

	for _, p := range pings {
		err := n.SendEnvelopeUnchecked(p.id, &protocol.Envelope{Ping: &protocol.Ping{Nonce: p.nonce, SentAt: now.UnixNano()}})
		if err != nil {
			n.log.Debug("failed to send ping", "link", p.id, "error", err)
		}
	}
}

// expire takes down links that are silent or failed to authenticate in time
func (n *NeighbourDiscoveryService) expire() {
	now := n.now()
	var dead []state.LinkId
	n.mu.Lock()
	for id, l := range n.links {
		if !l.status.IsActive() {
			continue
		}
		if now.Sub(l.lastHeard) > state.LinkDeadThreshold {
			n.log.Debug("link timed out", "link", id, "remote", l.remote)
			dead = append(dead, id)
		} else if !l.authenticated && now.Sub(l.since) > state.HandshakeTimeout {
			n.log.Warn("link did not authenticate in time", "link", id, "remote", l.remote)
			dead = append(dead, id)
		}
	}
	n.mu.Unlock()
	for _, id := range dead {
		n.closeLink(id, "timeout", false)
	}
}

// RunStateMachine expires dead links, reconnects static routes and evicts old DOWN links
func (n *NeighbourDiscoveryService) RunStateMachine() {
	n.expire()
	n.backoff.DeleteExpired()

	for _, remote := range n.cfg.GetStaticRoutes() {
		if remote == n.local || n.isDenied(remote) {
			continue
		}
		if _, ok := n.FindLinkTo(remote); ok {
			continue
		}
		if n.backoff.Has(remote) {
			continue
		}
		n.backoff.Set(remote, struct{}{}, ttlcache.DefaultTTL)
		n.log.Debug("reconnecting static route", "remote", remote)
		n.OpenLink(remote)
	}

	now := n.now()
	n.mu.Lock()
	for id, l := range n.links {
		if l.status == state.LinkDown && now.Sub(l.since) > state.DownLinkRetention {
			delete(n.links, id)
		}
	}
	n.mu.Unlock()
}

func (n *NeighbourDiscoveryService) sendHello(id state.LinkId, remote state.Address) {
	key, err := n.keys.GetSigningKey(n.identity)
	if err != nil {
		n.log.Error("no signing key for node identity", "error", err)
		n.closeLink(id, "no identity", false)
		return
	}
	hello := &protocol.Hello{
		From:       protocol.FromAddress(n.local),
		To:         protocol.FromAddress(remote),
		SigningKey: key[:],
		Timestamp:  n.now().UnixMilli(),
		Link:       id[:],
	}
	hello.Signature, err = n.keys.Sign(n.identity, hello.SignedBytes())
	if err != nil {
		n.log.Error("failed to sign hello", "error", err)
		n.closeLink(id, "no identity", false)
		return
	}
	if err := n.SendEnvelopeUnchecked(id, &protocol.Envelope{Hello: hello}); err != nil {
		n.log.Debug("failed to send hello", "link", id, "error", err)
	}
}

func (n *NeighbourDiscoveryService) verifyHello(id state.LinkId, remote state.Address, h *protocol.Hello) error {
	if !bytes.Equal(h.Link, id[:]) {
		return errors.New("hello was signed for another link")
	}
	from, err := h.From.ToAddress()
	if err != nil {
		return err
	}
	to, err := h.To.ToAddress()
	if err != nil {
		return err
	}
	if from != remote {
		return fmt.Errorf("hello from %s on a link to %s", from, remote)
	}
	if to != n.local {
		return fmt.Errorf("hello addressed to %s", to)
	}
	if len(h.SigningKey) != state.PublicKeySize {
		return fmt.Errorf("signing key has %d bytes", len(h.SigningKey))
	}
	key := state.PublicKey(h.SigningKey)
	if overlay, ok := from.(state.OverlayAddress); ok && overlay.Id != key.Hash() {
		return fmt.Errorf("signing key does not match overlay address %s", from)
	}
	skew := n.now().Sub(time.UnixMilli(h.Timestamp))
	if skew > state.MaxClockSkew || skew < -state.MaxClockSkew {
		return fmt.Errorf("hello timestamp is %s off", skew)
	}
	if !n.cfg.IsTrusted(key) {
		return fmt.Errorf("signing key %s is not trusted", key)
	}
	if !Verify(key, h.SignedBytes(), h.Signature) {
		return errors.New("bad signature")
	}
	return nil
}

func (n *NeighbourDiscoveryService) OnRawReceive(id state.LinkId, data []byte, at time.Time) {
	perf.RecvBytes.Add(float64(len(data)))
	env, err := protocol.Unmarshal(data)
	if err != nil {
		n.log.Warn("dropping malformed frame", "link", id, "error", err)
		return
	}

	n.mu.Lock()
	l, ok := n.links[id]
	if !ok || !l.status.IsActive() {
		n.mu.Unlock()
		return
	}
	l.lastHeard = n.now()
	remote := l.remote
	authenticated := l.authenticated
	n.mu.Unlock()

	switch {
	case env.Hello != nil:
		if err := n.verifyHello(id, remote, env.Hello); err != nil {
			perf.HandshakeFailed.Add(1)
			n.log.Warn("handshake failed", "link", id, "remote", remote, "error", fmt.Errorf("%w: %w", state.ErrCryptoOperationFailed, err))
			n.closeLink(id, "handshake failed", true)
			return
		}
		n.mu.Lock()
		l.authenticated = true
		n.mu.Unlock()
		n.log.Debug("link authenticated", "link", id, "remote", remote)
	case env.Ping != nil:
		pong := &protocol.Envelope{Pong: &protocol.Pong{Nonce: env.Ping.Nonce, SentAt: env.Ping.SentAt}}
		if err := n.SendEnvelopeUnchecked(id, pong); err != nil {
			n.log.Debug("failed to send pong", "link", id, "error", err)
		}
	case env.Pong != nil:
		rtt := n.now().Sub(time.Unix(0, env.Pong.SentAt))
		if rtt < 0 {
			return
		}
		n.mu.Lock()
		l.rtt = rtt
		n.mu.Unlock()
		perf.LinkRtt.Add(float64(rtt.Microseconds()))
	case env.Bye != nil:
		n.log.Debug("remote closed link", "link", id, "remote", remote, "reason", env.Bye.Reason)
		n.closeLink(id, "", false)
	default:
		if !authenticated {
			n.log.Debug("dropping frame on unauthenticated link", "link", id, "remote", remote)
			return
		}
		n.OnReceive.Publish(Packet{Link: id, From: remote, Envelope: env, At: at})
	}
}
