// Package mock provides an in-memory transport. Frames are queued and only delivered by Flush,
// so tests decide exactly when every notification happens.
package mock

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/encodeous/weft/state"
)

var (
	ErrUnreachable  = errors.New("remote unreachable")
	ErrUnknownLink  = errors.New("unknown link")
	ErrDisconnected = errors.New("disconnected")
)

type conn struct {
	initiator *Endpoint
	acceptor  *Endpoint
}

func (c *conn) other(e *Endpoint) *Endpoint {
	if c.initiator == e {
		return c.acceptor
	}
	return c.initiator
}

// Hub connects the endpoints of a simulated network
type Hub struct {
	// Now stamps delivered frames, defaults to time.Now
	Now func() time.Time

	mu          sync.Mutex
	endpoints   map[state.Address]*Endpoint
	conns       map[state.LinkId]*conn
	unreachable map[state.Address]bool
	queue       []func()
	delivered   uint64
}

func NewHub() *Hub {
	return &Hub{
		Now:         time.Now,
		endpoints:   make(map[state.Address]*Endpoint),
		conns:       make(map[state.LinkId]*conn),
		unreachable: make(map[state.Address]bool),
	}
}

// Endpoint is the transport of the node at addr
type Endpoint struct {
	hub     *Hub
	addr    state.Address
	handler state.TransportHandler
}

func (h *Hub) Endpoint(addr state.Address) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.endpoints[addr]; ok {
		return e
	}
	e := &Endpoint{hub: h, addr: addr}
	h.endpoints[addr] = e
	return e
}

// enqueue must be called with mu held
func (h *Hub) enqueue(f func()) {
	h.queue = append(h.queue, f)
}

// Flush delivers queued notifications, including those queued while flushing, until none are left.
// It returns the number of notifications delivered.
func (h *Hub) Flush() int {
	n := 0
	for {
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.mu.Unlock()
			return n
		}
		f := h.queue[0]
		h.queue = h.queue[1:]
		h.delivered++
		h.mu.Unlock()
		f()
		n++
	}
}

// Pending is the number of queued notifications
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Pump flushes the hub every interval until ctx is done
func (h *Hub) Pump(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// SetReachable controls whether new links to addr can be opened. Making an address unreachable
// also fails every link it has.
func (h *Hub) SetReachable(addr state.Address, reachable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unreachable[addr] = !reachable
	if reachable {
		return
	}
	for id, c := range h.conns {
		if c.initiator.addr == addr || c.acceptor.addr == addr {
			h.fail(id, c)
		}
	}
}

// Disconnect fails every link between a and b, both sides are notified
func (h *Hub) Disconnect(a, b state.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.conns {
		if c.initiator.addr == a && c.acceptor.addr == b || c.initiator.addr == b && c.acceptor.addr == a {
			h.fail(id, c)
		}
	}
}

// fail must be called with mu held
func (h *Hub) fail(id state.LinkId, c *conn) {
	delete(h.conns, id)
	for _, e := range []*Endpoint{c.initiator, c.acceptor} {
		if handler := e.handler; handler != nil {
			h.enqueue(func() { handler.OnClosed(id, ErrDisconnected) })
		}
	}
}

// Links returns the ids of every open link
func (h *Hub) Links() []state.LinkId {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.SortedFunc(maps.Keys(h.conns), func(a, b state.LinkId) int {
		return slices.Compare(a[:], b[:])
	})
}

func (e *Endpoint) Address() state.Address {
	return e.addr
}

func (e *Endpoint) SetHandler(handler state.TransportHandler) {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	e.handler = handler
}

func (e *Endpoint) Open(id state.LinkId, remote state.Address) error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	target, ok := h.endpoints[remote]
	if !ok || h.unreachable[remote] || h.unreachable[e.addr] || target.handler == nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, remote)
	}
	if _, ok := h.conns[id]; ok {
		return fmt.Errorf("link %s already exists", id)
	}
	h.conns[id] = &conn{initiator: e, acceptor: target}
	from, handler := e.addr, target.handler
	h.enqueue(func() { handler.OnInbound(id, from) })
	return nil
}

func (e *Endpoint) Close(id state.LinkId) {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	if !ok {
		return
	}
	delete(h.conns, id)
	if handler := c.other(e).handler; handler != nil {
		h.enqueue(func() { handler.OnClosed(id, nil) })
	}
}

func (e *Endpoint) SendRaw(id state.LinkId, data []byte) error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLink, id)
	}
	handler := c.other(e).handler
	frame := slices.Clone(data)
	at := h.Now()
	h.enqueue(func() { handler.OnRawReceive(id, frame, at) })
	return nil
}
