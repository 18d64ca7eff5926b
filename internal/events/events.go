// Package events defines the node's outward-facing event stream: typed
// codes, snapshot payloads, and a bounded dispatch queue that decouples
// the control loop from subscriber callbacks.
package events

import (
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/wisdark/ztnode/internal/engine"
	"github.com/wisdark/ztnode/internal/logging"
)

// Code identifies an event.
type Code int

const (
	CodeNone Code = iota

	// Node lifecycle.
	NodeUp
	NodeOnline
	NodeOffline
	NodeDown
	NodeIdentityCollision
	NodeUnrecoverableError
	NodeNormalTermination

	// Per-network status transitions.
	NetworkNotFound
	NetworkClientTooOld
	NetworkRequestingConfig
	NetworkOK
	NetworkAccessDenied
	NetworkReadyIPv4
	NetworkReadyIPv6
	NetworkDown
	NetworkUpdate

	// Per-peer connectivity transitions.
	PeerDirect
	PeerRelay
	PeerPathDiscovered
	PeerPathDead

	// Managed address changes.
	AddrAddedIPv4
	AddrRemovedIPv4
	AddrAddedIPv6
	AddrRemovedIPv6
)

func (c Code) String() string {
	switch c {
	case NodeUp:
		return "node_up"
	case NodeOnline:
		return "node_online"
	case NodeOffline:
		return "node_offline"
	case NodeDown:
		return "node_down"
	case NodeIdentityCollision:
		return "node_identity_collision"
	case NodeUnrecoverableError:
		return "node_unrecoverable_error"
	case NodeNormalTermination:
		return "node_normal_termination"
	case NetworkNotFound:
		return "network_not_found"
	case NetworkClientTooOld:
		return "network_client_too_old"
	case NetworkRequestingConfig:
		return "network_req_config"
	case NetworkOK:
		return "network_ok"
	case NetworkAccessDenied:
		return "network_access_denied"
	case NetworkReadyIPv4:
		return "network_ready_ip4"
	case NetworkReadyIPv6:
		return "network_ready_ip6"
	case NetworkDown:
		return "network_down"
	case NetworkUpdate:
		return "network_update"
	case PeerDirect:
		return "peer_direct"
	case PeerRelay:
		return "peer_relay"
	case PeerPathDiscovered:
		return "peer_path_discovered"
	case PeerPathDead:
		return "peer_path_dead"
	case AddrAddedIPv4:
		return "addr_added_ip4"
	case AddrRemovedIPv4:
		return "addr_removed_ip4"
	case AddrAddedIPv6:
		return "addr_added_ip6"
	case AddrRemovedIPv6:
		return "addr_removed_ip6"
	default:
		return "none"
	}
}

// Event is one emitted event. Payload is an immutable snapshot; holders
// may keep it past the callback.
type Event struct {
	Code    Code
	Payload any
}

// NodeDetails accompanies node lifecycle events.
type NodeDetails struct {
	Address       uint64
	Version       [3]int
	PrimaryPort   uint16
	SecondaryPort uint16
	TertiaryPort  uint16
}

// NetworkDetails accompanies network events.
type NetworkDetails struct {
	NetworkID         uint64
	Name              string
	Status            engine.NetworkStatus
	MAC               uint64
	MTU               int
	AssignedAddresses []netip.Prefix
	Routes            []engine.Route
}

// AddrDetails accompanies managed address events.
type AddrDetails struct {
	NetworkID uint64
	Addr      netip.Prefix
}

// PeerDetails accompanies peer connectivity events.
type PeerDetails struct {
	Peer engine.PeerInfo
}

// Handler consumes dispatched events in emission order.
type Handler func(Event)

// Queue is a bounded event queue with a single dispatch goroutine.
// Emission never blocks the control loop; overflow drops and counts.
type Queue struct {
	handler Handler
	log     *slog.Logger
	ch      chan Event
	done    chan struct{}
	dropped atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
}

// DefaultQueueDepth bounds buffered events between the control loop and
// the subscriber.
const DefaultQueueDepth = 1024

// NewQueue starts a queue dispatching to handler. A nil handler discards.
func NewQueue(handler Handler, depth int) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	q := &Queue{
		handler: handler,
		log:     logging.WithComponent("events"),
		ch:      make(chan Event, depth),
		done:    make(chan struct{}),
	}
	go q.dispatch()
	return q
}

// Emit queues one event without blocking. Events emitted after Close are
// dropped.
func (q *Queue) Emit(code Code, payload any) {
	if q.closed.Load() {
		q.dropped.Add(1)
		return
	}
	select {
	case q.ch <- Event{Code: code, Payload: payload}:
	default:
		q.dropped.Add(1)
		q.log.Warn("event queue full, dropping", "code", code.String())
	}
}

// Dropped returns the number of events shed due to a full queue.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close drains already-queued events and stops the dispatcher. Safe to
// call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.ch)
		<-q.done
	})
}

func (q *Queue) dispatch() {
	defer close(q.done)
	for ev := range q.ch {
		if q.handler != nil {
			q.handler(ev)
		}
	}
}
