// Package engine defines the contract between the node service and the
// overlay protocol engine. The engine itself (identity, encryption, peer
// discovery, relaying) is an external collaborator; this package only
// describes the calls the service makes into it and the callbacks the
// engine makes back into the service.
package engine

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// StateObjectType identifies a persisted object handled by the state store.
type StateObjectType int

const (
	// StateObjectNull is the zero value and is never persisted.
	StateObjectNull StateObjectType = iota

	// StateObjectIdentityPublic is the node's public identity.
	StateObjectIdentityPublic

	// StateObjectIdentitySecret is the node's secret identity. Stored with
	// restrictive permissions.
	StateObjectIdentitySecret

	// StateObjectPlanet is the root/federation definition.
	StateObjectPlanet

	// StateObjectNetworkConfig is a cached per-network configuration,
	// keyed by network ID.
	StateObjectNetworkConfig

	// StateObjectPeer is a cached per-peer record, keyed by peer address.
	StateObjectPeer
)

// String returns the object type's on-disk name stem.
func (t StateObjectType) String() string {
	switch t {
	case StateObjectIdentityPublic:
		return "identity.public"
	case StateObjectIdentitySecret:
		return "identity.secret"
	case StateObjectPlanet:
		return "planet"
	case StateObjectNetworkConfig:
		return "network"
	case StateObjectPeer:
		return "peer"
	default:
		return "null"
	}
}

// ResultCode is returned by engine entry points.
type ResultCode int

const (
	ResultOK ResultCode = 0

	// Fatal results. Any of these terminates the service.
	ResultFatalOutOfMemory       ResultCode = -1
	ResultFatalDataStoreFailed   ResultCode = -2
	ResultFatalInternalError     ResultCode = -3
	ResultErrorNetworkNotJoined  ResultCode = 1
	ResultErrorUnsupported       ResultCode = 2
	ResultErrorBadParameter      ResultCode = 3
)

// Fatal reports whether the result code indicates an unrecoverable
// condition in the engine.
func (rc ResultCode) Fatal() bool {
	return rc < 0
}

func (rc ResultCode) String() string {
	switch rc {
	case ResultOK:
		return "ok"
	case ResultFatalOutOfMemory:
		return "out of memory"
	case ResultFatalDataStoreFailed:
		return "data store failed"
	case ResultFatalInternalError:
		return "internal error"
	case ResultErrorNetworkNotJoined:
		return "network not joined"
	case ResultErrorUnsupported:
		return "unsupported operation"
	case ResultErrorBadParameter:
		return "bad parameter"
	default:
		return "unknown result"
	}
}

// Err converts a result code to an error, nil for ResultOK.
func (rc ResultCode) Err() error {
	if rc == ResultOK {
		return nil
	}
	return fmt.Errorf("engine: %s", rc)
}

// Event is a generic engine event delivered through Host.HandleEvent.
type Event int

const (
	// EventUp means the engine has initialized and has an identity.
	EventUp Event = iota + 1

	// EventOnline means the engine can reach at least one root.
	EventOnline

	// EventOffline means the engine has lost contact with all roots.
	EventOffline

	// EventDown means the engine is shutting down.
	EventDown

	// EventFatalIdentityCollision means this node's identity collides with
	// another on the network. The service must terminate.
	EventFatalIdentityCollision

	// EventTrace carries a diagnostic message in the event metadata.
	EventTrace
)

// NetworkStatus is the engine's view of a joined network.
type NetworkStatus int

const (
	NetworkStatusRequestingConfiguration NetworkStatus = iota
	NetworkStatusOK
	NetworkStatusAccessDenied
	NetworkStatusNotFound
	NetworkStatusPortError
	NetworkStatusClientTooOld
)

// String returns a human-readable network status.
func (s NetworkStatus) String() string {
	switch s {
	case NetworkStatusRequestingConfiguration:
		return "requesting_configuration"
	case NetworkStatusOK:
		return "ok"
	case NetworkStatusAccessDenied:
		return "access_denied"
	case NetworkStatusNotFound:
		return "not_found"
	case NetworkStatusPortError:
		return "port_error"
	case NetworkStatusClientTooOld:
		return "client_too_old"
	default:
		return "unknown"
	}
}

// ConfigOperation is a network lifecycle transition delivered through
// Host.VirtualNetworkConfig.
type ConfigOperation int

const (
	// ConfigOperationUp means the network joined and an adapter should be
	// brought up for it.
	ConfigOperationUp ConfigOperation = iota + 1

	// ConfigOperationUpdate means the network's configuration changed.
	ConfigOperationUpdate

	// ConfigOperationDown means the network went down (e.g. left).
	ConfigOperationDown

	// ConfigOperationDestroy means the network is gone for good and any
	// locally cached state for it should be deleted.
	ConfigOperationDestroy
)

// Route is a managed route pushed by a network controller.
type Route struct {
	Target netip.Prefix
	Via    netip.Addr // zero value means directly reachable
	Flags  uint16
	Metric uint16
}

// MulticastGroup is a multicast group subscription: a multicast MAC plus an
// additional distinguishing identifier (for IPv4 ARP-like lookups).
type MulticastGroup struct {
	MAC uint64
	ADI uint32
}

// NetworkConfig is the engine's configuration snapshot for one network.
// The service copies it wholesale on every config-update callback.
type NetworkConfig struct {
	ID                     uint64
	MAC                    uint64
	Name                   string
	Status                 NetworkStatus
	MTU                    int
	Bridge                 bool
	BroadcastEnabled       bool
	PortError              int
	Revision               uint64
	AssignedAddresses      []netip.Prefix
	Routes                 []Route
	MulticastSubscriptions []MulticastGroup
}

// Clone returns a deep copy of the configuration. Event payloads and the
// per-network state table must never alias engine-owned memory.
func (c *NetworkConfig) Clone() NetworkConfig {
	out := *c
	out.AssignedAddresses = append([]netip.Prefix(nil), c.AssignedAddresses...)
	out.Routes = append([]Route(nil), c.Routes...)
	out.MulticastSubscriptions = append([]MulticastGroup(nil), c.MulticastSubscriptions...)
	return out
}

// PeerRole describes a peer's role in the overlay topology.
type PeerRole int

const (
	PeerRoleLeaf PeerRole = iota
	PeerRoleMoon
	PeerRolePlanet
)

// String returns a human-readable peer role.
func (r PeerRole) String() string {
	switch r {
	case PeerRoleMoon:
		return "moon"
	case PeerRolePlanet:
		return "planet"
	default:
		return "leaf"
	}
}

// PeerPath is one concrete local-socket/remote-address pair to a peer.
type PeerPath struct {
	Address       netip.AddrPort
	LastSend      int64
	LastReceive   int64
	TrustedPathID uint64
	Expired       bool
	Preferred     bool
}

// PeerInfo is a snapshot of one peer as reported by the engine. The slice
// returned by Engine.Peers is caller-owned.
type PeerInfo struct {
	Address uint64 // 40-bit node address
	Version [3]int // major, minor, revision; -1 if unknown
	Latency int
	Role    PeerRole
	Paths   []PeerPath
}

// Clone returns a deep copy of the peer snapshot.
func (p *PeerInfo) Clone() PeerInfo {
	out := *p
	out.Paths = append([]PeerPath(nil), p.Paths...)
	return out
}

// Host is implemented by the node service. The engine invokes these
// callbacks synchronously, either from within a call the service makes into
// the engine or from the engine's background task processing (which the
// service also calls synchronously). Callbacks must not block for unbounded
// time and communicate failure only through their return values.
type Host interface {
	// StateGet reads a persisted object. ok is false if the object does not
	// exist or its type is disabled.
	StateGet(objType StateObjectType, id uint64) (data []byte, ok bool)

	// StatePut persists an object, or deletes it when data is nil.
	// Best effort; I/O failures are logged, never surfaced.
	StatePut(objType StateObjectType, id uint64, data []byte)

	// WireSend transmits a packet. localSocket selects a bound socket, or 0
	// (or an invalid handle) to broadcast via every bound socket. ttl > 0
	// overrides the IPv4 TTL for this one send.
	WireSend(localSocket int64, addr netip.AddrPort, data []byte, ttl int) bool

	// VirtualNetworkFrame delivers a decoded overlay frame for injection
	// into the network's adapter. Silently dropped if the network or its
	// adapter is absent.
	VirtualNetworkFrame(networkID uint64, srcMAC, dstMAC uint64, etherType, vlanID int, data []byte)

	// VirtualNetworkConfig applies a network lifecycle transition. A non-nil
	// error is fatal for that network and causes the engine to abandon it.
	VirtualNetworkConfig(networkID uint64, op ConfigOperation, config *NetworkConfig) error

	// HandleEvent delivers a generic engine event. meta carries a trace
	// message for EventTrace and is otherwise nil.
	HandleEvent(event Event, meta []byte)

	// PathCheck reports whether the engine may use the given remote
	// endpoint to reach the given peer.
	PathCheck(peerAddress uint64, localSocket int64, remote netip.AddrPort) bool

	// PathLookup suggests an endpoint for reaching a peer. family is
	// engine.FamilyIPv4, FamilyIPv6, or FamilyAny.
	PathLookup(peerAddress uint64, family int) (netip.AddrPort, bool)
}

// Address family selectors for Host.PathLookup.
const (
	FamilyAny  = -1
	FamilyIPv4 = 4
	FamilyIPv6 = 6
)

// Engine is the overlay protocol engine as consumed by the node service.
// All methods are called from the service's control goroutine only.
type Engine interface {
	// ProcessBackgroundTasks runs periodic protocol work and returns the
	// deadline for the next call.
	ProcessBackgroundTasks(now int64) (nextDeadline int64, rc ResultCode)

	// ProcessWirePacket feeds one received datagram into the engine.
	ProcessWirePacket(now int64, localSocket int64, from netip.AddrPort, data []byte) (nextDeadline int64, rc ResultCode)

	// ProcessVirtualNetworkFrame feeds one frame read from an adapter into
	// the engine for encryption and transport.
	ProcessVirtualNetworkFrame(now int64, networkID uint64, srcMAC, dstMAC uint64, etherType, vlanID int, data []byte) (nextDeadline int64, rc ResultCode)

	Join(networkID uint64) ResultCode
	Leave(networkID uint64) ResultCode

	MulticastSubscribe(networkID uint64, group MulticastGroup) ResultCode
	MulticastUnsubscribe(networkID uint64, group MulticastGroup) ResultCode

	// ClearLocalInterfaceAddresses and AddLocalInterfaceAddress republish
	// the set of local physical/mapped addresses the engine advertises.
	ClearLocalInterfaceAddresses()
	AddLocalInterfaceAddress(addr netip.AddrPort)

	// SetMultipathMode selects single-path (0) or a multipath policy.
	SetMultipathMode(mode int)

	// Peers returns a snapshot of all known peers. The returned slice and
	// everything it references are owned by the caller.
	Peers() []PeerInfo

	// Address returns this node's 40-bit address, or 0 before EventUp.
	Address() uint64

	// Online reports whether the engine can currently reach a root.
	Online() bool

	// PRNG returns a pseudo-random value from the engine's internal source.
	PRNG() uint64

	// Close releases the engine. No callbacks are invoked afterward.
	Close()
}

// Factory constructs an engine bound to the given host. The service owns
// the returned engine for the duration of one run.
type Factory func(host Host, now int64) (Engine, error)

var (
	registeredMu sync.Mutex
	registered   Factory
)

// RegisterFactory installs the engine implementation. Engine packages call
// this from init, the way database/sql drivers register themselves. Only
// one engine may be linked into a binary.
func RegisterFactory(f Factory) {
	registeredMu.Lock()
	defer registeredMu.Unlock()
	if registered != nil {
		panic("engine: factory already registered")
	}
	registered = f
}

// NewEngine constructs the registered engine. It is the Factory the node
// binary hands to the service.
func NewEngine(host Host, now int64) (Engine, error) {
	registeredMu.Lock()
	f := registered
	registeredMu.Unlock()
	if f == nil {
		return nil, errors.New("engine: no engine linked into this binary")
	}
	return f(host, now)
}
