// Package service implements the node orchestration layer: it owns the
// overlay engine, the physical bindings, the per-network adapters, and
// the control loop that drives background processing, reconciliation,
// and the event stream.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wisdark/ztnode/internal/adapter"
	"github.com/wisdark/ztnode/internal/binder"
	"github.com/wisdark/ztnode/internal/config"
	"github.com/wisdark/ztnode/internal/engine"
	"github.com/wisdark/ztnode/internal/events"
	"github.com/wisdark/ztnode/internal/logging"
	"github.com/wisdark/ztnode/internal/metrics"
	"github.com/wisdark/ztnode/internal/policy"
	"github.com/wisdark/ztnode/internal/portmap"
	"github.com/wisdark/ztnode/internal/socket"
	"github.com/wisdark/ztnode/internal/store"
)

// Service errors.
var (
	ErrNotRunning = errors.New("service: not running")
)

// Control loop cadences, in milliseconds of engine time. Multipath mode
// tightens binding and interface checks by a factor of eight.
const (
	bindRefreshPeriod         = int64(30_000)
	multicastScanPeriod       = int64(5_000)
	localInterfaceCheckPeriod = int64(60_000)

	// First interface sync is deferred to give port mapping and early
	// binds time to settle.
	localInterfaceCheckDefer = int64(15_000)

	peerCleanPeriod = int64(3_600_000)
	peerExpiry      = int64(2_592_000_000) // 30 days

	// A poll overrun beyond this means the host slept.
	clockJumpThreshold = int64(10_000)

	// Poll delay when the engine has no pending deadline.
	defaultPollDelay = int64(100)
)

// adapterMetric is the route metric given to virtual interfaces.
const adapterMetric = 5000

// TerminationReason explains why Run returned.
type TerminationReason int

const (
	ReasonStillRunning TerminationReason = iota
	ReasonNormalTermination
	ReasonUnrecoverableError
	ReasonIdentityCollision
)

func (r TerminationReason) String() string {
	switch r {
	case ReasonNormalTermination:
		return "normal termination"
	case ReasonUnrecoverableError:
		return "unrecoverable error"
	case ReasonIdentityCollision:
		return "identity collision"
	default:
		return "still running"
	}
}

// Options carries injectable dependencies. Zero values select the
// production implementations.
type Options struct {
	Multiplexer     socket.Multiplexer
	AdapterFactory  adapter.Factory
	InterfaceLister binder.InterfaceLister
	PortMapper      portmap.Mapper
	Handler         events.Handler
	Metrics         *metrics.Metrics
	Clock           func() int64 // milliseconds
}

// Service is one node instance.
type Service struct {
	cfg   *config.NodeConfig
	log   *slog.Logger
	store *store.Store
	mux   socket.Multiplexer
	pol   *policy.Policy
	bind  *binder.Binder
	queue *events.Queue
	met   *metrics.Metrics
	pmap  portmap.Mapper

	adapterFactory adapter.Factory
	engineFactory  engine.Factory
	clock          func() int64

	engMu sync.RWMutex
	eng   engine.Engine

	netsMu sync.Mutex
	nets   map[uint64]*networkState

	peerCache map[uint64]int // observed path count per peer, control loop only

	runMu   sync.Mutex
	run     bool
	started time.Time

	termMu     sync.Mutex
	termReason TerminationReason
	fatalErr   string

	// portsMu guards the selected port set, which Run assigns while API
	// handlers may already be reading it.
	portsMu sync.Mutex
	ports   [3]uint16

	online       atomic.Bool
	nextDeadline atomic.Int64

	// Last receipt of a packet from a global-scope address, used to judge
	// whether the node is really reachable from outside.
	lastDirectReceiveFromGlobal atomic.Int64
}

// New creates a service from configuration. The engine factory is called
// during Run, after the state store and callbacks are ready.
func New(cfg *config.NodeConfig, engineFactory engine.Factory, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.New(cfg.Home, cfg.NetworkCaching, cfg.PeerCaching)
	if err != nil {
		return nil, err
	}

	pol := policy.New()
	if err := pol.Reload(cfg.Policy); err != nil {
		return nil, err
	}

	mux := opts.Multiplexer
	if mux == nil {
		mux = socket.NewMux()
	}
	af := opts.AdapterFactory
	if af == nil {
		af, err = adapter.NewFactory("tap")
		if err != nil {
			return nil, err
		}
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.New()
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	pmap := opts.PortMapper
	if pmap == nil || !cfg.PortMapping {
		pmap = portmap.Disabled{}
	}

	s := &Service{
		cfg:            cfg,
		log:            logging.WithComponent("service"),
		store:          st,
		mux:            mux,
		pol:            pol,
		adapterFactory: af,
		engineFactory:  engineFactory,
		clock:          clock,
		met:            met,
		pmap:           pmap,
		nets:           make(map[uint64]*networkState),
		peerCache:      make(map[uint64]int),
	}
	s.bind = binder.New(mux, pol, opts.InterfaceLister)
	s.queue = events.NewQueue(opts.Handler, events.DefaultQueueDepth)
	return s, nil
}

// Run drives the node until Terminate is called, the context is
// cancelled, or a fatal condition occurs. It returns the termination
// reason; the error is non-nil only for fatal conditions.
func (s *Service) Run(ctx context.Context) (TerminationReason, error) {
	s.runMu.Lock()
	if s.run {
		s.runMu.Unlock()
		return ReasonStillRunning, errors.New("service: already running")
	}
	s.run = true
	s.started = time.Now()
	s.runMu.Unlock()

	stop := context.AfterFunc(ctx, s.Terminate)
	defer stop()

	now := s.clock()
	eng, err := s.engineFactory(s, now)
	if err != nil {
		s.setTermination(ReasonUnrecoverableError, fmt.Sprintf("engine initialization failed: %v", err))
		return s.finish()
	}
	s.engMu.Lock()
	s.eng = eng
	s.engMu.Unlock()

	if err := s.selectPorts(eng); err != nil {
		s.setTermination(ReasonUnrecoverableError, err.Error())
		return s.finish()
	}
	primary, secondary, tertiary := s.Ports()
	s.log.Info("ports selected",
		"primary", primary, "secondary", secondary, "tertiary", tertiary)

	// Rejoin every network cached from previous runs.
	if s.cfg.NetworkCaching {
		for _, id := range s.store.CachedNetworks() {
			if rc := eng.Join(id); rc != engine.ResultOK {
				s.log.Warn("rejoin failed", "network", fmt.Sprintf("%.16x", id), "result", rc.String())
			}
		}
	}

	s.loop(eng)
	return s.finish()
}

// loop is the control loop: single goroutine, poll with timeout, cadenced
// maintenance between polls.
func (s *Service) loop(eng engine.Engine) {
	now := s.clock()
	clockShouldBe := now
	var lastBindRefresh, lastMultipathUpdate, lastMulticastScan, lastPeerClean int64
	lastInterfaceCheck := now - localInterfaceCheckPeriod + localInterfaceCheckDefer

	for s.running() {
		now = s.clock()
		s.met.LoopWakeups.Inc()
		s.met.Uptime.Set(s.Uptime().Seconds())

		// A large poll overrun means the host slept; treat wake like a
		// restart and refresh everything immediately.
		restarted := now > clockShouldBe && now-clockShouldBe > clockJumpThreshold

		multipath := s.cfg.MultipathMode != 0
		refreshPeriod := bindRefreshPeriod
		if multipath {
			refreshPeriod = bindRefreshPeriod / 8
		}
		if now-lastBindRefresh >= refreshPeriod || restarted {
			lastBindRefresh = now
			s.refreshBindings()
		}
		if now-lastMultipathUpdate >= bindRefreshPeriod/8 || restarted {
			lastMultipathUpdate = now
			eng.SetMultipathMode(s.cfg.MultipathMode)
		}

		s.generateEventMessages(eng)

		dl := s.nextDeadline.Load()
		if dl <= now {
			next, rc := eng.ProcessBackgroundTasks(now)
			if rc.Fatal() {
				s.setTermination(ReasonUnrecoverableError,
					fmt.Sprintf("background task processing failed: %s", rc))
				return
			}
			s.nextDeadline.Store(next)
			dl = next
		}

		if now-lastMulticastScan >= multicastScanPeriod {
			lastMulticastScan = now
			s.syncMulticastGroups(eng)
		}

		interfacePeriod := localInterfaceCheckPeriod
		if multipath {
			interfacePeriod = localInterfaceCheckPeriod / 8
		}
		if now-lastInterfaceCheck >= interfacePeriod {
			lastInterfaceCheck = now
			s.syncLocalInterfaceAddresses(eng)
		}

		if now-lastPeerClean >= peerCleanPeriod {
			lastPeerClean = now
			removed := s.store.CleanPeers(time.UnixMilli(now - peerExpiry))
			if removed > 0 {
				s.log.Info("expired cached peers", "removed", removed)
			}
		}

		delay := defaultPollDelay
		if dl > now {
			delay = dl - now
		}
		clockShouldBe = now + delay
		s.mux.Poll(time.Duration(delay)*time.Millisecond, s.handleDatagram)
	}
}

// selectPorts runs the three-port strategy: a mandatory primary, a
// NAT-friendly secondary derived from the node address, and a tertiary
// reserved for explicit port mapping.
func (s *Service) selectPorts(eng engine.Engine) error {
	primary, err := s.bind.SelectPrimaryPort(s.cfg.PrimaryPort, eng.PRNG)
	if err != nil {
		return err
	}
	secondary := s.bind.SelectSecondaryPort(eng.Address(), s.cfg.SecondaryPort)
	var tertiary uint16
	if s.cfg.PortMapping && secondary != 0 {
		tertiary = s.bind.SelectTertiaryPort(secondary, s.cfg.TertiaryPort)
	}
	if tertiary != 0 {
		s.pmap.SetLocalPort(tertiary)
	}
	s.setPorts(primary, secondary, tertiary)
	return nil
}

func (s *Service) setPorts(primary, secondary, tertiary uint16) {
	s.portsMu.Lock()
	s.ports = [3]uint16{primary, secondary, tertiary}
	s.portsMu.Unlock()
}

// refreshBindings reconciles physical bindings against the current
// interface table.
func (s *Service) refreshBindings() {
	primary, secondary, tertiary := s.Ports()
	ports := make([]uint16, 0, 3)
	for _, p := range []uint16{primary, secondary, tertiary} {
		if p != 0 {
			ports = append(ports, p)
		}
	}
	s.bind.Refresh(ports, s.managedAddresses())
	s.met.BindRefreshes.Inc()
	s.met.Bindings.Set(float64(len(s.bind.BoundLocalAddresses())))
}

// syncMulticastGroups pushes adapter multicast membership diffs into the
// engine.
func (s *Service) syncMulticastGroups(eng engine.Engine) {
	type change struct {
		networkID      uint64
		added, removed []engine.MulticastGroup
	}
	s.netsMu.Lock()
	changes := make([]change, 0, len(s.nets))
	for id, n := range s.nets {
		if n.adapter == nil {
			continue
		}
		added, removed := n.adapter.ScanMulticastGroups()
		if len(added) > 0 || len(removed) > 0 {
			changes = append(changes, change{id, added, removed})
		}
	}
	s.netsMu.Unlock()

	for _, c := range changes {
		for _, g := range c.added {
			eng.MulticastSubscribe(c.networkID, g)
		}
		for _, g := range c.removed {
			eng.MulticastUnsubscribe(c.networkID, g)
		}
	}
}

// syncLocalInterfaceAddresses republishes the bound address set, plus any
// NAT-mapped external endpoints, so the overlay can advertise where it is
// reachable.
func (s *Service) syncLocalInterfaceAddresses(eng engine.Engine) {
	eng.ClearLocalInterfaceAddresses()
	for _, local := range s.bind.BoundLocalAddresses() {
		eng.AddLocalInterfaceAddress(local)
	}
	for _, external := range s.pmap.ExternalAddresses() {
		eng.AddLocalInterfaceAddress(external)
	}
}

// handleDatagram feeds one received packet into the engine.
func (s *Service) handleDatagram(d socket.Datagram) {
	now := s.clock()
	if len(d.Data) >= 16 && isGlobalScope(d.From.Addr()) {
		s.lastDirectReceiveFromGlobal.Store(now)
	}
	s.met.PacketsIn.Inc()
	s.met.BytesIn.Add(float64(len(d.Data)))

	s.engMu.RLock()
	eng := s.eng
	s.engMu.RUnlock()
	if eng == nil {
		return
	}
	next, rc := eng.ProcessWirePacket(now, d.Socket.ID(), d.From, d.Data)
	if rc.Fatal() {
		s.setTermination(ReasonUnrecoverableError,
			fmt.Sprintf("wire packet processing failed: %s", rc))
		s.Terminate()
		return
	}
	s.nextDeadline.Store(next)
}

// finish tears the node down and reports the termination reason.
func (s *Service) finish() (TerminationReason, error) {
	s.runMu.Lock()
	s.run = false
	s.runMu.Unlock()

	s.netsMu.Lock()
	for id, n := range s.nets {
		if n.adapter != nil {
			n.adapter.Close()
		}
		delete(s.nets, id)
	}
	s.netsMu.Unlock()
	s.met.NetworksJoined.Set(0)

	s.pmap.Close()
	s.bind.CloseAll()
	s.mux.CloseAll()

	s.engMu.Lock()
	eng := s.eng
	s.eng = nil
	s.engMu.Unlock()
	if eng != nil {
		eng.Close()
	}

	s.termMu.Lock()
	if s.termReason == ReasonStillRunning {
		s.termReason = ReasonNormalTermination
	}
	reason := s.termReason
	fatal := s.fatalErr
	s.termMu.Unlock()

	switch reason {
	case ReasonNormalTermination:
		s.emit(events.NodeNormalTermination, nil)
	case ReasonUnrecoverableError:
		s.emit(events.NodeUnrecoverableError, nil)
	case ReasonIdentityCollision:
		s.emit(events.NodeIdentityCollision, nil)
	}
	s.emit(events.NodeDown, nil)

	s.online.Store(false)
	s.met.Online.Set(0)

	if fatal != "" {
		s.log.Error("node terminated", "reason", reason.String(), "error", fatal)
		return reason, errors.New(fatal)
	}
	s.log.Info("node terminated", "reason", reason.String())
	return reason, nil
}

// Terminate requests a cooperative stop. Safe from any goroutine; the
// control loop observes the flag on its next wakeup.
func (s *Service) Terminate() {
	s.runMu.Lock()
	s.run = false
	s.runMu.Unlock()
	s.mux.Wake()
}

// Close releases resources held outside Run, including the event queue.
func (s *Service) Close() {
	s.queue.Close()
}

func (s *Service) running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.run
}

func (s *Service) setTermination(reason TerminationReason, msg string) {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	if s.termReason != ReasonStillRunning {
		return
	}
	s.termReason = reason
	s.fatalErr = msg
}

// ReasonForTermination reports why the node stopped, or
// ReasonStillRunning.
func (s *Service) ReasonForTermination() TerminationReason {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	return s.termReason
}

// FatalErrorMessage returns the fatal error description, if any.
func (s *Service) FatalErrorMessage() string {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	return s.fatalErr
}

// Join asks the overlay to join a network.
func (s *Service) Join(networkID uint64) error {
	s.engMu.RLock()
	defer s.engMu.RUnlock()
	if s.eng == nil {
		return ErrNotRunning
	}
	return s.eng.Join(networkID).Err()
}

// Leave asks the overlay to leave a network.
func (s *Service) Leave(networkID uint64) error {
	s.engMu.RLock()
	defer s.engMu.RUnlock()
	if s.eng == nil {
		return ErrNotRunning
	}
	return s.eng.Leave(networkID).Err()
}

// Address returns the node's overlay address, or zero before Run.
func (s *Service) Address() uint64 {
	s.engMu.RLock()
	defer s.engMu.RUnlock()
	if s.eng == nil {
		return 0
	}
	return s.eng.Address()
}

// Online reports whether the node currently reaches a root.
func (s *Service) Online() bool {
	return s.online.Load()
}

// Ports returns the selected primary, secondary and tertiary ports.
// Unused slots are zero.
func (s *Service) Ports() (primary, secondary, tertiary uint16) {
	s.portsMu.Lock()
	defer s.portsMu.Unlock()
	return s.ports[0], s.ports[1], s.ports[2]
}

// Peers returns a snapshot of known peers, or nil before Run.
func (s *Service) Peers() []engine.PeerInfo {
	s.engMu.RLock()
	defer s.engMu.RUnlock()
	if s.eng == nil {
		return nil
	}
	return s.eng.Peers()
}

// LastDirectReceiveFromGlobal returns when a packet last arrived from a
// global-scope address, as engine time, or zero.
func (s *Service) LastDirectReceiveFromGlobal() int64 {
	return s.lastDirectReceiveFromGlobal.Load()
}

// Uptime reports time since Run started.
func (s *Service) Uptime() time.Duration {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// isGlobalScope reports whether an address is plausibly reachable from
// the open internet.
func isGlobalScope(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsValid() && a.IsGlobalUnicast() &&
		!a.IsPrivate() && !a.IsLoopback() && !a.IsLinkLocalUnicast() && !a.IsMulticast()
}
