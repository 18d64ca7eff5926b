package service

import (
	"net/netip"

	"github.com/wisdark/ztnode/internal/adapter"
	"github.com/wisdark/ztnode/internal/engine"
	"github.com/wisdark/ztnode/internal/events"
	"github.com/wisdark/ztnode/internal/version"
)

// The service is the engine's host: these methods are invoked
// synchronously from engine calls running on the control goroutine.

// StateGet reads a persisted object from the state store.
func (s *Service) StateGet(objType engine.StateObjectType, id uint64) ([]byte, bool) {
	return s.store.Get(objType, id)
}

// StatePut persists or deletes an object. Best effort.
func (s *Service) StatePut(objType engine.StateObjectType, id uint64, data []byte) {
	s.store.Put(objType, id, data)
	s.met.StateWrites.Inc()
}

// WireSend transmits one packet. A valid localSocket pins the send to
// that socket; anything else fans out over every bound socket of the
// destination's family.
func (s *Service) WireSend(localSocket int64, addr netip.AddrPort, data []byte, ttl int) bool {
	sent := false
	if localSocket > 0 {
		if sock, ok := s.mux.Socket(localSocket); ok {
			sent = sock.Send(addr, data, ttl) == nil
		} else {
			// Stale handle; fail forward through every socket.
			sent = s.bind.SendAll(addr, data, ttl)
		}
	} else {
		sent = s.bind.SendAll(addr, data, ttl)
	}
	if sent {
		s.met.PacketsOut.Inc()
		s.met.BytesOut.Add(float64(len(data)))
	}
	return sent
}

// VirtualNetworkFrame injects a decoded overlay frame into the network's
// adapter.
func (s *Service) VirtualNetworkFrame(networkID uint64, srcMAC, dstMAC uint64, etherType, vlanID int, data []byte) {
	s.netsMu.Lock()
	n := s.nets[networkID]
	var a adapter.Interface
	if n != nil {
		a = n.adapter
	}
	s.netsMu.Unlock()
	if a == nil {
		return
	}
	if err := a.Put(srcMAC, dstMAC, etherType, data); err == nil {
		s.met.FramesOut.Inc()
	}
}

// handleAdapterFrame moves one frame read from an adapter into the
// engine. Runs on the adapter's reader goroutine.
func (s *Service) handleAdapterFrame(networkID uint64, srcMAC, dstMAC uint64, etherType, vlanID int, data []byte) {
	s.engMu.RLock()
	eng := s.eng
	s.engMu.RUnlock()
	if eng == nil {
		return
	}
	next, rc := eng.ProcessVirtualNetworkFrame(s.clock(), networkID, srcMAC, dstMAC, etherType, vlanID, data)
	if rc == engine.ResultOK {
		s.met.FramesIn.Inc()
		s.nextDeadline.Store(next)
	}
}

// HandleEvent receives generic engine events.
func (s *Service) HandleEvent(event engine.Event, meta []byte) {
	switch event {
	case engine.EventUp:
		s.emit(events.NodeUp, nil)

	case engine.EventOnline:
		s.online.Store(true)
		s.met.Online.Set(1)
		s.emit(events.NodeOnline, s.nodeDetails())

	case engine.EventOffline:
		s.online.Store(false)
		s.met.Online.Set(0)
		s.emit(events.NodeOffline, &events.NodeDetails{Address: s.Address()})

	case engine.EventDown:
		s.emit(events.NodeDown, &events.NodeDetails{Address: s.Address()})

	case engine.EventFatalIdentityCollision:
		s.setTermination(ReasonIdentityCollision, "identity/address collision")
		s.Terminate()

	case engine.EventTrace:
		if len(meta) > 0 {
			s.log.Debug("engine trace", "msg", string(meta))
		}
	}
}

// PathCheck reports whether the engine may use a remote endpoint for a
// peer. Endpoints inside our own managed ranges are always refused to
// keep the overlay from riding itself.
func (s *Service) PathCheck(peerAddress uint64, localSocket int64, remote netip.AddrPort) bool {
	return s.pol.PathCheck(peerAddress, remote, s.managedPrefixes())
}

// PathLookup suggests a configured endpoint hint for a peer.
func (s *Service) PathLookup(peerAddress uint64, family int) (netip.AddrPort, bool) {
	s.engMu.RLock()
	eng := s.eng
	s.engMu.RUnlock()
	rng := func() uint64 { return 0 }
	if eng != nil {
		rng = eng.PRNG
	}
	return s.pol.PathLookup(peerAddress, family, rng)
}

func (s *Service) nodeDetails() *events.NodeDetails {
	primary, secondary, tertiary := s.Ports()
	return &events.NodeDetails{
		Address:       s.Address(),
		Version:       [3]int{version.Major, version.Minor, version.Patch},
		PrimaryPort:   primary,
		SecondaryPort: secondary,
		TertiaryPort:  tertiary,
	}
}
