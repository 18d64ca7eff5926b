package service

import (
	"github.com/wisdark/ztnode/internal/engine"
	"github.com/wisdark/ztnode/internal/events"
)

// emit queues an event and counts it.
func (s *Service) emit(code events.Code, payload any) {
	before := s.queue.Dropped()
	s.queue.Emit(code, payload)
	if d := s.queue.Dropped(); d > before {
		s.met.EventsDropped.Add(float64(d - before))
		return
	}
	s.met.EventsEmitted.WithLabelValues(code.String()).Inc()
}

// generateEventMessages diffs observable state against the last pass and
// emits transition events. Ordering matters to subscribers, so nothing is
// reported until the node is online and able to say something coherent.
func (s *Service) generateEventMessages(eng engine.Engine) {
	if !eng.Online() {
		return
	}

	s.netsMu.Lock()
	for id, n := range s.nets {
		if n.config == nil || n.adapter == nil {
			continue
		}
		status := n.config.Status
		if status == n.lastStatus {
			continue
		}
		switch status {
		case engine.NetworkStatusNotFound:
			s.emit(events.NetworkNotFound, networkDetails(id, n))
		case engine.NetworkStatusClientTooOld:
			s.emit(events.NetworkClientTooOld, networkDetails(id, n))
		case engine.NetworkStatusRequestingConfiguration:
			s.emit(events.NetworkRequestingConfig, networkDetails(id, n))
		case engine.NetworkStatusOK:
			if n.adapter.HasIPv4() && n.adapter.Up() {
				s.emit(events.NetworkReadyIPv4, networkDetails(id, n))
			}
			if n.adapter.HasIPv6() && n.adapter.Up() {
				s.emit(events.NetworkReadyIPv6, networkDetails(id, n))
			}
			// The per-family READY events are supplemented by one OK.
			s.emit(events.NetworkOK, networkDetails(id, n))
		case engine.NetworkStatusAccessDenied:
			s.emit(events.NetworkAccessDenied, networkDetails(id, n))
		}
		n.lastStatus = status
	}
	s.netsMu.Unlock()

	peers := eng.Peers()
	direct := 0
	for i := range peers {
		p := &peers[i]
		count := len(p.Paths)
		if count > 0 {
			direct++
		}

		code := events.CodeNone
		prev, known := s.peerCache[p.Address]
		if !known {
			if count > 0 {
				code = events.PeerDirect
			} else {
				code = events.PeerRelay
			}
		} else {
			// Later checks deliberately override earlier ones: a peer
			// crossing zero paths reports DIRECT/RELAY, not a mere path
			// count change.
			if prev < count {
				code = events.PeerPathDiscovered
			}
			if prev > count {
				code = events.PeerPathDead
			}
			if prev == 0 && count > 0 {
				code = events.PeerDirect
			}
			if prev > 0 && count == 0 {
				code = events.PeerRelay
			}
		}
		if code != events.CodeNone {
			s.emit(code, &events.PeerDetails{Peer: p.Clone()})
		}
		// The cache always tracks the latest observation, event or not.
		s.peerCache[p.Address] = count
	}
	s.met.PeersKnown.Set(float64(len(peers)))
	s.met.PeersDirect.Set(float64(direct))
}
