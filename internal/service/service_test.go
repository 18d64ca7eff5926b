package service

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisdark/ztnode/internal/binder"
	"github.com/wisdark/ztnode/internal/config"
	"github.com/wisdark/ztnode/internal/engine"
	"github.com/wisdark/ztnode/internal/events"
	"github.com/wisdark/ztnode/internal/socket"
)

type runResult struct {
	reason TerminationReason
	err    error
}

func startRun(t *testing.T, rig *testRig) <-chan runResult {
	t.Helper()
	done := make(chan runResult, 1)
	go func() {
		reason, err := rig.svc.Run(context.Background())
		done <- runResult{reason, err}
	}()
	return done
}

func waitRun(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
		return runResult{}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestRunAndTerminate(t *testing.T) {
	rig := newTestRig(t, nil)
	done := startRun(t, rig)

	waitFor(t, func() bool {
		rig.eng.mu.Lock()
		defer rig.eng.mu.Unlock()
		return rig.eng.bgCalls > 0
	})

	primary, secondary, _ := rig.svc.Ports()
	assert.Equal(t, uint16(29999), primary)
	assert.NotZero(t, secondary)

	rig.svc.Terminate()
	r := waitRun(t, done)
	assert.Equal(t, ReasonNormalTermination, r.reason)
	assert.NoError(t, r.err)

	rig.eng.mu.Lock()
	assert.True(t, rig.eng.closed)
	rig.eng.mu.Unlock()
}

func TestPortsReadableWhileStarting(t *testing.T) {
	rig := newTestRig(t, nil)

	// API handlers read the port set from their own goroutines while Run
	// is still selecting ports. Hammer the accessor through the whole
	// startup window; the race detector flags any unsynchronized access.
	stop := make(chan struct{})
	readers := make(chan struct{})
	go func() {
		defer close(readers)
		for {
			select {
			case <-stop:
				return
			default:
				rig.svc.Ports()
			}
		}
	}()

	done := startRun(t, rig)
	waitFor(t, func() bool {
		primary, _, _ := rig.svc.Ports()
		return primary == 29999
	})

	close(stop)
	<-readers
	rig.svc.Terminate()
	r := waitRun(t, done)
	assert.Equal(t, ReasonNormalTermination, r.reason)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan runResult, 1)
	go func() {
		reason, err := rig.svc.Run(ctx)
		done <- runResult{reason, err}
	}()
	waitFor(t, func() bool {
		rig.eng.mu.Lock()
		defer rig.eng.mu.Unlock()
		return rig.eng.bgCalls > 0
	})

	cancel()
	r := waitRun(t, done)
	assert.Equal(t, ReasonNormalTermination, r.reason)
	assert.NoError(t, r.err)
}

func TestUptimeGaugeTracksRun(t *testing.T) {
	rig := newTestRig(t, nil)
	done := startRun(t, rig)

	waitFor(t, func() bool {
		rig.eng.mu.Lock()
		defer rig.eng.mu.Unlock()
		return rig.eng.bgCalls > 0
	})
	waitFor(t, func() bool {
		return testutil.ToFloat64(rig.svc.met.Uptime) > 0
	})

	rig.svc.Terminate()
	r := waitRun(t, done)
	assert.Equal(t, ReasonNormalTermination, r.reason)
}

func TestRunPrimaryPortBindFailure(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.mux.mu.Lock()
	rig.mux.udpBlocked = true
	rig.mux.mu.Unlock()

	done := startRun(t, rig)
	r := waitRun(t, done)

	assert.Equal(t, ReasonUnrecoverableError, r.reason)
	require.Error(t, r.err)
	assert.ErrorContains(t, r.err, "port")
	assert.Equal(t, ReasonUnrecoverableError, rig.svc.ReasonForTermination())
}

func TestRunRefusesDoubleStart(t *testing.T) {
	rig := newTestRig(t, nil)
	done := startRun(t, rig)
	waitFor(t, func() bool {
		rig.eng.mu.Lock()
		defer rig.eng.mu.Unlock()
		return rig.eng.bgCalls > 0
	})

	reason, err := rig.svc.Run(context.Background())
	assert.Equal(t, ReasonStillRunning, reason)
	assert.Error(t, err)

	rig.svc.Terminate()
	waitRun(t, done)
}

func TestIdentityCollisionTerminatesRun(t *testing.T) {
	rig := newTestRig(t, nil)
	done := startRun(t, rig)
	waitFor(t, func() bool {
		rig.eng.mu.Lock()
		defer rig.eng.mu.Unlock()
		return rig.eng.bgCalls > 0
	})

	rig.svc.HandleEvent(engine.EventFatalIdentityCollision, nil)

	r := waitRun(t, done)
	assert.Equal(t, ReasonIdentityCollision, r.reason)
	require.Error(t, r.err)
	assert.ErrorContains(t, r.err, "collision")
}

func TestFatalBackgroundResultTerminatesRun(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.eng.mu.Lock()
	rig.eng.bgResult = engine.ResultFatalInternalError
	rig.eng.mu.Unlock()

	done := startRun(t, rig)
	r := waitRun(t, done)

	assert.Equal(t, ReasonUnrecoverableError, r.reason)
	require.Error(t, r.err)
}

func TestRejoinsCachedNetworks(t *testing.T) {
	rig := newTestRig(t, nil)

	dir := filepath.Join(rig.svc.cfg.Home, "networks.d")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a09acf0233e4b5c9.conf"), []byte{1}, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b19bdf1344f5c6da.conf"), []byte{1}, 0o600))
	// Local settings overrides and junk are not memberships.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a09acf0233e4b5c9.local.conf"), []byte{1}, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte{1}, 0o600))

	done := startRun(t, rig)
	waitFor(t, func() bool {
		rig.eng.mu.Lock()
		defer rig.eng.mu.Unlock()
		return len(rig.eng.joins) >= 2
	})

	rig.svc.Terminate()
	waitRun(t, done)

	rig.eng.mu.Lock()
	joins := append([]uint64(nil), rig.eng.joins...)
	rig.eng.mu.Unlock()
	assert.ElementsMatch(t, []uint64{0xa09acf0233e4b5c9, 0xb19bdf1344f5c6da}, joins)
}

func TestNoRejoinWhenCachingDisabled(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.NodeConfig) { cfg.NetworkCaching = false })

	dir := filepath.Join(rig.svc.cfg.Home, "networks.d")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a09acf0233e4b5c9.conf"), []byte{1}, 0o600))

	done := startRun(t, rig)
	waitFor(t, func() bool {
		rig.eng.mu.Lock()
		defer rig.eng.mu.Unlock()
		return rig.eng.bgCalls > 0
	})

	rig.svc.Terminate()
	waitRun(t, done)

	rig.eng.mu.Lock()
	assert.Empty(t, rig.eng.joins)
	rig.eng.mu.Unlock()
}

func TestWireSendPrefersPinnedSocket(t *testing.T) {
	rig := newTestRig(t, nil)

	sock, err := rig.mux.UDPBind(netip.MustParseAddrPort("192.168.1.10:29999"))
	require.NoError(t, err)
	dest := netip.MustParseAddrPort("203.0.113.7:9993")

	require.True(t, rig.svc.WireSend(sock.ID(), dest, []byte("hello"), 0))

	fs := sock.(*fakeSocket)
	rig.mux.mu.Lock()
	require.Len(t, fs.sends, 1)
	assert.Equal(t, []byte("hello"), fs.sends[0])
	assert.Equal(t, dest, fs.sendTo[0])
	rig.mux.mu.Unlock()
}

func TestWireSendFallsBackToFanOut(t *testing.T) {
	rig := newTestRig(t, nil)

	// Bind the physical interface so the binder has sockets to fan out on.
	rig.svc.setPorts(29999, 0, 0)
	rig.svc.refreshBindings()
	bound := rig.svc.bind.BoundLocalAddresses()
	require.NotEmpty(t, bound)

	dest := netip.MustParseAddrPort("203.0.113.7:9993")

	// A stale socket handle falls forward through every bound socket.
	assert.True(t, rig.svc.WireSend(999999, dest, []byte("x"), 0))
	// So does an unpinned send.
	assert.True(t, rig.svc.WireSend(0, dest, []byte("y"), 0))
	// A v6 destination has no matching bound socket on a v4-only host.
	assert.False(t, rig.svc.WireSend(0, netip.MustParseAddrPort("[2001:db8::1]:9993"), []byte("z"), 0))
}

func TestHandleDatagramTracksGlobalReceive(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.svc.engMu.Lock()
	rig.svc.eng = rig.eng
	rig.svc.engMu.Unlock()

	sock, err := rig.mux.UDPBind(netip.MustParseAddrPort("0.0.0.0:29999"))
	require.NoError(t, err)
	payload := make([]byte, 64)

	// Private source: processed, but not evidence of external reachability.
	rig.svc.handleDatagram(socket.Datagram{
		Socket: sock, From: netip.MustParseAddrPort("192.168.1.50:9993"), Data: payload,
	})
	assert.Zero(t, rig.svc.LastDirectReceiveFromGlobal())

	rig.svc.handleDatagram(socket.Datagram{
		Socket: sock, From: netip.MustParseAddrPort("203.0.113.50:9993"), Data: payload,
	})
	assert.NotZero(t, rig.svc.LastDirectReceiveFromGlobal())

	// Runt packets are fed through but never count as reachability proof.
	before := rig.svc.LastDirectReceiveFromGlobal()
	time.Sleep(2 * time.Millisecond)
	rig.svc.handleDatagram(socket.Datagram{
		Socket: sock, From: netip.MustParseAddrPort("203.0.113.50:9993"), Data: payload[:8],
	})
	assert.Equal(t, before, rig.svc.LastDirectReceiveFromGlobal())

	rig.eng.mu.Lock()
	assert.Equal(t, 3, rig.eng.wireCalls)
	rig.eng.mu.Unlock()
}

func TestMulticastSyncPushesDiffs(t *testing.T) {
	rig := newTestRig(t, nil)

	require.NoError(t, rig.svc.VirtualNetworkConfig(testNetworkID, engine.ConfigOperationUp,
		netConfig(engine.NetworkStatusOK, "10.147.17.5/24")))
	a := rig.fac.get(testNetworkID)

	joined := engine.MulticastGroup{MAC: 0xffffffffffff, ADI: 0}
	left := engine.MulticastGroup{MAC: 0x3333ff0a1b2c, ADI: 0}
	a.mu.Lock()
	a.scanAdded = []engine.MulticastGroup{joined}
	a.scanRemoved = []engine.MulticastGroup{left}
	a.mu.Unlock()

	rig.svc.syncMulticastGroups(rig.eng)

	rig.eng.mu.Lock()
	assert.Equal(t, []engine.MulticastGroup{joined}, rig.eng.subs)
	assert.Equal(t, []engine.MulticastGroup{left}, rig.eng.unsubs)
	rig.eng.mu.Unlock()

	// The scan is a diff: a second pass with no changes pushes nothing.
	rig.svc.syncMulticastGroups(rig.eng)
	rig.eng.mu.Lock()
	assert.Len(t, rig.eng.subs, 1)
	assert.Len(t, rig.eng.unsubs, 1)
	rig.eng.mu.Unlock()
}

func TestSyncLocalInterfaceAddresses(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.svc.setPorts(29999, 0, 0)
	rig.svc.refreshBindings()
	rig.svc.syncLocalInterfaceAddresses(rig.eng)

	rig.eng.mu.Lock()
	defer rig.eng.mu.Unlock()
	assert.Equal(t, 1, rig.eng.clears)
	assert.Contains(t, rig.eng.localAddrs, netip.MustParseAddrPort("192.168.1.10:29999"))
}

func TestPortMapperWiredToTertiaryPort(t *testing.T) {
	mapper := &fakeMapper{
		external: []netip.AddrPort{netip.MustParseAddrPort("198.51.100.9:41234")},
	}

	cfg := config.DefaultNodeConfig()
	cfg.Home = t.TempDir()
	cfg.PrimaryPort = 29999
	cfg.API.Enabled = false

	eng := newFakeEngine(0xdeadbeef01)
	mux := newFakeMux()
	fac := newFakeAdapterFactory()
	svc, err := New(&cfg, eng.factory(), Options{
		Multiplexer:    mux,
		AdapterFactory: fac.factory(),
		PortMapper:     mapper,
		InterfaceLister: func() ([]binder.NetInterface, error) {
			return []binder.NetInterface{
				{Name: "eth0", Addrs: []netip.Addr{netip.MustParseAddr("192.168.1.10")}},
			}, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	done := make(chan runResult, 1)
	go func() {
		reason, err := svc.Run(context.Background())
		done <- runResult{reason, err}
	}()
	waitFor(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return eng.bgCalls > 0
	})

	_, _, tertiary := svc.Ports()
	require.NotZero(t, tertiary)
	mapper.mu.Lock()
	assert.Equal(t, tertiary, mapper.localPort)
	mapper.mu.Unlock()

	// The mapped endpoint rides along with the bound local addresses.
	svc.syncLocalInterfaceAddresses(eng)
	eng.mu.Lock()
	assert.Contains(t, eng.localAddrs, netip.MustParseAddrPort("198.51.100.9:41234"))
	eng.mu.Unlock()

	svc.Terminate()
	waitRun(t, done)
	mapper.mu.Lock()
	assert.True(t, mapper.closed)
	mapper.mu.Unlock()
}

func TestJoinLeaveRequireRunningEngine(t *testing.T) {
	rig := newTestRig(t, nil)

	assert.ErrorIs(t, rig.svc.Join(testNetworkID), ErrNotRunning)
	assert.ErrorIs(t, rig.svc.Leave(testNetworkID), ErrNotRunning)
	assert.Zero(t, rig.svc.Address())
	assert.Nil(t, rig.svc.Peers())

	rig.svc.engMu.Lock()
	rig.svc.eng = rig.eng
	rig.svc.engMu.Unlock()

	require.NoError(t, rig.svc.Join(testNetworkID))
	require.NoError(t, rig.svc.Leave(testNetworkID))
	assert.Equal(t, uint64(0xdeadbeef01), rig.svc.Address())

	rig.eng.mu.Lock()
	assert.Equal(t, []uint64{testNetworkID}, rig.eng.joins)
	assert.Equal(t, []uint64{testNetworkID}, rig.eng.leaves)
	rig.eng.mu.Unlock()
}

func TestOnlineOfflineEvents(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.svc.engMu.Lock()
	rig.svc.eng = rig.eng
	rig.svc.engMu.Unlock()

	rig.svc.HandleEvent(engine.EventOnline, nil)
	assert.True(t, rig.svc.Online())
	rig.svc.HandleEvent(engine.EventOffline, nil)
	assert.False(t, rig.svc.Online())

	codes := filterCodes(rig.drainCodes(), map[events.Code]bool{
		events.NodeOnline: true, events.NodeOffline: true,
	})
	assert.Equal(t, []events.Code{events.NodeOnline, events.NodeOffline}, codes)
}

func TestIsGlobalScope(t *testing.T) {
	assert.True(t, isGlobalScope(netip.MustParseAddr("203.0.113.1")))
	assert.True(t, isGlobalScope(netip.MustParseAddr("2001:db8::1")))
	assert.False(t, isGlobalScope(netip.MustParseAddr("10.0.0.1")))
	assert.False(t, isGlobalScope(netip.MustParseAddr("192.168.1.1")))
	assert.False(t, isGlobalScope(netip.MustParseAddr("127.0.0.1")))
	assert.False(t, isGlobalScope(netip.MustParseAddr("169.254.10.10")))
	assert.False(t, isGlobalScope(netip.MustParseAddr("fe80::1")))
	assert.False(t, isGlobalScope(netip.MustParseAddr("ff02::1")))
}

func TestTerminationReasonStrings(t *testing.T) {
	assert.Equal(t, "still running", ReasonStillRunning.String())
	assert.Equal(t, "normal termination", ReasonNormalTermination.String())
	assert.Equal(t, "unrecoverable error", ReasonUnrecoverableError.String())
	assert.Equal(t, "identity collision", ReasonIdentityCollision.String())
}
