package engine

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultCodeFatal(t *testing.T) {
	assert.False(t, ResultOK.Fatal())
	assert.False(t, ResultErrorNetworkNotJoined.Fatal())
	assert.False(t, ResultErrorBadParameter.Fatal())
	assert.True(t, ResultFatalOutOfMemory.Fatal())
	assert.True(t, ResultFatalDataStoreFailed.Fatal())
	assert.True(t, ResultFatalInternalError.Fatal())
}

func TestResultCodeErr(t *testing.T) {
	assert.NoError(t, ResultOK.Err())
	assert.EqualError(t, ResultErrorNetworkNotJoined.Err(), "engine: network not joined")
}

func TestNetworkConfigCloneIsDeep(t *testing.T) {
	cfg := &NetworkConfig{
		ID:                1,
		AssignedAddresses: []netip.Prefix{netip.MustParsePrefix("10.0.0.1/24")},
		Routes:            []Route{{Target: netip.MustParsePrefix("10.0.0.0/24")}},
	}
	cloned := cfg.Clone()
	cfg.AssignedAddresses[0] = netip.MustParsePrefix("10.9.9.9/24")
	cfg.Routes[0].Metric = 99

	assert.Equal(t, netip.MustParsePrefix("10.0.0.1/24"), cloned.AssignedAddresses[0])
	assert.Zero(t, cloned.Routes[0].Metric)
}

func TestPeerInfoCloneIsDeep(t *testing.T) {
	p := &PeerInfo{
		Address: 1,
		Paths:   []PeerPath{{LastSend: 7}},
	}
	cloned := p.Clone()
	p.Paths[0].LastSend = 8
	assert.Equal(t, int64(7), cloned.Paths[0].LastSend)
}

func TestNewEngineWithoutRegistration(t *testing.T) {
	_, err := NewEngine(nil, 0)
	assert.Error(t, err)
}
