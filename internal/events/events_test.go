package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []Code

	q := NewQueue(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Code)
		mu.Unlock()
	}, 16)

	q.Emit(NodeUp, nil)
	q.Emit(NodeOnline, &NodeDetails{Address: 0xdeadbeef01})
	q.Emit(NetworkOK, &NetworkDetails{NetworkID: 1})
	q.Close()

	assert.Equal(t, []Code{NodeUp, NodeOnline, NetworkOK}, got)
}

func TestQueuePayloadReachesHandler(t *testing.T) {
	ch := make(chan Event, 1)
	q := NewQueue(func(ev Event) { ch <- ev }, 16)
	defer q.Close()

	q.Emit(NodeOnline, &NodeDetails{Address: 0xdeadbeef01, PrimaryPort: 9993})

	select {
	case ev := <-ch:
		nd, ok := ev.Payload.(*NodeDetails)
		require.True(t, ok)
		assert.Equal(t, uint64(0xdeadbeef01), nd.Address)
		assert.Equal(t, uint16(9993), nd.PrimaryPort)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestQueueOverflowDropsWithoutBlocking(t *testing.T) {
	block := make(chan struct{})
	q := NewQueue(func(ev Event) { <-block }, 1)

	// One in flight with the handler, one buffered, the rest shed.
	for i := 0; i < 10; i++ {
		q.Emit(NodeUp, nil)
	}

	assert.Positive(t, q.Dropped())
	close(block)
	q.Close()
}

func TestQueueCloseIsIdempotent(t *testing.T) {
	q := NewQueue(nil, 4)
	q.Emit(NodeUp, nil)
	q.Close()
	q.Close()
}

func TestCodeStrings(t *testing.T) {
	// Every code names itself; none fall through to "none".
	codes := []Code{
		NodeUp, NodeOnline, NodeOffline, NodeDown,
		NodeIdentityCollision, NodeUnrecoverableError, NodeNormalTermination,
		NetworkNotFound, NetworkClientTooOld, NetworkRequestingConfig,
		NetworkOK, NetworkAccessDenied, NetworkReadyIPv4, NetworkReadyIPv6,
		NetworkDown, NetworkUpdate,
		PeerDirect, PeerRelay, PeerPathDiscovered, PeerPathDead,
		AddrAddedIPv4, AddrRemovedIPv4, AddrAddedIPv6, AddrRemovedIPv6,
	}
	seen := make(map[string]bool)
	for _, c := range codes {
		s := c.String()
		assert.NotEqual(t, "none", s)
		assert.False(t, seen[s], "duplicate name %q", s)
		seen[s] = true
	}
}
