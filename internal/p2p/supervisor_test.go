package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goledgernet/internal/node"
)

type testNode struct {
	sup    *Supervisor
	id     node.Id
	events <-chan Event
}

func startNode(t *testing.T, network *MemNetwork, addr string, tweak func(*SupervisorOpts)) *testNode {
	t.Helper()
	pub, _, err := node.GenerateKey()
	require.Nil(t, err)
	opts := SupervisorOpts{
		Transport: network.Transport(),
		BindInfo:  BindInfo{Addr: addr, PublicKey: pub},
		StreamIds: []StreamId{StreamConsensus, StreamBlockSync},
		Log:       testLogger(),
	}
	if tweak != nil {
		tweak(&opts)
	}
	sup := NewSupervisor(opts)
	require.Nil(t, sup.Run())
	t.Cleanup(sup.Stop)

	events := make(chan Event, 64)
	go func() {
		for {
			ev, err := sup.Recv()
			if err != nil {
				return
			}
			events <- ev
		}
	}()
	return &testNode{sup: sup, id: node.IdFromPublicKey(pub), events: events}
}

func (n *testNode) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-n.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (n *testNode) quiet(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-n.events:
		t.Fatalf("expected no event, got %#v", ev)
	case <-time.After(wait):
	}
}

// An idle supervisor produces nothing; a Connect command produces the
// outbound Connected event.
func TestSupervisorConnect(t *testing.T) {
	network := NewMemNetwork()
	a := startNode(t, network, "a", nil)
	b := startNode(t, network, "b", nil)

	a.quiet(t, 100*time.Millisecond)

	require.Nil(t, a.sup.Command(Connect{Addr: "b"}))

	connected, ok := a.next(t).(Connected)
	require.True(t, ok, "expected Connected first")
	assert.Equal(t, b.id, connected.Id)
	assert.Equal(t, DirectionOutbound, connected.Direction)
	upgraded, ok := a.next(t).(Upgraded)
	require.True(t, ok)
	assert.Equal(t, b.id, upgraded.Id)

	// the inbound side observes the same session
	connectedB, ok := b.next(t).(Connected)
	require.True(t, ok)
	assert.Equal(t, a.id, connectedB.Id)
	assert.Equal(t, DirectionInbound, connectedB.Direction)
	require.IsType(t, Upgraded{}, b.next(t))
}

// Per identity the event order is Connected, Upgraded, messages, then one
// Disconnected.
func TestSupervisorEventOrder(t *testing.T) {
	network := NewMemNetwork()
	a := startNode(t, network, "a", nil)
	b := startNode(t, network, "b", nil)

	require.Nil(t, a.sup.Command(Connect{Addr: "b"}))
	require.IsType(t, Connected{}, a.next(t))
	require.IsType(t, Upgraded{}, a.next(t))
	require.IsType(t, Connected{}, b.next(t))
	require.IsType(t, Upgraded{}, b.next(t))

	require.Nil(t, a.sup.Command(Msg{Id: b.id, Message: Message{Stream: StreamConsensus, Payload: []byte("m1")}}))
	require.Nil(t, a.sup.Command(Msg{Id: b.id, Message: Message{Stream: StreamConsensus, Payload: []byte("m2")}}))

	first, ok := b.next(t).(Received)
	require.True(t, ok)
	assert.Equal(t, a.id, first.Id)
	assert.Equal(t, StreamConsensus, first.Message.Stream)
	assert.Equal(t, []byte("m1"), first.Message.Payload)
	second, ok := b.next(t).(Received)
	require.True(t, ok)
	assert.Equal(t, []byte("m2"), second.Message.Payload)

	require.Nil(t, a.sup.Command(Disconnect{Id: b.id}))
	disconnectedA, ok := a.next(t).(Disconnected)
	require.True(t, ok)
	assert.Equal(t, b.id, disconnectedA.Id)
	assert.Equal(t, ReasonLocal, disconnectedA.Report.Reason)

	disconnectedB, ok := b.next(t).(Disconnected)
	require.True(t, ok)
	assert.Equal(t, a.id, disconnectedB.Id)
	assert.Equal(t, ReasonGraceful, disconnectedB.Report.Reason)

	// a second disconnect for an id that is gone emits nothing
	require.Nil(t, a.sup.Command(Disconnect{Id: b.id}))
	a.quiet(t, 200*time.Millisecond)
}

// Disconnecting an identity that never connected succeeds and is silent.
func TestSupervisorDisconnectUnknown(t *testing.T) {
	network := NewMemNetwork()
	a := startNode(t, network, "a", nil)

	require.Nil(t, a.sup.Command(Disconnect{Id: node.Id("feedface")}))
	a.quiet(t, 200*time.Millisecond)
}

func TestSupervisorManualAccept(t *testing.T) {
	network := NewMemNetwork()
	a := startNode(t, network, "a", nil)
	b := startNode(t, network, "b", func(opts *SupervisorOpts) {
		opts.ManualAccept = true
	})

	require.Nil(t, a.sup.Command(Connect{Addr: "b"}))
	require.IsType(t, Connected{}, a.next(t))
	require.IsType(t, Upgraded{}, a.next(t))

	// nothing is admitted until an accept credit is granted
	b.quiet(t, 200*time.Millisecond)

	require.Nil(t, b.sup.Command(Accept{}))
	connected, ok := b.next(t).(Connected)
	require.True(t, ok)
	assert.Equal(t, a.id, connected.Id)
	require.IsType(t, Upgraded{}, b.next(t))
}

// A supervisor whose event queue holds nothing and is never consumed
// rejects inbound connections instead of buffering them without bound.
func TestSupervisorBackpressure(t *testing.T) {
	network := NewMemNetwork()
	a := startNode(t, network, "a", nil)

	pub, _, err := node.GenerateKey()
	require.Nil(t, err)
	deaf := NewSupervisor(SupervisorOpts{
		Transport:    network.Transport(),
		BindInfo:     BindInfo{Addr: "b", PublicKey: pub},
		EventBacklog: -1,
		Log:          testLogger(),
	})
	require.Nil(t, deaf.Run())
	t.Cleanup(deaf.Stop)

	require.Nil(t, a.sup.Command(Connect{Addr: "b"}))
	require.IsType(t, Connected{}, a.next(t))

	// the rejected connection is closed under a's feet: depending on how
	// far the upgrade got, a reports UpgradeFailed or a short-lived peer
	switch ev := a.next(t).(type) {
	case Upgraded:
		disconnected, ok := a.next(t).(Disconnected)
		require.True(t, ok)
		assert.Equal(t, ReasonGraceful, disconnected.Report.Reason)
	case UpgradeFailed:
	default:
		t.Fatalf("unexpected event %#v", ev)
	}
}

func TestSupervisorMessageToUnknownPeer(t *testing.T) {
	network := NewMemNetwork()
	a := startNode(t, network, "a", nil)

	require.Nil(t, a.sup.Command(Msg{Id: node.Id("feedface"), Message: Message{Stream: StreamConsensus}}))
	a.quiet(t, 200*time.Millisecond)
}

func TestSupervisorClosed(t *testing.T) {
	network := NewMemNetwork()
	a := startNode(t, network, "a", nil)

	a.sup.Stop()
	require.ErrorIs(t, a.sup.Command(Accept{}), ErrSupervisorClosed)
}
