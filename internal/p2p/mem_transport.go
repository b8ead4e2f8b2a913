package p2p

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"goledgernet/internal/node"
)

var ErrConnectionRefused = errors.New("connection refused")

// MemNetwork connects in-process transports by address. It implements the
// transport contract without sockets and backs the loopback tests.
type MemNetwork struct {
	mu         sync.Mutex
	transports map[string]*MemTransport
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{transports: make(map[string]*MemTransport)}
}

// Transport returns a fresh unbound transport attached to the network.
func (n *MemNetwork) Transport() *MemTransport {
	return &MemTransport{
		network:  n,
		acceptch: make(chan *memConnection, 64),
		closech:  make(chan struct{}),
	}
}

func (n *MemNetwork) lookup(addr string) (*MemTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.transports[addr]
	return t, ok
}

type MemTransport struct {
	network *MemNetwork

	mu    sync.Mutex
	info  BindInfo
	bound bool
	shut  bool

	acceptch  chan *memConnection
	closech   chan struct{}
	closeOnce sync.Once
}

func (t *MemTransport) Bind(info BindInfo) (Endpoint, Incoming, error) {
	const op = "p2p.MemTransport.Bind"
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrAlreadyBound)
	}
	// the info must be in place before the transport is published, a
	// concurrent dial reads it as soon as the lookup succeeds
	t.info = info
	t.network.mu.Lock()
	if _, ok := t.network.transports[info.Addr]; ok {
		t.network.mu.Unlock()
		t.info = BindInfo{}
		return nil, nil, fmt.Errorf("%s: address %s: %w", op, info.Addr, ErrAlreadyBound)
	}
	t.network.transports[info.Addr] = t
	t.network.mu.Unlock()

	t.bound = true
	return &memEndpoint{transport: t}, &memIncoming{transport: t}, nil
}

func (t *MemTransport) bindInfo() BindInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

func (t *MemTransport) Shutdown() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.shut = true
		addr := t.info.Addr
		t.mu.Unlock()
		t.network.mu.Lock()
		delete(t.network.transports, addr)
		t.network.mu.Unlock()
		close(t.closech)
	})
	return nil
}

type memIncoming struct {
	transport *MemTransport
}

func (in *memIncoming) Next() (Connection, error) {
	const op = "p2p.memIncoming.Next"
	select {
	case conn := <-in.transport.acceptch:
		return conn, nil
	case <-in.transport.closech:
		return nil, fmt.Errorf("%s: %w", op, ErrTransportShutdown)
	}
}

type memEndpoint struct {
	transport *MemTransport
}

func (e *memEndpoint) Connect(info ConnectInfo) (Connection, error) {
	const op = "p2p.memEndpoint.Connect"
	remote, ok := e.transport.network.lookup(info.Addr)
	if !ok {
		return nil, fmt.Errorf("%s: %s: %w", op, info.Addr, ErrConnectionRefused)
	}
	remoteInfo := remote.bindInfo()
	localInfo := e.transport.bindInfo()

	wire := newMemWire()
	local := &memConnection{
		wire:             wire,
		dialer:           true,
		localAddr:        memAddr(localInfo.Addr),
		remoteAddr:       memAddr(info.Addr),
		remoteKey:        remoteInfo.PublicKey,
		remoteAdvertised: memAddrs(remoteInfo.AdvertiseAddrs),
		opened:           make(map[StreamId]bool),
	}
	accepted := &memConnection{
		wire:             wire,
		dialer:           false,
		localAddr:        memAddr(info.Addr),
		remoteAddr:       memAddr(localInfo.Addr),
		remoteKey:        localInfo.PublicKey,
		remoteAdvertised: memAddrs(localInfo.AdvertiseAddrs),
		opened:           make(map[StreamId]bool),
	}
	select {
	case remote.acceptch <- accepted:
		return local, nil
	case <-remote.closech:
		return nil, fmt.Errorf("%s: %s: %w", op, info.Addr, ErrConnectionRefused)
	}
}

func (e *memEndpoint) ListenAddrs() []net.Addr {
	return []net.Addr{memAddr(e.transport.bindInfo().Addr)}
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

func memAddrs(addrs []string) []net.Addr {
	out := make([]net.Addr, len(addrs))
	for i, a := range addrs {
		out[i] = memAddr(a)
	}
	return out
}

// memWire is the shared medium between the two sides of one connection:
// a pair of in-memory pipes per logical stream, created lazily when either
// side opens the stream.
type memWire struct {
	mu      sync.Mutex
	closed  bool
	streams map[StreamId]*memWireStream
}

type memWireStream struct {
	d2lR *io.PipeReader // dialer writes, listener reads
	d2lW *io.PipeWriter
	l2dR *io.PipeReader // listener writes, dialer reads
	l2dW *io.PipeWriter
}

func newMemWire() *memWire {
	return &memWire{streams: make(map[StreamId]*memWireStream)}
}

func (w *memWire) stream(id StreamId) (*memWireStream, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrConnectionClosed
	}
	s, ok := w.streams[id]
	if !ok {
		s = &memWireStream{}
		s.d2lR, s.d2lW = io.Pipe()
		s.l2dR, s.l2dW = io.Pipe()
		w.streams[id] = s
	}
	return s, nil
}

func (w *memWire) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for _, s := range w.streams {
		// closing the writer ends gives both readers a clean EOF and
		// fails any later write with ErrClosedPipe
		s.d2lW.Close()
		s.l2dW.Close()
	}
}

type memConnection struct {
	wire             *memWire
	dialer           bool
	localAddr        memAddr
	remoteAddr       memAddr
	remoteKey        node.PublicKey
	remoteAdvertised []net.Addr

	mu     sync.Mutex
	closed bool
	opened map[StreamId]bool
}

func (c *memConnection) OpenBidirectional(id StreamId) (io.ReadCloser, io.WriteCloser, error) {
	const op = "p2p.memConnection.OpenBidirectional"
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrConnectionClosed)
	}
	if c.opened[id] {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrStreamAlreadyOpen)
	}
	s, err := c.wire.stream(id)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	c.opened[id] = true
	if c.dialer {
		return s.l2dR, s.d2lW, nil
	}
	return s.d2lR, s.l2dW, nil
}

func (c *memConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.wire.close()
	return nil
}

func (c *memConnection) LocalAddr() net.Addr         { return c.localAddr }
func (c *memConnection) RemoteAddr() net.Addr        { return c.remoteAddr }
func (c *memConnection) AdvertisedAddrs() []net.Addr { return c.remoteAdvertised }
func (c *memConnection) PublicKey() node.PublicKey   { return c.remoteKey }
