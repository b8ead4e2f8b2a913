package p2p

import (
	"errors"
	"io"
	"net"

	"goledgernet/internal/node"
)

var (
	// ErrAcceptTerminated ends an Incoming sequence for good, the listener
	// is likely gone.
	ErrAcceptTerminated = errors.New("accept sequence terminated, listener likely gone")

	ErrAlreadyBound      = errors.New("transport is already bound")
	ErrTransportShutdown = errors.New("transport is shut down")
	ErrStreamAlreadyOpen = errors.New("stream id is already open")
	ErrConnectionClosed  = errors.New("connection is closed")
)

// BindInfo carries everything a transport needs to acquire its local
// network resources and present the local identity to remote nodes.
type BindInfo struct {
	Addr           string
	AdvertiseAddrs []string
	PublicKey      node.PublicKey
}

// ConnectInfo addresses a remote node for active establishment.
type ConnectInfo struct {
	Addr string
}

// Direction records which side initiated a connection.
type Direction byte

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// Connection is a single authenticated channel to one remote identity,
// capable of opening independent bidirectional byte streams. A Connection
// is exclusively owned by one peer for its entire lifetime.
type Connection interface {
	// OpenBidirectional allocates the logical stream for id. It fails if
	// the transport cannot multiplex or the id is already open.
	OpenBidirectional(id StreamId) (io.ReadCloser, io.WriteCloser, error)
	// Close terminates all streams and the underlying channel. Idempotent.
	Close() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	AdvertisedAddrs() []net.Addr
	PublicKey() node.PublicKey
}

// Endpoint actively dials remote addresses on behalf of a bound transport.
type Endpoint interface {
	Connect(info ConnectInfo) (Connection, error)
	ListenAddrs() []net.Addr
}

// Incoming is a lazy, non-restartable sequence of inbound connections.
// Next blocks until a connection or a failure arrives. A per-connection
// failure is returned without ending the sequence; an error wrapping
// ErrAcceptTerminated or ErrTransportShutdown ends it for good.
type Incoming interface {
	Next() (Connection, error)
}

// Transport acquires a local network identity and produces inbound
// connections. Implementations: TCPTransport, MemNetwork transports.
type Transport interface {
	Bind(info BindInfo) (Endpoint, Incoming, error)
	// Shutdown releases all bound resources. Idempotent.
	Shutdown() error
}
