package p2p

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"goledgernet/internal/encrypt"
	"goledgernet/internal/node"
)

var ErrBadHandshake = errors.New("malformed identity handshake")

const (
	handshakeTimeout = 5 * time.Second
	dialTimeout      = 10 * time.Second

	// wire frames may carry the AES-CTR IV on top of the codec frame
	maxWireFrame = DefaultMaxFrameSize + 64

	streamInboxSize  = 128
	pendingFrameSize = 32
)

type TCPTransportOpts struct {
	// EncKey enables AES-CTR sealing of every wire frame with a shared
	// network key. Empty means plaintext frames.
	EncKey []byte
	Log    *slog.Logger
}

// TCPTransport implements the Transport contract over one TCP connection
// per remote node. Logical streams are multiplexed as frames of
// [stream id byte][4 byte length][payload].
type TCPTransport struct {
	TCPTransportOpts

	mu       sync.Mutex
	listener net.Listener
	bound    bool
	shut     bool
}

func NewTCPTransport(opts TCPTransportOpts) *TCPTransport {
	return &TCPTransport{TCPTransportOpts: opts}
}

func (t *TCPTransport) Bind(info BindInfo) (Endpoint, Incoming, error) {
	const op = "p2p.TCPTransport.Bind"
	log := t.Log.With(slog.String("op", op))
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrAlreadyBound)
	}
	ln, err := net.Listen("tcp", info.Addr)
	if err != nil {
		log.Error("got error", slog.String("error", err.Error()))
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	t.listener = ln
	t.bound = true
	log.Info("TCP transport listening on", slog.String("addr", ln.Addr().String()))
	return &tcpEndpoint{transport: t, info: info}, &tcpIncoming{transport: t, info: info}, nil
}

func (t *TCPTransport) Shutdown() error {
	const op = "p2p.TCPTransport.Shutdown"
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shut || t.listener == nil {
		t.shut = true
		return nil
	}
	t.shut = true
	if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

type tcpIncoming struct {
	transport *TCPTransport
	info      BindInfo
}

func (in *tcpIncoming) Next() (Connection, error) {
	const op = "p2p.tcpIncoming.Next"
	in.transport.mu.Lock()
	ln, shut := in.transport.listener, in.transport.shut
	in.transport.mu.Unlock()
	if shut || ln == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrTransportShutdown)
	}
	conn, err := ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, fmt.Errorf("%s: %w", op, ErrAcceptTerminated)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c, err := newTCPConnection(conn, in.info, in.transport.EncKey, in.transport.Log)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

type tcpEndpoint struct {
	transport *TCPTransport
	info      BindInfo
}

func (e *tcpEndpoint) Connect(info ConnectInfo) (Connection, error) {
	const op = "p2p.tcpEndpoint.Connect"
	conn, err := net.DialTimeout("tcp", info.Addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c, err := newTCPConnection(conn, e.info, e.transport.EncKey, e.transport.Log)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

func (e *tcpEndpoint) ListenAddrs() []net.Addr {
	e.transport.mu.Lock()
	defer e.transport.mu.Unlock()
	if e.transport.listener == nil {
		return nil
	}
	return []net.Addr{e.transport.listener.Addr()}
}

type tcpStream struct {
	id StreamId
	pr *io.PipeReader
	pw *io.PipeWriter
	// inbox keeps the demux loop decoupled from the pipe reader; a
	// dedicated goroutine drains it into the pipe in arrival order.
	inbox chan []byte
}

// pump moves inbox frames into the stream pipe. Once the pipe breaks it
// keeps draining so the demux loop never blocks on a dead stream.
func (s *tcpStream) pump() {
	dead := false
	for buf := range s.inbox {
		if dead {
			continue
		}
		if _, err := s.pw.Write(buf); err != nil {
			dead = true
		}
	}
}

type tcpStreamWriter struct {
	conn *tcpConnection
	id   StreamId
}

func (w *tcpStreamWriter) Write(p []byte) (int, error) {
	return w.conn.writeFrame(w.id, p)
}

func (w *tcpStreamWriter) Close() error { return nil }

// tcpConnection is one authenticated TCP channel. The identity handshake
// exchanges ed25519 public keys and advertised addresses before any frame
// flows.
type tcpConnection struct {
	conn   net.Conn
	encKey []byte
	log    *slog.Logger

	remoteKey        node.PublicKey
	remoteAdvertised []net.Addr

	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	streams map[StreamId]*tcpStream
	pending map[StreamId][][]byte

	closeOnce sync.Once
	closeErr  error
	downOnce  sync.Once
}

func newTCPConnection(conn net.Conn, info BindInfo, encKey []byte, log *slog.Logger) (*tcpConnection, error) {
	c := &tcpConnection{
		conn:    conn,
		encKey:  encKey,
		log:     log,
		streams: make(map[StreamId]*tcpStream),
		pending: make(map[StreamId][][]byte),
	}
	if err := c.handshake(info); err != nil {
		return nil, err
	}
	go c.demuxLoop()
	return c, nil
}

// handshake frame: [32 byte public key][1 byte addr count][per addr: 2 byte
// length + address]. Both sides write first, then read.
func (c *tcpConnection) handshake(info BindInfo) error {
	const op = "p2p.tcpConnection.handshake"
	c.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.conn.SetDeadline(time.Time{})

	if len(info.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%s: %w", op, ErrBadHandshake)
	}
	if len(info.AdvertiseAddrs) > 255 {
		return fmt.Errorf("%s: %w", op, ErrBadHandshake)
	}
	out := make([]byte, 0, ed25519.PublicKeySize+1)
	out = append(out, info.PublicKey...)
	out = append(out, byte(len(info.AdvertiseAddrs)))
	for _, addr := range info.AdvertiseAddrs {
		out = binary.BigEndian.AppendUint16(out, uint16(len(addr)))
		out = append(out, addr...)
	}
	if _, err := c.conn.Write(out); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	key := make([]byte, ed25519.PublicKeySize)
	if _, err := io.ReadFull(c.conn, key); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	var count [1]byte
	if _, err := io.ReadFull(c.conn, count[:]); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	addrs := make([]net.Addr, 0, count[0])
	for i := 0; i < int(count[0]); i++ {
		var size [2]byte
		if _, err := io.ReadFull(c.conn, size[:]); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		raw := make([]byte, binary.BigEndian.Uint16(size[:]))
		if _, err := io.ReadFull(c.conn, raw); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		addr, err := net.ResolveTCPAddr("tcp", string(raw))
		if err != nil {
			return fmt.Errorf("%s: %w", op, ErrBadHandshake)
		}
		addrs = append(addrs, addr)
	}
	c.remoteKey = node.PublicKey(key)
	c.remoteAdvertised = addrs
	return nil
}

func (c *tcpConnection) OpenBidirectional(id StreamId) (io.ReadCloser, io.WriteCloser, error) {
	const op = "p2p.tcpConnection.OpenBidirectional"
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrConnectionClosed)
	}
	if _, ok := c.streams[id]; ok {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrStreamAlreadyOpen)
	}
	pr, pw := io.Pipe()
	s := &tcpStream{id: id, pr: pr, pw: pw, inbox: make(chan []byte, streamInboxSize)}
	// frames that arrived before the stream was opened keep their order
	for _, buf := range c.pending[id] {
		s.inbox <- buf
	}
	delete(c.pending, id)
	c.streams[id] = s
	go s.pump()
	return pr, &tcpStreamWriter{conn: c, id: id}, nil
}

func (c *tcpConnection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		streams := make([]*tcpStream, 0, len(c.streams))
		for _, s := range c.streams {
			streams = append(streams, s)
		}
		c.mu.Unlock()
		// breaking the read side fails the pump's pipe writes, so it
		// drains the inbox and a demux loop blocked on a full inbox
		// gets free to observe the socket close
		for _, s := range streams {
			s.pr.CloseWithError(ErrConnectionClosed)
		}
		c.closeErr = c.conn.Close()
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}

func (c *tcpConnection) LocalAddr() net.Addr         { return c.conn.LocalAddr() }
func (c *tcpConnection) RemoteAddr() net.Addr        { return c.conn.RemoteAddr() }
func (c *tcpConnection) AdvertisedAddrs() []net.Addr { return c.remoteAdvertised }
func (c *tcpConnection) PublicKey() node.PublicKey   { return c.remoteKey }

func (c *tcpConnection) writeFrame(id StreamId, p []byte) (int, error) {
	const op = "p2p.tcpConnection.writeFrame"
	payload := p
	if len(c.encKey) > 0 {
		sealed, err := encrypt.Seal(c.encKey, p)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
		payload = sealed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var header [5]byte
	header[0] = byte(id)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := c.conn.Write(header[:]); err != nil {
		return 0, err
	}
	if _, err := c.conn.Write(payload); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *tcpConnection) demuxLoop() {
	err := c.demux()
	c.teardown(err)
}

func (c *tcpConnection) demux() error {
	const op = "p2p.tcpConnection.demux"
	log := c.log.With(slog.String("op", op))
	for {
		var header [5]byte
		if _, err := io.ReadFull(c.conn, header[:]); err != nil {
			return err
		}
		id := StreamId(header[0])
		size := binary.BigEndian.Uint32(header[1:])
		if size > maxWireFrame {
			return ErrFrameTooLarge
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(c.conn, buf); err != nil {
			return err
		}
		if len(c.encKey) > 0 {
			opened, err := encrypt.Open(c.encKey, buf)
			if err != nil {
				return err
			}
			buf = opened
		}

		c.mu.Lock()
		s := c.streams[id]
		if s == nil {
			if len(c.pending[id]) < pendingFrameSize {
				c.pending[id] = append(c.pending[id], buf)
			} else {
				log.Warn("frame for unopened stream dropped", slog.String("stream", id.String()))
			}
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()
		s.inbox <- buf
	}
}

// teardown runs once, after the demux loop has exited: every stream pipe is
// broken with the terminating error and the socket is closed.
func (c *tcpConnection) teardown(err error) {
	c.downOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		streams := make([]*tcpStream, 0, len(c.streams))
		for _, s := range c.streams {
			streams = append(streams, s)
		}
		c.mu.Unlock()
		for _, s := range streams {
			s.pw.CloseWithError(err)
			close(s.inbox)
		}
		c.conn.Close()
	})
}
