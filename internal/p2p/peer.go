package p2p

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"goledgernet/internal/node"
)

// The peer lifecycle is encoded in the type of the value: PeerConnected
// holds an established Connection that is not multiplexing yet, PeerRunning
// multiplexes and exposes Send/Receive, PeerStopped confirms teardown.
// Each transition consumes the prior value and returns the next one, so a
// send before Run or after Stop does not type-check. Go cannot make the old
// handle unusable after a transition, so a consumed flag guards against a
// stale handle transitioning twice.

const (
	inboundBacklog = 64
	drainTimeout   = time.Second
)

// PeerConnected wraps one established Connection before multiplexing starts.
type PeerConnected struct {
	id        node.Id
	conn      Connection
	direction Direction
	log       *slog.Logger

	consumed atomic.Bool
}

func NewPeer(conn Connection, direction Direction, log *slog.Logger) *PeerConnected {
	return &PeerConnected{
		id:        node.IdFromPublicKey(conn.PublicKey()),
		conn:      conn,
		direction: direction,
		log:       log,
	}
}

func (p *PeerConnected) Id() node.Id          { return p.id }
func (p *PeerConnected) Direction() Direction { return p.direction }

// Run consumes the peer: it opens one bidirectional stream per requested id
// and starts the multiplexing workers. On any stream failure the already
// opened streams and the Connection are closed, so no partially running
// peer ever exists.
func (p *PeerConnected) Run(streamIds []StreamId) (*PeerRunning, error) {
	const op = "p2p.PeerConnected.Run"
	if !p.consumed.CompareAndSwap(false, true) {
		return nil, ErrPeerConsumed
	}
	log := p.log.With(slog.String("op", op), slog.String("peer", p.id.String()))

	streams := make(map[StreamId]*peerStream, len(streamIds))
	for _, sid := range streamIds {
		r, w, err := p.conn.OpenBidirectional(sid)
		if err != nil {
			for _, s := range streams {
				s.r.Close()
				s.w.Close()
			}
			p.conn.Close()
			log.Error("stream setup failed", slog.String("stream", sid.String()), slog.String("error", err.Error()))
			return nil, &StreamSetupError{Stream: sid, Err: err}
		}
		streams[sid] = &peerStream{id: sid, r: r, w: w}
	}

	run := &PeerRunning{
		id:        p.id,
		conn:      p.conn,
		direction: p.direction,
		log:       p.log,
		codec:     LengthPrefixCodec{},
		streams:   streams,
		inbound:   make(chan Message, inboundBacklog),
		outbound:  make(chan sendRequest),
		stopch:    make(chan struct{}),
		donech:    make(chan struct{}),
	}
	go run.writeLoop()
	run.readers.Add(len(streams))
	for _, s := range streams {
		go run.readLoop(s)
	}
	go func() {
		run.readers.Wait()
		close(run.inbound)
	}()
	log.Info("peer is running", slog.Int("streams", len(streams)))
	return run, nil
}

// Stop consumes the peer without it ever having multiplexed: the Connection
// is closed and a terminal value is returned. A close error is reported in
// the result but never blocks teardown.
func (p *PeerConnected) Stop() *PeerStopped {
	if !p.consumed.CompareAndSwap(false, true) {
		return &PeerStopped{id: p.id, report: Report{Reason: ReasonLocal}}
	}
	err := p.conn.Close()
	return &PeerStopped{id: p.id, report: Report{Reason: ReasonLocal}, closeErr: err}
}

type peerStream struct {
	id StreamId
	r  io.ReadCloser
	w  io.WriteCloser
}

type sendRequest struct {
	msg   Message
	errch chan error
}

// PeerRunning multiplexes application messages over its Connection. One
// writer goroutine serializes sends across streams; one reader goroutine per
// stream feeds the single inbound queue, so arrival order is preserved per
// stream and unspecified across streams.
type PeerRunning struct {
	id        node.Id
	conn      Connection
	direction Direction
	log       *slog.Logger
	codec     Codec

	streams  map[StreamId]*peerStream
	inbound  chan Message
	outbound chan sendRequest
	stopch   chan struct{}
	donech   chan struct{}
	readers  sync.WaitGroup

	failMu  sync.Mutex
	failErr error

	stopOnce sync.Once
	stopped  *PeerStopped
}

func (p *PeerRunning) Id() node.Id          { return p.id }
func (p *PeerRunning) Direction() Direction { return p.direction }

// Send hands the message to the outbound path, routed by its stream. It
// returns once the write is accepted, not once it is delivered. A SendError
// means the peer is gone; the caller must not retry on this handle.
func (p *PeerRunning) Send(msg Message) error {
	if _, ok := p.streams[msg.Stream]; !ok {
		return &SendError{Stream: msg.Stream, Err: ErrUnknownStream}
	}
	req := sendRequest{msg: msg, errch: make(chan error, 1)}
	select {
	case p.outbound <- req:
	case <-p.stopch:
		return &SendError{Stream: msg.Stream, Err: ErrPeerStopping}
	}
	// the write loop always answers a request it accepted
	if err := <-req.errch; err != nil {
		return &SendError{Stream: msg.Stream, Err: err}
	}
	return nil
}

// Receive is the FIFO handle for inbound messages. The channel is closed
// once the multiplexing workers are gone, whether by Stop or by connection
// failure.
func (p *PeerRunning) Receive() <-chan Message {
	return p.inbound
}

// Stop signals the workers to drain, closes the Connection and returns the
// terminal state. Safe to call more than once; later calls return the same
// value.
func (p *PeerRunning) Stop() *PeerStopped {
	const op = "p2p.PeerRunning.Stop"
	p.stopOnce.Do(func() {
		close(p.stopch)
		// let an in-flight write drain, but a remote that stopped
		// reading must not wedge teardown
		select {
		case <-p.donech:
		case <-time.After(drainTimeout):
		}
		closeErr := p.conn.Close()
		<-p.donech
		p.readers.Wait()

		report := Report{Reason: ReasonLocal}
		if err := p.failure(); err != nil {
			report = reportFor(err)
		}
		if closeErr != nil {
			p.log.With(slog.String("op", op)).Warn("connection close failed",
				slog.String("peer", p.id.String()), slog.String("error", closeErr.Error()))
		}
		p.stopped = &PeerStopped{id: p.id, report: report, closeErr: closeErr}
	})
	return p.stopped
}

func (p *PeerRunning) writeLoop() {
	defer close(p.donech)
	for {
		select {
		case <-p.stopch:
			// answer senders racing with shutdown
			for {
				select {
				case req := <-p.outbound:
					req.errch <- ErrPeerStopping
				default:
					return
				}
			}
		case req := <-p.outbound:
			s := p.streams[req.msg.Stream]
			err := p.codec.Encode(s.w, req.msg.Payload)
			if err != nil {
				select {
				case <-p.stopch:
					// write failed because teardown closed the
					// connection underneath it
				default:
					p.recordFailure(err)
				}
			}
			req.errch <- err
		}
	}
}

func (p *PeerRunning) readLoop(s *peerStream) {
	defer p.readers.Done()
	for {
		payload, err := p.codec.Decode(s.r)
		if err != nil {
			select {
			case <-p.stopch:
			default:
				p.recordFailure(err)
			}
			return
		}
		select {
		case p.inbound <- Message{Stream: s.id, Payload: payload}:
		case <-p.stopch:
			return
		}
	}
}

func (p *PeerRunning) recordFailure(err error) {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	if p.failErr == nil {
		p.failErr = err
	}
}

func (p *PeerRunning) failure() error {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	return p.failErr
}

// PeerStopped is terminal; it only confirms that teardown completed and
// carries the reason the peer went away.
type PeerStopped struct {
	id       node.Id
	report   Report
	closeErr error
}

func (p *PeerStopped) Id() node.Id    { return p.id }
func (p *PeerStopped) Report() Report { return p.report }

// CloseErr reports a Connection close failure observed during teardown.
func (p *PeerStopped) CloseErr() error { return p.closeErr }
