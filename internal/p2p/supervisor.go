package p2p

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"goledgernet/internal/node"
	"goledgernet/internal/safemap"
)

var (
	ErrSupervisorClosed = errors.New("supervisor is closed")
	ErrCommandBacklog   = errors.New("command backlog is full")
	ErrDuplicatePeer    = errors.New("identity already has a running peer")
)

const (
	DefaultEventBacklog = 1024
	commandBacklog      = 256
	acceptCredits       = 64
)

type SupervisorOpts struct {
	Transport Transport
	BindInfo  BindInfo
	// StreamIds opened per peer; DefaultStreamIds when empty.
	StreamIds []StreamId
	// EventBacklog bounds the merged event queue; DefaultEventBacklog
	// when zero. Inbound connections that cannot enqueue their Connected
	// event are rejected instead of buffered without bound.
	EventBacklog int
	// ManualAccept gates inbound admission on Accept commands instead of
	// admitting every inbound connection as it arrives.
	ManualAccept bool
	Log          *slog.Logger
}

// Supervisor owns the set of live peers and is the single point of control
// and observation for it: commands go in through Command, everything that
// happens comes out of Recv as one merged event stream.
type Supervisor struct {
	SupervisorOpts

	endpoint Endpoint
	incoming Incoming
	peers    *safemap.SafeMap[node.Id, *PeerRunning]

	commands chan Command
	events   chan Event
	acceptch chan struct{}
	quitch   chan struct{}
	stopOnce sync.Once
}

func NewSupervisor(opts SupervisorOpts) *Supervisor {
	if len(opts.StreamIds) == 0 {
		opts.StreamIds = DefaultStreamIds
	}
	if opts.EventBacklog == 0 {
		opts.EventBacklog = DefaultEventBacklog
	}
	if opts.EventBacklog < 0 {
		// negative means no buffering at all
		opts.EventBacklog = 0
	}
	return &Supervisor{
		SupervisorOpts: opts,
		peers:          safemap.New[node.Id, *PeerRunning](),
		commands:       make(chan Command, commandBacklog),
		events:         make(chan Event, opts.EventBacklog),
		acceptch:       make(chan struct{}, acceptCredits),
		quitch:         make(chan struct{}),
	}
}

// Run binds the transport and starts the inbound and command drivers. Only
// a bind failure surfaces here; everything that goes wrong with individual
// peers afterwards is reported as events.
func (s *Supervisor) Run() error {
	const op = "p2p.Supervisor.Run"
	log := s.Log.With(slog.String("op", op))
	endpoint, incoming, err := s.Transport.Bind(s.BindInfo)
	if err != nil {
		log.Error("bind failed", slog.String("error", err.Error()))
		return fmt.Errorf("%s: %w", op, err)
	}
	s.endpoint = endpoint
	s.incoming = incoming
	go s.inboundLoop()
	go s.commandLoop()
	log.Info("supervisor is running", slog.String("addr", s.BindInfo.Addr))
	return nil
}

// Command submits cmd without blocking. Commands are executed in
// submission order by the command driver; their effects interleave with
// inbound driver events.
func (s *Supervisor) Command(cmd Command) error {
	select {
	case <-s.quitch:
		return ErrSupervisorClosed
	default:
	}
	select {
	case s.commands <- cmd:
		return nil
	default:
		return ErrCommandBacklog
	}
}

// Recv blocks until the next event is available.
func (s *Supervisor) Recv() (Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.quitch:
		// drain what was queued before the shutdown
		select {
		case ev := <-s.events:
			return ev, nil
		default:
			return nil, ErrSupervisorClosed
		}
	}
}

// Stop shuts the transport down and stops the drivers. Running peers are
// not stopped: each is disconnected explicitly or terminates when its
// connection fails.
func (s *Supervisor) Stop() {
	const op = "p2p.Supervisor.Stop"
	s.stopOnce.Do(func() {
		if err := s.Transport.Shutdown(); err != nil {
			s.Log.With(slog.String("op", op)).Error("transport shutdown failed", slog.String("error", err.Error()))
		}
		close(s.quitch)
	})
}

// ListenAddrs reports the bound transport's listen addresses.
func (s *Supervisor) ListenAddrs() []net.Addr {
	if s.endpoint == nil {
		return nil
	}
	return s.endpoint.ListenAddrs()
}

func (s *Supervisor) inboundLoop() {
	const op = "p2p.Supervisor.inboundLoop"
	log := s.Log.With(slog.String("op", op))
	for {
		if s.ManualAccept {
			select {
			case <-s.acceptch:
			case <-s.quitch:
				return
			}
		}
		conn, err := s.incoming.Next()
		if err != nil {
			if errors.Is(err, ErrAcceptTerminated) || errors.Is(err, ErrTransportShutdown) {
				log.Info("inbound sequence ended")
				return
			}
			// one failed establishment does not end the sequence
			log.Error("inbound connection failed", slog.String("error", err.Error()))
			continue
		}
		s.admit(conn, DirectionInbound)
	}
}

func (s *Supervisor) commandLoop() {
	for {
		select {
		case <-s.quitch:
			return
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		}
	}
}

func (s *Supervisor) handleCommand(cmd Command) {
	const op = "p2p.Supervisor.handleCommand"
	log := s.Log.With(slog.String("op", op))
	switch cmd := cmd.(type) {
	case Accept:
		select {
		case s.acceptch <- struct{}{}:
		default:
			// credit pool is full, the grant is already covered
		}
	case Connect:
		conn, err := s.endpoint.Connect(ConnectInfo{Addr: cmd.Addr})
		if err != nil {
			log.Error("connect failed", slog.String("addr", cmd.Addr), slog.String("error", err.Error()))
			return
		}
		s.admit(conn, DirectionOutbound)
	case Disconnect:
		run, ok := s.peers.Get(cmd.Id)
		if !ok {
			// already gone, expected under races
			return
		}
		run.Stop()
	case Msg:
		run, ok := s.peers.Get(cmd.Id)
		if !ok {
			log.Debug("message for unknown peer dropped", slog.String("peer", cmd.Id.String()))
			return
		}
		if err := run.Send(cmd.Message); err != nil {
			// treat as peer gone; the forwarder reports the disconnect
			log.Error("send failed", slog.String("peer", cmd.Id.String()), slog.String("error", err.Error()))
			run.Stop()
		}
	}
}

// admit drives one established connection to a running peer, emitting the
// lifecycle events along the way.
func (s *Supervisor) admit(conn Connection, direction Direction) {
	const op = "p2p.Supervisor.admit"
	log := s.Log.With(slog.String("op", op))

	peer := NewPeer(conn, direction, s.Log)
	id := peer.Id()

	if _, ok := s.peers.Get(id); ok {
		conn.Close()
		s.tryEmit(UpgradeFailed{Id: id, Report: Report{Reason: ReasonProtocol, Err: ErrDuplicatePeer}})
		return
	}
	if !s.tryEmit(Connected{Id: id, Direction: peer.Direction()}) {
		// slow consumer: reject rather than buffer without bound
		conn.Close()
		s.tryEmit(Disconnected{Id: id, Report: Report{Reason: ReasonBackpressure}})
		log.Warn("inbound connection rejected, event backlog is full", slog.String("peer", id.String()))
		return
	}

	run, err := peer.Run(s.StreamIds)
	if err != nil {
		s.emit(UpgradeFailed{Id: id, Report: reportFor(err)})
		return
	}
	if !s.peers.SetIfAbsent(id, run) {
		// lost a duplicate race after the check above
		run.Stop()
		s.emit(UpgradeFailed{Id: id, Report: Report{Reason: ReasonProtocol, Err: ErrDuplicatePeer}})
		return
	}
	s.emit(Upgraded{Id: id})
	log.Info("peer upgraded", slog.String("peer", id.String()), slog.String("direction", run.Direction().String()))
	go s.forward(run)
}

// forward moves one peer's inbound messages into the merged event stream
// and reports its disconnect once the peer is gone. Removing the id from
// the peer set decides which caller gets to emit Disconnected, so it is
// emitted exactly once and after the peer's last message.
func (s *Supervisor) forward(run *PeerRunning) {
	id := run.Id()
	for msg := range run.Receive() {
		s.emit(Received{Id: id, Message: msg})
	}
	if _, ok := s.peers.GetAndDelete(id); ok {
		stopped := run.Stop()
		s.emit(Disconnected{Id: id, Report: stopped.Report()})
	}
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.quitch:
	}
}

func (s *Supervisor) tryEmit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}
