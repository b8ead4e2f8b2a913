package main

import (
	"log"
	"log/slog"
	"os"
	"time"

	"goledgernet/internal/logger/mylogger"
	"goledgernet/internal/node"
	"goledgernet/internal/p2p"
	"goledgernet/internal/types"
)

const (
	defaultLoggerLevel = "DEBUG"
)

func main() {
	logger := setUpLogger()

	alice := startSupervisor(logger, ":3000")
	bob := startSupervisor(logger, ":4000")

	go consumeEvents(logger, "alice", alice)

	if err := bob.Command(p2p.Connect{Addr: "127.0.0.1:3000"}); err != nil {
		log.Fatalf("got fatal error: %s", err)
	}

	var aliceId node.Id
	for {
		ev, err := bob.Recv()
		if err != nil {
			log.Fatalf("got fatal error: %s", err)
		}
		logEvent(logger, "bob", ev)
		if upgraded, ok := ev.(p2p.Upgraded); ok {
			aliceId = upgraded.Id
			break
		}
	}

	proposal := &types.Proposal{
		Height:    1,
		Round:     0,
		POLRound:  -1,
		Timestamp: time.Now().UTC(),
	}
	payload, err := proposal.Encode()
	if err != nil {
		log.Fatalf("got fatal error: %s", err)
	}
	if err := bob.Command(p2p.Msg{
		Id:      aliceId,
		Message: p2p.Message{Stream: p2p.StreamConsensus, Payload: payload},
	}); err != nil {
		log.Fatalf("got fatal error: %s", err)
	}

	time.Sleep(2 * time.Second)
	logger.Info("disconnecting and quitting")
	if err := bob.Command(p2p.Disconnect{Id: aliceId}); err != nil {
		log.Fatalf("got fatal error: %s", err)
	}
	time.Sleep(time.Second)
	bob.Stop()
	alice.Stop()
}

func startSupervisor(logger *slog.Logger, addr string) *p2p.Supervisor {
	pub, _, err := node.GenerateKey()
	if err != nil {
		log.Fatalf("got fatal error: %s", err)
	}
	sup := p2p.NewSupervisor(p2p.SupervisorOpts{
		Transport: p2p.NewTCPTransport(p2p.TCPTransportOpts{Log: logger}),
		BindInfo:  p2p.BindInfo{Addr: addr, PublicKey: pub, AdvertiseAddrs: []string{"127.0.0.1" + addr}},
		Log:       logger,
	})
	if err := sup.Run(); err != nil {
		log.Fatalf("got fatal error: %s", err)
	}
	return sup
}

func consumeEvents(logger *slog.Logger, name string, sup *p2p.Supervisor) {
	for {
		ev, err := sup.Recv()
		if err != nil {
			return
		}
		logEvent(logger, name, ev)
		if received, ok := ev.(p2p.Received); ok {
			if proposal, err := types.DecodeProposal(received.Message.Payload); err == nil {
				logger.Info("got proposal",
					slog.String("node", name),
					slog.Uint64("height", proposal.Height),
					slog.String("from", received.Id.String()))
			}
		}
	}
}

func logEvent(logger *slog.Logger, name string, ev p2p.Event) {
	logger.Info("got event", slog.String("node", name), slog.Any("event", ev))
}

func setUpLogger() *slog.Logger {
	level := os.Getenv("LOGGER_LEVEL")
	if len(level) == 0 {
		level = defaultLoggerLevel
	}
	switch level {
	case "DEV":
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
		return logger
	case "PROD":
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
		return logger
	default:
		return SetupPrettyLogger()
	}
}

func SetupPrettyLogger() *slog.Logger {
	opts := mylogger.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}
	handler := opts.NewPrettyHandler(os.Stdout)
	return slog.New(handler)
}
