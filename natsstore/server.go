// Package natsstore persists sessions and mirrors lifecycle events on an
// embedded NATS JetStream server.
package natsstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	readyTimeout    = 4 * time.Second
	drainTimeout    = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// StartEmbeddedServer starts an in-process NATS server with JetStream
// file storage under dataDir. The server opens no network ports.
func StartEmbeddedServer(dataDir string, logger *slog.Logger) (*server.Server, error) {
	logger = orDiscard(logger)
	logger.Debug("starting embedded nats", "data_dir", dataDir)

	ns, err := server.NewServer(&server.Options{
		JetStream:  true,
		StoreDir:   dataDir,
		DontListen: true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errors.New("nats server failed to start within timeout")
	}
	logger.Debug("nats ready")
	return ns, nil
}

// ConnectInProcess opens a connection that talks to ns without sockets.
func ConnectInProcess(ns *server.Server) (*nats.Conn, error) {
	nc, err := nats.Connect("", nats.InProcessServer(ns))
	if err != nil {
		return nil, fmt.Errorf("connecting in-process: %w", err)
	}
	return nc, nil
}

// Shutdown drains the connection and stops the server. A drain that does
// not finish in time is forced closed.
func Shutdown(nc *nats.Conn, ns *server.Server, logger *slog.Logger) error {
	logger = orDiscard(logger)

	if nc != nil {
		done := make(chan error, 1)
		go func() { done <- nc.Drain() }()
		select {
		case err := <-done:
			if err != nil {
				logger.Warn("nats drain failed, closing", "error", err)
				nc.Close()
			}
		case <-time.After(drainTimeout):
			logger.Warn("nats drain timed out, closing", "timeout", drainTimeout)
			nc.Close()
		}
	}

	if ns == nil {
		return nil
	}
	ns.Shutdown()
	stopped := make(chan struct{})
	go func() {
		ns.WaitForShutdown()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-time.After(shutdownTimeout):
		return errors.New("nats server shutdown timed out")
	}
}

// Embedded bundles a running server, its in-process connection and the
// tandem stream.
type Embedded struct {
	Server    *server.Server
	Conn      *nats.Conn
	JetStream jetstream.JetStream
	Stream    jetstream.Stream

	logger *slog.Logger
}

// OpenEmbedded starts a server under dataDir, connects to it and sets up
// the stream.
func OpenEmbedded(ctx context.Context, dataDir string, logger *slog.Logger) (*Embedded, error) {
	ns, err := StartEmbeddedServer(dataDir, logger)
	if err != nil {
		return nil, err
	}
	nc, err := ConnectInProcess(ns)
	if err != nil {
		_ = Shutdown(nil, ns, logger)
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		_ = Shutdown(nc, ns, logger)
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	stream, err := SetupStream(ctx, js, 0)
	if err != nil {
		_ = Shutdown(nc, ns, logger)
		return nil, err
	}
	return &Embedded{Server: ns, Conn: nc, JetStream: js, Stream: stream, logger: orDiscard(logger)}, nil
}

// Store returns a session store backed by this server.
func (e *Embedded) Store() *Store {
	return NewStore(e.JetStream, e.Stream, e.logger)
}

// Close shuts the connection and server down.
func (e *Embedded) Close() error {
	return Shutdown(e.Conn, e.Server, e.logger)
}

func orDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l
}
