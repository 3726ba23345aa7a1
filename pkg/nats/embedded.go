// Package nats carries the engine's messaging: the JetStream egress bus
// for committed events, the broadcast publisher for rejections and breaker
// transitions, and the command ingress. An embedded server backs
// single-node deployments and tests.
package nats

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer wraps an in-process NATS server with JetStream enabled.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	shutdownOnce sync.Once
}

// ServerOption configures the embedded server.
type ServerOption func(*server.Options)

// WithPort fixes the listen port. The default picks a random free port.
func WithPort(port int) ServerOption {
	return func(o *server.Options) {
		o.Port = port
	}
}

// WithStoreDir sets the JetStream storage directory. The default is a
// temporary directory, which suits tests but not durable deployments.
func WithStoreDir(dir string) ServerOption {
	return func(o *server.Options) {
		o.StoreDir = dir
	}
}

// StartEmbeddedServer starts an embedded NATS server and blocks until it
// accepts connections.
func StartEmbeddedServer(opts ...ServerOption) (*EmbeddedServer, error) {
	options := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random port
		JetStream: true,
	}
	for _, opt := range opts {
		opt(options)
	}

	s, err := server.NewServer(options)
	if err != nil {
		return nil, fmt.Errorf("create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded server not ready")
	}

	return &EmbeddedServer{server: s, url: s.ClientURL()}, nil
}

// URL returns the connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the embedded server. Safe to call multiple times; waits
// at most five seconds for a clean stop.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
}

// Connect opens a client connection to the embedded server.
func (e *EmbeddedServer) Connect() (*nats.Conn, error) {
	return nats.Connect(e.url)
}
