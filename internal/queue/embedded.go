package queue

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// StartEmbeddedServer runs an in-process NATS server with JetStream enabled.
// A negative port picks a random free one.
func StartEmbeddedServer(host string, port int, storeDir string) (*server.Server, error) {
	opts := &server.Options{
		Host:           host,
		Port:           port,
		JetStream:      true,
		StoreDir:       storeDir,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 256,
	}

	s, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded nats server: %w", err)
	}

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready")
	}
	return s, nil
}
