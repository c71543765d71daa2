// Package testutil provides test helpers shared across the jwc test suite.
package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// NATSServer wraps an embedded NATS server used by the eventbridge and
// poolstore/natskv tests, so they don't depend on an external broker.
type NATSServer struct {
	server *server.Server
	url    string
}

// StartNATS starts an embedded NATS server with JetStream enabled on a
// random port and registers cleanup with t.
func StartNATS(t *testing.T) *NATSServer {
	t.Helper()

	opts := &server.Options{
		Host:               "127.0.0.1",
		Port:               -1, // random
		NoLog:              true,
		NoSigs:             true,
		JetStream:          true,
		StoreDir:           t.TempDir(),
		JetStreamMaxMemory:  64 * 1024 * 1024,
		JetStreamMaxStore:   256 * 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create NATS server: %v", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	srv := &NATSServer{server: ns, url: ns.ClientURL()}
	t.Cleanup(srv.Stop)
	return srv
}

// URL returns the NATS server URL.
func (n *NATSServer) URL() string {
	return n.url
}

// Stop shuts down the server.
func (n *NATSServer) Stop() {
	if n.server != nil {
		n.server.Shutdown()
	}
}

// Connect creates a new NATS connection to the test server.
func (n *NATSServer) Connect(t *testing.T) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(n.url)
	if err != nil {
		t.Fatalf("failed to connect to NATS: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}
