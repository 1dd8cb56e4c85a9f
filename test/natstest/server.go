// Package natstest starts an embedded JetStream-enabled NATS server for
// tests.
package natstest

import (
	"context"
	"testing"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Server bundles the embedded server with connected clients.
type Server struct {
	NS   *server.Server
	Conn *nats.Conn
	JS   jetstream.JetStream

	// Client is a separate managed connection for components.
	Client *natsclient.Client
}

// Start runs a throwaway server whose storage lives in a test temp dir.
// Everything is shut down by t.Cleanup.
func Start(t testing.TB) *Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("create embedded NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		t.Fatalf("connect to embedded NATS: %v", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		t.Fatalf("create JetStream context: %v", err)
	}

	client, err := natsclient.NewClient(ns.ClientURL(), natsclient.WithName("semflow-test"))
	if err != nil {
		conn.Close()
		ns.Shutdown()
		t.Fatalf("create NATS client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = client.Connect(ctx)
	if err == nil {
		err = client.WaitForConnection(ctx)
	}
	if err != nil {
		conn.Close()
		ns.Shutdown()
		t.Fatalf("connect NATS client: %v", err)
	}

	t.Cleanup(func() {
		_ = client.Close(context.Background())
		conn.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return &Server{NS: ns, Conn: conn, JS: js, Client: client}
}
