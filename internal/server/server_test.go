package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"aichatserver/pkg/config"

	"github.com/stretchr/testify/require"
)

func serverConfig(maxConns int64) *config.Config {
	return &config.Config{
		ServerHost:     "127.0.0.1",
		ServerPort:     "0",
		MaxConnections: maxConns,
		JWTSigningKey:  "test-signing-key",
		TokenTTL:       time.Hour,
	}
}

func startServer(t *testing.T, cfg *config.Config, ids IdentityService, store ChatService, completer Completer) (*Server, context.CancelFunc, chan struct{}) {
	t.Helper()

	srv := New(cfg, ids, store, completer)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(done)
	}()
	return srv, cancel, done
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func TestServerHandlesConcurrentConnectionsIndependently(t *testing.T) {
	ids := registeredAlice(t)
	store := newFakeChat()
	srv, cancel, done := startServer(t, serverConfig(4), ids, store, &fakeCompleter{reply: "hi"})
	defer func() { cancel(); <-done }()

	first := dial(t, srv)
	second := dial(t, srv)

	// Authentication on one connection must not leak to the other.
	resp := first.login("alice", "pw1")
	require.Equal(t, true, resp["success"])

	resp = second.send(map[string]any{"action": "get_sessions"})
	require.Equal(t, false, resp["success"])
	require.Equal(t, "Unauthorized", resp["code"])

	resp = first.send(map[string]any{"action": "send_message", "message": "Hello"})
	require.Equal(t, true, resp["success"])
}

func TestServerBoundsConcurrentWorkers(t *testing.T) {
	ids := registeredAlice(t)
	srv, cancel, done := startServer(t, serverConfig(1), ids, newFakeChat(), &fakeCompleter{reply: "hi"})
	defer func() { cancel(); <-done }()

	first := dial(t, srv)
	resp := first.login("alice", "pw1")
	require.Equal(t, true, resp["success"])

	// The pool is saturated by the first connection, so the second one is
	// accepted by the OS but not served yet.
	second := dial(t, srv)
	_, err := second.conn.Write([]byte(`{"action":"login","username":"alice","password":"pw1"}` + "\n"))
	require.NoError(t, err)

	require.NoError(t, second.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = second.reader.ReadString('\n')
	require.Error(t, err)

	// Releasing the first worker lets the queued connection through.
	first.conn.Close()

	require.NoError(t, second.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := second.reader.ReadString('\n')
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &decoded))
	require.Equal(t, true, decoded["success"])
}

func TestServerGracefulShutdown(t *testing.T) {
	ids := registeredAlice(t)
	srv, cancel, done := startServer(t, serverConfig(2), ids, newFakeChat(), &fakeCompleter{reply: "hi"})

	client := dial(t, srv)
	resp := client.login("alice", "pw1")
	require.Equal(t, true, resp["success"])

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down in time")
	}

	// New connections are refused once the listener is closed.
	_, err := net.Dial("tcp", srv.Addr().String())
	require.Error(t, err)
}
