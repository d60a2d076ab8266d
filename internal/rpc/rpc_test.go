package rpc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/untoldecay/workspace-state-core/internal/broadcast"
	"github.com/untoldecay/workspace-state-core/internal/types"
)

type echoDispatcher struct{}

func (echoDispatcher) Dispatch(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"op": operation})
}

func startTestServer(t *testing.T, bus *broadcast.Bus) (*Server, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "wscore.sock")
	srv := NewServer(Config{SocketPath: socketPath}, echoDispatcher{}, bus, nil)
	go func() {
		_ = srv.Serve()
	}()
	// Give the listener a moment to bind; tests dial with retry below.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := DialTimeout(socketPath, 50*time.Millisecond); err == nil {
			c.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(func() { _ = srv.Shutdown() })
	return srv, socketPath
}

func TestServerPingHealth(t *testing.T) {
	_, socketPath := startTestServer(t, nil)

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	health, err := client.Health()
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != statusHealthy {
		t.Errorf("status = %q, want %q", health.Status, statusHealthy)
	}
}

func TestServerDispatchRoundTrip(t *testing.T) {
	_, socketPath := startTestServer(t, nil)

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	resp, err := client.Execute("get_spaces", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(resp.Data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["op"] != "get_spaces" {
		t.Errorf("op = %q, want get_spaces", got["op"])
	}
}

func TestServerBroadcastsPush(t *testing.T) {
	bus := broadcast.New(0)
	_, socketPath := startTestServer(t, bus)

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	// Give the connection's Subscribe call a moment to register.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(types.StateUpdated{Touched: []string{"p1"}})

	client.conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := client.reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read push: %v", err)
	}
	var env PushEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != PushStateUpdated {
		t.Errorf("type = %q, want %q", env.Type, PushStateUpdated)
	}
}
