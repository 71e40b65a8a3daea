package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"vaulthost/internal/metrics"
)

func TestReconnectBackOffDoublesAndCaps(t *testing.T) {
	policy := newReconnectBackOff(SessionOptions{})
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		if got := policy.NextBackOff(); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, expected, got)
		}
	}
	policy.Reset()
	if got := policy.NextBackOff(); got != 500*time.Millisecond {
		t.Fatalf("expected reset to base, got %s", got)
	}
}

func TestSessionURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":       "ws://localhost:8080/ws?token=abc",
		"https://vault.example/base/": "wss://vault.example/base/ws?token=abc",
	}
	for base, want := range cases {
		got, err := sessionURL(base, "abc")
		if err != nil {
			t.Fatalf("%s: %v", base, err)
		}
		if got != want {
			t.Fatalf("%s: expected %s, got %s", base, want, got)
		}
	}
	if _, err := sessionURL("ftp://host", ""); err == nil {
		t.Fatalf("expected scheme error")
	}
}

// fakeSessionServer acknowledges every subscribe and runs script for each connection.
func fakeSessionServer(t *testing.T, script func(n int, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	requireLocalListener(t)
	var connections atomic.Int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var message subscribeMessage
		if err := conn.ReadJSON(&message); err != nil || message.Type != "subscribe" {
			return
		}
		_ = conn.WriteJSON(map[string]string{"type": "subscribed", "vault_id": message.VaultID})
		script(int(connections.Add(1)), conn)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSessionReconnectsAndResubscribes(t *testing.T) {
	server := fakeSessionServer(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			return
		}
		_ = conn.WriteJSON(map[string]string{"type": "file_changed", "vault_id": "v1", "event_type": "created", "path": "a.md"})
		_, _, _ = conn.ReadMessage()
	})

	var mu sync.Mutex
	var reconnects []int
	received := make(chan Notification, 1)
	registry := metrics.NewRegistry()
	session, err := NewSession(SessionOptions{
		BaseURL:         server.URL,
		VaultID:         "v1",
		InitialInterval: 10 * time.Millisecond,
		Registry:        registry,
		OnReconnect: func(attempt int) {
			mu.Lock()
			reconnects = append(reconnects, attempt)
			mu.Unlock()
		},
		OnNotification: func(n Notification) {
			received <- n
		},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	select {
	case n := <-received:
		if n.Type != "file_changed" || n.Path != "a.md" {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for notification after reconnect")
	}
	if session.State() != StateOpen {
		t.Fatalf("expected open state, got %s", session.State())
	}
	mu.Lock()
	if len(reconnects) != 1 || reconnects[0] != 1 {
		t.Fatalf("expected one reconnect hook call, got %v", reconnects)
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
	if session.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", session.State())
	}
}

func TestSessionStopsWhenVaultClosed(t *testing.T) {
	server := fakeSessionServer(t, func(n int, conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]string{"type": "vault_closed", "vault_id": "v1", "message": "vault deleted"})
		_, _, _ = conn.ReadMessage()
	})

	var closedSeen atomic.Bool
	session, err := NewSession(SessionOptions{
		BaseURL: server.URL,
		VaultID: "v1",
		OnNotification: func(n Notification) {
			if n.Type == "vault_closed" {
				closedSeen.Store(true)
			}
		},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.Run(ctx); !errors.Is(err, ErrVaultClosed) {
		t.Fatalf("expected ErrVaultClosed, got %v", err)
	}
	if !closedSeen.Load() {
		t.Fatalf("expected vault_closed to be delivered")
	}
}

func TestSessionUnauthorized(t *testing.T) {
	requireLocalListener(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	session, err := NewSession(SessionOptions{BaseURL: server.URL, VaultID: "v1", Token: "wrong"})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.Run(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestNewSessionValidation(t *testing.T) {
	if _, err := NewSession(SessionOptions{VaultID: "v1"}); err == nil {
		t.Fatalf("expected base URL error")
	}
	if _, err := NewSession(SessionOptions{BaseURL: "http://localhost"}); err == nil {
		t.Fatalf("expected vault id error")
	}
}
