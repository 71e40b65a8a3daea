package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"vaulthost/internal/hub"
)

func isFileChange(path string) func(map[string]any) bool {
	return func(payload map[string]any) bool {
		return payload["type"] == hub.TypeFileChanged && payload["path"] == path
	}
}

func expectSilence(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	var payload map[string]any
	err := conn.ReadJSON(&payload)
	if err == nil {
		t.Fatalf("expected no message, got %v", payload)
	}
	var netErr interface{ Timeout() bool }
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func TestSessionRejectsMissingToken(t *testing.T) {
	srv := newTestServer(t, serverOptions{token: testToken})
	wsURL := "ws" + strings.TrimPrefix(srv.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %v", resp)
	}
}

func TestSessionDeliversVaultChanges(t *testing.T) {
	srv := newTestServer(t, serverOptions{token: testToken})
	created := srv.registerVault(t, "notes")
	conn := srv.dialSession(t)
	subscribeSession(t, conn, created.ID)

	if _, err := srv.engine.CreateFile(context.Background(), created.ID, "hello.md", []byte("hi")); err != nil {
		t.Fatalf("create file: %v", err)
	}
	payload := readUntil(t, conn, 2*time.Second, isFileChange("hello.md"))
	if payload["vault_id"] != created.ID || payload["event_type"] != "created" {
		t.Fatalf("unexpected notification: %v", payload)
	}
}

func TestSessionsAreIsolatedPerVault(t *testing.T) {
	srv := newTestServer(t, serverOptions{token: testToken})
	first := srv.registerVault(t, "first")
	second := srv.registerVault(t, "second")

	connA := srv.dialSession(t)
	subscribeSession(t, connA, first.ID)
	connB := srv.dialSession(t)
	subscribeSession(t, connB, second.ID)

	if _, err := srv.engine.CreateFile(context.Background(), first.ID, "only-a.md", []byte("a")); err != nil {
		t.Fatalf("create file: %v", err)
	}
	readUntil(t, connA, 2*time.Second, isFileChange("only-a.md"))
	expectSilence(t, connB, 300*time.Millisecond)
}

func TestSessionSwitchingVaults(t *testing.T) {
	srv := newTestServer(t, serverOptions{token: testToken})
	first := srv.registerVault(t, "first")
	second := srv.registerVault(t, "second")

	conn := srv.dialSession(t)
	subscribeSession(t, conn, first.ID)
	subscribeSession(t, conn, second.ID)
	if got := srv.hub.SubscriberCount(first.ID); got != 0 {
		t.Fatalf("expected previous subscription released, got %d subscribers", got)
	}

	if _, err := srv.engine.CreateFile(context.Background(), first.ID, "stale.md", []byte("a")); err != nil {
		t.Fatalf("create file: %v", err)
	}
	if _, err := srv.engine.CreateFile(context.Background(), second.ID, "fresh.md", []byte("b")); err != nil {
		t.Fatalf("create file: %v", err)
	}
	payload := readUntil(t, conn, 2*time.Second, func(payload map[string]any) bool {
		return payload["type"] == hub.TypeFileChanged
	})
	if payload["vault_id"] != second.ID || payload["path"] != "fresh.md" {
		t.Fatalf("expected change from the current vault only, got %v", payload)
	}
}

func TestSessionSwitchDropsBacklogFromPreviousVault(t *testing.T) {
	srv := newTestServer(t, serverOptions{token: testToken})
	first := srv.registerVault(t, "first")
	second := srv.registerVault(t, "second")

	conn := srv.dialSession(t)
	subscribeSession(t, conn, first.ID)

	// Large frames back up the socket, the outbound queue and the bus buffer
	// while the client is not reading.
	filler := strings.Repeat("x", 32<<10)
	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < 200; i++ {
			_ = srv.hub.Publish(first.ID, hub.Notification{
				Kind:       hub.TypeFileChanged,
				VaultID:    first.ID,
				EventType:  "modified",
				Path:       "bulk.md",
				Message:    filler,
				OccurredAt: time.Now(),
			})
		}
	}()
	time.Sleep(200 * time.Millisecond)

	if err := conn.WriteJSON(map[string]any{"type": "subscribe", "vault_id": second.ID}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	acked := false
	deadline := time.Now().Add(10 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for the marker from %s", second.ID)
		}
		payload := readMessage(t, conn, 5*time.Second)
		if !acked {
			if payload["type"] == "subscribed" && payload["vault_id"] == second.ID {
				acked = true
				err := srv.hub.Publish(second.ID, hub.Notification{
					Kind:       hub.TypeFileChanged,
					VaultID:    second.ID,
					EventType:  "created",
					Path:       "marker.md",
					OccurredAt: time.Now(),
				})
				if err != nil {
					t.Fatalf("publish marker: %v", err)
				}
			}
			continue
		}
		if payload["vault_id"] == first.ID {
			t.Fatalf("received %s frame after switching to %s: %v", first.ID, second.ID, payload["type"])
		}
		if payload["path"] == "marker.md" {
			break
		}
	}

	select {
	case <-published:
	case <-time.After(10 * time.Second):
		t.Fatal("publisher still blocked after the switch")
	}
}

func TestSessionDoesNotReplayMissedChanges(t *testing.T) {
	srv := newTestServer(t, serverOptions{token: testToken})
	created := srv.registerVault(t, "notes")

	if _, err := srv.engine.CreateFile(context.Background(), created.ID, "before.md", []byte("a")); err != nil {
		t.Fatalf("create file: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	conn := srv.dialSession(t)
	subscribeSession(t, conn, created.ID)
	if _, err := srv.engine.CreateFile(context.Background(), created.ID, "after.md", []byte("b")); err != nil {
		t.Fatalf("create file: %v", err)
	}
	payload := readMessage(t, conn, 2*time.Second)
	if payload["path"] != "after.md" {
		t.Fatalf("expected only the live change, got %v", payload)
	}
}

func TestSessionClosedWhenVaultDeleted(t *testing.T) {
	srv := newTestServer(t, serverOptions{token: testToken})
	created := srv.registerVault(t, "notes")
	conn := srv.dialSession(t)
	subscribeSession(t, conn, created.ID)

	if code := srv.do(t, http.MethodDelete, "/api/vaults/"+created.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
	payload := readMessage(t, conn, 2*time.Second)
	if payload["type"] != hub.TypeVaultClosed {
		t.Fatalf("expected vault_closed, got %v", payload)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestSessionUnknownVault(t *testing.T) {
	srv := newTestServer(t, serverOptions{token: testToken})
	conn := srv.dialSession(t)
	if err := conn.WriteJSON(sessionClientMessage{Type: "subscribe", VaultID: "missing"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	payload := readMessage(t, conn, time.Second)
	if payload["type"] != "error" || payload["status"] != float64(http.StatusNotFound) {
		t.Fatalf("expected 404 error payload, got %v", payload)
	}
}

func TestSessionFirstMessageMustSubscribe(t *testing.T) {
	srv := newTestServer(t, serverOptions{token: testToken})
	conn := srv.dialSession(t)
	if err := conn.WriteJSON(map[string]string{"type": "hello"}); err != nil {
		t.Fatalf("write message: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestSessionClosedWithoutPongs(t *testing.T) {
	srv := newTestServer(t, serverOptions{
		token:        testToken,
		pingInterval: 20 * time.Millisecond,
		pongTimeout:  100 * time.Millisecond,
	})
	conn := srv.dialSession(t)
	// Pongs are only sent while the client reads, so stay idle past the timeout.
	time.Sleep(400 * time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected connection to be closed")
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatalf("expected server to drop the connection, got timeout")
	}
}
