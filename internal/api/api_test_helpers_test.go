package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"vaulthost/internal/hub"
	"vaulthost/internal/logging"
	"vaulthost/internal/metrics"
	"vaulthost/internal/store"
	"vaulthost/internal/vault"
)

const testToken = "secret"

type testServer struct {
	server   *httptest.Server
	engine   *vault.Engine
	hub      *hub.Hub
	logger   *logging.Logger
	registry *metrics.Registry
}

type serverOptions struct {
	token        string
	pingInterval time.Duration
	pongTimeout  time.Duration
}

func newTestServer(t *testing.T, options serverOptions) *testServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping api test (listener unavailable): %v", err)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "vaulthost.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(100), logging.LevelDebug, io.Discard)
	registry := metrics.NewRegistry()
	notifications := hub.New(context.Background(), hub.Options{Registry: registry, Logger: logger})
	t.Cleanup(notifications.Close)
	engine, err := vault.NewEngine(context.Background(), vault.Options{
		Store:          st,
		Hub:            notifications,
		DebounceWindow: 50 * time.Millisecond,
		Logger:         logger,
		Registry:       registry,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Close)

	mux := http.NewServeMux()
	RegisterRoutes(mux, Options{
		Engine:       engine,
		Hub:          notifications,
		Logger:       logger,
		Registry:     registry,
		AuthToken:    options.token,
		PingInterval: options.pingInterval,
		PongTimeout:  options.pongTimeout,
	})
	server := &httptest.Server{
		Listener: listener,
		Config:   &http.Server{Handler: mux},
	}
	server.Start()
	t.Cleanup(server.Close)

	return &testServer{server: server, engine: engine, hub: notifications, logger: logger, registry: registry}
}

// do sends a JSON request with the test token and decodes a JSON response into out.
func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (s *testServer) registerVault(t *testing.T, name string) vault.Vault {
	t.Helper()
	var created vault.Vault
	status := s.do(t, http.MethodPost, "/api/vaults", createVaultRequest{Name: name, Path: filepath.Join(t.TempDir(), name)}, &created)
	if status != http.StatusCreated {
		t.Fatalf("expected 201 creating vault, got %d", status)
	}
	return created
}

func (s *testServer) dialSession(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func subscribeSession(t *testing.T, conn *websocket.Conn, vaultID string) {
	t.Helper()
	if err := conn.WriteJSON(sessionClientMessage{Type: "subscribe", VaultID: vaultID}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	ack := readMessage(t, conn, time.Second)
	if ack["type"] != "subscribed" || ack["vault_id"] != vaultID {
		t.Fatalf("expected subscribed ack for %s, got %v", vaultID, ack)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var payload map[string]any
	if err := conn.ReadJSON(&payload); err != nil {
		t.Fatalf("read websocket: %v", err)
	}
	return payload
}

// readUntil skips messages until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, timeout time.Duration, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		var payload map[string]any
		if err := conn.ReadJSON(&payload); err != nil {
			t.Fatalf("read websocket: %v", err)
		}
		if match(payload) {
			return payload
		}
	}
}
