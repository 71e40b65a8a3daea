package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWSFramesAndClose(t *testing.T) {
	handlerDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(handlerDone)
		conn, err := upgradeWebSocket(w, r, nil)
		if err != nil {
			return
		}
		if err := writeJSONFrame(conn, map[string]string{"value": "hello"}); err != nil {
			_ = conn.Close()
			return
		}
		writeCloseFrame(conn, websocket.CloseGoingAway, "vault removed")
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var payload map[string]string
	if err := conn.ReadJSON(&payload); err != nil {
		t.Fatalf("read websocket: %v", err)
	}
	if payload["value"] != "hello" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going away close, got %v", err)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Text != "vault removed" {
		t.Fatalf("unexpected close reason %q", closeErr.Text)
	}

	select {
	case <-handlerDone:
	case <-time.After(time.Second):
		t.Fatalf("handler did not return")
	}
}

func TestWSErrorDefaults(t *testing.T) {
	var empty wsError
	if empty.status() != http.StatusInternalServerError || empty.reason() != "Internal Server Error" {
		t.Fatalf("unexpected defaults %d %q", empty.status(), empty.reason())
	}
	custom := wsError{Status: http.StatusNotFound, CloseCode: websocket.CloseGoingAway, Message: " gone "}
	if custom.closeCode() != websocket.CloseGoingAway || custom.reason() != "gone" {
		t.Fatalf("unexpected custom values %d %q", custom.closeCode(), custom.reason())
	}
}

func TestWriteWSErrorBeforeUpgrade(t *testing.T) {
	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	writeWSError(recorder, req, nil, nil, wsError{Status: http.StatusServiceUnavailable})
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "Service Unavailable") {
		t.Fatalf("expected status text body, got %q", recorder.Body.String())
	}
}

func TestCloseCodeForStatus(t *testing.T) {
	cases := map[int]int{
		http.StatusBadRequest:          websocket.CloseProtocolError,
		http.StatusUnauthorized:        websocket.ClosePolicyViolation,
		http.StatusNotFound:            websocket.ClosePolicyViolation,
		http.StatusServiceUnavailable:  websocket.CloseTryAgainLater,
		http.StatusInternalServerError: websocket.CloseInternalServerErr,
	}
	for status, want := range cases {
		if got := closeCodeForStatus(status); got != want {
			t.Fatalf("status %d: expected %d, got %d", status, want, got)
		}
	}
}

func TestTruncateCloseReason(t *testing.T) {
	long := strings.Repeat("x", 200)
	if got := truncateCloseReason(long); len(got) != 123 {
		t.Fatalf("expected 123 bytes, got %d", len(got))
	}
	if got := truncateCloseReason("short"); got != "short" {
		t.Fatalf("unexpected reason %q", got)
	}
}
