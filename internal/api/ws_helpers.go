package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"vaulthost/internal/logging"
)

const (
	wsBufferSize   = 1024
	wsWriteTimeout = 10 * time.Second
	// RFC 6455 caps a close frame payload at 125 bytes, two of them the code.
	maxCloseReasonBytes = 123
)

// wsError describes a failure on a websocket route. Before the upgrade it
// becomes a plain HTTP error; after it, an optional error envelope followed
// by a close frame.
type wsError struct {
	Status       int
	CloseCode    int
	Message      string
	Err          error
	SendEnvelope bool
}

type wsErrorPayload struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	CloseCode int    `json:"close_code,omitempty"`
}

func (e wsError) status() int {
	if e.Status == 0 {
		return http.StatusInternalServerError
	}
	return e.Status
}

func (e wsError) closeCode() int {
	if e.CloseCode != 0 {
		return e.CloseCode
	}
	return closeCodeForStatus(e.status())
}

func (e wsError) reason() string {
	if reason := strings.TrimSpace(e.Message); reason != "" {
		return reason
	}
	if text := http.StatusText(e.status()); text != "" {
		return text
	}
	return "websocket error"
}

func requireWSToken(w http.ResponseWriter, r *http.Request, token string, logger *logging.Logger) bool {
	if validateToken(r, token) {
		return true
	}
	writeWSError(w, r, nil, logger, wsError{
		Status:    http.StatusUnauthorized,
		CloseCode: websocket.ClosePolicyViolation,
		Message:   "unauthorized",
	})
	return false
}

func upgradeWebSocket(w http.ResponseWriter, r *http.Request, allowedOrigins []string) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, allowedOrigins)
		},
	}
	return upgrader.Upgrade(w, r, nil)
}

// writeJSONFrame writes one text frame under a fresh write deadline.
func writeJSONFrame(conn *websocket.Conn, payload any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

func writePingFrame(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// writeCloseFrame sends a close frame and drops the connection without
// waiting for the peer's reply.
func writeCloseFrame(conn *websocket.Conn, code int, reason string) {
	message := websocket.FormatCloseMessage(code, truncateCloseReason(reason))
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(wsWriteTimeout))
	_ = conn.Close()
}

func writeWSError(w http.ResponseWriter, r *http.Request, conn *websocket.Conn, logger *logging.Logger, wsErr wsError) {
	logWSError(logger, r, wsErr)

	if conn == nil {
		http.Error(w, wsErr.reason(), wsErr.status())
		return
	}
	if wsErr.SendEnvelope {
		_ = writeJSONFrame(conn, wsErrorPayload{
			Type:      "error",
			Message:   wsErr.reason(),
			Status:    wsErr.status(),
			CloseCode: wsErr.closeCode(),
		})
	}
	writeCloseFrame(conn, wsErr.closeCode(), wsErr.reason())
}

func logWSError(logger *logging.Logger, r *http.Request, wsErr wsError) {
	if logger == nil || r == nil {
		return
	}
	fields := map[string]string{
		"path":       r.URL.Path,
		"status":     strconv.Itoa(wsErr.status()),
		"close_code": strconv.Itoa(wsErr.closeCode()),
		"message":    wsErr.reason(),
	}
	if r.RemoteAddr != "" {
		fields["remote_addr"] = r.RemoteAddr
	}
	if wsErr.Err != nil {
		fields["error"] = wsErr.Err.Error()
	}
	level := logging.LevelWarning
	if wsErr.status() >= http.StatusInternalServerError {
		level = logging.LevelError
	}
	logger.Log(level, "websocket error", fields)
}

func closeCodeForStatus(status int) int {
	switch {
	case status == http.StatusBadRequest:
		return websocket.CloseProtocolError
	case status == http.StatusServiceUnavailable:
		return websocket.CloseTryAgainLater
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

func truncateCloseReason(reason string) string {
	if len(reason) <= maxCloseReasonBytes {
		return reason
	}
	return reason[:maxCloseReasonBytes]
}
