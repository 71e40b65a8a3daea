package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vaulthost/internal/hub"
	"vaulthost/internal/logging"
	"vaulthost/internal/metrics"
)

const (
	DefaultPingInterval   = 25 * time.Second
	DefaultPongTimeout    = 60 * time.Second
	sessionOutboundBuffer = 64
	sessionReadLimit      = 64 << 10
)

// SessionHandler serves the push channel. A client subscribes to one vault at
// a time; a later subscribe message switches vaults.
type SessionHandler struct {
	Hub            *hub.Hub
	Logger         *logging.Logger
	Registry       *metrics.Registry
	AuthToken      string
	AllowedOrigins []string
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

type sessionClientMessage struct {
	Type    string   `json:"type"`
	VaultID string   `json:"vault_id"`
	Types   []string `json:"types,omitempty"`
}

type sessionAck struct {
	Type    string `json:"type"`
	VaultID string `json:"vault_id"`
}

// sessionClose asks the writer to send a close frame after everything queued before it.
type sessionClose struct {
	code   int
	reason string
}

type session struct {
	handler   *SessionHandler
	conn      *websocket.Conn
	channelID string
	logger    *logging.Logger
	outbound  chan any
	done      chan struct{}
	doneOnce  sync.Once

	mu      sync.Mutex
	current *hub.Subscription
}

func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireWSToken(w, r, h.AuthToken, h.Logger) {
		return
	}
	if h.Hub == nil {
		writeWSError(w, r, nil, h.Logger, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: "notification hub unavailable",
		})
		return
	}

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		logWSError(h.Logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}

	channelID := uuid.NewString()
	s := &session{
		handler:   h,
		conn:      conn,
		channelID: channelID,
		logger:    h.Logger.With(map[string]string{"channel_id": channelID}),
		outbound:  make(chan any, sessionOutboundBuffer),
		done:      make(chan struct{}),
	}
	h.Registry.AddSessions(1)
	defer h.Registry.AddSessions(-1)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()
	s.readLoop(r)

	s.stop()
	<-writerDone
	s.unsubscribe()
	_ = conn.Close()
	s.logger.Debug("session closed", nil)
}

func (h *SessionHandler) pingInterval() time.Duration {
	if h.PingInterval > 0 {
		return h.PingInterval
	}
	return DefaultPingInterval
}

func (h *SessionHandler) pongTimeout() time.Duration {
	if h.PongTimeout > 0 {
		return h.PongTimeout
	}
	return DefaultPongTimeout
}

func (s *session) readLoop(r *http.Request) {
	conn := s.conn
	pongTimeout := s.handler.pongTimeout()
	conn.SetReadLimit(sessionReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	subscribed := false
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		var message sessionClientMessage
		if err := json.Unmarshal(data, &message); err != nil {
			s.sendError(http.StatusBadRequest, "invalid message")
			continue
		}

		switch strings.ToLower(strings.TrimSpace(message.Type)) {
		case "subscribe":
			if s.subscribe(message) {
				subscribed = true
			}
		case "unsubscribe":
			s.unsubscribe()
		default:
			if !subscribed {
				s.closeWith(websocket.ClosePolicyViolation, "first message must be subscribe")
				logWSError(s.logger, r, wsError{
					Status:  http.StatusBadRequest,
					Message: "first message must be subscribe",
				})
				return
			}
			s.sendError(http.StatusBadRequest, "unknown message type")
		}
	}
}

// subscribe replaces the session's subscription. The hub closes the old one
// before the new one is registered.
func (s *session) subscribe(message sessionClientMessage) bool {
	vaultID := strings.TrimSpace(message.VaultID)
	if vaultID == "" {
		s.sendError(http.StatusBadRequest, "vault_id is required")
		return false
	}
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	subscription, err := s.handler.Hub.Subscribe(vaultID, s.channelID, message.Types...)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, hub.ErrVaultNotOpen) {
			status = http.StatusNotFound
		}
		s.sendError(status, err.Error())
		return false
	}

	s.mu.Lock()
	s.current = subscription
	s.mu.Unlock()
	if !s.enqueue(sessionAck{Type: "subscribed", VaultID: vaultID}) {
		subscription.Close()
		return false
	}
	go s.forward(subscription)
	s.logger.Debug("session subscribed", map[string]string{logging.FieldVaultID: vaultID})
	return true
}

func (s *session) unsubscribe() {
	s.mu.Lock()
	current := s.current
	s.current = nil
	s.mu.Unlock()
	current.Close()
}

// forward copies one subscription's notifications to the writer. When the
// hub ends a subscription that is still current, the socket is closed.
func (s *session) forward(subscription *hub.Subscription) {
	for notification := range subscription.Events() {
		if !s.forwardCurrent(subscription, notification) {
			subscription.Close()
			return
		}
	}
	s.mu.Lock()
	stillCurrent := s.current == subscription
	if stillCurrent {
		s.current = nil
	}
	s.mu.Unlock()
	if stillCurrent {
		s.closeWith(websocket.CloseGoingAway, "subscription closed")
	}
}

// forwardCurrent enqueues notification only while subscription is the
// session's current one. A replaced subscription may still hold buffered
// notifications for the previous vault; those are dropped. s.mu is held
// across the enqueue so a switch cannot slip its ack in between.
func (s *session) forwardCurrent(subscription *hub.Subscription, notification hub.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != subscription {
		return false
	}
	return s.enqueue(notification)
}

func (s *session) enqueue(message any) bool {
	select {
	case s.outbound <- message:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) sendError(status int, message string) {
	s.enqueue(wsErrorPayload{Type: "error", Message: message, Status: status})
}

func (s *session) closeWith(code int, reason string) {
	s.enqueue(sessionClose{code: code, reason: reason})
}

func (s *session) stop() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

// writeLoop is the only writer of data frames. It also sends keepalive pings.
func (s *session) writeLoop() {
	conn := s.conn
	ticker := time.NewTicker(s.handler.pingInterval())
	defer ticker.Stop()
	for {
		select {
		case message := <-s.outbound:
			if closing, ok := message.(sessionClose); ok {
				writeCloseFrame(conn, closing.code, closing.reason)
				return
			}
			if err := writeJSONFrame(conn, message); err != nil {
				s.logger.Debug("session send failed", map[string]string{"error": err.Error()})
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := writePingFrame(conn); err != nil {
				_ = conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}
