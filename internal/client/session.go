package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"vaulthost/internal/logging"
	"vaulthost/internal/metrics"
)

const (
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
	DefaultMultiplier      = 2.0
	handshakeTimeout       = 10 * time.Second
)

var (
	ErrUnauthorized  = errors.New("session unauthorized")
	ErrVaultNotFound = errors.New("vault not found")
	ErrVaultClosed   = errors.New("vault closed by server")
)

type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateErrored    State = "errored"
)

// Notification mirrors the JSON pushed by the server for a subscribed vault.
type Notification struct {
	Type              string     `json:"type"`
	VaultID           string     `json:"vault_id"`
	EventType         string     `json:"event_type,omitempty"`
	Path              string     `json:"path,omitempty"`
	From              string     `json:"from,omitempty"`
	To                string     `json:"to,omitempty"`
	IsDir             bool       `json:"is_dir,omitempty"`
	BackupPath        string     `json:"backup_path,omitempty"`
	ClientPreservedAt *time.Time `json:"client_preserved_at,omitempty"`
	ServerModifiedAt  *time.Time `json:"server_modified_at,omitempty"`
	Message           string     `json:"message,omitempty"`
	Status            int        `json:"status,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

type SessionOptions struct {
	BaseURL string
	Token   string
	VaultID string
	Types   []string
	Dialer  *websocket.Dialer

	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	Logger         *logging.Logger
	Registry       *metrics.Registry
	OnNotification func(Notification)
	OnStateChange  func(State)
	// OnReconnect runs after every successful re-subscribe so callers can
	// refetch state they may have missed while disconnected.
	OnReconnect func(attempt int)
}

// Session keeps one websocket subscription to a vault alive, reconnecting
// with capped exponential backoff.
type Session struct {
	options SessionOptions
	logger  *logging.Logger
	policy  *backoff.ExponentialBackOff

	mu    sync.Mutex
	state State
}

type subscribeMessage struct {
	Type    string   `json:"type"`
	VaultID string   `json:"vault_id"`
	Types   []string `json:"types,omitempty"`
}

func NewSession(options SessionOptions) (*Session, error) {
	if strings.TrimSpace(options.BaseURL) == "" {
		return nil, errors.New("base URL is required")
	}
	if strings.TrimSpace(options.VaultID) == "" {
		return nil, errors.New("vault id is required")
	}
	if options.Dialer == nil {
		options.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	return &Session{
		options: options,
		logger:  options.Logger.Component("client").Vault(options.VaultID),
		policy:  newReconnectBackOff(options),
		state:   StateClosed,
	}, nil
}

func newReconnectBackOff(options SessionOptions) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = positiveDuration(options.InitialInterval, DefaultInitialInterval)
	policy.MaxInterval = positiveDuration(options.MaxInterval, DefaultMaxInterval)
	policy.Multiplier = DefaultMultiplier
	if options.Multiplier > 1 {
		policy.Multiplier = options.Multiplier
	}
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run connects and keeps reconnecting until ctx ends or the server rejects
// the session for good. It returns nil when ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		s.setState(StateConnecting)
		subscribed, err := s.serve(ctx, attempt)
		if ctx.Err() != nil {
			s.setState(StateClosed)
			return nil
		}
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrVaultNotFound) || errors.Is(err, ErrVaultClosed) {
			s.setState(StateClosed)
			return err
		}
		s.setState(StateErrored)
		if subscribed {
			s.policy.Reset()
		}
		attempt++
		delay := s.policy.NextBackOff()
		fields := map[string]string{"attempt": fmt.Sprint(attempt), "delay": delay.String()}
		if err != nil {
			fields["error"] = err.Error()
		}
		s.logger.Warn("session disconnected", fields)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateClosed)
			return nil
		case <-timer.C:
		}
	}
}

// serve runs one connection. subscribed reports whether the server
// acknowledged the subscription before the connection ended.
func (s *Session) serve(ctx context.Context, attempt int) (subscribed bool, err error) {
	endpoint, err := sessionURL(s.options.BaseURL, s.options.Token)
	if err != nil {
		return false, err
	}
	conn, response, err := s.options.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			return false, ErrUnauthorized
		}
		return false, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	if err := conn.WriteJSON(subscribeMessage{Type: "subscribe", VaultID: s.options.VaultID, Types: s.options.Types}); err != nil {
		return false, err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return subscribed, err
		}
		var notification Notification
		if err := json.Unmarshal(data, &notification); err != nil {
			s.logger.Warn("invalid session message", map[string]string{"error": err.Error()})
			continue
		}

		switch notification.Type {
		case "subscribed":
			subscribed = true
			s.setState(StateOpen)
			if attempt > 0 {
				s.options.Registry.IncReconnect()
				s.logger.Info("session reconnected", map[string]string{"attempt": fmt.Sprint(attempt)})
				if s.options.OnReconnect != nil {
					s.options.OnReconnect(attempt)
				}
			}
		case "error":
			if notification.Status == http.StatusNotFound {
				return subscribed, fmt.Errorf("%w: %s", ErrVaultNotFound, notification.Message)
			}
			s.logger.Warn("session error", map[string]string{"message": notification.Message})
		default:
			if s.options.OnNotification != nil {
				s.options.OnNotification(notification)
			}
			if notification.Type == "vault_closed" {
				return subscribed, ErrVaultClosed
			}
		}
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed && s.options.OnStateChange != nil {
		s.options.OnStateChange(state)
	}
}

func sessionURL(baseURL, token string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	if token = strings.TrimSpace(token); token != "" {
		query := parsed.Query()
		query.Set("token", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func positiveDuration(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
