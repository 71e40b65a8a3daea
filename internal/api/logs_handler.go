package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"vaulthost/internal/logging"
)

const logSnapshotLimit = 200

// LogsHandler streams log entries over a websocket: first the newest buffered
// entries that match the filter, then live ones. The client may replace the
// filter at any time by sending a logStreamFilter message.
type LogsHandler struct {
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
	PingInterval   time.Duration
}

type logStreamFilter struct {
	Level    string `json:"level"`
	Category string `json:"category"`
	VaultID  string `json:"vault_id"`
}

// query ignores an unknown level rather than rejecting the stream.
func (f logStreamFilter) query() *logging.Query {
	level, _ := logging.ParseLevel(f.Level)
	return &logging.Query{
		MinLevel: level,
		Category: strings.TrimSpace(f.Category),
		VaultID:  strings.TrimSpace(f.VaultID),
	}
}

func (h *LogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireWSToken(w, r, h.AuthToken, h.Logger) {
		return
	}
	if h.Logger == nil {
		writeWSError(w, r, nil, nil, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: "log stream unavailable",
		})
		return
	}

	params := r.URL.Query()
	var filter atomic.Pointer[logging.Query]
	filter.Store(logStreamFilter{
		Level:    params.Get("level"),
		Category: params.Get("category"),
		VaultID:  params.Get("vault_id"),
	}.query())

	entries, cancel := h.Logger.Subscribe()
	defer cancel()

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		logWSError(h.Logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}
	defer conn.Close()

	snapshot := *filter.Load()
	snapshot.Limit = logSnapshotLimit
	for _, entry := range h.Logger.Buffer().Filter(snapshot) {
		if err := writeJSONFrame(conn, entry); err != nil {
			return
		}
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		readLogFilters(conn, &filter)
	}()

	interval := h.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				writeCloseFrame(conn, websocket.CloseGoingAway, "log stream closed")
				return
			}
			if !filter.Load().Matches(entry) {
				continue
			}
			if err := writeJSONFrame(conn, entry); err != nil {
				return
			}
		case <-ticker.C:
			if err := writePingFrame(conn); err != nil {
				return
			}
		case <-readerDone:
			return
		}
	}
}

// readLogFilters applies filter messages until the connection fails.
// Malformed messages are ignored.
func readLogFilters(conn *websocket.Conn, filter *atomic.Pointer[logging.Query]) {
	conn.SetReadLimit(sessionReadLimit)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var message logStreamFilter
		if err := json.Unmarshal(data, &message); err != nil {
			continue
		}
		filter.Store(message.query())
	}
}
