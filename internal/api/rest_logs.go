package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"vaulthost/internal/logging"
)

const defaultLogQueryLimit = 100

// clientLogRequest is a log line reported by a connected client. VaultID
// ties the line to a vault so it shows up in that vault's log view.
type clientLogRequest struct {
	Level   string            `json:"level"`
	Message string            `json:"message"`
	VaultID string            `json:"vault_id"`
	Context map[string]string `json:"context"`
}

func (h *RestHandler) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireLogger(); err != nil {
		return err
	}
	switch r.Method {
	case http.MethodGet:
		query, err := parseLogQuery(r)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, h.Logger.Buffer().Filter(query))
		return nil
	case http.MethodPost:
		return h.recordClientLog(w, r)
	default:
		return methodNotAllowed(w, "GET, POST")
	}
}

func (h *RestHandler) recordClientLog(w http.ResponseWriter, r *http.Request) *apiError {
	var request clientLogRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		return err
	}
	message := strings.TrimSpace(request.Message)
	if message == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "missing log message"}
	}
	level, apiErr := parseOptionalLevel(request.Level, logging.LevelInfo)
	if apiErr != nil {
		return apiErr
	}

	fields := make(map[string]string, len(request.Context)+2)
	for key, value := range request.Context {
		if strings.TrimSpace(key) != "" {
			fields[key] = value
		}
	}
	fields[logging.FieldSource] = "client"
	if vaultID := strings.TrimSpace(request.VaultID); vaultID != "" {
		fields[logging.FieldVaultID] = vaultID
	}
	h.Logger.Log(level, message, fields)

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// parseLogQuery reads limit, since (RFC 3339), level, category and vault_id.
func parseLogQuery(r *http.Request) (logging.Query, *apiError) {
	values := r.URL.Query()
	query := logging.Query{
		Limit:    defaultLogQueryLimit,
		Category: strings.TrimSpace(values.Get("category")),
		VaultID:  strings.TrimSpace(values.Get("vault_id")),
	}

	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		query.Limit = limit
	}
	if raw := strings.TrimSpace(values.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid since timestamp"}
		}
		query.Since = since
	}
	level, apiErr := parseOptionalLevel(values.Get("level"), "")
	if apiErr != nil {
		return query, apiErr
	}
	query.MinLevel = level
	return query, nil
}

func parseOptionalLevel(raw string, fallback logging.Level) (logging.Level, *apiError) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	level, ok := logging.ParseLevel(raw)
	if !ok {
		return "", &apiError{Status: http.StatusBadRequest, Message: "invalid log level"}
	}
	return level, nil
}
