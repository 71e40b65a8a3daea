package api

import (
	"net/http"
	"strings"
	"time"

	"vaulthost/internal/hub"
	"vaulthost/internal/logging"
	"vaulthost/internal/vault"
	"vaulthost/internal/version"
)

type RestHandler struct {
	Engine *vault.Engine
	Hub    *hub.Hub
	Logger *logging.Logger
}

type statusResponse struct {
	ServerTime      time.Time           `json:"server_time"`
	VaultCount      int                 `json:"vault_count"`
	SubscriberCount int                 `json:"subscriber_count"`
	Version         version.VersionInfo `json:"version"`
}

func (h *RestHandler) requireEngine() *apiError {
	if h.Engine == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "vault engine unavailable"}
	}
	return nil
}

func (h *RestHandler) requireLogger() *apiError {
	if h.Logger == nil || h.Logger.Buffer() == nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "log buffer unavailable"}
	}
	return nil
}

func (h *RestHandler) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if err := h.requireEngine(); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, statusResponse{
		ServerTime:      time.Now().UTC(),
		VaultCount:      len(h.Engine.List()),
		SubscriberCount: h.Hub.TotalSubscribers(),
		Version:         version.GetVersionInfo(),
	})
	return nil
}

// parseVaultPath splits /api/vaults/{id}[/{section}[/{rest...}]].
func parseVaultPath(urlPath string) (id, section, rest string) {
	trimmed := strings.TrimPrefix(urlPath, "/api/vaults/")
	parts := strings.SplitN(trimmed, "/", 3)
	id = parts[0]
	if len(parts) > 1 {
		section = parts[1]
	}
	if len(parts) > 2 {
		rest = parts[2]
	}
	return id, section, rest
}
