package api

import (
	"net/http"
	"strconv"
	"strings"

	"vaulthost/internal/vault"
)

type createVaultRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type vaultResponse struct {
	vault.Vault
	SubscriberCount int `json:"subscriber_count"`
}

func (h *RestHandler) handleVaults(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireEngine(); err != nil {
		return err
	}
	switch r.Method {
	case http.MethodGet:
		vaults := h.Engine.List()
		response := make([]vaultResponse, 0, len(vaults))
		for _, v := range vaults {
			response = append(response, vaultResponse{Vault: v, SubscriberCount: h.Hub.SubscriberCount(v.ID)})
		}
		writeJSON(w, http.StatusOK, response)
		return nil
	case http.MethodPost:
		var request createVaultRequest
		if err := decodeJSONBody(w, r, &request); err != nil {
			return err
		}
		if strings.TrimSpace(request.Path) == "" {
			return &apiError{Status: http.StatusBadRequest, Message: "missing vault path"}
		}
		created, err := h.Engine.Register(r.Context(), request.Name, request.Path)
		if err != nil {
			return apiErrorFromErr(err)
		}
		writeJSON(w, http.StatusCreated, vaultResponse{Vault: created})
		return nil
	default:
		return methodNotAllowed(w, "GET, POST")
	}
}

// handleVault dispatches everything below /api/vaults/{id}.
func (h *RestHandler) handleVault(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireEngine(); err != nil {
		return err
	}
	id, section, rest := parseVaultPath(r.URL.Path)
	if id == "" {
		return &apiError{Status: http.StatusNotFound, Message: "missing vault id"}
	}

	switch section {
	case "":
		return h.handleVaultRoot(w, r, id)
	case "files":
		if rest == "" {
			return h.handleFileCollection(w, r, id)
		}
		return h.handleFile(w, r, id, rest)
	case "rename":
		return h.handleRename(w, r, id)
	case "directories":
		return h.handleDirectories(w, r, id)
	case "conflicts":
		return h.handleConflicts(w, r, id)
	default:
		return &apiError{Status: http.StatusNotFound, Message: "not found"}
	}
}

func (h *RestHandler) handleVaultRoot(w http.ResponseWriter, r *http.Request, id string) *apiError {
	switch r.Method {
	case http.MethodGet:
		v, err := h.Engine.Get(id)
		if err != nil {
			return apiErrorFromErr(err)
		}
		writeJSON(w, http.StatusOK, vaultResponse{Vault: v, SubscriberCount: h.Hub.SubscriberCount(id)})
		return nil
	case http.MethodDelete:
		if err := h.Engine.Unregister(r.Context(), id); err != nil {
			return apiErrorFromErr(err)
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	default:
		return methodNotAllowed(w, "GET, DELETE")
	}
}

func (h *RestHandler) handleConflicts(w http.ResponseWriter, r *http.Request, id string) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	limit := 0
	if rawLimit := strings.TrimSpace(r.URL.Query().Get("limit")); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		limit = parsed
	}
	records, err := h.Engine.Conflicts(r.Context(), id, limit)
	if err != nil {
		return apiErrorFromErr(err)
	}
	writeJSON(w, http.StatusOK, records)
	return nil
}
