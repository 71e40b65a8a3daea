package api

import (
	"net/http"
	"time"

	"vaulthost/internal/vault"
)

type writeFileRequest struct {
	Content      string     `json:"content"`
	LastModified *time.Time `json:"last_modified"`
}

type createFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type writeFileResponse struct {
	Path     string    `json:"path"`
	Modified time.Time `json:"modified"`
	Created  bool      `json:"created,omitempty"`
}

type deleteFileResponse struct {
	Path      string `json:"path"`
	TrashPath string `json:"trash_path"`
}

type renameRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Strategy string `json:"strategy"`
}

type renameResponse struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type createDirectoryRequest struct {
	Path string `json:"path"`
}

type createDirectoryResponse struct {
	Path string `json:"path"`
}

func (h *RestHandler) handleFileCollection(w http.ResponseWriter, r *http.Request, id string) *apiError {
	switch r.Method {
	case http.MethodGet:
		tree, err := h.Engine.Tree(id)
		if err != nil {
			return apiErrorFromErr(err)
		}
		writeJSON(w, http.StatusOK, tree)
		return nil
	case http.MethodPost:
		var request createFileRequest
		if err := decodeJSONBody(w, r, &request); err != nil {
			return err
		}
		result, err := h.Engine.CreateFile(r.Context(), id, request.Path, []byte(request.Content))
		if err != nil {
			return apiErrorFromErr(err)
		}
		writeJSON(w, http.StatusCreated, writeFileResponse{Path: result.Path, Modified: result.ModifiedAt.UTC(), Created: true})
		return nil
	default:
		return methodNotAllowed(w, "GET, POST")
	}
}

func (h *RestHandler) handleFile(w http.ResponseWriter, r *http.Request, id, filePath string) *apiError {
	switch r.Method {
	case http.MethodGet:
		content, err := h.Engine.ReadFile(id, filePath)
		if err != nil {
			return apiErrorFromErr(err)
		}
		writeJSON(w, http.StatusOK, content)
		return nil
	case http.MethodPut:
		var request writeFileRequest
		if err := decodeJSONBody(w, r, &request); err != nil {
			return err
		}
		result, err := h.Engine.WriteFile(r.Context(), id, filePath, []byte(request.Content), request.LastModified)
		if err != nil {
			return apiErrorFromErr(err)
		}
		writeJSON(w, http.StatusOK, writeFileResponse{Path: result.Path, Modified: result.ModifiedAt.UTC(), Created: result.Created})
		return nil
	case http.MethodDelete:
		trashPath, err := h.Engine.DeleteFile(id, filePath)
		if err != nil {
			return apiErrorFromErr(err)
		}
		writeJSON(w, http.StatusOK, deleteFileResponse{Path: filePath, TrashPath: trashPath})
		return nil
	default:
		return methodNotAllowed(w, "GET, PUT, DELETE")
	}
}

func (h *RestHandler) handleRename(w http.ResponseWriter, r *http.Request, id string) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, "POST")
	}
	var request renameRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		return err
	}
	strategy, err := vault.ParseRenameStrategy(request.Strategy)
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	final, err := h.Engine.Rename(id, request.From, request.To, strategy)
	if err != nil {
		return apiErrorFromErr(err)
	}
	writeJSON(w, http.StatusOK, renameResponse{From: request.From, To: final})
	return nil
}

func (h *RestHandler) handleDirectories(w http.ResponseWriter, r *http.Request, id string) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, "POST")
	}
	var request createDirectoryRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		return err
	}
	created, err := h.Engine.CreateDirectory(id, request.Path)
	if err != nil {
		return apiErrorFromErr(err)
	}
	writeJSON(w, http.StatusCreated, createDirectoryResponse{Path: created})
	return nil
}
