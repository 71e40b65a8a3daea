package api

import (
	"context"
	"errors"
	"net/http"

	"vaulthost/internal/conflict"
	"vaulthost/internal/fsutil"
	"vaulthost/internal/hub"
	"vaulthost/internal/vault"
)

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if status >= http.StatusInternalServerError {
			return "internal_error"
		}
	}
	return ""
}

// apiErrorFromErr maps engine errors onto HTTP statuses.
func apiErrorFromErr(err error) *apiError {
	if err == nil {
		return nil
	}
	var conflictErr *conflict.Error
	switch {
	case errors.As(err, &conflictErr):
		apiErr := &apiError{
			Status:     http.StatusConflict,
			Message:    err.Error(),
			Code:       "conflict",
			BackupPath: conflictErr.Record.BackupPath,
		}
		if !conflictErr.Record.ServerVersionModifiedAt.IsZero() {
			modified := conflictErr.Record.ServerVersionModifiedAt
			apiErr.ServerModified = &modified
		}
		return apiErr
	case errors.Is(err, fsutil.ErrInvalidPath):
		return &apiError{Status: http.StatusBadRequest, Message: err.Error(), Code: "invalid_path"}
	case errors.Is(err, vault.ErrNotFound), errors.Is(err, hub.ErrVaultNotOpen):
		return &apiError{Status: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, vault.ErrExists):
		return &apiError{Status: http.StatusConflict, Message: err.Error(), Code: "exists"}
	case errors.Is(err, vault.ErrUnavailable):
		return &apiError{Status: http.StatusServiceUnavailable, Message: err.Error(), Code: "vault_unavailable"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &apiError{Status: http.StatusServiceUnavailable, Message: "request cancelled"}
	default:
		return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
}
