package api

import (
	"net/http"
	"strconv"
	"time"

	"vaulthost/internal/logging"
	"vaulthost/internal/metrics"
)

// apiError is returned by REST handlers and rendered as an errorResponse.
// Conflict responses also carry the backup path and the server's token.
type apiError struct {
	Status         int
	Message        string
	Code           string
	BackupPath     string
	ServerModified *time.Time
}

type apiHandler func(http.ResponseWriter, *http.Request) *apiError

const (
	cacheControlNoStore = "no-store, must-revalidate"
	cacheControlNoCache = "no-cache"
)

func withHeaders(cacheControl string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("Cache-Control", cacheControl)
		next.ServeHTTP(w, r)
	})
}

// restHandler authenticates the request and renders a returned apiError as JSON.
func restHandler(token string, handler apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", cacheControlNoStore)
		err := &apiError{Status: http.StatusUnauthorized, Message: "unauthorized"}
		if validateToken(r, token) {
			err = handler(w, r)
		}
		writeJSONError(w, err)
	}
}

func jsonNotFound(w http.ResponseWriter, r *http.Request) {
	restHandler("", func(http.ResponseWriter, *http.Request) *apiError {
		return &apiError{Status: http.StatusNotFound, Message: "not found"}
	})(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(data)
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// instrument logs each request once it completes and records it in registry
// under route, so vault ids and file paths never become metric labels.
func instrument(logger *logging.Logger, registry *metrics.Registry, route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)
		elapsed := time.Since(start)
		status := recorder.code()

		registry.ObserveHTTP(route, r.Method, status, elapsed)
		if !logger.Enabled(logging.LevelDebug) {
			return
		}
		fields := map[string]string{
			"http.route":  route,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      strconv.Itoa(status),
			"duration_ms": strconv.FormatInt(elapsed.Milliseconds(), 10),
		}
		if vaultID, _, _ := parseVaultPath(r.URL.Path); vaultID != "" {
			fields[logging.FieldVaultID] = vaultID
		}
		logger.Debug("api request", fields)
	})
}

func methodNotAllowed(w http.ResponseWriter, allow string) *apiError {
	w.Header().Set("Allow", allow)
	return &apiError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"}
}
