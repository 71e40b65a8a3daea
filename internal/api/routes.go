package api

import (
	"net/http"
	"time"

	"vaulthost/internal/hub"
	"vaulthost/internal/logging"
	"vaulthost/internal/metrics"
	"vaulthost/internal/vault"
)

// Options configures the routes registered by RegisterRoutes.
type Options struct {
	Engine         *vault.Engine
	Hub            *hub.Hub
	Logger         *logging.Logger
	Registry       *metrics.Registry
	AuthToken      string
	AllowedOrigins []string
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

func RegisterRoutes(mux *http.ServeMux, options Options) {
	logger := options.Logger.Component("api")
	rest := &RestHandler{
		Engine: options.Engine,
		Hub:    options.Hub,
		Logger: options.Logger,
	}

	route := func(pattern string, handler apiHandler) {
		mux.Handle(pattern, instrument(logger, options.Registry, pattern, restHandler(options.AuthToken, handler)))
	}

	route("/api/status", rest.handleStatus)
	route("/api/logs", rest.handleLogs)
	route("/api/vaults", rest.handleVaults)
	route("/api/vaults/", rest.handleVault)

	mux.Handle("/ws", &SessionHandler{
		Hub:            options.Hub,
		Logger:         options.Logger.Component("session"),
		Registry:       options.Registry,
		AuthToken:      options.AuthToken,
		AllowedOrigins: options.AllowedOrigins,
		PingInterval:   options.PingInterval,
		PongTimeout:    options.PongTimeout,
	})
	mux.Handle("/ws/logs", &LogsHandler{
		Logger:         options.Logger,
		AuthToken:      options.AuthToken,
		AllowedOrigins: options.AllowedOrigins,
		PingInterval:   options.PingInterval,
	})
	if options.Registry != nil {
		mux.Handle("/metrics", withHeaders(cacheControlNoCache, options.Registry.Handler()))
	}

	mux.HandleFunc("/api/", jsonNotFound)
	mux.Handle("/", withHeaders(cacheControlNoCache, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("vaulthost ok\n"))
	})))
}
