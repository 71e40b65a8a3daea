package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vaulthost"

// Registry owns the process collectors. A nil *Registry records nothing.
type Registry struct {
	registry *prometheus.Registry

	eventsPublished  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	subscribers      *prometheus.GaugeVec
	watcherRestarts  *prometheus.CounterVec
	watcherFailures  *prometheus.CounterVec
	debouncedEvents  *prometheus.CounterVec
	conflicts        *prometheus.CounterVec
	writes           *prometheus.CounterVec
	sessions         prometheus.Gauge
	reconnects       prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	vaultsRegistered prometheus.Gauge
}

var Default = NewRegistry()

func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published on a bus.",
		}, []string{"bus", "type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events not delivered to a subscriber.",
		}, []string{"bus", "type"}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Active subscribers per bus.",
		}, []string{"bus", "filtered"}),
		watcherRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_restarts_total",
			Help:      "Watch source restart attempts.",
		}, []string{"vault"}),
		watcherFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_failures_total",
			Help:      "Watch sources that failed terminally.",
		}, []string{"reason"}),
		debouncedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debounced_events_total",
			Help:      "Coalesced change events emitted by debouncers.",
		}, []string{"kind"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_conflicts_total",
			Help:      "Writes rejected because the server version changed.",
		}, []string{"reason"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Conflict-checked writes by outcome.",
		}, []string{"outcome"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_sessions",
			Help:      "Open websocket sessions.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_reconnects_total",
			Help:      "Successful client session reconnects.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		vaultsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vaults",
			Help:      "Registered vaults.",
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.eventsPublished,
		r.eventsDropped,
		r.subscribers,
		r.watcherRestarts,
		r.watcherFailures,
		r.debouncedEvents,
		r.conflicts,
		r.writes,
		r.sessions,
		r.reconnects,
		r.httpRequests,
		r.httpDuration,
		r.vaultsRegistered,
	)
	return r
}

// Handler serves the Prometheus exposition for this registry.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	r.eventsPublished.WithLabelValues(label(bus), label(eventType)).Inc()
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	r.eventsDropped.WithLabelValues(label(bus), label(eventType)).Inc()
}

func (r *Registry) SetEventSubscriberCounts(bus string, filtered, unfiltered int) {
	if r == nil {
		return
	}
	r.subscribers.WithLabelValues(label(bus), "true").Set(float64(filtered))
	r.subscribers.WithLabelValues(label(bus), "false").Set(float64(unfiltered))
}

// ForgetBus drops per-bus series once a vault topic is closed.
func (r *Registry) ForgetBus(bus string) {
	if r == nil {
		return
	}
	r.subscribers.DeletePartialMatch(prometheus.Labels{"bus": label(bus)})
	r.eventsPublished.DeletePartialMatch(prometheus.Labels{"bus": label(bus)})
	r.eventsDropped.DeletePartialMatch(prometheus.Labels{"bus": label(bus)})
}

func (r *Registry) IncWatcherRestart(vaultID string) {
	if r == nil {
		return
	}
	r.watcherRestarts.WithLabelValues(label(vaultID)).Inc()
}

// ForgetVault drops the vault-labelled watcher series once a vault is torn
// down.
func (r *Registry) ForgetVault(vaultID string) {
	if r == nil {
		return
	}
	r.watcherRestarts.DeletePartialMatch(prometheus.Labels{"vault": label(vaultID)})
}

func (r *Registry) IncWatcherFailure(reason string) {
	if r == nil {
		return
	}
	r.watcherFailures.WithLabelValues(label(reason)).Inc()
}

func (r *Registry) IncDebounced(kind string) {
	if r == nil {
		return
	}
	r.debouncedEvents.WithLabelValues(label(kind)).Inc()
}

func (r *Registry) IncConflict(reason string) {
	if r == nil {
		return
	}
	r.conflicts.WithLabelValues(label(reason)).Inc()
}

func (r *Registry) IncWrite(outcome string) {
	if r == nil {
		return
	}
	r.writes.WithLabelValues(label(outcome)).Inc()
}

func (r *Registry) AddSessions(delta int) {
	if r == nil {
		return
	}
	r.sessions.Add(float64(delta))
}

func (r *Registry) IncReconnect() {
	if r == nil {
		return
	}
	r.reconnects.Inc()
}

func (r *Registry) SetVaults(count int) {
	if r == nil {
		return
	}
	r.vaultsRegistered.Set(float64(count))
}

func (r *Registry) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(label(route), method, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(label(route)).Observe(duration.Seconds())
}

func label(value string) string {
	if strings.TrimSpace(value) == "" {
		return "unknown"
	}
	return value
}
