package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistryCountsEvents(t *testing.T) {
	registry := NewRegistry()
	registry.IncEventPublished("vault:a", "file_changed")
	registry.IncEventPublished("vault:a", "file_changed")
	registry.IncEventDropped("vault:a", "")

	if got := testutil.ToFloat64(registry.eventsPublished.WithLabelValues("vault:a", "file_changed")); got != 2 {
		t.Fatalf("expected 2 published, got %v", got)
	}
	if got := testutil.ToFloat64(registry.eventsDropped.WithLabelValues("vault:a", "unknown")); got != 1 {
		t.Fatalf("expected 1 dropped with unknown type, got %v", got)
	}
}

func TestRegistryForgetBus(t *testing.T) {
	registry := NewRegistry()
	registry.SetEventSubscriberCounts("vault:a", 0, 3)
	registry.SetEventSubscriberCounts("vault:b", 0, 1)
	registry.ForgetBus("vault:a")

	if got := testutil.CollectAndCount(registry.subscribers); got != 2 {
		t.Fatalf("expected only vault:b series to remain, got %d", got)
	}
}

func TestRegistryForgetVault(t *testing.T) {
	registry := NewRegistry()
	registry.IncWatcherRestart("a")
	registry.IncWatcherRestart("a")
	registry.IncWatcherRestart("b")
	registry.ForgetVault("a")

	if got := testutil.CollectAndCount(registry.watcherRestarts); got != 1 {
		t.Fatalf("expected only the b series to remain, got %d", got)
	}
	if got := testutil.ToFloat64(registry.watcherRestarts.WithLabelValues("b")); got != 1 {
		t.Fatalf("expected 1 restart for b, got %v", got)
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var registry *Registry
	registry.IncEventPublished("bus", "type")
	registry.IncConflict("mismatch")
	registry.ObserveHTTP("/api/status", http.MethodGet, 200, time.Millisecond)
	registry.AddSessions(1)
	registry.ForgetVault("a")
}

func TestHandlerServesExposition(t *testing.T) {
	registry := NewRegistry()
	registry.IncConflict("mismatch")
	registry.ObserveHTTP("/api/status", http.MethodGet, 200, 5*time.Millisecond)

	server := httptest.NewServer(registry.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	for _, want := range []string{
		`vaulthost_write_conflicts_total{reason="mismatch"} 1`,
		`vaulthost_http_requests_total{method="GET",route="/api/status",status="200"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in exposition", want)
		}
	}
}
