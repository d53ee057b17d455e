package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestNewRegistersCollectors verifies the collectors are usable and exposed by Handler.
func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectionsActive.Inc()
	m.ConnectionsActive.Inc()
	m.ConnectionsActive.Dec()
	m.RoomsActive.Set(3)
	m.FramesRelayed.WithLabelValues("chat").Inc()
	m.FramesDropped.WithLabelValues(DropQueueFull).Add(2)
	m.Deliveries.Add(5)

	if got := testutil.ToFloat64(m.ConnectionsActive); got != 1 {
		t.Errorf("Expected 1 active connection, got %v", got)
	}
	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues(DropQueueFull)); got != 2 {
		t.Errorf("Expected 2 dropped frames, got %v", got)
	}

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("Failed to scrape metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read metrics body: %v", err)
	}

	for _, name := range []string{
		"roomrelay_connections_active 1",
		"roomrelay_rooms_active 3",
		`roomrelay_frames_relayed_total{kind="chat"} 1`,
		"roomrelay_deliveries_total 5",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("Expected metrics output to contain %q", name)
		}
	}
}

// TestNewPanicsOnDoubleRegistration verifies collectors cannot be registered twice on one registry.
func TestNewPanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected second registration to panic")
		}
	}()
	New(reg)
}
