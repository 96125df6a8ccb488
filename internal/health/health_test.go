package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/remediator/internal/core/domain"
	"github.com/vietddude/remediator/internal/infra/storage/memory"
)

// =============================================================================
// Mocks
// =============================================================================

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func newTestMonitor(interval time.Duration) (*Monitor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMonitor(interval)
	m.now = clock.now
	return m, clock
}

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_Healthy(t *testing.T) {
	m, _ := newTestMonitor(time.Minute)
	m.RecordCycle(nil)

	report := m.CheckHealth(context.Background())
	if report["poller"].Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", report["poller"].Status)
	}
	if report["poller"].LastSuccess == nil {
		t.Error("expected last success to be set")
	}
}

func TestMonitor_Degraded(t *testing.T) {
	m, _ := newTestMonitor(time.Minute)
	m.RecordCycle(errors.New("token expired"))

	health := m.CheckHealth(context.Background())["poller"]
	if health.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", health.Status)
	}
	if health.Error != "token expired" {
		t.Errorf("error = %q", health.Error)
	}
}

func TestMonitor_Critical(t *testing.T) {
	m, _ := newTestMonitor(time.Minute)
	for i := 0; i < 3; i++ {
		m.RecordCycle(errors.New("platform down"))
	}

	if status := m.CheckHealth(context.Background())["poller"].Status; status != StatusCritical {
		t.Errorf("expected critical, got %s", status)
	}
}

func TestMonitor_StaleCycle(t *testing.T) {
	m, clock := newTestMonitor(time.Minute)
	m.RecordCycle(nil)
	clock.t = clock.t.Add(5 * time.Minute)

	if status := m.CheckHealth(context.Background())["poller"].Status; status != StatusDegraded {
		t.Errorf("expected degraded for a stale loop, got %s", status)
	}
}

func TestMonitor_Dependencies(t *testing.T) {
	m, _ := newTestMonitor(time.Minute)
	m.AddDependency("store", PingFunc(func(ctx context.Context) error { return errors.New("gone") }), true)
	m.AddDependency("redis", PingFunc(func(ctx context.Context) error { return errors.New("gone") }), false)

	report := m.Report(context.Background())
	if report.Components["store"].Status != StatusCritical {
		t.Errorf("store = %s", report.Components["store"].Status)
	}
	if report.Components["redis"].Status != StatusDegraded {
		t.Errorf("redis = %s", report.Components["redis"].Status)
	}
	if report.SystemStatus != StatusCritical {
		t.Errorf("system = %s", report.SystemStatus)
	}
}

func TestServer_Endpoints(t *testing.T) {
	m, _ := newTestMonitor(time.Minute)
	for i := 0; i < 3; i++ {
		m.RecordCycle(errors.New("platform down"))
	}
	srv := httptest.NewServer(NewServer(m, nil, 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status code = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/health/detailed")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.SystemStatus != StatusCritical || report.Components["poller"].ConsecutiveFailures != 3 {
		t.Errorf("report = %+v", report)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestServer_Runs(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage(2)
	_ = store.UpsertRun(ctx, "R1", "copy_sales", domain.RunStatusRetrying, 1)
	_ = store.UpsertRun(ctx, "R2", "copy_sales", domain.RunStatusSucceeded, 2)
	_ = store.SeedRun(ctx, "R1-rerun", "copy_sales", "R1", 1)

	m, _ := newTestMonitor(time.Minute)
	srv := httptest.NewServer(NewServer(m, store, 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs?status=retrying")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var runs []runView
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "R1" || runs[0].RetryCount != 1 {
		t.Errorf("runs = %+v", runs)
	}

	resp2, err := http.Get(srv.URL + "/runs?limit=10")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	runs = nil
	if err := json.NewDecoder(resp2.Body).Decode(&runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("len = %d, want 3", len(runs))
	}

	for _, bad := range []string{"/runs?status=lost", "/runs?limit=-1"} {
		resp, err := http.Get(srv.URL + bad)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status code = %d", bad, resp.StatusCode)
		}
	}
}

func TestServer_RunsDisabledWithoutStore(t *testing.T) {
	m, _ := newTestMonitor(time.Minute)
	srv := httptest.NewServer(NewServer(m, nil, 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status code = %d", resp.StatusCode)
	}
}

func TestGRPCServer_Refresh(t *testing.T) {
	m, _ := newTestMonitor(time.Minute)
	g := NewGRPCServer(m, 0)

	g.Refresh(context.Background())
	resp, err := g.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %s", resp.Status)
	}

	for i := 0; i < 3; i++ {
		m.RecordCycle(errors.New("down"))
	}
	g.Refresh(context.Background())
	resp, _ = g.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %s", resp.Status)
	}
}
