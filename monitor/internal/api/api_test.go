package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/portal-health/monitor/internal/snapshot"
	"github.com/pilot-net/portal-health/monitor/internal/store"
	"github.com/pilot-net/portal-health/monitor/internal/testutil"
	"github.com/pilot-net/portal-health/pkg/types"
)

// fakeSource is a scripted SnapshotSource.
type fakeSource struct {
	mu        sync.Mutex
	current   *types.Snapshot
	previous  *types.Snapshot
	refreshFn func(classes []string) (*types.Snapshot, error)
	refreshes [][]string
}

func (f *fakeSource) Current() (*types.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.current != nil
}

func (f *fakeSource) Previous() (*types.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.previous, f.previous != nil
}

func (f *fakeSource) Refresh(ctx context.Context, classes ...string) (*types.Snapshot, error) {
	f.mu.Lock()
	f.refreshes = append(f.refreshes, classes)
	fn := f.refreshFn
	f.mu.Unlock()

	if fn == nil {
		snap, _ := f.Current()
		return snap, nil
	}
	snap, err := fn(classes)
	if err == nil && snap != nil {
		f.mu.Lock()
		f.previous, f.current = f.current, snap
		f.mu.Unlock()
	}
	return snap, err
}

func (f *fakeSource) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refreshes)
}

func (f *fakeSource) ClassStatuses() []snapshot.ClassStatus {
	return []snapshot.ClassStatus{{Name: "live", Interval: 5 * time.Second, Probes: 4, Refreshes: 3}}
}

func newTestServer(t *testing.T, src SnapshotSource, opts Options) *Server {
	t.Helper()
	if opts.RefreshRate == 0 {
		opts.RefreshRate = 1000
		opts.RefreshBurst = 1000
	}
	return NewServer(src, opts, testutil.NewTestLogger())
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))

	var body map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decoding %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, body
}

const base = "/api/system-monitoring"

func TestMetrics(t *testing.T) {
	src := &fakeSource{current: testutil.FixtureSnapshot()}
	s := newTestServer(t, src, Options{})

	rec, body := do(t, s, "GET", base+"/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	metrics := body["metrics"].([]any)
	if len(metrics) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(metrics))
	}
	m := metrics[0].(map[string]any)
	if m["name"] != "CPU Usage" || m["status"] != "healthy" || m["unit"] != "%" {
		t.Errorf("unexpected metric: %v", m)
	}
	if body["sequence"].(float64) != 1 {
		t.Errorf("sequence: %v", body["sequence"])
	}
	if _, ok := body["stale"]; ok {
		t.Error("stale should be omitted for a fresh snapshot")
	}
	if src.Refreshes() != 0 {
		t.Error("warm read should not refresh")
	}
}

func TestServices(t *testing.T) {
	src := &fakeSource{current: testutil.FixtureSnapshot(func(s *types.Snapshot) { s.Stale = true })}
	s := newTestServer(t, src, Options{})

	rec, body := do(t, s, "GET", base+"/services")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	svc := body["services"].([]any)[0].(map[string]any)
	if svc["name"] != "Backstage Backend" || svc["uptimeRatio"].(float64) != 1 {
		t.Errorf("unexpected service: %v", svc)
	}
	if body["stale"] != true {
		t.Error("stale flag should be passed through")
	}
	if _, ok := body["metrics"]; ok {
		t.Error("services response should not carry metrics")
	}
}

func TestColdStart_RefreshesOnce(t *testing.T) {
	src := &fakeSource{refreshFn: func([]string) (*types.Snapshot, error) {
		return testutil.FixtureSnapshot(), nil
	}}
	s := newTestServer(t, src, Options{})

	rec, _ := do(t, s, "GET", base+"/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	do(t, s, "GET", base+"/services")
	if src.Refreshes() != 1 {
		t.Errorf("expected one cold-start refresh, got %d", src.Refreshes())
	}
}

func TestColdStart_FailureIs500(t *testing.T) {
	src := &fakeSource{refreshFn: func([]string) (*types.Snapshot, error) {
		return nil, fmt.Errorf("class live: %w", errors.New("aggregation failed"))
	}}
	s := newTestServer(t, src, Options{})

	for _, path := range []string{"/metrics", "/services", "/snapshot"} {
		rec, body := do(t, s, "GET", base+path)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("%s: status %d, want 500", path, rec.Code)
		}
		if !strings.Contains(body["error"].(string), "aggregation failed") {
			t.Errorf("%s: error %v", path, body["error"])
		}
	}
}

func TestRefresh(t *testing.T) {
	seq := uint64(1)
	src := &fakeSource{
		current: testutil.FixtureSnapshot(),
		refreshFn: func([]string) (*types.Snapshot, error) {
			seq++
			return testutil.FixtureSnapshot(func(s *types.Snapshot) { s.Sequence = seq }), nil
		},
	}
	s := newTestServer(t, src, Options{})

	rec, body := do(t, s, "POST", base+"/refresh?class=live,%20status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	snap := body["snapshot"].(map[string]any)
	if snap["sequence"].(float64) != 2 || body["stale"] != false {
		t.Errorf("unexpected response: %v", body)
	}
	if got := src.refreshes[0]; len(got) != 2 || got[0] != "live" || got[1] != "status" {
		t.Errorf("classes: got %v", got)
	}
}

func TestRefresh_FailureServesPreviousAsStale(t *testing.T) {
	src := &fakeSource{
		current: testutil.FixtureSnapshot(),
		refreshFn: func([]string) (*types.Snapshot, error) {
			return testutil.FixtureSnapshot(), errors.New("aggregation failed: 1 of 4 probes reported")
		},
	}
	s := newTestServer(t, src, Options{})

	rec, body := do(t, s, "POST", base+"/refresh")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if body["stale"] != true || body["snapshot"] == nil || body["error"] == nil {
		t.Errorf("unexpected response: %v", body)
	}
}

func TestRefresh_ColdStartFailure(t *testing.T) {
	src := &fakeSource{refreshFn: func([]string) (*types.Snapshot, error) {
		return nil, snapshot.ErrNotInitialized
	}}
	s := newTestServer(t, src, Options{})

	rec, _ := do(t, s, "POST", base+"/refresh")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status: got %d, want 500", rec.Code)
	}
}

func TestRefresh_UnknownClass(t *testing.T) {
	src := &fakeSource{
		current: testutil.FixtureSnapshot(),
		refreshFn: func(classes []string) (*types.Snapshot, error) {
			return testutil.FixtureSnapshot(), fmt.Errorf("%w: %s", snapshot.ErrUnknownClass, classes[0])
		},
	}
	s := newTestServer(t, src, Options{})

	rec, body := do(t, s, "POST", base+"/refresh?class=bogus")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
	if !strings.Contains(body["error"].(string), "bogus") {
		t.Errorf("error: %v", body["error"])
	}
}

func TestRefresh_Throttled(t *testing.T) {
	src := &fakeSource{
		current: testutil.FixtureSnapshot(),
		refreshFn: func([]string) (*types.Snapshot, error) {
			return testutil.FixtureSnapshot(), nil
		},
	}
	s := newTestServer(t, src, Options{RefreshRate: 0.001, RefreshBurst: 1})

	do(t, s, "POST", base+"/refresh")
	rec, body := do(t, s, "POST", base+"/refresh")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if body["throttled"] != true || body["snapshot"] == nil {
		t.Errorf("expected throttled response with snapshot: %v", body)
	}
	if src.Refreshes() != 1 {
		t.Errorf("throttled call should not refresh: %d refreshes", src.Refreshes())
	}
}

func TestChanges(t *testing.T) {
	prev := testutil.FixtureSnapshot()
	cur := testutil.FixtureSnapshot(func(s *types.Snapshot) {
		s.Sequence = 2
		s.Services = []types.ServiceResult{{Name: "Backstage Backend", Status: types.StatusCritical}}
	})
	src := &fakeSource{current: cur, previous: prev}
	s := newTestServer(t, src, Options{})

	rec, body := do(t, s, "GET", base+"/changes")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	changes := body["changes"].([]any)
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %v", changes)
	}
	c := changes[0].(map[string]any)
	if c["name"] != "Backstage Backend" || c["from"] != "healthy" || c["to"] != "critical" {
		t.Errorf("unexpected change: %v", c)
	}
	if body["previousSequence"].(float64) != 1 {
		t.Errorf("previousSequence: %v", body["previousSequence"])
	}
}

func TestClassesAndLegend(t *testing.T) {
	s := newTestServer(t, &fakeSource{}, Options{})

	rec, body := do(t, s, "GET", base+"/classes")
	if rec.Code != http.StatusOK {
		t.Fatalf("classes status: %d", rec.Code)
	}
	class := body["classes"].([]any)[0].(map[string]any)
	if class["name"] != "live" || class["probes"].(float64) != 4 {
		t.Errorf("unexpected class: %v", class)
	}

	rec, body = do(t, s, "GET", base+"/legend")
	if rec.Code != http.StatusOK {
		t.Fatalf("legend status: %d", rec.Code)
	}
	legend := body["legend"].([]any)
	if len(legend) != 4 {
		t.Fatalf("expected 4 hints, got %d", len(legend))
	}
	if h := legend[3].(map[string]any); h["status"] != "critical" || h["serviceLabel"] != "offline" || h["color"] != "red" {
		t.Errorf("unexpected critical hint: %v", h)
	}
}

// fakeRuns records the filter it was called with.
type fakeRuns struct {
	filter store.RunFilter
	err    error
}

func (f *fakeRuns) ListRuns(ctx context.Context, filter store.RunFilter) ([]types.RefreshRun, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	return []types.RefreshRun{*testutil.FixtureRefreshRun(filter.Class)}, nil
}

func TestRuns(t *testing.T) {
	runs := &fakeRuns{}
	s := newTestServer(t, &fakeSource{}, Options{Runs: runs})

	rec, body := do(t, s, "GET", base+"/runs?class=live&failed=true&limit=5&since=1h")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if body["count"].(float64) != 1 {
		t.Errorf("count: %v", body["count"])
	}
	if runs.filter.Class != "live" || !runs.filter.FailedOnly || runs.filter.Limit != 5 {
		t.Errorf("filter: %+v", runs.filter)
	}
	if age := time.Since(runs.filter.Since); age < 59*time.Minute || age > 61*time.Minute {
		t.Errorf("since: %v ago", age)
	}

	rec, _ = do(t, s, "GET", base+"/runs?limit=many")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status %d", rec.Code)
	}

	runs.err = errors.New("connection refused")
	rec, _ = do(t, s, "GET", base+"/runs")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("store error: status %d", rec.Code)
	}
}

func TestRuns_NoJournal(t *testing.T) {
	s := newTestServer(t, &fakeSource{}, Options{})
	rec, _ := do(t, s, "GET", base+"/runs")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", rec.Code)
	}
}

func TestParseRunFilter_Since(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	r := httptest.NewRequest("GET", "/runs?since=2025-06-01T10:00:00Z", nil)
	filter, err := parseRunFilter(r, now)
	if err != nil {
		t.Fatalf("parseRunFilter: %v", err)
	}
	if !filter.Since.Equal(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("since: got %v", filter.Since)
	}

	r = httptest.NewRequest("GET", "/runs?since=yesterday", nil)
	if _, err := parseRunFilter(r, now); err == nil {
		t.Error("expected error for invalid since")
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeSource{current: testutil.FixtureSnapshot()}, Options{})
	rec, body := do(t, s, "GET", base+"/health")
	if rec.Code != http.StatusOK || body["status"] != "ok" || body["sequence"].(float64) != 1 {
		t.Errorf("unexpected health response: %d %v", rec.Code, body)
	}
}

func TestCustomBasePathAndTelemetry(t *testing.T) {
	telemetry := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("portal_health_snapshot_sequence 1\n"))
	})
	s := newTestServer(t, &fakeSource{current: testutil.FixtureSnapshot()}, Options{BasePath: "/health/", Telemetry: telemetry})

	if rec, _ := do(t, s, "GET", "/health/metrics"); rec.Code != http.StatusOK {
		t.Errorf("custom base path: status %d", rec.Code)
	}
	if rec, _ := do(t, s, "GET", base+"/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("default base path should not be mounted: status %d", rec.Code)
	}
	rec, _ := do(t, s, "GET", "/telemetry")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "snapshot_sequence") {
		t.Errorf("telemetry: %d %q", rec.Code, rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, &fakeSource{current: testutil.FixtureSnapshot()}, Options{})
	if rec, _ := do(t, s, "GET", base+"/refresh"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /refresh: status %d, want 405", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	open := newTestServer(t, &fakeSource{}, Options{})
	rec, _ := do(t, open, "OPTIONS", base+"/metrics")
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("open CORS: %d %q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
	}

	restricted := newTestServer(t, &fakeSource{current: testutil.FixtureSnapshot()}, Options{CORSOrigins: []string{"https://portal.example.com"}})

	req := httptest.NewRequest("GET", base+"/health", nil)
	req.Header.Set("Origin", "https://portal.example.com")
	rec = httptest.NewRecorder()
	restricted.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://portal.example.com" {
		t.Errorf("allowed origin: got %q", got)
	}

	req = httptest.NewRequest("GET", base+"/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	restricted.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin: got %q", got)
	}
}

// pingFunc adapts a function to Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth_Dependencies(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("dial tcp: connection refused") })

	s := newTestServer(t, &fakeSource{}, Options{Dependencies: map[string]Pinger{"database": ok}})
	rec, body := do(t, s, "GET", base+"/health")
	if rec.Code != http.StatusOK || body["dependencies"].(map[string]any)["database"] != "ok" {
		t.Errorf("healthy dependency: %d %v", rec.Code, body)
	}

	s = newTestServer(t, &fakeSource{}, Options{Dependencies: map[string]Pinger{"database": ok, "redis": down}})
	rec, body = do(t, s, "GET", base+"/health")
	if rec.Code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("failing dependency: %d %v", rec.Code, body)
	}
	if !strings.Contains(body["dependencies"].(map[string]any)["redis"].(string), "connection refused") {
		t.Errorf("dependency error not reported: %v", body["dependencies"])
	}
}
