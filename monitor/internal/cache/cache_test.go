package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pilot-net/portal-health/monitor/internal/aggregator"
	"github.com/pilot-net/portal-health/monitor/internal/testutil"
	"github.com/pilot-net/portal-health/pkg/types"
)

func TestNew_InvalidURL(t *testing.T) {
	if _, err := New("not-a-redis-url", time.Minute, testutil.NewTestLogger()); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestPartKey(t *testing.T) {
	if got := PartKey("live"); got != "portalhealth:part:live" {
		t.Errorf("PartKey: got %s", got)
	}
}

// newTestMirror connects to the Redis named by PORTALHEALTH_TEST_REDIS_URL
// or skips.
func newTestMirror(t *testing.T) *Mirror {
	t.Helper()
	url := os.Getenv("PORTALHEALTH_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PORTALHEALTH_TEST_REDIS_URL not set")
	}
	m, err := New(url, time.Minute, testutil.NewTestLogger())
	if err != nil {
		t.Fatalf("connecting to redis: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMirror_SnapshotRoundTrip(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()

	snap := testutil.FixtureSnapshot(func(s *types.Snapshot) { s.Sequence = 77 })
	if err := m.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, ok, err := m.LoadSnapshot(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadSnapshot: ok=%v err=%v", ok, err)
	}
	if got.Sequence != 77 || len(got.Metrics) != len(snap.Metrics) {
		t.Errorf("unexpected snapshot: %+v", got)
	}
	if got.Metrics[0].Status != types.StatusHealthy {
		t.Errorf("status did not survive: %+v", got.Metrics[0])
	}
}

func TestMirror_LoadPartsSkipsMissing(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()

	class := "test-" + time.Now().Format("150405.000000")
	part := &aggregator.Part{
		Class:    class,
		Services: []types.ServiceResult{{Name: "Database", Status: types.StatusWarning, UptimeRatio: 0.9}},
	}
	if err := m.SavePart(ctx, part); err != nil {
		t.Fatalf("SavePart: %v", err)
	}

	parts, err := m.LoadParts(ctx, []string{class + "-missing", class})
	if err != nil {
		t.Fatalf("LoadParts: %v", err)
	}
	if len(parts) != 1 || parts[0].Class != class {
		t.Fatalf("unexpected parts: %+v", parts)
	}
	if parts[0].Services[0].Status != types.StatusWarning {
		t.Errorf("service: %+v", parts[0].Services[0])
	}
}
