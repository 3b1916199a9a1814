package probe

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pilot-net/portal-health/pkg/types"
)

// MockProbe is a test probe for unit tests.
type MockProbe struct {
	ProbeName   string
	ProbeKind   types.ProbeKind
	ExecuteFunc func(ctx context.Context, desc types.ProbeDescriptor) types.Reading
}

func (m *MockProbe) Name() string { return m.ProbeName }

func (m *MockProbe) Kind() types.ProbeKind {
	if m.ProbeKind == "" {
		return types.KindResource
	}
	return m.ProbeKind
}

func (m *MockProbe) Execute(ctx context.Context, desc types.ProbeDescriptor) types.Reading {
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, desc)
	}
	return types.Reading{ProbeName: desc.Name, OK: true, Timestamp: time.Now()}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	p := &MockProbe{ProbeName: "cpu"}
	if err := r.Register(p); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	// Duplicate registration should fail
	if err := r.Register(p); err == nil {
		t.Fatal("expected error for duplicate registration")
	}

	if err := r.Register(&MockProbe{ProbeName: "odd", ProbeKind: "quantum"}); err == nil {
		t.Fatal("expected error for invalid kind")
	}
}

func TestRegistry_GetAndList(t *testing.T) {
	r := NewRegistry()
	r.Register(&MockProbe{ProbeName: "memory"})
	r.Register(&MockProbe{ProbeName: "cpu"})
	r.Register(&MockProbe{ProbeName: "http", ProbeKind: types.KindReachability})

	if _, ok := r.Get("cpu"); !ok {
		t.Fatal("expected to find cpu probe")
	}
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("should not find nonexistent probe")
	}

	names := r.List()
	want := []string{"cpu", "http", "memory"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("List: got %v, want %v", names, want)
	}
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	r.Register(&MockProbe{ProbeName: "cpu"})
	r.Register(&MockProbe{ProbeName: "http", ProbeKind: types.KindReachability})

	tests := []struct {
		name    string
		descs   []types.ProbeDescriptor
		wantErr string
	}{
		{
			name: "valid",
			descs: []types.ProbeDescriptor{
				{Name: "CPU Usage", Kind: types.KindResource, Probe: "cpu"},
				{Name: "GitHub API", Kind: types.KindReachability, Probe: "http"},
			},
		},
		{
			name: "duplicate names",
			descs: []types.ProbeDescriptor{
				{Name: "CPU Usage", Kind: types.KindResource, Probe: "cpu"},
				{Name: "CPU Usage", Kind: types.KindResource, Probe: "cpu"},
			},
			wantErr: "duplicate",
		},
		{
			name:    "unknown implementation",
			descs:   []types.ProbeDescriptor{{Name: "x", Kind: types.KindResource, Probe: "gpu"}},
			wantErr: "unknown implementation",
		},
		{
			name:    "kind mismatch",
			descs:   []types.ProbeDescriptor{{Name: "x", Kind: types.KindResource, Probe: "http"}},
			wantErr: "descriptor says",
		},
		{
			name: "inverted thresholds",
			descs: []types.ProbeDescriptor{{
				Name: "x", Kind: types.KindResource, Probe: "cpu",
				Warn: types.Threshold(90), Crit: types.Threshold(60),
			}},
			wantErr: "exceeds crit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.descs)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestExecute_Success(t *testing.T) {
	reading := execute(context.Background(), "cpu", func(ctx context.Context) (types.Reading, error) {
		return types.Reading{Value: 42}, nil
	})

	if !reading.OK || reading.Value != 42 || reading.ProbeName != "cpu" {
		t.Errorf("unexpected reading: %+v", reading)
	}
	if reading.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestExecute_Error(t *testing.T) {
	reading := execute(context.Background(), "disk", func(ctx context.Context) (types.Reading, error) {
		return types.Reading{Value: 99}, errors.New("statfs failed")
	})

	if reading.OK {
		t.Fatal("expected failed reading")
	}
	if reading.Value != 0 {
		t.Errorf("failed reading should carry sentinel value 0, got %v", reading.Value)
	}
	if reading.Error != "statfs failed" {
		t.Errorf("error: got %q", reading.Error)
	}
}

func TestExecute_Panic(t *testing.T) {
	reading := execute(context.Background(), "bad", func(ctx context.Context) (types.Reading, error) {
		panic("boom")
	})

	if reading.OK {
		t.Fatal("expected failed reading")
	}
	if !strings.Contains(reading.Error, "panicked") {
		t.Errorf("error: got %q", reading.Error)
	}
}

func TestExecute_AbandonsHungMeasurement(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	reading := execute(ctx, "hung", func(ctx context.Context) (types.Reading, error) {
		<-release // ignores ctx
		return types.Reading{Value: 1}, nil
	})
	elapsed := time.Since(start)

	if reading.OK {
		t.Fatal("expected failed reading")
	}
	if !strings.Contains(reading.Error, "timed out") {
		t.Errorf("error: got %q", reading.Error)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("execute blocked past deadline: %v", elapsed)
	}
}

func TestExecute_ExpiredContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	reading := execute(ctx, "late", func(ctx context.Context) (types.Reading, error) {
		called = true
		return types.Reading{}, nil
	})

	if reading.OK || called {
		t.Fatalf("expected measurement to be skipped, got %+v (called=%v)", reading, called)
	}
}

func TestSyntheticProbe(t *testing.T) {
	p := NewSyntheticProbe()
	desc := types.ProbeDescriptor{Name: "CI/CD Pipeline", Kind: types.KindSynthetic, Probe: "synthetic", Value: 150}

	reading := p.Execute(context.Background(), desc)
	if !reading.OK || reading.Value != 150 || !reading.Synthetic {
		t.Errorf("unexpected reading: %+v", reading)
	}
}

func TestNewDefaultRegistry(t *testing.T) {
	r, err := NewDefaultRegistry(Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Close()

	for _, name := range []string{"cpu", "memory", "disk", "network", "load", "process", "http", "postgres", "redis", "github_actions", "synthetic"} {
		if _, ok := r.Get(name); !ok {
			t.Errorf("missing built-in probe %s", name)
		}
	}
}
