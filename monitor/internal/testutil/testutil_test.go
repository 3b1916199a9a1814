package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pilot-net/portal-health/pkg/types"
)

func TestFixtureResourceDescriptor(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		desc := FixtureResourceDescriptor()
		if err := desc.Validate(); err != nil {
			t.Fatalf("default fixture should be valid: %v", err)
		}
		if desc.Kind != types.KindResource {
			t.Errorf("expected kind %s, got %s", types.KindResource, desc.Kind)
		}
	})

	t.Run("with overrides", func(t *testing.T) {
		desc := FixtureResourceDescriptor(func(d *types.ProbeDescriptor) {
			d.Name = "Disk Usage"
			d.Crit = Ptr(90.0)
		})
		if desc.Name != "Disk Usage" {
			t.Errorf("expected name 'Disk Usage', got %s", desc.Name)
		}
		if *desc.Crit != 90 {
			t.Errorf("expected crit 90, got %v", *desc.Crit)
		}
	})
}

func TestFixtureDescriptorsAreValid(t *testing.T) {
	for _, desc := range []types.ProbeDescriptor{
		FixtureReachabilityDescriptor(),
		FixtureSyntheticDescriptor(),
	} {
		if err := desc.Validate(); err != nil {
			t.Errorf("fixture %s should be valid: %v", desc.Name, err)
		}
	}
}

func TestFixtureReadingFailed(t *testing.T) {
	reading := FixtureReadingFailed("Database")
	if reading.OK {
		t.Error("expected failed reading")
	}
	if reading.Value != 0 || reading.Error == "" {
		t.Errorf("unexpected failed reading: %+v", reading)
	}
}

func TestFixtureSnapshot(t *testing.T) {
	snap := FixtureSnapshot(func(s *types.Snapshot) {
		s.Sequence = 9
	})
	if snap.Sequence != 9 {
		t.Errorf("expected sequence 9, got %d", snap.Sequence)
	}
	if _, ok := snap.Metric("CPU Usage"); !ok {
		t.Error("expected CPU Usage metric")
	}
}

func TestFakeProbe(t *testing.T) {
	t.Run("values by name", func(t *testing.T) {
		p := &FakeProbe{ProbeName: "fake", Value: 1, Values: map[string]float64{"b": 2}}
		if r := p.Execute(context.Background(), types.ProbeDescriptor{Name: "a"}); r.Value != 1 {
			t.Errorf("expected 1, got %v", r.Value)
		}
		if r := p.Execute(context.Background(), types.ProbeDescriptor{Name: "b"}); r.Value != 2 {
			t.Errorf("expected 2, got %v", r.Value)
		}
		if p.Calls() != 2 {
			t.Errorf("expected 2 calls, got %d", p.Calls())
		}
	})

	t.Run("failure", func(t *testing.T) {
		p := &FakeProbe{ProbeName: "fake", Fail: errors.New("down")}
		if r := p.Execute(context.Background(), types.ProbeDescriptor{Name: "a"}); r.OK {
			t.Error("expected failed reading")
		}
	})

	t.Run("delay respects context", func(t *testing.T) {
		p := &FakeProbe{ProbeName: "fake", Delay: time.Hour}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if r := p.Execute(ctx, types.ProbeDescriptor{Name: "a"}); r.OK {
			t.Error("expected failed reading after deadline")
		}
	})
}

func TestPtr(t *testing.T) {
	p := Ptr(80.0)
	if *p != 80 {
		t.Errorf("expected 80, got %v", *p)
	}
}
