package lifecycle

import "testing"

func TestLifecycle_Draining(t *testing.T) {
	var l Lifecycle
	if l.IsDraining() || !l.DrainingSince().IsZero() {
		t.Fatalf("fresh lifecycle should not be draining")
	}

	l.SetDraining(true)
	since := l.DrainingSince()
	if !l.IsDraining() || since.IsZero() {
		t.Fatalf("draining=%v since=%v", l.IsDraining(), since)
	}
	l.SetDraining(true)
	if !l.DrainingSince().Equal(since) {
		t.Fatalf("second SetDraining moved start time")
	}

	l.SetDraining(false)
	if l.IsDraining() || !l.DrainingSince().IsZero() {
		t.Fatalf("draining should reset")
	}
}

func TestLifecycle_NilIsSafe(t *testing.T) {
	var l *Lifecycle
	l.SetDraining(true)
	if l.IsDraining() {
		t.Fatalf("nil lifecycle reported draining")
	}
}
