package sched

import "testing"

func TestSizerShrinksUnderPressure(t *testing.T) {
	z := NewSizer(512)
	start := z.Target
	// sustained slow ticks push the EWMA past 1.3x budget
	for i := 0; i < 20; i++ {
		z.Observe(5*TickBudgetMs, 512)
	}
	if z.Target >= start {
		t.Fatalf("target did not shrink: %d -> %d", start, z.Target)
	}
}

func TestSizerFloor(t *testing.T) {
	z := NewSizer(512)
	for i := 0; i < 200; i++ {
		z.Observe(50*TickBudgetMs, 512)
	}
	if z.Target != targetFloor {
		t.Fatalf("target = %d, want floor %d", z.Target, targetFloor)
	}
}

func TestSizerGrowsWhenIdle(t *testing.T) {
	z := &Sizer{Target: targetFloor}
	for i := 0; i < 200; i++ {
		z.Observe(0.1*TickBudgetMs, 512)
	}
	if z.Target != 512 {
		t.Fatalf("target = %d, want cap 512", z.Target)
	}
}

func TestSizerCapClamp(t *testing.T) {
	z := &Sizer{Target: 500}
	for i := 0; i < 10; i++ {
		z.Observe(0.1*TickBudgetMs, 512)
	}
	if z.Target > 512 {
		t.Fatalf("target %d exceeds batch cap", z.Target)
	}
}

func TestSizerEwmaWeights(t *testing.T) {
	z := &Sizer{EwmaMs: 10, Target: 64}
	z.Observe(20, 512)
	want := 0.8*10 + 0.2*20
	if z.EwmaMs < want-1e-9 || z.EwmaMs > want+1e-9 {
		t.Fatalf("ewma = %v, want %v", z.EwmaMs, want)
	}
}
