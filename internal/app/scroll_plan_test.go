package app

import (
	"testing"
	"time"
)

func TestScrollPlanPreservesViewAcrossPrepend(t *testing.T) {
	// 40 lines of history land above a viewport parked at offset 10.
	got := scrollPlan(scrollModePreserve, 10, 100, 140, 20)
	if got != 50 {
		t.Fatalf("offset = %d, want 50", got)
	}
}

func TestScrollPlanPreserveClampsAtTop(t *testing.T) {
	// Content shrank more than the offset can absorb.
	if got := scrollPlan(scrollModePreserve, 5, 100, 30, 20); got != 0 {
		t.Fatalf("offset = %d, want 0", got)
	}
}

func TestScrollPlanBottomMode(t *testing.T) {
	if got := scrollPlan(scrollModeBottom, 0, 10, 120, 20); got != 100 {
		t.Fatalf("offset = %d, want 100", got)
	}
	// Content shorter than the viewport pins to zero.
	if got := scrollPlan(scrollModeBottom, 0, 10, 5, 20); got != 0 {
		t.Fatalf("offset = %d, want 0", got)
	}
}

func TestScrollPlanDefaultFollowsOnlyFromBottom(t *testing.T) {
	// Within the slack band: follow the new bottom.
	if got := scrollPlan(scrollModeDefault, 77, 100, 130, 20); got != 110 {
		t.Fatalf("offset = %d, want 110", got)
	}
	// Scrolled well up: hold position while new lines arrive below.
	if got := scrollPlan(scrollModeDefault, 30, 100, 130, 20); got != 30 {
		t.Fatalf("offset = %d, want 30", got)
	}
}

func TestScrollPlanIsIdempotent(t *testing.T) {
	first := scrollPlan(scrollModePreserve, 10, 100, 140, 20)
	second := scrollPlan(scrollModePreserve, first, 140, 140, 20)
	if second != first {
		t.Fatalf("replanning moved the viewport: %d -> %d", first, second)
	}
}

func TestRenderThrottleCoalesces(t *testing.T) {
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	th := newRenderThrottle(100 * time.Millisecond)

	if !th.Request(base) {
		t.Fatalf("first request should render immediately")
	}
	th.MarkRendered(base)

	if th.Request(base.Add(20 * time.Millisecond)) {
		t.Fatalf("request inside the interval should be deferred")
	}
	if th.ShouldRender(base.Add(50 * time.Millisecond)) {
		t.Fatalf("pending render should stay deferred inside the interval")
	}
	if !th.ShouldRender(base.Add(120 * time.Millisecond)) {
		t.Fatalf("pending render should fire after the interval")
	}
	th.MarkRendered(base.Add(120 * time.Millisecond))
	if th.ShouldRender(base.Add(500 * time.Millisecond)) {
		t.Fatalf("no pending request after MarkRendered")
	}
}
