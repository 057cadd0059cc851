package app

import "time"

// bottomSlackLines is how close to the bottom (in lines) the viewport may
// sit and still count as "at the bottom" for follow purposes.
const bottomSlackLines = 6

type scrollMode uint8

const (
	// scrollModeDefault follows the bottom only if the viewport was
	// already there before re-render.
	scrollModeDefault scrollMode = iota
	// scrollModePreserve keeps the same content lines on screen across a
	// height change, as when older history lands above the viewport.
	scrollModePreserve
	// scrollModeBottom forces the viewport to the bottom.
	scrollModeBottom
)

// scrollPlan computes the viewport offset to apply after content is
// replaced. prevOffset and prevTotal describe the viewport before the
// update, newTotal the content after it. The result is clamped to
// [0, newTotal-height]; calling it again with its own output is a no-op.
func scrollPlan(mode scrollMode, prevOffset, prevTotal, newTotal, height int) int {
	maxOffset := newTotal - height
	if maxOffset < 0 {
		maxOffset = 0
	}
	var offset int
	switch mode {
	case scrollModePreserve:
		offset = prevOffset + (newTotal - prevTotal)
	case scrollModeBottom:
		offset = maxOffset
	default:
		if wasNearBottom(prevOffset, prevTotal, height) {
			offset = maxOffset
		} else {
			offset = prevOffset
		}
	}
	if offset < 0 {
		offset = 0
	}
	if offset > maxOffset {
		offset = maxOffset
	}
	return offset
}

func wasNearBottom(offset, total, height int) bool {
	gap := total - height - offset
	return gap < bottomSlackLines
}

const defaultRenderInterval = 180 * time.Millisecond

// renderThrottle coalesces engine change signals so the transcript is not
// re-rendered more often than once per interval.
type renderThrottle struct {
	minInterval  time.Duration
	lastRendered time.Time
	pending      bool
}

func newRenderThrottle(minInterval time.Duration) *renderThrottle {
	if minInterval < 0 {
		minInterval = 0
	}
	return &renderThrottle{minInterval: minInterval}
}

// Request reports whether a render may run now. When throttled, the
// request is remembered and ShouldRender turns true once the interval
// has passed.
func (t *renderThrottle) Request(now time.Time) bool {
	if t.minInterval <= 0 || t.ready(now) {
		return true
	}
	t.pending = true
	return false
}

func (t *renderThrottle) ShouldRender(now time.Time) bool {
	if !t.pending {
		return false
	}
	return t.minInterval <= 0 || t.ready(now)
}

func (t *renderThrottle) MarkRendered(now time.Time) {
	if now.IsZero() {
		now = time.Now()
	}
	t.pending = false
	t.lastRendered = now
}

func (t *renderThrottle) ready(now time.Time) bool {
	if now.IsZero() {
		now = time.Now()
	}
	if t.lastRendered.IsZero() {
		return true
	}
	return now.Sub(t.lastRendered) >= t.minInterval
}
