package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatview/internal/gateway"
	"chatview/internal/logging"
	"chatview/internal/types"
)

const (
	basePollInterval    = 5 * time.Second
	fastPollInterval    = 2 * time.Second
	initialPollInterval = time.Second
	defaultBoostWindow  = 30 * time.Second
	minPollDelay        = 500 * time.Millisecond

	deltaLimit     = 200
	pageLimit      = 50
	maxWindowItems = 200
)

// RemoteChannel is the slice of the gateway the engine needs. The HTTP
// client satisfies it; tests supply fakes.
type RemoteChannel interface {
	Refresh(ctx context.Context, sessionKey string, limit int) error
	QueryDelta(ctx context.Context, sessionKey string, q gateway.DeltaQuery) (*gateway.DeltaResult, error)
	Append(ctx context.Context, sessionKey string, role types.MessageRole, text string) (*types.Message, error)
}

// Intervals holds the poll cadence. Zero fields fall back to defaults.
type Intervals struct {
	Base    time.Duration
	Fast    time.Duration
	Initial time.Duration
	Boost   time.Duration
}

func (iv Intervals) normalized() Intervals {
	if iv.Base <= 0 {
		iv.Base = basePollInterval
	}
	if iv.Fast <= 0 {
		iv.Fast = fastPollInterval
	}
	if iv.Initial <= 0 {
		iv.Initial = initialPollInterval
	}
	if iv.Boost <= 0 {
		iv.Boost = defaultBoostWindow
	}
	return iv
}

// PollState is a snapshot of the poll loop's bookkeeping.
type PollState struct {
	Active       bool
	BoostUntil   time.Time
	LastPollAt   time.Time
	LastAppended int
	LastErr      error
}

// View is an immutable snapshot of engine state for rendering.
type View struct {
	SessionKey   string
	Items        []types.Message
	HasOlder     bool
	LoadingOlder bool
	Poll         PollState
}

// Engine keeps a bounded window of one session's messages in sync with
// the gateway. All exported methods are safe for concurrent use.
type Engine struct {
	remote    RemoteChannel
	log       logging.Logger
	intervals Intervals

	mu           sync.Mutex
	sessionKey   string
	window       window
	cursor       syncCursor
	loadingOlder bool
	active       bool
	boostUntil   time.Time
	lastPollAt   time.Time
	lastAppended int
	lastErr      error
	stop         chan struct{}
	wake         chan time.Duration

	changed chan struct{}
}

type Option func(*Engine)

func WithLogger(log logging.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

func WithIntervals(iv Intervals) Option {
	return func(e *Engine) { e.intervals = iv.normalized() }
}

func New(remote RemoteChannel, opts ...Option) *Engine {
	e := &Engine{
		remote:    remote,
		log:       logging.Nop(),
		intervals: Intervals{}.normalized(),
		cursor:    newSyncCursor(""),
		changed:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Changed returns a channel that receives a signal whenever the view may
// have changed. Signals coalesce; consumers re-read Snapshot on each one.
func (e *Engine) Changed() <-chan struct{} {
	return e.changed
}

func (e *Engine) notifyLocked() {
	select {
	case e.changed <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the current view. Callers own the returned
// slice.
func (e *Engine) Snapshot() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return View{
		SessionKey:   e.sessionKey,
		Items:        e.window.snapshot(),
		HasOlder:     e.window.hasOlder,
		LoadingOlder: e.loadingOlder,
		Poll: PollState{
			Active:       e.active,
			BoostUntil:   e.boostUntil,
			LastPollAt:   e.lastPollAt,
			LastAppended: e.lastAppended,
			LastErr:      e.lastErr,
		},
	}
}

// Start launches the poll loop. Calling Start on a running engine is a
// no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return
	}
	e.active = true
	e.stop = make(chan struct{})
	e.wake = make(chan time.Duration, 1)
	go e.run(e.stop, e.wake)
}

// Stop halts the poll loop. State is retained; Start resumes polling.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return
	}
	e.active = false
	close(e.stop)
	e.stop = nil
	e.wake = nil
}

func (e *Engine) run(stop <-chan struct{}, wake <-chan time.Duration) {
	timer := time.NewTimer(clampDelay(e.intervals.Initial))
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case delay := <-wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(clampDelay(delay))
		case <-timer.C:
			e.Poll(context.Background())
			timer.Reset(clampDelay(e.nextDelay(time.Now())))
		}
	}
}

// nextDelay picks the steady-state poll interval: fast while inside the
// boost window, base otherwise.
func (e *Engine) nextDelay(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Before(e.boostUntil) {
		return e.intervals.Fast
	}
	return e.intervals.Base
}

func clampDelay(d time.Duration) time.Duration {
	if d < minPollDelay {
		return minPollDelay
	}
	return d
}

// requestWake asks a running loop to fire sooner. Safe to call with the
// lock held: the channel is buffered and the send never blocks.
func (e *Engine) requestWakeLocked(delay time.Duration) {
	if !e.active || e.wake == nil {
		return
	}
	select {
	case e.wake <- delay:
	default:
	}
}

// SwitchSession makes key the active session: the window, cursor, and
// pagination state reset, then an initial page seeds the view. Passing an
// empty key clears the view without fetching.
func (e *Engine) SwitchSession(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	e.mu.Lock()
	e.sessionKey = key
	e.window = window{}
	e.cursor = newSyncCursor(key)
	e.loadingOlder = false
	e.lastAppended = 0
	e.lastErr = nil
	e.notifyLocked()
	e.mu.Unlock()
	if key == "" {
		return nil
	}

	res, err := e.remote.QueryDelta(ctx, key, gateway.DeltaQuery{Limit: pageLimit})

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionKey != key {
		// Switched again while the seed fetch was in flight.
		return nil
	}
	e.requestWakeLocked(e.intervals.Initial)
	if err != nil {
		e.lastErr = err
		e.notifyLocked()
		return fmt.Errorf("load session %s: %w", key, err)
	}
	e.window.items = append([]types.Message(nil), res.Items...)
	e.window.hasOlder = res.HasOlder
	e.cursor.seed(e.window.items)
	e.notifyLocked()
	return nil
}

// Send appends a user message. The message shows locally right away with
// no id; once the gateway returns the stored copy, the local row is
// replaced by it so the id-keyed copy the next poll echoes dedupes
// instead of doubling. The poll cursor is left alone throughout.
func (e *Engine) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("message text is empty")
	}
	e.mu.Lock()
	key := e.sessionKey
	if key == "" {
		e.mu.Unlock()
		return errors.New("no active session")
	}
	local := types.Message{
		TS:         time.Now().UTC().Format(time.RFC3339),
		Role:       types.MessageRoleUser,
		SessionKey: key,
		Text:       text,
	}
	localKey := dedupeKey(local)
	e.window.items = append(e.window.items, local)
	e.window.trimFront(maxWindowItems)
	e.boostUntil = time.Now().Add(e.intervals.Boost)
	e.requestWakeLocked(e.intervals.Initial)
	e.notifyLocked()
	e.mu.Unlock()

	created, err := e.remote.Append(ctx, key, types.MessageRoleUser, text)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if created != nil && created.ID != "" {
		e.mu.Lock()
		if e.sessionKey == key {
			e.adoptCreatedLocked(localKey, *created)
			e.notifyLocked()
		}
		e.mu.Unlock()
	}
	return nil
}

// adoptCreatedLocked swaps the optimistic row for the gateway's stored
// copy. If a poll already merged the stored copy, the optimistic row is
// removed instead of replaced.
func (e *Engine) adoptCreatedLocked(localKey string, created types.Message) {
	idx := -1
	for i := len(e.window.items) - 1; i >= 0; i-- {
		if dedupeKey(e.window.items[i]) == localKey {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	createdKey := dedupeKey(created)
	for i, item := range e.window.items {
		if i != idx && dedupeKey(item) == createdKey {
			e.window.items = append(e.window.items[:idx], e.window.items[idx+1:]...)
			return
		}
	}
	e.window.items[idx] = created
}

// LoadOlder extends the window backward from its oldest anchored item.
// Only one load runs at a time; without an anchor id there is nothing to
// page from and HasOlder is cleared.
func (e *Engine) LoadOlder(ctx context.Context) error {
	e.mu.Lock()
	key := e.sessionKey
	if key == "" || e.loadingOlder || !e.window.hasOlder {
		e.mu.Unlock()
		return nil
	}
	anchor := e.window.oldestAnchorID()
	if anchor == "" {
		e.window.hasOlder = false
		e.notifyLocked()
		e.mu.Unlock()
		return nil
	}
	e.loadingOlder = true
	e.notifyLocked()
	e.mu.Unlock()

	res, err := e.remote.QueryDelta(ctx, key, gateway.DeltaQuery{BeforeID: anchor, Limit: pageLimit})

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionKey != key {
		// The guard belongs to the new session now; leave it alone.
		return nil
	}
	e.loadingOlder = false
	e.notifyLocked()
	if err != nil {
		e.lastErr = err
		return fmt.Errorf("load older messages: %w", err)
	}
	e.prependOlderLocked(res.Items, res.HasOlder)
	return nil
}

// prependOlderLocked splices a history page in front of the window. Pages
// never advance the seen set: history is not "new". The window may exceed
// its cap transiently here; the next poll merge trims it back.
func (e *Engine) prependOlderLocked(page []types.Message, hasOlder bool) {
	e.window.hasOlder = hasOlder
	if len(page) == 0 {
		return
	}
	existing := e.window.keySet()
	fresh := make([]types.Message, 0, len(page))
	for _, item := range page {
		key := dedupeKey(item)
		if key == "" {
			continue
		}
		if _, ok := existing[key]; ok {
			continue
		}
		existing[key] = struct{}{}
		fresh = append(fresh, item)
	}
	if len(fresh) == 0 {
		return
	}
	e.window.items = append(fresh, e.window.items...)
}

// Poll runs one sync cycle: best-effort refresh, delta fetch from the
// cursor, merge. The loop calls it on its own cadence; watch mode and
// tests may call it directly.
func (e *Engine) Poll(ctx context.Context) {
	e.mu.Lock()
	key := e.sessionKey
	afterTS := e.cursor.maxSeenTS
	seenBefore := e.cursor.snapshotSeen()
	e.mu.Unlock()

	if key == "" {
		e.mu.Lock()
		e.lastPollAt = time.Now()
		e.lastAppended = 0
		e.mu.Unlock()
		return
	}

	if err := e.remote.Refresh(ctx, key, pageLimit); err != nil {
		e.log.Debug("gateway refresh failed",
			logging.F("session", key),
			logging.F("error", err))
	}
	res, err := e.remote.QueryDelta(ctx, key, gateway.DeltaQuery{AfterTS: afterTS, Limit: deltaLimit})

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPollAt = time.Now()
	if e.sessionKey != key {
		// Session switched mid-flight; the result belongs to the old one.
		return
	}
	if err != nil {
		e.lastErr = err
		e.lastAppended = 0
		e.log.Warn("poll failed",
			logging.F("session", key),
			logging.F("error", err))
		e.notifyLocked()
		return
	}
	e.lastErr = nil
	appended := mergeDelta(&e.window, &e.cursor, res.Items, seenBefore)
	e.lastAppended = appended
	if appended > 0 {
		e.boostUntil = time.Now().Add(e.intervals.Boost)
	}
	e.notifyLocked()
	if appended > 0 {
		e.log.Debug("poll merged new messages",
			logging.F("session", key),
			logging.F("appended", appended))
	}
}
