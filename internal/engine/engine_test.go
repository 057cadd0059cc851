package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatview/internal/gateway"
	"chatview/internal/types"
)

type fakeRemote struct {
	mu           sync.Mutex
	refreshCalls int
	queries      []gateway.DeltaQuery
	appends      []string
	deltaFn      func(q gateway.DeltaQuery) (*gateway.DeltaResult, error)
	appendErr    error
	created      *types.Message
	appendFn     func()
}

func (f *fakeRemote) Refresh(ctx context.Context, sessionKey string, limit int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return nil
}

func (f *fakeRemote) QueryDelta(ctx context.Context, sessionKey string, q gateway.DeltaQuery) (*gateway.DeltaResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	fn := f.deltaFn
	f.mu.Unlock()
	if fn != nil {
		return fn(q)
	}
	return &gateway.DeltaResult{}, nil
}

func (f *fakeRemote) Append(ctx context.Context, sessionKey string, role types.MessageRole, text string) (*types.Message, error) {
	f.mu.Lock()
	f.appends = append(f.appends, text)
	fn := f.appendFn
	created, appendErr := f.created, f.appendErr
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
	if appendErr != nil {
		return nil, appendErr
	}
	return created, nil
}

func (f *fakeRemote) lastQuery(t *testing.T) gateway.DeltaQuery {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		t.Fatalf("no delta queries recorded")
	}
	return f.queries[len(f.queries)-1]
}

func agentMsg(id, ts, text string) types.Message {
	return types.Message{ID: id, TS: ts, Role: types.MessageRoleAgent, Text: text}
}

func userMsg(id, ts, text string) types.Message {
	return types.Message{ID: id, TS: ts, Role: types.MessageRoleUser, Text: text}
}

func windowTexts(v View) []string {
	out := make([]string, 0, len(v.Items))
	for _, item := range v.Items {
		out = append(out, item.Text)
	}
	return out
}

func TestDedupeKeyPrefersID(t *testing.T) {
	withID := agentMsg("m1", "2026-01-02T10:00:00Z", "hello")
	if key := dedupeKey(withID); key != "m1" {
		t.Fatalf("expected id key, got %q", key)
	}
	withoutID := agentMsg("", "2026-01-02T10:00:00Z", "hello")
	key := dedupeKey(withoutID)
	if len(key) < 3 || key[:2] != "h_" {
		t.Fatalf("expected hash fallback key, got %q", key)
	}
	other := agentMsg("", "2026-01-02T10:00:00Z", "hello there")
	if dedupeKey(other) == key {
		t.Fatalf("distinct messages must not share a fallback key")
	}
}

func TestMergeDeltaIsIdempotent(t *testing.T) {
	e := New(&fakeRemote{})
	e.sessionKey = "main"
	batch := []types.Message{
		userMsg("m1", "2026-01-02T10:00:00Z", "hi"),
		agentMsg("m2", "2026-01-02T10:00:01Z", "hello"),
	}

	seen := e.cursor.snapshotSeen()
	if got := mergeDelta(&e.window, &e.cursor, batch, seen); got != 1 {
		t.Fatalf("first merge appended = %d, want 1", got)
	}
	seen = e.cursor.snapshotSeen()
	if got := mergeDelta(&e.window, &e.cursor, batch, seen); got != 0 {
		t.Fatalf("second merge appended = %d, want 0", got)
	}
	if len(e.window.items) != 2 {
		t.Fatalf("window length = %d, want 2", len(e.window.items))
	}
	if e.cursor.maxSeenTS != "2026-01-02T10:00:01Z" {
		t.Fatalf("cursor ts = %q", e.cursor.maxSeenTS)
	}
}

func TestMergeDeltaAdvancesCursorOnDuplicateOnlyBatch(t *testing.T) {
	e := New(&fakeRemote{})
	e.window.items = []types.Message{agentMsg("m1", "2026-01-02T10:00:00Z", "hello")}
	e.cursor.seed(e.window.items)

	batch := []types.Message{agentMsg("m1", "2026-01-02T10:00:05Z", "hello")}
	appended := mergeDelta(&e.window, &e.cursor, batch, e.cursor.snapshotSeen())
	if appended != 0 {
		t.Fatalf("appended = %d, want 0", appended)
	}
	if len(e.window.items) != 1 {
		t.Fatalf("duplicate key must not re-append")
	}
	if e.cursor.maxSeenTS != "2026-01-02T10:00:05Z" {
		t.Fatalf("cursor must advance past duplicate boundary, got %q", e.cursor.maxSeenTS)
	}
}

func TestMergeDeltaKeepsWindowBounded(t *testing.T) {
	e := New(&fakeRemote{})
	e.window.hasOlder = true
	batch := make([]types.Message, 0, maxWindowItems+50)
	for i := 0; i < maxWindowItems+50; i++ {
		ts := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Second)
		batch = append(batch, agentMsg(
			"m"+ts.Format("150405"),
			ts.Format(time.RFC3339),
			ts.Format("150405"),
		))
	}
	mergeDelta(&e.window, &e.cursor, batch, e.cursor.snapshotSeen())
	if len(e.window.items) != maxWindowItems {
		t.Fatalf("window length = %d, want %d", len(e.window.items), maxWindowItems)
	}
	// Eviction drops the oldest entries, never the newest.
	if got := e.window.items[len(e.window.items)-1].ID; got != batch[len(batch)-1].ID {
		t.Fatalf("newest item evicted: %s", got)
	}
	if got := e.window.items[0].ID; got != batch[50].ID {
		t.Fatalf("expected front eviction, window starts at %s", got)
	}
	if !e.window.hasOlder {
		t.Fatalf("trim must not touch hasOlder")
	}
}

func TestMergeDeltaCountsOnlyUnseenAgentMessages(t *testing.T) {
	e := New(&fakeRemote{})
	seeded := []types.Message{agentMsg("m1", "2026-01-02T10:00:00Z", "old")}
	e.window.items = seeded
	e.cursor.seed(seeded)

	batch := []types.Message{
		agentMsg("m1", "2026-01-02T10:00:00Z", "old"),
		userMsg("m2", "2026-01-02T10:00:01Z", "question"),
		agentMsg("m3", "2026-01-02T10:00:02Z", "answer"),
		agentMsg("m3", "2026-01-02T10:00:02Z", "answer"),
	}
	appended := mergeDelta(&e.window, &e.cursor, batch, e.cursor.snapshotSeen())
	if appended != 1 {
		t.Fatalf("appended = %d, want 1", appended)
	}
}

func TestPollForwardCursorAndBoost(t *testing.T) {
	remote := &fakeRemote{}
	remote.deltaFn = func(q gateway.DeltaQuery) (*gateway.DeltaResult, error) {
		if q.AfterTS == "" {
			return &gateway.DeltaResult{Items: []types.Message{
				agentMsg("m1", "2026-01-02T10:00:00Z", "hello"),
			}}, nil
		}
		return &gateway.DeltaResult{}, nil
	}
	e := New(remote)
	e.sessionKey = "main"
	e.cursor = newSyncCursor("main")

	e.Poll(context.Background())
	v := e.Snapshot()
	if v.Poll.LastAppended != 1 {
		t.Fatalf("LastAppended = %d, want 1", v.Poll.LastAppended)
	}
	if v.Poll.LastErr != nil {
		t.Fatalf("LastErr = %v", v.Poll.LastErr)
	}
	if remote.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want 1", remote.refreshCalls)
	}

	now := time.Now()
	if d := e.nextDelay(now); d != e.intervals.Fast {
		t.Fatalf("expected fast interval inside boost window, got %v", d)
	}
	if d := e.nextDelay(now.Add(defaultBoostWindow + time.Second)); d != e.intervals.Base {
		t.Fatalf("expected base interval after boost window, got %v", d)
	}

	e.Poll(context.Background())
	if q := remote.lastQuery(t); q.AfterTS != "2026-01-02T10:00:00Z" || q.Limit != deltaLimit {
		t.Fatalf("unexpected follow-up query: %+v", q)
	}
	if v := e.Snapshot(); v.Poll.LastAppended != 0 {
		t.Fatalf("empty batch must reset LastAppended, got %d", v.Poll.LastAppended)
	}
}

func TestPollErrorRecordedAndCleared(t *testing.T) {
	remote := &fakeRemote{}
	fail := errors.New("gateway down")
	remote.deltaFn = func(q gateway.DeltaQuery) (*gateway.DeltaResult, error) {
		return nil, fail
	}
	e := New(remote)
	e.sessionKey = "main"
	e.cursor = newSyncCursor("main")

	e.Poll(context.Background())
	if v := e.Snapshot(); !errors.Is(v.Poll.LastErr, fail) {
		t.Fatalf("LastErr = %v, want %v", v.Poll.LastErr, fail)
	}

	remote.deltaFn = nil
	e.Poll(context.Background())
	if v := e.Snapshot(); v.Poll.LastErr != nil {
		t.Fatalf("LastErr should clear on recovery, got %v", v.Poll.LastErr)
	}
}

func TestPollDiscardsResultAfterSessionSwitch(t *testing.T) {
	remote := &fakeRemote{}
	remote.deltaFn = func(q gateway.DeltaQuery) (*gateway.DeltaResult, error) {
		return &gateway.DeltaResult{Items: []types.Message{
			agentMsg("m1", "2026-01-02T10:00:00Z", "stale"),
		}}, nil
	}
	e := New(remote)
	e.sessionKey = "old"
	e.cursor = newSyncCursor("old")
	// Switch the session while the poll's fetch is in flight.
	remote.deltaFn = func(q gateway.DeltaQuery) (*gateway.DeltaResult, error) {
		e.mu.Lock()
		e.sessionKey = "new"
		e.cursor = newSyncCursor("new")
		e.mu.Unlock()
		return &gateway.DeltaResult{Items: []types.Message{
			agentMsg("m1", "2026-01-02T10:00:00Z", "stale"),
		}}, nil
	}

	e.Poll(context.Background())
	v := e.Snapshot()
	if len(v.Items) != 0 {
		t.Fatalf("stale poll result must be discarded, got %v", windowTexts(v))
	}
	if v.Poll.LastAppended != 0 {
		t.Fatalf("stale result must not bump LastAppended")
	}
}

func TestSwitchSessionSeedsWindowAndCursor(t *testing.T) {
	remote := &fakeRemote{}
	remote.deltaFn = func(q gateway.DeltaQuery) (*gateway.DeltaResult, error) {
		return &gateway.DeltaResult{
			Items: []types.Message{
				userMsg("m1", "2026-01-02T10:00:00Z", "hi"),
				agentMsg("m2", "2026-01-02T10:00:01Z", "hello"),
			},
			HasOlder: true,
		}, nil
	}
	e := New(remote)
	if err := e.SwitchSession(context.Background(), "main"); err != nil {
		t.Fatalf("SwitchSession error: %v", err)
	}
	if q := remote.lastQuery(t); q.Limit != pageLimit || q.AfterTS != "" || q.BeforeID != "" {
		t.Fatalf("seed fetch query = %+v", q)
	}
	v := e.Snapshot()
	if v.SessionKey != "main" || len(v.Items) != 2 || !v.HasOlder {
		t.Fatalf("unexpected view after switch: %+v", v)
	}

	// Seeded items are already seen: re-polling them appends nothing.
	e.Poll(context.Background())
	if v := e.Snapshot(); v.Poll.LastAppended != 0 {
		t.Fatalf("seeded items counted as new: %d", v.Poll.LastAppended)
	}
	if e.cursor.maxSeenTS != "2026-01-02T10:00:01Z" {
		t.Fatalf("cursor not seeded, ts = %q", e.cursor.maxSeenTS)
	}
}

func TestSwitchSessionDiscardsStaleSeed(t *testing.T) {
	remote := &fakeRemote{}
	e := New(remote)
	remote.deltaFn = func(q gateway.DeltaQuery) (*gateway.DeltaResult, error) {
		e.mu.Lock()
		e.sessionKey = "newer"
		e.mu.Unlock()
		return &gateway.DeltaResult{Items: []types.Message{
			agentMsg("m1", "2026-01-02T10:00:00Z", "stale seed"),
		}}, nil
	}
	if err := e.SwitchSession(context.Background(), "old"); err != nil {
		t.Fatalf("SwitchSession error: %v", err)
	}
	if v := e.Snapshot(); len(v.Items) != 0 {
		t.Fatalf("stale seed applied: %v", windowTexts(v))
	}
}

func TestSwitchSessionEmptyKeyClearsView(t *testing.T) {
	remote := &fakeRemote{}
	e := New(remote)
	e.sessionKey = "main"
	e.window.items = []types.Message{agentMsg("m1", "2026-01-02T10:00:00Z", "hello")}
	if err := e.SwitchSession(context.Background(), ""); err != nil {
		t.Fatalf("SwitchSession error: %v", err)
	}
	if v := e.Snapshot(); v.SessionKey != "" || len(v.Items) != 0 {
		t.Fatalf("view not cleared: %+v", v)
	}
	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.queries) != 0 {
		t.Fatalf("empty key must not fetch")
	}
}

func TestSendAppendsOptimisticallyWithoutMarkingSeen(t *testing.T) {
	remote := &fakeRemote{}
	e := New(remote)
	e.sessionKey = "main"
	e.cursor = newSyncCursor("main")

	if err := e.Send(context.Background(), "  hello  "); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	v := e.Snapshot()
	if len(v.Items) != 1 || v.Items[0].Text != "hello" || v.Items[0].Role != types.MessageRoleUser {
		t.Fatalf("unexpected optimistic append: %+v", v.Items)
	}
	if len(e.cursor.seenKeys) != 0 {
		t.Fatalf("optimistic append must not advance the seen set")
	}
	if !time.Now().Before(e.boostUntil) {
		t.Fatalf("send must open the boost window")
	}
	remote.mu.Lock()
	gotAppend := len(remote.appends) == 1 && remote.appends[0] == "hello"
	remote.mu.Unlock()
	if !gotAppend {
		t.Fatalf("append RPC not issued")
	}

	// Legacy backend without an append echo: the poll returns the stored
	// copy under its own id and server timestamp. The merge must adopt
	// the optimistic row, not double it.
	echo := types.Message{ID: "m9", TS: "2026-01-02T10:00:07Z", Role: types.MessageRoleUser, Text: "hello"}
	appended := mergeDelta(&e.window, &e.cursor, []types.Message{echo}, e.cursor.snapshotSeen())
	if appended != 0 {
		t.Fatalf("user echo counted as agent append")
	}
	got := e.Snapshot()
	if len(got.Items) != 1 {
		t.Fatalf("user message appears %d times in the window, want 1: %v", len(got.Items), windowTexts(got))
	}
	if got.Items[0].ID != "m9" {
		t.Fatalf("persisted copy should supersede the local row, got %+v", got.Items[0])
	}
}

func TestSendAdoptsGatewayCopy(t *testing.T) {
	remote := &fakeRemote{
		created: &types.Message{ID: "m2", TS: "2026-01-02T10:00:06Z", Role: types.MessageRoleUser, Text: "hello"},
	}
	e := New(remote)
	e.sessionKey = "main"
	e.cursor = newSyncCursor("main")

	if err := e.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	v := e.Snapshot()
	if len(v.Items) != 1 {
		t.Fatalf("user message appears %d times in the window, want 1: %v", len(v.Items), windowTexts(v))
	}
	if v.Items[0].ID != "m2" || v.Items[0].TS != "2026-01-02T10:00:06Z" {
		t.Fatalf("window should hold the gateway's stored copy, got %+v", v.Items[0])
	}
	if len(e.cursor.seenKeys) != 0 {
		t.Fatalf("adopting the stored copy must not advance the seen set")
	}

	// The next poll echoes the same id; the window already holds it.
	echo := *remote.created
	appended := mergeDelta(&e.window, &e.cursor, []types.Message{echo}, e.cursor.snapshotSeen())
	if appended != 0 {
		t.Fatalf("user echo counted as agent append")
	}
	if got := e.Snapshot(); len(got.Items) != 1 {
		t.Fatalf("user message appears %d times in the window, want 1: %v", len(got.Items), windowTexts(got))
	}
}

func TestSendDropsLocalRowWhenPollMergedFirst(t *testing.T) {
	remote := &fakeRemote{}
	e := New(remote)
	e.sessionKey = "main"
	e.cursor = newSyncCursor("main")
	created := types.Message{ID: "m2", TS: "2026-01-02T10:00:06Z", Role: types.MessageRoleUser, Text: "hello"}
	// A poll lands the stored copy while the append RPC is in flight.
	remote.appendFn = func() {
		e.mu.Lock()
		e.window.items = append(e.window.items, created)
		e.mu.Unlock()
	}
	remote.created = &created

	if err := e.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if v := e.Snapshot(); len(v.Items) != 1 {
		t.Fatalf("user message appears %d times in the window, want 1: %v", len(v.Items), windowTexts(v))
	}
}

func TestSendRejectsEmptyTextAndMissingSession(t *testing.T) {
	e := New(&fakeRemote{})
	if err := e.Send(context.Background(), "   "); err == nil {
		t.Fatalf("expected error for blank text")
	}
	if err := e.Send(context.Background(), "hi"); err == nil {
		t.Fatalf("expected error with no active session")
	}
}

func TestLoadOlderPrependsPage(t *testing.T) {
	remote := &fakeRemote{}
	remote.deltaFn = func(q gateway.DeltaQuery) (*gateway.DeltaResult, error) {
		return &gateway.DeltaResult{
			Items: []types.Message{
				agentMsg("m1", "2026-01-02T09:00:00Z", "first"),
				agentMsg("m2", "2026-01-02T09:00:01Z", "second"),
				agentMsg("m3", "2026-01-02T10:00:00Z", "current"),
			},
			HasOlder: false,
		}, nil
	}
	e := New(remote)
	e.sessionKey = "main"
	e.cursor = newSyncCursor("main")
	e.window.items = []types.Message{agentMsg("m3", "2026-01-02T10:00:00Z", "current")}
	e.window.hasOlder = true
	e.cursor.seed(e.window.items)

	if err := e.LoadOlder(context.Background()); err != nil {
		t.Fatalf("LoadOlder error: %v", err)
	}
	if q := remote.lastQuery(t); q.BeforeID != "m3" || q.Limit != pageLimit {
		t.Fatalf("unexpected pagination query: %+v", q)
	}
	v := e.Snapshot()
	want := []string{"first", "second", "current"}
	got := windowTexts(v)
	if len(got) != len(want) {
		t.Fatalf("window = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("window = %v, want %v", got, want)
		}
	}
	if v.HasOlder {
		t.Fatalf("HasOlder should track the page result")
	}
	if v.LoadingOlder {
		t.Fatalf("LoadingOlder should clear after the page lands")
	}
	// History never advances the forward cursor.
	if len(e.cursor.seenKeys) != 1 {
		t.Fatalf("pagination grew the seen set: %d keys", len(e.cursor.seenKeys))
	}
}

func TestLoadOlderSingleFlight(t *testing.T) {
	remote := &fakeRemote{}
	e := New(remote)
	e.sessionKey = "main"
	e.window.items = []types.Message{agentMsg("m3", "2026-01-02T10:00:00Z", "current")}
	e.window.hasOlder = true
	e.loadingOlder = true

	if err := e.LoadOlder(context.Background()); err != nil {
		t.Fatalf("LoadOlder error: %v", err)
	}
	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.queries) != 0 {
		t.Fatalf("concurrent LoadOlder must be a no-op")
	}
}

func TestLoadOlderWithoutAnchorClearsHasOlder(t *testing.T) {
	remote := &fakeRemote{}
	e := New(remote)
	e.sessionKey = "main"
	e.window.items = []types.Message{
		{TS: "2026-01-02T10:00:00Z", Role: types.MessageRoleUser, Text: "local only"},
	}
	e.window.hasOlder = true

	if err := e.LoadOlder(context.Background()); err != nil {
		t.Fatalf("LoadOlder error: %v", err)
	}
	if v := e.Snapshot(); v.HasOlder {
		t.Fatalf("no anchor id: HasOlder must clear")
	}
	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.queries) != 0 {
		t.Fatalf("anchorless pagination must not hit the gateway")
	}
}

func TestLoadOlderErrorResetsGuard(t *testing.T) {
	remote := &fakeRemote{}
	fail := errors.New("gateway down")
	remote.deltaFn = func(q gateway.DeltaQuery) (*gateway.DeltaResult, error) {
		return nil, fail
	}
	e := New(remote)
	e.sessionKey = "main"
	e.window.items = []types.Message{agentMsg("m3", "2026-01-02T10:00:00Z", "current")}
	e.window.hasOlder = true

	if err := e.LoadOlder(context.Background()); !errors.Is(err, fail) {
		t.Fatalf("LoadOlder error = %v, want %v", err, fail)
	}
	if e.loadingOlder {
		t.Fatalf("guard must reset after a failed page")
	}
	if v := e.Snapshot(); !v.HasOlder {
		t.Fatalf("failed page must not clear HasOlder")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	e := New(&fakeRemote{}, WithIntervals(Intervals{
		Base:    time.Hour,
		Fast:    time.Hour,
		Initial: time.Hour,
		Boost:   time.Hour,
	}))
	e.Start()
	e.Start()
	if !e.Snapshot().Poll.Active {
		t.Fatalf("engine should report active after Start")
	}
	e.Stop()
	e.Stop()
	if e.Snapshot().Poll.Active {
		t.Fatalf("engine should report inactive after Stop")
	}
	e.Start()
	e.Stop()
}

func TestClampDelayEnforcesFloor(t *testing.T) {
	if got := clampDelay(10 * time.Millisecond); got != minPollDelay {
		t.Fatalf("clampDelay = %v, want %v", got, minPollDelay)
	}
	if got := clampDelay(2 * time.Second); got != 2*time.Second {
		t.Fatalf("clampDelay altered a legal delay: %v", got)
	}
}

func TestChangedCoalescesNotifications(t *testing.T) {
	e := New(&fakeRemote{})
	e.mu.Lock()
	e.notifyLocked()
	e.notifyLocked()
	e.notifyLocked()
	e.mu.Unlock()

	select {
	case <-e.Changed():
	default:
		t.Fatalf("expected a pending change signal")
	}
	select {
	case <-e.Changed():
		t.Fatalf("signals must coalesce to one")
	default:
	}
}
