package devserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatview/internal/engine"
	"chatview/internal/gateway"
	"chatview/internal/types"
)

func startServer(t *testing.T, opts ...Option) (*httptest.Server, *gateway.Client) {
	t.Helper()
	srv := httptest.NewServer(New("secret", opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, gateway.NewWithToken(srv.URL, "secret")
}

func TestSessionLifecycleOverWire(t *testing.T) {
	_, client := startServer(t)
	ctx := context.Background()

	session, err := client.CreateSession(ctx, "daily standup")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if session.Key == "" || session.Label != "daily standup" {
		t.Fatalf("unexpected session: %+v", session)
	}

	sessions, err := client.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Key != session.Key {
		t.Fatalf("unexpected session list: %+v", sessions)
	}

	if err := client.Refresh(ctx, session.Key, 50); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if err := client.Refresh(ctx, "nope", 50); err == nil {
		t.Fatalf("refresh of unknown session should fail")
	}
}

func TestMessageRoundTripAndCursors(t *testing.T) {
	_, client := startServer(t)
	ctx := context.Background()

	session, err := client.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	texts := []string{"one", "two", "three", "four", "five"}
	for _, text := range texts {
		msg, err := client.Append(ctx, session.Key, types.MessageRoleUser, text)
		if err != nil {
			t.Fatalf("Append %q error: %v", text, err)
		}
		if msg == nil || msg.ID == "" {
			t.Fatalf("append should return the stored copy, got %+v", msg)
		}
	}

	// Plain query returns the tail, newest last.
	res, err := client.QueryDelta(ctx, session.Key, gateway.DeltaQuery{Limit: 3})
	if err != nil {
		t.Fatalf("QueryDelta error: %v", err)
	}
	if len(res.Items) != 3 || res.Items[2].Text != "five" {
		t.Fatalf("unexpected tail: %+v", res.Items)
	}
	if !res.HasOlder {
		t.Fatalf("tail shorter than the log must report has_older")
	}

	// Backward pagination from the oldest loaded item.
	older, err := client.QueryDelta(ctx, session.Key, gateway.DeltaQuery{
		BeforeID: res.Items[0].ID,
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("QueryDelta error: %v", err)
	}
	if len(older.Items) != 2 || older.Items[0].Text != "one" || older.Items[1].Text != "two" {
		t.Fatalf("unexpected history page: %+v", older.Items)
	}
	if older.HasOlder {
		t.Fatalf("full history loaded, has_older must be false")
	}

	// Forward cursor from the first item's timestamp includes the
	// boundary item itself.
	forward, err := client.QueryDelta(ctx, session.Key, gateway.DeltaQuery{
		AfterTS: res.Items[2].TS,
		Limit:   200,
	})
	if err != nil {
		t.Fatalf("QueryDelta error: %v", err)
	}
	found := false
	for _, item := range forward.Items {
		if item.Text == "five" {
			found = true
		}
	}
	if !found {
		t.Fatalf("boundary item missing from forward slice: %+v", forward.Items)
	}
}

func TestEchoModeAnswersUserMessages(t *testing.T) {
	_, client := startServer(t, WithEcho())
	ctx := context.Background()

	session, err := client.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if _, err := client.Append(ctx, session.Key, types.MessageRoleUser, "ping"); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	res, err := client.QueryDelta(ctx, session.Key, gateway.DeltaQuery{Limit: 10})
	if err != nil {
		t.Fatalf("QueryDelta error: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("expected user message and echo, got %+v", res.Items)
	}
	if res.Items[1].Role != types.MessageRoleAgent || res.Items[1].Text != "echo: ping" {
		t.Fatalf("unexpected echo: %+v", res.Items[1])
	}
}

func TestRejectsBadTokenAndBadInput(t *testing.T) {
	srv, _ := startServer(t)
	ctx := context.Background()

	bad := gateway.NewWithToken(srv.URL, "wrong")
	_, err := bad.ListSessions(ctx)
	apiErr := gateway.AsAPIError(err)
	if apiErr == nil || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}

	good := gateway.NewWithToken(srv.URL, "secret")
	session, err := good.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if _, err := good.Append(ctx, session.Key, types.MessageRoleUser, "   "); err == nil {
		t.Fatalf("blank text should be rejected")
	}
	if _, err := good.Append(ctx, session.Key, "robot", "hi"); err == nil {
		t.Fatalf("unknown role should be rejected")
	}
}

func TestSendThenPollKeepsSingleCopy(t *testing.T) {
	_, client := startServer(t)
	ctx := context.Background()

	session, err := client.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	eng := engine.New(client)
	if err := eng.SwitchSession(ctx, session.Key); err != nil {
		t.Fatalf("SwitchSession error: %v", err)
	}
	if err := eng.Send(ctx, "hello"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	eng.Poll(ctx)

	v := eng.Snapshot()
	count := 0
	for _, item := range v.Items {
		if item.Role == types.MessageRoleUser && item.Text == "hello" {
			count++
			if item.ID == "" {
				t.Fatalf("window should hold the stored copy, got %+v", item)
			}
		}
	}
	if count != 1 {
		t.Fatalf("user message appears %d times in the window, want 1: %+v", count, v.Items)
	}
	if v.Poll.LastErr != nil {
		t.Fatalf("poll error: %v", v.Poll.LastErr)
	}
}
