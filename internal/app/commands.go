package app

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"chatview/internal/engine"
	"chatview/internal/gateway"
)

func fetchSessionsCmd(client *gateway.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		sessions, err := client.ListSessions(ctx)
		return sessionsMsg{sessions: sessions, err: err}
	}
}

func createSessionCmd(client *gateway.Client, label string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()
		session, err := client.CreateSession(ctx, label)
		return sessionCreatedMsg{session: session, err: err}
	}
}

func switchSessionCmd(eng *engine.Engine, key string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()
		err := eng.SwitchSession(ctx, key)
		return sessionSwitchedMsg{key: key, err: err}
	}
}

func sendMessageCmd(eng *engine.Engine, text string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()
		return sendResultMsg{err: eng.Send(ctx, text)}
	}
}

func loadOlderCmd(eng *engine.Engine) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return loadOlderMsg{err: eng.LoadOlder(ctx)}
	}
}

// waitChangedCmd blocks on the engine's change channel and re-arms
// itself from Update; one signal becomes one redraw.
func waitChangedCmd(eng *engine.Engine) tea.Cmd {
	return func() tea.Msg {
		<-eng.Changed()
		return engineChangedMsg{}
	}
}

func copyTranscriptCmd(text string) tea.Cmd {
	return func() tea.Msg {
		return copyResultMsg{err: copyTextToClipboard(text)}
	}
}

func renderTickCmd(after time.Duration) tea.Cmd {
	return tea.Tick(after, func(t time.Time) tea.Msg {
		return renderTickMsg{at: t}
	})
}

func statusExpireCmd(seq int, after time.Duration) tea.Cmd {
	return tea.Tick(after, func(time.Time) tea.Msg {
		return statusExpiredMsg{seq: seq}
	})
}
