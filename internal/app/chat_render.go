package app

import (
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"chatview/internal/types"
)

const minBubbleWidth = 20

// renderTranscript turns the message window into the viewport content.
// Agent text renders as markdown, user text wraps as-is; each bubble
// carries a meta line with the role and timestamp.
func renderTranscript(items []types.Message, width int, hasOlder, loadingOlder bool) string {
	if width < minBubbleWidth {
		width = minBubbleWidth
	}
	var b strings.Builder
	if loadingOlder {
		b.WriteString(historyHintStyle.Render("loading older messages..."))
		b.WriteString("\n")
	} else if hasOlder {
		b.WriteString(historyHintStyle.Render("older messages available (ctrl+o to load)"))
		b.WriteString("\n")
	}
	if len(items) == 0 {
		b.WriteString(helpStyle.Render("no messages yet"))
		return b.String()
	}
	for i, item := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(renderBubble(item, width))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderBubble(item types.Message, width int) string {
	bubbleWidth := width - 2*(bubblePaddingHorizontal+1)
	if bubbleWidth < minBubbleWidth {
		bubbleWidth = minBubbleWidth
	}
	var body string
	var style lipgloss.Style
	switch item.Role {
	case types.MessageRoleUser:
		body = wordwrap.String(strings.TrimRight(item.Text, "\n"), bubbleWidth)
		style = userBubbleStyle
	default:
		body = renderMarkdown(item.Text, bubbleWidth)
		style = agentBubbleStyle
	}
	if body == "" {
		body = " "
	}
	meta := metaStyle.Render(roleLabel(item.Role) + " " + formatMessageTS(item.TS))
	return meta + "\n" + style.Render(body)
}

func roleLabel(role types.MessageRole) string {
	switch role {
	case types.MessageRoleUser:
		return "you"
	case types.MessageRoleAgent:
		return "agent"
	default:
		return string(role)
	}
}

// formatMessageTS renders a wire timestamp for the meta line: time only
// for today's messages, date and time otherwise. Unparseable values pass
// through untouched.
func formatMessageTS(ts string) string {
	if ts == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	local := parsed.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}
