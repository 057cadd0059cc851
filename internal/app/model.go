package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"

	"chatview/internal/engine"
	"chatview/internal/gateway"
	"chatview/internal/logging"
	"chatview/internal/store"
	"chatview/internal/types"
)

const (
	statusLifetime = 4 * time.Second
	chromeHeight   = 4 // header, composer, status, spacing
)

// Model is the root bubbletea model: a transcript viewport over the sync
// engine's window, a composer, and a session picker overlay.
type Model struct {
	eng    *engine.Engine
	client *gateway.Client
	states *store.StateStore
	log    logging.Logger

	width  int
	height int
	ready  bool

	vp    viewport.Model
	input textinput.Model

	view         engine.View
	lastPollSeen time.Time
	newCount     int

	pendingScroll scrollMode
	scrollPlanned bool
	throttle      *renderThrottle
	tickArmed     bool

	pickerOpen  bool
	pickerIndex int
	sessions    []*types.Session

	status      string
	statusIsErr bool
	statusSeq   int

	initialSession string
}

func NewModel(client *gateway.Client, eng *engine.Engine, states *store.StateStore, log logging.Logger) *Model {
	input := textinput.New()
	input.Placeholder = "type a message"
	input.Prompt = "> "
	input.CharLimit = 0
	input.Focus()
	m := &Model{
		eng:      eng,
		client:   client,
		states:   states,
		log:      log,
		input:    input,
		throttle: newRenderThrottle(defaultRenderInterval),
	}
	if states != nil {
		if ui, err := states.LoadUIState(); err == nil {
			m.initialSession = ui.ActiveSessionKey
		}
	}
	return m
}

func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		waitChangedCmd(m.eng),
		fetchSessionsCmd(m.client),
		textinput.Blink,
	}
	if m.initialSession != "" {
		cmds = append(cmds, switchSessionCmd(m.eng, m.initialSession))
	}
	return tea.Batch(cmds...)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg)
	case tea.KeyMsg:
		return m.handleKey(msg)
	case engineChangedMsg:
		cmd := m.requestRender()
		return m, tea.Batch(waitChangedCmd(m.eng), cmd)
	case renderTickMsg:
		m.tickArmed = false
		if m.throttle.ShouldRender(msg.at) {
			m.refresh(msg.at)
		}
		return m, nil
	case sessionsMsg:
		if msg.err != nil {
			return m, m.setStatusError("list sessions: " + msg.err.Error())
		}
		m.sessions = msg.sessions
		if m.pickerIndex >= len(m.sessions) {
			m.pickerIndex = 0
		}
		return m, nil
	case sessionSwitchedMsg:
		return m.handleSessionSwitched(msg)
	case sessionCreatedMsg:
		if msg.err != nil {
			return m, m.setStatusError("create session: " + msg.err.Error())
		}
		m.pickerOpen = false
		return m, tea.Batch(
			switchSessionCmd(m.eng, msg.session.Key),
			fetchSessionsCmd(m.client),
		)
	case sendResultMsg:
		if msg.err != nil {
			return m, m.setStatusError(msg.err.Error())
		}
		return m, nil
	case loadOlderMsg:
		if msg.err != nil {
			m.pendingScroll = scrollModeDefault
			m.scrollPlanned = false
			return m, m.setStatusError(msg.err.Error())
		}
		return m, nil
	case copyResultMsg:
		if msg.err != nil {
			return m, m.setStatusError(msg.err.Error())
		}
		return m, m.setStatusInfo("transcript copied")
	case statusExpiredMsg:
		if msg.seq == m.statusSeq {
			m.status = ""
			m.statusIsErr = false
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleResize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height
	vpHeight := msg.Height - chromeHeight
	if vpHeight < 1 {
		vpHeight = 1
	}
	if !m.ready {
		m.vp = viewport.New(msg.Width, vpHeight)
		m.ready = true
	} else {
		m.vp.Width = msg.Width
		m.vp.Height = vpHeight
	}
	m.input.Width = msg.Width - 4
	m.refresh(time.Now())
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.pickerOpen {
		return m.handlePickerKey(msg)
	}
	switch msg.String() {
	case "ctrl+c":
		m.persistOnExit()
		return m, tea.Quit
	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.SetValue("")
		m.saveDraft(m.view.SessionKey, "")
		m.pendingScroll = scrollModeBottom
		m.scrollPlanned = true
		return m, sendMessageCmd(m.eng, text)
	case "ctrl+o":
		if !m.view.HasOlder || m.view.LoadingOlder {
			return m, nil
		}
		m.pendingScroll = scrollModePreserve
		m.scrollPlanned = true
		return m, loadOlderCmd(m.eng)
	case "ctrl+s":
		m.pickerOpen = true
		m.pickerIndex = 0
		return m, fetchSessionsCmd(m.client)
	case "ctrl+n":
		label := "chat " + time.Now().Format("Jan 2 15:04")
		return m, createSessionCmd(m.client, label)
	case "ctrl+y":
		return m, copyTranscriptCmd(transcriptText(m.view.Items))
	case "pgup":
		m.vp.HalfViewUp()
		return m, nil
	case "pgdown":
		m.vp.HalfViewDown()
		m.maybeClearNewCount()
		return m, nil
	case "up":
		if m.input.Value() == "" {
			m.vp.LineUp(1)
			return m, nil
		}
	case "down":
		if m.input.Value() == "" {
			m.vp.LineDown(1)
			m.maybeClearNewCount()
			return m, nil
		}
	case "end":
		m.vp.GotoBottom()
		m.newCount = 0
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handlePickerKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "ctrl+s":
		m.pickerOpen = false
		return m, nil
	case "ctrl+c":
		m.persistOnExit()
		return m, tea.Quit
	case "up", "k":
		if m.pickerIndex > 0 {
			m.pickerIndex--
		}
		return m, nil
	case "down", "j":
		if m.pickerIndex < len(m.sessions)-1 {
			m.pickerIndex++
		}
		return m, nil
	case "n":
		label := "chat " + time.Now().Format("Jan 2 15:04")
		return m, createSessionCmd(m.client, label)
	case "enter":
		if m.pickerIndex >= len(m.sessions) {
			return m, nil
		}
		target := m.sessions[m.pickerIndex]
		m.pickerOpen = false
		if target.Key == m.view.SessionKey {
			return m, nil
		}
		m.saveDraft(m.view.SessionKey, m.input.Value())
		m.input.SetValue("")
		return m, switchSessionCmd(m.eng, target.Key)
	}
	return m, nil
}

func (m *Model) handleSessionSwitched(msg sessionSwitchedMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		return m, m.setStatusError(msg.err.Error())
	}
	m.newCount = 0
	m.pendingScroll = scrollModeBottom
	m.scrollPlanned = true
	if m.states != nil {
		if draft, err := m.states.Draft(msg.key); err == nil && draft != "" {
			m.input.SetValue(draft)
		}
		if ui, err := m.states.LoadUIState(); err == nil {
			ui.ActiveSessionKey = msg.key
			if err := m.states.SaveUIState(ui); err != nil {
				m.log.Warn("persist ui state failed", logging.F("error", err))
			}
		}
	}
	m.refresh(time.Now())
	return m, nil
}

// requestRender folds an engine change signal into at most one redraw
// per throttle interval.
func (m *Model) requestRender() tea.Cmd {
	now := time.Now()
	if m.throttle.Request(now) {
		m.refresh(now)
		return nil
	}
	if m.tickArmed {
		return nil
	}
	m.tickArmed = true
	return renderTickCmd(defaultRenderInterval)
}

// refresh re-reads the engine snapshot and rebuilds the viewport,
// placing the scroll offset according to what caused the change.
func (m *Model) refresh(now time.Time) {
	if !m.ready {
		return
	}
	next := m.eng.Snapshot()

	if !next.Poll.LastPollAt.IsZero() && !next.Poll.LastPollAt.Equal(m.lastPollSeen) {
		m.lastPollSeen = next.Poll.LastPollAt
		if next.Poll.LastAppended > 0 && !m.vp.AtBottom() {
			m.newCount += next.Poll.LastAppended
		}
	}
	m.view = next

	mode := scrollModeDefault
	if m.scrollPlanned {
		mode = m.pendingScroll
		m.scrollPlanned = false
	}
	prevOffset := m.vp.YOffset
	prevTotal := m.vp.TotalLineCount()
	m.vp.SetContent(renderTranscript(next.Items, m.vp.Width, next.HasOlder, next.LoadingOlder))
	offset := scrollPlan(mode, prevOffset, prevTotal, m.vp.TotalLineCount(), m.vp.Height)
	m.vp.SetYOffset(offset)
	m.maybeClearNewCount()
	m.throttle.MarkRendered(now)
}

func (m *Model) maybeClearNewCount() {
	if m.vp.AtBottom() {
		m.newCount = 0
	}
}

func (m *Model) saveDraft(sessionKey, text string) {
	if m.states == nil || sessionKey == "" {
		return
	}
	if err := m.states.SetDraft(sessionKey, text); err != nil {
		m.log.Warn("persist draft failed",
			logging.F("session", sessionKey),
			logging.F("error", err))
	}
}

func (m *Model) persistOnExit() {
	m.saveDraft(m.view.SessionKey, m.input.Value())
}

func (m *Model) setStatusInfo(text string) tea.Cmd {
	m.status = text
	m.statusIsErr = false
	m.statusSeq++
	return statusExpireCmd(m.statusSeq, statusLifetime)
}

func (m *Model) setStatusError(text string) tea.Cmd {
	m.status = text
	m.statusIsErr = true
	m.statusSeq++
	return statusExpireCmd(m.statusSeq, statusLifetime)
}

func (m *Model) View() string {
	if !m.ready {
		return "loading..."
	}
	if m.pickerOpen {
		return m.pickerView()
	}
	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteString("\n")
	b.WriteString(m.vp.View())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.statusView())
	return b.String()
}

func (m *Model) headerView() string {
	name := m.view.SessionKey
	if name == "" {
		name = "no session (ctrl+s to pick)"
	}
	header := headerStyle.Render("chatview") + " " + sessionStyle.Render(name)
	if m.agentTyping() {
		header += "  " + typingStyle.Render("agent is typing...")
	}
	return runewidth.Truncate(header, m.width, "…")
}

// agentTyping reports whether a reply is plausibly in flight: the last
// message is ours and the poll loop is still in its boosted window.
func (m *Model) agentTyping() bool {
	items := m.view.Items
	if len(items) == 0 {
		return false
	}
	if items[len(items)-1].Role != types.MessageRoleUser {
		return false
	}
	return time.Now().Before(m.view.Poll.BoostUntil)
}

func (m *Model) statusView() string {
	parts := make([]string, 0, 4)
	if m.status != "" {
		if m.statusIsErr {
			parts = append(parts, errorStyle.Render(m.status))
		} else {
			parts = append(parts, statusStyle.Render(m.status))
		}
	} else if m.view.Poll.LastErr != nil {
		parts = append(parts, errorStyle.Render("sync: "+m.view.Poll.LastErr.Error()))
	}
	if m.newCount > 0 {
		parts = append(parts, newCountStyle.Render(fmt.Sprintf("+%d new", m.newCount)))
	}
	parts = append(parts, helpStyle.Render("enter send · ctrl+o older · ctrl+s sessions · ctrl+y copy · ctrl+c quit"))
	line := strings.Join(parts, "  ")
	return runewidth.Truncate(line, m.width, "…")
}

func (m *Model) pickerView() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("sessions"))
	b.WriteString("\n\n")
	if len(m.sessions) == 0 {
		b.WriteString(helpStyle.Render("no sessions yet (n to create)"))
		b.WriteString("\n")
	}
	for i, s := range m.sessions {
		row := s.DisplayName()
		if s.Key == m.view.SessionKey {
			row += " (active)"
		}
		if i == m.pickerIndex {
			row = selectedStyle.Render("> " + row)
		} else {
			row = sessionStyle.Render("  " + row)
		}
		b.WriteString(runewidth.Truncate(row, m.width, "…"))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter open · n new · esc back"))
	return b.String()
}

func transcriptText(items []types.Message) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString(roleLabel(item.Role))
		b.WriteString(": ")
		b.WriteString(item.Text)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Run starts the sync engine and blocks on the TUI event loop.
func Run(client *gateway.Client, eng *engine.Engine, states *store.StateStore, log logging.Logger) error {
	m := NewModel(client, eng, states, log)
	eng.Start()
	defer eng.Stop()
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run ui: %w", err)
	}
	return nil
}
