package components

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/events"
	"github.com/loomchat/loom/internal/session"
	"github.com/loomchat/loom/internal/tree"
	"github.com/loomchat/loom/internal/tui/styles"
)

type ChatView struct {
	controller *session.Controller
	viewport   viewport.Model
	textarea   textarea.Model
	stream     *session.Stream
	status     string
	statusErr  bool
	ready      bool
}

func NewChatView(controller *session.Controller) *ChatView {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()

	ta.Prompt = "┃ "
	ta.CharLimit = 0

	ta.SetWidth(30)
	ta.SetHeight(3)

	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()

	vp := viewport.New(30, 30)
	vp.SetContent("")

	return &ChatView{
		controller: controller,
		textarea:   ta,
		viewport:   vp,
	}
}

func (m *ChatView) Init() tea.Cmd {
	m.viewport.SetContent(m.renderMessages())
	return textarea.Blink
}

type streamEventMsg struct {
	event events.Event
}

type streamClosedMsg struct{}

// waitForEvent relays one event from the in-flight turn into the bubbletea
// loop; the Update handler re-issues it until the stream closes.
func waitForEvent(s *session.Stream) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-s.Events
		if !ok {
			return streamClosedMsg{}
		}
		return streamEventMsg{event: ev}
	}
}

func (m *ChatView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-m.textarea.Height()-4)
			m.textarea.SetWidth(msg.Width)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - m.textarea.Height() - 4
			m.textarea.SetWidth(msg.Width)
		}
		m.viewport.SetContent(m.renderMessages())
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.controller.Close()
			return m, tea.Quit
		case "esc":
			if m.stream != nil {
				m.controller.Cancel()
				return m, nil
			}
			m.controller.Close()
			return m, tea.Quit
		case "enter":
			return m, m.send()
		case "ctrl+r":
			return m, m.regenerate()
		case "alt+left":
			return m, m.navigate(tree.Prev)
		case "alt+right":
			return m, m.navigate(tree.Next)
		}

	case streamEventMsg:
		m.applyEvent(msg.event)
		m.viewport.SetContent(m.renderMessages())
		m.viewport.GotoBottom()
		return m, waitForEvent(m.stream)

	case streamClosedMsg:
		m.stream = nil
		m.viewport.SetContent(m.renderMessages())
		m.viewport.GotoBottom()
		return m, nil
	}

	if m.stream == nil {
		m.textarea, tiCmd = m.textarea.Update(msg)
	}
	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd)
}

func (m *ChatView) send() tea.Cmd {
	if m.stream != nil {
		return nil
	}
	content := strings.TrimSpace(m.textarea.Value())
	if content == "" {
		return nil
	}

	stream, err := m.controller.Send(context.Background(), content, nil, "")
	if err != nil {
		m.setError(err)
		m.viewport.SetContent(m.renderMessages())
		return nil
	}

	m.textarea.Reset()
	m.stream = stream
	m.setStatus("")
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
	return waitForEvent(stream)
}

func (m *ChatView) regenerate() tea.Cmd {
	if m.stream != nil {
		return nil
	}
	path := m.controller.VisiblePath()
	if len(path) == 0 {
		return nil
	}
	last := path[len(path)-1]
	if last.Role != domain.RoleAssistant {
		return nil
	}

	stream, err := m.controller.Regenerate(context.Background(), last.ID, "")
	if err != nil {
		m.setError(err)
		m.viewport.SetContent(m.renderMessages())
		return nil
	}

	m.stream = stream
	m.setStatus("")
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
	return waitForEvent(stream)
}

func (m *ChatView) navigate(dir tree.Direction) tea.Cmd {
	if m.stream != nil {
		return nil
	}
	path := m.controller.VisiblePath()
	if len(path) == 0 {
		return nil
	}

	m.controller.Navigate(path[len(path)-1].ID, dir)
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
	return nil
}

func (m *ChatView) applyEvent(ev events.Event) {
	switch ev := ev.(type) {
	case events.ReconnectingEvent:
		m.setStatus(fmt.Sprintf("Connection lost, retrying (%d)...", ev.Attempt))
	case events.CancelledEvent:
		m.setStatus("Cancelled")
	case events.ErrorEvent:
		m.setError(ev.Error)
	case events.MessageDoneEvent:
		m.setStatus("")
	}
}

func (m *ChatView) setStatus(status string) {
	m.status = status
	m.statusErr = false
}

func (m *ChatView) setError(err error) {
	m.statusErr = true
	switch {
	case domain.IsBusy(err):
		m.status = "A response is already in progress"
	case domain.IsQuotaExceeded(err):
		m.status = "Daily message limit reached, come back tomorrow"
	default:
		m.status = err.Error()
	}
}

func (m *ChatView) renderMessages() string {
	path := m.controller.VisiblePath()

	var b strings.Builder
	for _, msg := range path {
		label := styles.UserStyle.Render("You: ")
		if msg.Role == domain.RoleAssistant {
			label = styles.AssistantStyle.Render("Assistant: ")
		}
		b.WriteString(label)
		if info := m.controller.BranchInfo(msg.ID); info != nil {
			b.WriteString(styles.BranchStyle.Render(fmt.Sprintf("[%d/%d] ", info.Index, info.Total)))
		}
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}
	if m.status != "" {
		style := styles.StatusStyle
		if m.statusErr {
			style = styles.ErrorStyle
		}
		b.WriteString(style.Render(m.status))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *ChatView) View() string {
	return fmt.Sprintf(
		"%s\n%s",
		m.viewport.View(),
		m.textarea.View(),
	)
}
