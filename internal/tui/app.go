package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/loomchat/loom/internal/session"
	"github.com/loomchat/loom/internal/tui/components"
)

// Model is the top-level bubbletea model: a single chat view over one
// session controller.
type Model struct {
	chat *components.ChatView
}

func New(controller *session.Controller) Model {
	return Model{chat: components.NewChatView(controller)}
}

func (m Model) Init() tea.Cmd {
	return m.chat.Init()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	_, cmd := m.chat.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	return m.chat.View()
}
