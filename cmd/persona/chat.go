// Interactive terminal chat with a character, built on bubbletea.
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"persona/internal/config"
	"persona/internal/generation"
	"persona/internal/history"
)

const chatHistoryLimit = 10

// responder is the slice of the generator the chat screen needs.
type responder interface {
	Reply(ctx context.Context, ch *config.Character, originalPost string, opts generation.ReplyOptions) (*generation.Result, error)
}

type chatEntry struct {
	role    string // "user" or "assistant"
	content string
	time    time.Time
}

type (
	replyMsg     string
	replyErrMsg  error
	chatStyleSet struct {
		header    lipgloss.Style
		user      lipgloss.Style
		assistant lipgloss.Style
		errLine   lipgloss.Style
		input     lipgloss.Style
		footer    lipgloss.Style
	}
)

func defaultChatStyles() chatStyleSet {
	return chatStyleSet{
		header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		user:      lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		assistant: lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true),
		errLine:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		input:     lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
		footer:    lipgloss.NewStyle().Faint(true).Padding(0, 1),
	}
}

type chatModel struct {
	textinput textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	styles    chatStyleSet

	history   []chatEntry
	isLoading bool
	err       error
	width     int
	height    int
	ready     bool

	character *config.Character
	gen       responder
	store     *history.Store
	sessionID string
	ctx       context.Context
}

func newChatModel(ctx context.Context, ch *config.Character, gen responder, store *history.Store) chatModel {
	ti := textinput.New()
	ti.Placeholder = fmt.Sprintf("Message %s... (Enter to send, Ctrl+C to exit)", ch.AgentName)
	ti.Focus()
	ti.Prompt = "│ "
	ti.CharLimit = 1024
	ti.Width = 80

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	vp := viewport.New(80, 20)
	vp.SetContent("")

	return chatModel{
		textinput: ti,
		viewport:  vp,
		spinner:   sp,
		styles:    defaultChatStyles(),
		history:   []chatEntry{},
		character: ch,
		gen:       gen,
		store:     store,
		sessionID: uuid.NewString(),
		ctx:       ctx,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if !m.isLoading {
				return m.handleSubmit()
			}
		}
		if !m.isLoading {
			m.textinput, tiCmd = m.textinput.Update(msg)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		headerHeight := 2
		inputHeight := 3
		footerHeight := 1
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - headerHeight - inputHeight - footerHeight
		m.textinput.Width = msg.Width - 6
		m.ready = true
		m.viewport.SetContent(m.renderHistory())

	case replyMsg:
		m.isLoading = false
		m.err = nil
		m.history = append(m.history, chatEntry{role: "assistant", content: string(msg), time: time.Now()})
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()

	case replyErrMsg:
		m.isLoading = false
		m.err = msg
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()

	case spinner.TickMsg:
		if m.isLoading {
			m.spinner, spCmd = m.spinner.Update(msg)
		}
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd, spCmd)
}

func (m chatModel) handleSubmit() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.textinput.Value())
	if input == "" {
		return m, nil
	}

	m.textinput.Reset()
	m.isLoading = true
	m.err = nil
	m.history = append(m.history, chatEntry{role: "user", content: input, time: time.Now()})
	m.viewport.SetContent(m.renderHistory())
	m.viewport.GotoBottom()

	return m, tea.Batch(m.spinner.Tick, m.processInput(input))
}

// processInput persists the user turn, asks the generator for a chat
// reply with the recent session as context, and persists the answer.
func (m chatModel) processInput(input string) tea.Cmd {
	return func() tea.Msg {
		if err := m.store.SaveChatMessage(history.ChatMessage{
			Platform:    "cli",
			ChannelID:   m.sessionID,
			MessageID:   uuid.NewString(),
			UserID:      "operator",
			Handle:      "operator",
			SessionID:   m.sessionID,
			Content:     input,
			MessageType: "text",
		}); err != nil {
			return replyErrMsg(err)
		}

		recent := m.store.RecentByChannel("cli", m.sessionID, chatHistoryLimit)
		result, err := m.gen.Reply(m.ctx, m.character, input, generation.ReplyOptions{
			Chat:    true,
			History: formatSessionHistory(recent),
		})
		if err != nil {
			return replyErrMsg(err)
		}

		if err := m.store.SaveChatMessage(history.ChatMessage{
			Platform:        "cli",
			ChannelID:       m.sessionID,
			MessageID:       uuid.NewString(),
			UserID:          m.character.Username,
			Handle:          m.character.Username,
			SessionID:       m.sessionID,
			Content:         result.Text,
			MessageType:     "text",
			IsAgentResponse: true,
			Prompt:          result.Prompt,
		}); err != nil {
			return replyErrMsg(err)
		}

		return replyMsg(result.Text)
	}
}

// formatSessionHistory renders saved rows as prompt context lines.
// RecentByChannel already returns oldest-first, which is the order the
// model should read the conversation in.
func formatSessionHistory(messages []history.ChatMessage) string {
	if len(messages) == 0 {
		return ""
	}
	var b strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&b, "@%s: %s\n", msg.Handle, msg.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m chatModel) renderHistory() string {
	var b strings.Builder
	for _, entry := range m.history {
		label := m.styles.user.Render("you")
		if entry.role == "assistant" {
			label = m.styles.assistant.Render("@" + m.character.Username)
		}
		fmt.Fprintf(&b, "%s  %s\n\n", label, entry.content)
	}
	if m.err != nil {
		b.WriteString(m.styles.errLine.Render("error: "+m.err.Error()) + "\n")
	}
	return b.String()
}

func (m chatModel) View() string {
	if !m.ready {
		return "loading..."
	}

	header := m.styles.header.Render(fmt.Sprintf("%s (@%s)", m.character.AgentName, m.character.Username))

	footer := m.styles.footer.Render("Enter send · Ctrl+C quit")
	if m.isLoading {
		footer = m.styles.footer.Render(m.spinner.View() + " thinking...")
	}

	input := m.styles.input.Width(m.width - 2).Render(m.textinput.View())

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		m.viewport.View(),
		input,
		footer,
	)
}

func launchChat() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ch, err := a.character(characterName)
	if err != nil {
		return err
	}

	model := newChatModel(context.Background(), ch, a.gen, a.store)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
