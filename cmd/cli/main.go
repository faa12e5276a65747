// Command cli is a terminal chat client for the aichat server.
//
// Usage:
//
//	export AICHAT_TOKEN="<demo token from the server log>"
//	go run ./cmd/cli -url http://localhost:8080
//
// Commands:
//
//	/model <id> - Select the model for this conversation
//	/think      - Toggle thinking mode
//	/delete     - Move this conversation to the recycle bin
//	/exit       - Exit the program
//	<message>   - Send a message
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/nstogner/aichat/pkg/client"
	"github.com/nstogner/aichat/pkg/config"
	"github.com/nstogner/aichat/pkg/controller"
	"github.com/nstogner/aichat/pkg/domain"
	"github.com/nstogner/aichat/pkg/relay"
	"github.com/nstogner/aichat/pkg/server"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	thinkingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true).PaddingLeft(2)
	failureStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).PaddingLeft(2)

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
)

type state int

const (
	stateMenu state = iota
	stateSelectingPersona
	stateSelectingConversation
	stateRecycleBin
	stateChatting
)

var menuOptions = []string{"New Conversation", "Continue Conversation", "Recycle Bin"}

type errMsg struct{ err error }
type noticeMsg string
type personasMsg []domain.Persona

type conversationsMsg struct {
	convs   []domain.Conversation
	deleted bool
}

type chatOpenedMsg struct {
	conv *domain.Conversation
	sess *client.ChatSession
}

type replyMsg struct{ msg *domain.Message }
type conversationUpdatedMsg struct{ conv *domain.Conversation }
type conversationClosedMsg struct{}

type model struct {
	ctx  context.Context
	api  *client.Client
	sess *client.ChatSession
	conv *domain.Conversation

	// State
	state         state
	personas      []domain.Persona
	conversations []domain.Conversation
	cursor        int
	listOffset    int
	width         int
	height        int
	err           error
	notice        string
	thinking      bool
	waiting       bool

	// UI Components
	viewport viewport.Model
	textarea textarea.Model

	// Data
	messages []domain.Message
	renderer *glamour.TermRenderer
}

func initialModel(ctx context.Context, api *client.Client) model {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 4000

	ta.SetWidth(80)
	ta.SetHeight(3)

	// Remove cursor line styling
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)

	// Use "light" style to avoid terminal queries that leak into input
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	return model{
		ctx:      ctx,
		api:      api,
		state:    stateMenu,
		viewport: vp,
		textarea: ta,
		renderer: r,
	}
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// Keep the Enter key used for menu selection out of the textarea.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateChatting {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = msg.Height - m.textarea.Height() - 4 // Header, status and margins
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.viewport.YPosition = 2

		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(max(m.width-4, 20)),
		)
		m.clampList()
		if m.state == stateChatting {
			m.refreshView()
		}

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.closeSession()
			return m, tea.Quit
		case tea.KeyEsc:
			if m.state == stateMenu {
				return m, tea.Quit
			}
			m.closeSession()
			m.toMenu()
			return m, nil
		case tea.KeyEnter:
			m.err = nil
			switch m.state {
			case stateMenu:
				switch m.cursor {
				case 0:
					return m, m.loadPersonas()
				case 1:
					return m, m.loadConversations(false)
				default:
					return m, m.loadConversations(true)
				}
			case stateSelectingPersona:
				if len(m.personas) > 0 {
					return m, m.createConversation(m.personas[m.cursor].ID)
				}
			case stateSelectingConversation:
				if len(m.conversations) > 0 {
					return m, m.openChat(m.conversations[m.cursor].ID)
				}
			case stateRecycleBin:
				if len(m.conversations) > 0 {
					return m, m.restoreConversation(m.conversations[m.cursor].ID)
				}
			case stateChatting:
				m, cmd := m.sendMessage()
				return m, cmd
			}
		case tea.KeyUp:
			if m.state != stateChatting && m.cursor > 0 {
				m.cursor--
				m.clampList()
			}
		case tea.KeyDown:
			if m.state != stateChatting && m.cursor < m.listLen()-1 {
				m.cursor++
				m.clampList()
			}
		}

	case personasMsg:
		m.personas = msg
		m.state = stateSelectingPersona
		m.cursor, m.listOffset = 0, 0
		if len(m.personas) == 0 {
			// No personas: start a plain conversation.
			return m, m.createConversation("")
		}

	case conversationsMsg:
		if len(msg.convs) == 0 {
			if msg.deleted {
				m.err = fmt.Errorf("recycle bin is empty")
			} else {
				m.err = fmt.Errorf("no existing conversations found")
			}
			return m, nil
		}
		m.conversations = msg.convs
		m.state = stateSelectingConversation
		if msg.deleted {
			m.state = stateRecycleBin
		}
		m.cursor, m.listOffset = 0, 0

	case chatOpenedMsg:
		m.conv = msg.conv
		m.sess = msg.sess
		m.messages = msg.conv.Messages
		m.state = stateChatting
		m.waiting = false
		m.notice = ""
		m.textarea.Placeholder = "Type a message..."
		m.textarea.Focus()
		m.refreshView()

	case replyMsg:
		m.waiting = false
		m.messages = append(m.messages, *msg.msg)
		m.refreshView()

	case conversationUpdatedMsg:
		m.conv.SelectedModel = msg.conv.SelectedModel
		m.notice = "Model set to " + msg.conv.SelectedModel

	case conversationClosedMsg:
		m.closeSession()
		m.toMenu()
		m.notice = "Conversation moved to the recycle bin."

	case noticeMsg:
		m.notice = string(msg)

	case errMsg:
		m.waiting = false
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	switch m.state {
	case stateMenu:
		footer := "Press Enter to select, Esc to quit."
		if m.notice != "" {
			footer = statusStyle.Render(m.notice) + "\n" + footer
		}
		return m.listView("Main Menu", menuOptions, footer, errorView)

	case stateSelectingPersona:
		items := make([]string, len(m.personas))
		for i, p := range m.personas {
			items[i] = fmt.Sprintf("%s - %s", p.Name, p.Description)
		}
		return m.listView("Select Persona", items, "Press Enter to select, Esc to go back.", errorView)

	case stateSelectingConversation, stateRecycleBin:
		title, footer := "Select Conversation", "Press Enter to open, Esc to go back."
		if m.state == stateRecycleBin {
			title, footer = "Recycle Bin", "Press Enter to restore, Esc to go back."
		}
		items := make([]string, len(m.conversations))
		for i, c := range m.conversations {
			when := c.LastMessageAt
			if c.DeletedAt != nil {
				when = *c.DeletedAt
			}
			line := fmt.Sprintf("%s (%s)", c.Title, when.Local().Format(time.RFC822))
			if c.PersonaName != "" {
				line += " · " + c.PersonaName
			}
			items[i] = line
		}
		return m.listView(title, items, footer, errorView)
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render(m.conv.Title),
		"",
		m.viewport.View(),
		m.statusLine(),
		errorView,
		m.textarea.View(),
	)
}

func (m model) listView(title string, items []string, footer, errorView string) string {
	header := titleStyle.Render(title)

	start := m.listOffset
	end := min(start+m.maxViewable(), len(items))

	var optionsView []string
	for i := start; i < end; i++ {
		cursor := " "
		line := items[i]
		if m.cursor == i {
			cursor = ">"
			line = selectedItemStyle.Render(line)
		}
		optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
	}

	list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
	return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)
}

func (m model) statusLine() string {
	modelID := m.conv.SelectedModel
	if modelID == "" {
		modelID = "auto"
	}
	parts := []string{"model: " + modelID}
	if m.thinking {
		parts = append(parts, "thinking: on")
	}
	if m.waiting {
		parts = append(parts, "waiting for reply...")
	}
	if m.notice != "" {
		parts = append(parts, m.notice)
	}
	return statusStyle.Render(strings.Join(parts, " | "))
}

func (m model) maxViewable() int {
	// Header: ~3 lines, Footer: ~4 lines
	return max(m.height-7, 1)
}

func (m model) listLen() int {
	switch m.state {
	case stateMenu:
		return len(menuOptions)
	case stateSelectingPersona:
		return len(m.personas)
	case stateSelectingConversation, stateRecycleBin:
		return len(m.conversations)
	}
	return 0
}

// clampList keeps the cursor inside the visible window.
func (m *model) clampList() {
	if m.cursor < m.listOffset {
		m.listOffset = m.cursor
	}
	if m.cursor >= m.listOffset+m.maxViewable() {
		m.listOffset = m.cursor - m.maxViewable() + 1
	}
	if m.listOffset < 0 {
		m.listOffset = 0
	}
}

func (m *model) toMenu() {
	m.state = stateMenu
	m.cursor, m.listOffset = 0, 0
	m.conv = nil
	m.messages = nil
	m.waiting = false
}

func (m *model) closeSession() {
	if m.sess == nil {
		return
	}
	if err := m.sess.Close(); err != nil {
		slog.Debug("Failed to close chat session", "error", err)
	}
	m.sess = nil
}

// Actions

func (m model) loadPersonas() tea.Cmd {
	return func() tea.Msg {
		public, err := m.api.PublicPersonas(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		mine, err := m.api.MyPersonas(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		seen := make(map[string]bool, len(public))
		personas := make([]domain.Persona, 0, len(public)+len(mine))
		for _, p := range append(public, mine...) {
			if !seen[p.ID] {
				seen[p.ID] = true
				personas = append(personas, p)
			}
		}
		return personasMsg(personas)
	}
}

func (m model) loadConversations(deleted bool) tea.Cmd {
	return func() tea.Msg {
		var (
			convs []domain.Conversation
			err   error
		)
		if deleted {
			convs, err = m.api.DeletedConversations(m.ctx)
		} else {
			convs, err = m.api.Conversations(m.ctx)
		}
		if err != nil {
			return errMsg{err}
		}
		return conversationsMsg{convs: convs, deleted: deleted}
	}
}

func (m model) createConversation(personaID string) tea.Cmd {
	return func() tea.Msg {
		conv, err := m.api.CreateConversation(m.ctx, client.NewConversation{PersonaID: personaID})
		if err != nil {
			return errMsg{err}
		}
		return m.openChat(conv.ID)()
	}
}

func (m model) restoreConversation(id string) tea.Cmd {
	return func() tea.Msg {
		if _, err := m.api.RestoreConversation(m.ctx, id); err != nil {
			return errMsg{err}
		}
		return m.openChat(id)()
	}
}

func (m model) openChat(id string) tea.Cmd {
	return func() tea.Msg {
		conv, err := m.api.Conversation(m.ctx, id)
		if err != nil {
			return errMsg{err}
		}
		sess, err := m.api.Dial(m.ctx, id)
		if err != nil {
			return errMsg{err}
		}
		slog.Info("Opened conversation", "id", id, "messages", len(conv.Messages))
		return chatOpenedMsg{conv: conv, sess: sess}
	}
}

func (m model) sendMessage() (model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" || m.waiting {
		return m, nil
	}
	m.textarea.Reset()
	m.notice = ""

	switch {
	case v == "/exit":
		m.closeSession()
		return m, tea.Quit

	case v == "/think":
		m.thinking = !m.thinking
		return m, nil

	case v == "/delete":
		id := m.conv.ID
		return m, func() tea.Msg {
			if err := m.api.DeleteConversation(m.ctx, id, false); err != nil {
				return errMsg{err}
			}
			return conversationClosedMsg{}
		}

	case strings.HasPrefix(v, "/model"):
		modelID := strings.TrimSpace(strings.TrimPrefix(v, "/model"))
		if modelID == "" {
			return m, m.listModels()
		}
		id := m.conv.ID
		return m, func() tea.Msg {
			conv, err := m.api.SelectModel(m.ctx, id, modelID)
			if err != nil {
				return errMsg{err}
			}
			return conversationUpdatedMsg{conv}
		}
	}

	// Show the user turn right away; the reply arrives on the websocket.
	m.messages = append(m.messages, domain.Message{Role: domain.RoleUser, Content: v})
	m.waiting = true
	m.refreshView()

	sess, thinking := m.sess, m.thinking
	return m, func() tea.Msg {
		reply, err := sess.Send(server.ChatFrame{Content: v, Thinking: thinking})
		if err != nil {
			return errMsg{err}
		}
		return replyMsg{reply}
	}
}

func (m model) listModels() tea.Cmd {
	return func() tea.Msg {
		models, err := m.api.Models(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		var ids []string
		for _, info := range models {
			if info.Available {
				ids = append(ids, info.ID)
			}
		}
		if len(ids) == 0 {
			return noticeMsg("no models available")
		}
		return noticeMsg("available: " + strings.Join(ids, ", "))
	}
}

func (m *model) refreshView() {
	var sb strings.Builder
	for _, msg := range m.messages {
		if msg.Role == domain.RoleUser {
			sb.WriteString(userStyle.Render("You: "))
		} else {
			sb.WriteString(senderStyle.Render("AI: "))
		}
		sb.WriteString("\n")
		sb.WriteString(m.renderContent(msg))
		sb.WriteString("\n")
	}
	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m model) renderContent(msg domain.Message) string {
	if msg.Role == domain.RoleAssistant && controller.IsFailure(msg.Content) {
		return failureStyle.Render(msg.Content)
	}

	var out string
	content := msg.Content
	if msg.Role == domain.RoleAssistant {
		if reasoning, answer, ok := relay.Split(msg.Content); ok {
			if reasoning != "" {
				out = thinkingStyle.Width(max(m.width-4, 20)).Render(reasoning) + "\n"
			}
			content = answer
		}
	}

	if m.renderer == nil {
		return out + content
	}
	rendered, err := m.renderer.Render(content)
	if err != nil {
		return out + content
	}
	return out + rendered
}

// --- Main ---

func main() {
	url := flag.String("url", envOrDefault("AICHAT_URL", "http://localhost:8080"), "server base URL")
	token := flag.String("token", os.Getenv("AICHAT_TOKEN"), "API token")
	logPath := flag.String("log", "aichat-cli.log", "log file")
	flag.Parse()

	if *token == "" {
		fmt.Println("Error: AICHAT_TOKEN environment variable or -token flag not set.")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup logging. The terminal belongs to the UI, so logs go to a file.
	f, err := os.OpenFile(*logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	defer f.Close()

	logLevel, err := config.ParseLevel(os.Getenv("AICHAT_LOG_LEVEL"))
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
	slog.Info("Logging initialized", "level", logLevel)

	api := client.New(*url, *token)
	me, err := api.Me(ctx)
	if err != nil {
		fmt.Printf("Error: cannot reach %s: %v\n", *url, err)
		os.Exit(1)
	}
	slog.Info("Authenticated", "user", me.Username)

	p := tea.NewProgram(initialModel(ctx, api))
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
