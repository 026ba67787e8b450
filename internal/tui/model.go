package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rivo/uniseg"
	"github.com/tidwall/gjson"

	"github.com/noco-ai/arcane-bridge/internal/conversation"
	"github.com/noco-ai/arcane-bridge/internal/golem"
)

// ─────────────────────────────────────────────────────
// Bubble Tea messages
// ─────────────────────────────────────────────────────

type eventMsg Event

type errMsg struct{ err error }

type disconnectedMsg struct{ err error }

// ─────────────────────────────────────────────────────
// Styles
// ─────────────────────────────────────────────────────

var (
	primaryColor   = lipgloss.Color("#7C3AED") // violet
	secondaryColor = lipgloss.Color("#06B6D4") // cyan
	mutedColor     = lipgloss.Color("#6B7280") // gray
	successColor   = lipgloss.Color("#10B981") // green
	errorColor     = lipgloss.Color("#EF4444") // red
	warnColor      = lipgloss.Color("#F59E0B") // amber

	sidebarStyle = lipgloss.NewStyle().
			Width(28).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 1)

	sidebarTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	modelSelected = lipgloss.NewStyle().
			Foreground(successColor)

	modelIdle = lipgloss.NewStyle().
			Foreground(mutedColor)

	chatBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor)

	userMsg = lipgloss.NewStyle().
		Foreground(secondaryColor).
		Bold(true)

	botMsg = lipgloss.NewStyle().
		Foreground(successColor).
		Bold(true)

	noticeMsg = lipgloss.NewStyle().
			Foreground(warnColor)

	chatText = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E5E7EB"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	statusOnline = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	statusOffline = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)
)

// ─────────────────────────────────────────────────────
// Chat model
// ─────────────────────────────────────────────────────

type entryKind int

const (
	entryUser entryKind = iota
	entryBot
	entryNotice
)

type chatEntry struct {
	kind    entryKind
	sender  string
	content string
	time    time.Time
}

type option struct {
	label string
	value string
}

type model struct {
	ctx    context.Context
	conn   Conn
	logger *slog.Logger
	now    func() time.Time

	input   textarea.Model
	chat    viewport.Model
	entries []chatEntry
	width   int
	height  int
	ready   bool

	connected bool
	socketID  string
	userID    int64

	models   []option
	useModel string

	conversationID int64
	parentID       int64
	history        []golem.Message
	busy           bool
	streaming      bool
	icon           string
}

func newModel(ctx context.Context, conn Conn, logger *slog.Logger) model {
	ti := textarea.New()
	ti.Placeholder = "Type a message, or /new, /model <key>, /stop"
	ti.Focus()
	ti.CharLimit = 8192
	ti.SetHeight(3)
	ti.ShowLineNumbers = false
	ti.KeyMap.InsertNewline.SetEnabled(false)

	return model{
		ctx:    ctx,
		conn:   conn,
		logger: logger.With("channel", "tui"),
		now:    time.Now,
		input:  ti,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.listen())
}

func (m model) listen() tea.Cmd {
	ctx, conn := m.ctx, m.conn
	return func() tea.Msg {
		ev, err := conn.Next(ctx)
		if err != nil {
			return disconnectedMsg{err}
		}
		return eventMsg(ev)
	}
}

func (m model) send(command string, payload any) tea.Cmd {
	ctx, conn := m.ctx, m.conn
	return func() tea.Msg {
		if err := conn.Send(ctx, command, payload); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.busy {
				return m, m.send("stop_generation", nil)
			}
			return m, nil
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			var send tea.Cmd
			if strings.HasPrefix(text, "/") {
				m, send = m.slash(text)
			} else {
				m, send = m.submit(text)
			}
			m.refresh()
			return m, send
		}

	case eventMsg:
		var reply tea.Cmd
		m, reply = m.handleEvent(Event(msg))
		m.refresh()
		return m, tea.Batch(reply, m.listen())

	case errMsg:
		m.notice("error: " + msg.err.Error())
		m.refresh()
		return m, nil

	case disconnectedMsg:
		m.connected = false
		m.busy, m.streaming = false, false
		m.notice("disconnected: " + msg.err.Error())
		m.refresh()
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		chatW := m.width - 33
		chatH := m.height - 8

		if !m.ready {
			m.chat = viewport.New(chatW, chatH)
			m.ready = true
		} else {
			m.chat.Width = chatW
			m.chat.Height = chatH
		}
		m.chat.SetContent(m.renderChat())
		m.input.SetWidth(chatW - 2)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	m.chat, cmd = m.chat.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// submit sends text as the next message of the conversation.
func (m model) submit(text string) (model, tea.Cmd) {
	if !m.connected {
		m.notice("not connected")
		return m, nil
	}
	if m.busy {
		m.notice("still answering, press esc to stop")
		return m, nil
	}
	shortcuts, content := SplitShortcuts(text)
	if content == "" && shortcuts == "" {
		return m, nil
	}

	m.history = append(m.history, golem.Message{Role: "user", Content: content})
	m.entries = append(m.entries, chatEntry{kind: entryUser, sender: "You", content: text, time: m.now()})
	m.busy = true
	m.icon = ""

	p := conversation.Prompt{
		ConversationID: m.conversationID,
		ParentID:       m.parentID,
		Content:        content,
		Messages:       append([]golem.Message(nil), m.history...),
		Shortcuts:      shortcuts,
		UseModel:       m.useModel,
	}
	return m, m.send("prompt", p)
}

func (m model) slash(text string) (model, tea.Cmd) {
	fields := strings.Fields(text)
	switch fields[0] {
	case "/new":
		m.conversationID, m.parentID = 0, 0
		m.history = nil
		m.entries = nil
		m.notice("new conversation")
	case "/stop":
		if m.busy {
			return m, m.send("stop_generation", nil)
		}
	case "/models":
		return m, m.send("get_online_language_models", nil)
	case "/model":
		if len(fields) < 2 {
			m.notice("usage: /model <key>")
			return m, nil
		}
		key := fields[1]
		if key == "none" {
			m.useModel = ""
			m.notice("model chosen by the bridge")
			return m, nil
		}
		for _, o := range m.models {
			if o.value == key {
				m.useModel = key
				m.notice("using " + o.label)
				return m, nil
			}
		}
		m.notice(fmt.Sprintf("model %s is not online", key))
	default:
		m.notice("unknown command " + fields[0])
	}
	return m, nil
}

func (m model) handleEvent(ev Event) (model, tea.Cmd) {
	m.logger.Debug("event", "event", ev.Event)
	payload := gjson.ParseBytes(ev.Payload)

	switch ev.Event {
	case "session_started":
		m.connected = true
		m.socketID = payload.Get("socket_id").String()
		m.userID = payload.Get("user_id").Int()
		return m, m.send("get_online_language_models", nil)

	case conversation.EventFinishCommand:
		if payload.Get("command").String() == "get_online_language_models" {
			m.models = nil
			payload.Get("models").ForEach(func(_, v gjson.Result) bool {
				if v.Get("value").String() != "none" {
					m.models = append(m.models, option{label: v.Get("label").String(), value: v.Get("value").String()})
				}
				return true
			})
		}

	case conversation.EventIcons:
		if icons := payload.Get("icons").Array(); len(icons) > 0 {
			m.icon = icons[len(icons)-1].String()
		}

	case conversation.EventFragment:
		var text string
		if err := json.Unmarshal(ev.Payload, &text); err != nil {
			m.logger.Warn("bad fragment", "error", err)
			return m, nil
		}
		if !m.streaming {
			m.entries = append(m.entries, chatEntry{kind: entryBot, sender: m.botName(), time: m.now()})
			m.streaming = true
		}
		m.entries[len(m.entries)-1].content += text

	case conversation.EventResponse:
		content := payload.Get("content").String()
		if content == conversation.ContentStop && m.streaming {
			content = m.entries[len(m.entries)-1].content
		}
		if m.streaming {
			m.entries[len(m.entries)-1].content = content
		} else {
			m.entries = append(m.entries, chatEntry{kind: entryBot, sender: m.botName(), content: content, time: m.now()})
		}
		m.history = append(m.history, golem.Message{Role: "assistant", Content: content})
		m.parentID = payload.Get("id").Int()
		m.conversationID = payload.Get("conversation_id").Int()
		m.busy, m.streaming = false, false

	case "toast_message":
		m.notice(payload.Get("summary").String() + ": " + payload.Get("detail").String())
	}
	return m, nil
}

func (m model) botName() string {
	if m.icon != "" {
		return m.icon
	}
	if m.useModel != "" {
		return m.useModel
	}
	return "bridge"
}

func (m *model) notice(text string) {
	m.entries = append(m.entries, chatEntry{kind: entryNotice, content: text, time: m.now()})
}

func (m *model) refresh() {
	m.chat.SetContent(m.renderChat())
	m.chat.GotoBottom()
}

func (m model) View() string {
	if !m.ready {
		return "Connecting to Arcane Bridge..."
	}

	status := statusOffline.Render("● OFFLINE")
	if m.connected {
		status = statusOnline.Render("● ONLINE")
	}
	header := headerStyle.Width(m.width).Render("  Arcane Bridge  " + status)

	sidebar := m.renderSidebar()
	chatArea := chatBorder.Width(m.width - 33).Render(m.chat.View())
	rightPane := lipgloss.JoinVertical(lipgloss.Left, chatArea, m.input.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, " ", rightPane)

	footer := footerStyle.Render(
		"  Enter: send │ Esc: stop │ /new │ /model <key> │ Ctrl+C: quit",
	)

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

// ─────────────────────────────────────────────────────
// Rendering helpers
// ─────────────────────────────────────────────────────

func (m model) renderSidebar() string {
	var sb strings.Builder

	sb.WriteString(sidebarTitle.Render("  Models"))
	sb.WriteString("\n")

	if len(m.models) == 0 {
		sb.WriteString(modelIdle.Render("  No models online"))
		sb.WriteString("\n")
	}
	for _, o := range m.models {
		if o.value == m.useModel {
			sb.WriteString(modelSelected.Render("  ● " + o.label))
		} else {
			sb.WriteString(modelIdle.Render("  ○ " + o.label))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(sidebarTitle.Render("  Session"))
	sb.WriteString("\n")
	if m.conversationID != 0 {
		sb.WriteString(modelIdle.Render(fmt.Sprintf("  chat: %d", m.conversationID)))
		sb.WriteString("\n")
	}
	sb.WriteString(modelIdle.Render(fmt.Sprintf("  user: %d", m.userID)))
	sb.WriteString("\n")

	return sidebarStyle.Height(m.height - 4).Render(sb.String())
}

func (m model) renderChat() string {
	if len(m.entries) == 0 {
		return lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(1).
			Render("No messages yet. Lead with a shortcut such as ⏰ to call an ability.")
	}

	var sb strings.Builder
	for _, entry := range m.entries {
		ts := lipgloss.NewStyle().Foreground(mutedColor).Render(entry.time.Format("15:04"))
		switch entry.kind {
		case entryUser:
			sb.WriteString(fmt.Sprintf("%s %s %s\n", ts, userMsg.Render("[You]"), chatText.Render(entry.content)))
		case entryBot:
			sender := botMsg.Render(fmt.Sprintf("[%s]", entry.sender))
			sb.WriteString(fmt.Sprintf("%s %s\n%s\n", ts, sender, chatText.Render(entry.content)))
		case entryNotice:
			sb.WriteString(fmt.Sprintf("%s %s\n", ts, noticeMsg.Render(entry.content)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// SplitShortcuts peels the leading shortcut symbols off text. Shortcuts are
// emoji or keycap graphemes; the first letter, digit or ASCII character ends
// them.
func SplitShortcuts(text string) (shortcuts, rest string) {
	var sb strings.Builder
	consumed := 0
	g := uniseg.NewGraphemes(text)
	for g.Next() {
		cluster := g.Str()
		_, end := g.Positions()
		if strings.TrimFunc(cluster, unicode.IsSpace) == "" {
			consumed = end
			continue
		}
		if !isShortcut(cluster) {
			break
		}
		sb.WriteString(cluster)
		consumed = end
	}
	return sb.String(), strings.TrimSpace(text[consumed:])
}

func isShortcut(cluster string) bool {
	if strings.HasSuffix(cluster, "\u20e3") {
		return true
	}
	r, _ := utf8.DecodeRuneInString(cluster)
	if r < 0x2000 {
		return false
	}
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsPunct(r)
}
