package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"sensei/internal/adapter/tui/theme"
	"sensei/internal/domain"
	"sensei/internal/infra/logger"
)

// Deps are injected into the chat model.
type Deps struct {
	Asker     Asker
	Logger    *slog.Logger
	ModelName string
	// Style is a glamour standard style name; empty picks one from the
	// terminal background.
	Style string
}

type role int

const (
	roleUser role = iota
	roleBot
	roleSystem
	roleError
)

type entry struct {
	role     role
	text     string
	category domain.Category
	tier     string
}

const helpText = `Commands:
  /category NAME   send every message to NAME without routing
  /category        go back to automatic routing
  /clear           clear the conversation
  /help            show this help
  /quit            exit

Ctrl+C cancels a pending request, or exits when idle.`

// Model is the root Bubble Tea model.
type Model struct {
	deps     Deps
	logger   *slog.Logger
	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	entries  []entry
	pinned   domain.Category
	waiting  bool
	gen      uint64
	cancel   context.CancelFunc
	width    int
	height   int
	ready    bool
	quitting bool
}

// New creates the chat model.
func New(deps Deps) Model {
	ti := textinput.New()
	ti.Placeholder = "Ask Sensei..."
	ti.Prompt = theme.InputPrompt.Render("> ")
	ti.CharLimit = 4096
	ti.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(theme.ColorInfo)

	return Model{
		deps:    deps,
		logger:  logger.OrDiscard(deps.Logger),
		input:   ti,
		spinner: s,
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case replyMsg:
		if msg.gen != m.gen {
			return m, nil
		}
		m.finish()
		if msg.err != nil {
			m.logger.Warn("chat request failed", "error", msg.err)
			m.add(entry{role: roleError, text: msg.err.Error()})
			return m, nil
		}
		m.add(entry{role: roleBot, text: msg.reply.Text, category: msg.reply.Category, tier: msg.reply.Tier})
		return m, nil

	case spinner.TickMsg:
		if !m.waiting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		if m.waiting {
			m.cancelRequest()
			return m, nil
		}
		return m.quit()
	case tea.KeyEsc:
		if m.waiting {
			m.cancelRequest()
		}
		return m, nil
	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	if m.waiting {
		return m, nil
	}
	if msg.Type == tea.KeyEnter {
		value := strings.TrimSpace(m.input.Value())
		m.input.Reset()
		return m.submit(value)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit(value string) (tea.Model, tea.Cmd) {
	if value == "" {
		return m, nil
	}
	if strings.HasPrefix(value, "/") {
		return m.command(value)
	}

	m.add(entry{role: roleUser, text: value})
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.waiting = true
	return m, tea.Batch(askCmd(ctx, m.deps.Asker, value, m.pinned, m.gen), m.spinner.Tick)
}

func (m Model) command(line string) (tea.Model, tea.Cmd) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return m.quit()
	case "/help":
		m.add(entry{role: roleSystem, text: helpText})
	case "/clear":
		m.entries = nil
		m.refresh()
	case "/category":
		m.pinned = domain.NewCategory(arg)
		if m.pinned == "" {
			m.add(entry{role: roleSystem, text: "Routing is automatic."})
		} else {
			m.add(entry{role: roleSystem, text: "Messages go to " + m.pinned.Display() + "."})
		}
	default:
		m.add(entry{role: roleError, text: fmt.Sprintf("Unknown command %s. Type /help.", name)})
	}
	return m, nil
}

func (m *Model) cancelRequest() {
	m.gen++
	m.finish()
	m.add(entry{role: roleSystem, text: "Request cancelled."})
}

func (m *Model) finish() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.waiting = false
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.quitting = true
	return m, tea.Quit
}

func (m *Model) add(e entry) {
	m.entries = append(m.entries, e)
	m.refresh()
}

func (m *Model) resize(w, h int) {
	if w != m.width {
		m.renderer = nil
	}
	m.width, m.height = w, h
	m.input.Width = max(w-4, 10)

	// header, divider, input and status bar each take one line.
	contentH := max(h-4, 3)
	if !m.ready {
		m.viewport = viewport.New(w, contentH)
		m.ready = true
	} else {
		m.viewport.Width = w
		m.viewport.Height = contentH
	}
	m.refresh()
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	parts := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		parts = append(parts, m.render(e))
	}
	m.viewport.SetContent(strings.Join(parts, "\n"))
	m.viewport.GotoBottom()
}

func (m *Model) render(e entry) string {
	switch e.role {
	case roleUser:
		return theme.UserLabel.Render(theme.SymbolUser) + "\n  " + e.text + "\n"
	case roleBot:
		label := theme.BotLabel.Render(theme.SymbolBot)
		if e.category != "" {
			label += " " + theme.RouteTag.Render(routeTag(e.category, e.tier))
		}
		return label + "\n" + m.markdown(e.text)
	case roleError:
		return theme.ErrorLabel.Render(theme.SymbolError+" Error") + "\n  " + e.text + "\n"
	default:
		return theme.SystemLabel.Render("System") + "\n" + indent(e.text) + "\n"
	}
}

func routeTag(c domain.Category, tier string) string {
	if tier == "" {
		return "[" + c.Display() + "]"
	}
	return "[" + c.Display() + " " + theme.SymbolArrowR + " " + tier + "]"
}

func (m *Model) markdown(s string) string {
	if m.renderer == nil {
		style := glamour.WithAutoStyle()
		if m.deps.Style != "" {
			style = glamour.WithStandardStyle(m.deps.Style)
		}
		r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(max(m.width-4, 20)))
		if err != nil {
			return indent(s) + "\n"
		}
		m.renderer = r
	}
	out, err := m.renderer.Render(s)
	if err != nil {
		return indent(s) + "\n"
	}
	return out
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if !m.ready {
		return "  Initializing..."
	}

	route := "auto"
	if m.pinned != "" {
		route = m.pinned.Display()
	}
	header := theme.Header.Render("Sensei") + theme.TextMuted.Render(m.deps.ModelName+"  route: "+route)

	inputView := m.input.View()
	if m.waiting {
		inputView = m.spinner.View() + theme.Dim.Render(" thinking... (Ctrl+C to cancel)")
	}

	status := theme.StatusBar.Width(m.width).Render(
		theme.StatusKey.Render("Enter") + " send  " +
			theme.StatusKey.Render("PgUp/PgDn") + " scroll  " +
			theme.StatusKey.Render("/help") + " commands")

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		theme.Divider(m.width),
		inputView,
		status,
	)
}
