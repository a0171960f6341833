// Package chat provides the terminal chat surface for a coaching session. It
// renders the transcript in a scrollable viewport, reads input from a
// textarea, and shows assistant replies incrementally as tokens stream in.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mindframe/cbtcoach/internal/genai"
)

// TurnRunner processes one user turn and returns the assistant reply. Partial
// text is delivered to sink as it is generated; sink may be nil.
type TurnRunner interface {
	ProcessResponse(ctx context.Context, participantID, userText string, sink genai.StreamSink) (string, error)
}

// Message is a single rendered transcript entry.
type Message struct {
	Role      string // "user", "assistant", "system" or "error"
	Content   string
	Timestamp time.Time
}

type tokenMsg struct{ chunk string }

type turnDoneMsg struct {
	reply string
	err   error
}

type spinMsg struct{}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type styles struct {
	roleUser      lipgloss.Style
	roleAssistant lipgloss.Style
	roleSystem    lipgloss.Style
	roleError     lipgloss.Style
	meta          lipgloss.Style
	body          lipgloss.Style
	status        lipgloss.Style
}

func newStyles() styles {
	return styles{
		roleUser:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7DD3FC")),
		roleAssistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#86EFAC")),
		roleSystem:    lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")),
		roleError:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FCA5A5")),
		meta:          lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")),
		body:          lipgloss.NewStyle().Foreground(lipgloss.Color("#E5E7EB")),
		status:        lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")).Italic(true),
	}
}

// Model is the bubbletea model for the session chat.
type Model struct {
	flow          TurnRunner
	participantID string

	messages []Message
	input    textarea.Model
	vp       viewport.Model

	styles styles

	width  int
	height int
	ready  bool

	running    bool
	pending    strings.Builder
	spinnerPos int

	cancel   context.CancelFunc
	tokensCh chan string
	doneCh   chan turnDoneMsg
}

// NewModel creates the chat model for one participant's session.
func NewModel(flow TurnRunner, participantID string) *Model {
	ta := textarea.New()
	ta.Placeholder = "Share what's on your mind, then press Enter."
	ta.Focus()
	ta.CharLimit = 4000
	ta.SetHeight(1)
	ta.Prompt = "▍ "
	ta.ShowLineNumbers = false
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.BlurredStyle.CursorLine = lipgloss.NewStyle()

	m := &Model{
		flow:          flow,
		participantID: participantID,
		input:         ta,
		styles:        newStyles(),
		width:         80,
		height:        24,
	}
	m.messages = append(m.messages, Message{
		Role:      "system",
		Content:   "Welcome. Enter sends a message, Ctrl+C cancels a reply or quits.",
		Timestamp: time.Now(),
	})
	return m
}

func (m *Model) Init() tea.Cmd {
	return textarea.Blink
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 5
		if vpHeight < 3 {
			vpHeight = 3
		}
		if !m.ready {
			m.vp = viewport.New(m.width, vpHeight)
			m.ready = true
		} else {
			m.vp.Width = m.width
			m.vp.Height = vpHeight
		}
		m.input.SetWidth(m.width - 2)
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.running && m.cancel != nil {
				m.cancel()
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m, m.onEnter()
		case tea.KeyPgUp:
			m.vp.ViewUp()
			return m, nil
		case tea.KeyPgDown:
			m.vp.ViewDown()
			return m, nil
		}

	case tokenMsg:
		m.pending.WriteString(msg.chunk)
		m.refreshViewport()
		m.vp.GotoBottom()
		if m.running {
			return m, m.waitTurnMsg()
		}
		return m, nil

	case turnDoneMsg:
		m.finishTurn(msg)
		return m, nil

	case spinMsg:
		m.spinnerPos = (m.spinnerPos + 1) % len(spinnerFrames)
		if m.running {
			m.refreshViewport()
			return m, m.spinTick()
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	m.vp, cmd = m.vp.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *Model) View() string {
	if !m.ready {
		return "…"
	}
	status := ""
	if m.running {
		status = m.styles.status.Render(spinnerFrames[m.spinnerPos] + " thinking")
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.vp.View(), status, m.input.View())
}

func (m *Model) onEnter() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	if m.running {
		return nil
	}

	m.messages = append(m.messages, Message{Role: "user", Content: text, Timestamp: time.Now()})
	m.input.Reset()
	m.refreshViewport()
	m.vp.GotoBottom()

	m.running = true
	m.pending.Reset()
	m.spinnerPos = 0

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.tokensCh = make(chan string, 256)
	m.doneCh = make(chan turnDoneMsg, 1)

	go func(userText string, tokens chan string, done chan turnDoneMsg) {
		reply, err := m.flow.ProcessResponse(ctx, m.participantID, userText, func(chunk string) {
			select {
			case tokens <- chunk:
			default:
				// Drop when the UI can't keep up; the final reply is complete anyway.
			}
		})
		close(tokens)
		done <- turnDoneMsg{reply: reply, err: err}
	}(text, m.tokensCh, m.doneCh)

	return tea.Batch(m.waitTurnMsg(), m.spinTick())
}

// waitTurnMsg bridges the worker goroutine's channels into the bubbletea
// message loop, one message per command invocation.
func (m *Model) waitTurnMsg() tea.Cmd {
	tokens := m.tokensCh
	done := m.doneCh
	return func() tea.Msg {
		if tokens == nil || done == nil {
			return nil
		}
		select {
		case chunk, ok := <-tokens:
			if ok {
				return tokenMsg{chunk: chunk}
			}
			return <-done
		case d := <-done:
			return d
		}
	}
}

func (m *Model) spinTick() tea.Cmd {
	return tea.Tick(90*time.Millisecond, func(_ time.Time) tea.Msg { return spinMsg{} })
}

func (m *Model) finishTurn(msg turnDoneMsg) {
	m.running = false
	m.cancel = nil
	m.tokensCh = nil
	m.doneCh = nil
	m.pending.Reset()

	if msg.err != nil {
		slog.Error("Chat.finishTurn: turn failed", "error", msg.err, "participantID", m.participantID)
		m.messages = append(m.messages, Message{
			Role:      "error",
			Content:   fmt.Sprintf("Something went wrong: %v", msg.err),
			Timestamp: time.Now(),
		})
	} else {
		m.messages = append(m.messages, Message{
			Role:      "assistant",
			Content:   msg.reply,
			Timestamp: time.Now(),
		})
	}
	m.refreshViewport()
	m.vp.GotoBottom()
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	width := m.width - 2
	if width < 20 {
		width = 20
	}

	var b strings.Builder
	for _, msg := range m.messages {
		b.WriteString(m.renderMessage(msg, width))
		b.WriteString("\n\n")
	}
	if m.running && m.pending.Len() > 0 {
		b.WriteString(m.renderMessage(Message{
			Role:      "assistant",
			Content:   m.pending.String(),
			Timestamp: time.Now(),
		}, width))
		b.WriteString("\n\n")
	}
	m.vp.SetContent(strings.TrimRight(b.String(), "\n"))
}

func (m *Model) renderMessage(msg Message, width int) string {
	var roleStyle lipgloss.Style
	var label string
	switch msg.Role {
	case "user":
		roleStyle, label = m.styles.roleUser, "YOU"
	case "assistant":
		roleStyle, label = m.styles.roleAssistant, "COACH"
	case "error":
		roleStyle, label = m.styles.roleError, "ERR"
	default:
		roleStyle, label = m.styles.roleSystem, "SYS"
	}

	header := roleStyle.Render(label) + " " + m.styles.meta.Render(msg.Timestamp.Format("15:04"))
	body := m.styles.body.Width(width).Render(msg.Content)
	return header + "\n" + body
}

// Run starts the interactive session and blocks until the user quits.
func Run(flow TurnRunner, participantID string) error {
	slog.Info("Chat.Run: starting session", "participantID", participantID)
	p := tea.NewProgram(NewModel(flow, participantID), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("chat program failed: %w", err)
	}
	return nil
}
