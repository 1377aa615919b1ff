package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/storage"
	"github.com/mpataki/crew/internal/workspace"
)

type View int

const (
	ViewConversationList View = iota
	ViewConversationDetail
	ViewLessons
)

// Backend is the slice of the coordinator the inspector needs.
type Backend interface {
	ListConversations(ctx context.Context, limit int) ([]*models.Conversation, error)
	Conversation(ctx context.Context, id string) (*models.Conversation, error)
	EndConversation(ctx context.Context, id string) (models.Metadata, error)
	DeleteConversation(ctx context.Context, id string) error
}

type App struct {
	backend Backend
	lessons storage.LessonBook

	view          View
	conversations []*models.Conversation
	selectedIdx   int
	selected      *models.Conversation
	viewport      viewport.Model

	width  int
	height int
	err    error
}

func NewApp(backend Backend, lessons storage.LessonBook) *App {
	return &App{
		backend:  backend,
		lessons:  lessons,
		view:     ViewConversationList,
		viewport: viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadConversations, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.viewport.Width = msg.Width
		// Header and help take roughly ten lines
		a.viewport.Height = max(msg.Height-10, 5)
		return a, nil

	case conversationsLoadedMsg:
		a.conversations = msg.conversations
		a.err = msg.err
		if a.selectedIdx >= len(a.conversations) {
			a.selectedIdx = max(len(a.conversations)-1, 0)
		}
		return a, nil

	case tickMsg:
		// Only refresh the list view; detail views are scrolled by hand
		if a.view == ViewConversationList {
			return a, tea.Batch(a.loadConversations, a.tickCmd())
		}
		return a, a.tickCmd()

	case conversationMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selected = msg.conversation
			a.viewport.SetContent(renderMessages(msg.conversation))
			a.viewport.GotoBottom()
			a.view = ViewConversationDetail
		}
		return a, nil

	case lessonsLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.viewport.SetContent(msg.content)
			a.viewport.GotoTop()
			a.view = ViewLessons
		}
		return a, nil

	case conversationEndedMsg:
		a.err = msg.err
		if a.view == ViewConversationDetail && a.selected != nil {
			return a, a.loadConversation(a.selected.ID)
		}
		return a, a.loadConversations

	case conversationDeletedMsg:
		a.err = msg.err
		if a.selectedIdx >= len(a.conversations)-1 && a.selectedIdx > 0 {
			a.selectedIdx--
		}
		return a, a.loadConversations
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewConversationList:
		return a.handleListKey(msg)
	case ViewConversationDetail:
		return a.handleDetailKey(msg)
	case ViewLessons:
		return a.handleLessonsKey(msg)
	}
	return a, nil
}

func (a *App) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.conversations)-1 {
			a.selectedIdx++
		}

	case "enter":
		if c := a.current(); c != nil {
			return a, a.loadConversation(c.ID)
		}

	case "r":
		return a, a.loadConversations

	case "e":
		if c := a.current(); c != nil {
			return a, a.endConversation(c.ID)
		}

	case "d":
		if c := a.current(); c != nil {
			return a, a.deleteConversation(c.ID)
		}
	}

	return a, nil
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewConversationList
		a.selected = nil
		return a, a.loadConversations

	case "ctrl+c":
		return a, tea.Quit

	case "l":
		if a.selected != nil {
			return a, a.loadLessons(a.selected)
		}

	case "e":
		if a.selected != nil {
			return a, a.endConversation(a.selected.ID)
		}

	case "r":
		if a.selected != nil {
			return a, a.loadConversation(a.selected.ID)
		}
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a *App) handleLessonsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		if a.selected != nil {
			return a, a.loadConversation(a.selected.ID)
		}
		a.view = ViewConversationList
		return a, nil

	case "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a *App) current() *models.Conversation {
	if len(a.conversations) == 0 || a.selectedIdx >= len(a.conversations) {
		return nil
	}
	return a.conversations[a.selectedIdx]
}

func (a *App) View() string {
	switch a.view {
	case ViewConversationList:
		return a.viewConversationList()
	case ViewConversationDetail:
		return a.viewConversationDetail()
	case ViewLessons:
		return a.viewLessons()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	phaseActive = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	phaseDone   = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	phaseEnded  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	leadStyle = lipgloss.NewStyle().Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func (a *App) viewConversationList() string {
	s := titleStyle.Render("Crew") + "\n\n"

	if a.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	if len(a.conversations) == 0 {
		s += "No conversations yet. Send one with 'crew send'.\n"
	} else {
		s += "Recent Conversations\n"
		s += "────────────────────\n"

		for i, c := range a.conversations {
			line := formatConversationLine(c)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if c.Metadata.Ended {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [e] end  [d] delete  [r] refresh  [q] quit")

	return s
}

func formatConversationLine(c *models.Conversation) string {
	team := "-"
	if c.Metadata.Team != nil {
		team = strings.Join(c.Metadata.Team.Members, ",")
	}
	return fmt.Sprintf("%-14s %s  %-6s  %s",
		truncate(c.ID, 14), formatPhase(c.Metadata), formatAge(c.UpdatedAt), truncate(team, 30))
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func formatPhase(md models.Metadata) string {
	p := string(md.CurrentPhase())
	switch {
	case md.Ended:
		return phaseEnded.Render(fmt.Sprintf("■ %-10s", p))
	case md.CurrentPhase() == models.PhaseChores:
		return phaseDone.Render(fmt.Sprintf("✓ %-10s", p))
	default:
		return phaseActive.Render(fmt.Sprintf("● %-10s", p))
	}
}

func (a *App) viewConversationDetail() string {
	if a.selected == nil {
		return "No conversation selected"
	}
	c := a.selected
	md := c.Metadata

	s := titleStyle.Render("Conversation "+c.ID) + "  " + formatPhase(md) + "\n\n"

	if md.Team != nil {
		members := make([]string, 0, len(md.Team.Members))
		for _, m := range md.Team.Members {
			if m == md.Team.Lead {
				m = leadStyle.Render(m + "*")
			}
			members = append(members, m)
		}
		s += labelStyle.Render("Team: ") + strings.Join(members, ", ") +
			dimStyle.Render(fmt.Sprintf("  (%s)", md.Team.Strategy)) + "\n"
	} else {
		s += labelStyle.Render("Team: ") + dimStyle.Render("none") + "\n"
	}
	s += labelStyle.Render("Participants: ") + strings.Join(md.Participants, ", ") + "\n"
	if !md.Ended {
		s += dimStyle.Render(workspace.PhaseGuide(md.CurrentPhase())) + "\n"
	}
	if n := len(md.Reflections); n > 0 {
		last := md.Reflections[n-1]
		s += labelStyle.Render("Reflections: ") + fmt.Sprintf("%d (last: %d/%d lessons published)",
			n, last.LessonsPublished, last.LessonsGenerated) + "\n"
	}
	if a.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	s += "\n" + a.viewport.View() + "\n"
	s += "\n" + helpStyle.Render("[↑/↓] scroll  [l] lessons  [e] end  [r] refresh  [esc] back")

	return s
}

func renderMessages(c *models.Conversation) string {
	if len(c.Messages) == 0 {
		return "(no messages)"
	}
	var b strings.Builder
	for _, m := range c.Messages {
		fmt.Fprintf(&b, "%s %s\n", dimStyle.Render(m.CreatedAt.Format("15:04:05")), labelStyle.Render(m.Author))
		if m.IsTask() {
			b.WriteString(dimStyle.Render("  [task]") + "\n")
		}
		for _, line := range strings.Split(m.Content, "\n") {
			b.WriteString("  " + line + "\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (a *App) viewLessons() string {
	s := titleStyle.Render("Lessons") + "\n\n"
	s += a.viewport.View() + "\n"
	s += "\n" + helpStyle.Render("[↑/↓] scroll  [esc] back")
	return s
}

// Messages

type conversationsLoadedMsg struct {
	conversations []*models.Conversation
	err           error
}

type conversationMsg struct {
	conversation *models.Conversation
	err          error
}

type lessonsLoadedMsg struct {
	content string
	err     error
}

type conversationEndedMsg struct {
	id  string
	err error
}

type conversationDeletedMsg struct {
	id  string
	err error
}

// Commands

func (a *App) loadConversations() tea.Msg {
	convs, err := a.backend.ListConversations(context.Background(), 20)
	return conversationsLoadedMsg{conversations: convs, err: err}
}

func (a *App) loadConversation(id string) tea.Cmd {
	return func() tea.Msg {
		c, err := a.backend.Conversation(context.Background(), id)
		return conversationMsg{conversation: c, err: err}
	}
}

func (a *App) loadLessons(c *models.Conversation) tea.Cmd {
	return func() tea.Msg {
		agents := c.Metadata.Participants
		if c.Metadata.Team != nil {
			agents = c.Metadata.Team.Members
		}

		var b strings.Builder
		for _, agent := range agents {
			lessons, err := a.lessons.Lessons(context.Background(), agent)
			if err != nil {
				return lessonsLoadedMsg{err: err}
			}
			if len(lessons) == 0 {
				continue
			}
			b.WriteString(leadStyle.Render(agent) + "\n")
			for _, l := range lessons {
				fmt.Fprintf(&b, "  • %s %s\n", l.Text, dimStyle.Render(storage.FormatTimeAgo(l.CreatedAt)))
			}
			b.WriteString("\n")
		}
		if b.Len() == 0 {
			return lessonsLoadedMsg{content: "(no lessons yet)"}
		}
		return lessonsLoadedMsg{content: b.String()}
	}
}

func (a *App) endConversation(id string) tea.Cmd {
	return func() tea.Msg {
		_, err := a.backend.EndConversation(context.Background(), id)
		return conversationEndedMsg{id: id, err: err}
	}
}

func (a *App) deleteConversation(id string) tea.Cmd {
	return func() tea.Msg {
		err := a.backend.DeleteConversation(context.Background(), id)
		return conversationDeletedMsg{id: id, err: err}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
