package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/node"
	"github.com/adamgarcia4/goLearning/spaces/space"
)

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Start interactive node manager",
	Long: `Start a terminal UI running several nodes in this process.

Keyboard shortcuts:
  C - Create a new node
  S - Create a space on a node
  J - Admit a node into every space of node 1 and join them
  D - Delete a node
  Q - Quit

Examples:
  spaces interactive --data-dir=/tmp/spaces`,
	RunE: runInteractive,
}

func init() {
	rootCmd.AddCommand(interactiveCmd)
}

const (
	logLines         = 15
	maxLogBack       = 100
	adminJoinTimeout = 30 * time.Second
)

// pickAction is the command a node selection applies to
type pickAction string

const (
	pickNone   pickAction = ""
	pickDelete pickAction = "delete"
	pickSpace  pickAction = "space"
	pickJoin   pickAction = "join"
)

type nodeRow struct {
	name     string
	addr     string
	identity string
	spaces   int
	peers    int
}

type model struct {
	manager      *node.Manager
	nodes        []*node.Node
	rows         []nodeRow
	pick         pickAction
	selected     int
	numericInput string // Buffer for multi-digit numeric input in pick mode
	busy         bool
	status       string
	err          error
	logBuffer    *logger.LogBuffer
	logScroll    int
	width        int
	height       int
	lastCommand  string // e.g. "create" or "space:0", repeated by Enter
}

func initialModel(baseDir string) model {
	// Interactive mode writes only to the log buffer
	logBuffer := logger.GetGlobalLogBuffer()
	logger.Init("", false)
	_ = logger.AddOutput(logger.NewLogBufferWriter(logBuffer))

	return model{
		manager:   node.NewManager(baseDir),
		logBuffer: logBuffer,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tick(), refreshNodes(m.manager))
}

type tickMsg struct{}

type nodesUpdatedMsg struct {
	nodes []*node.Node
	rows  []nodeRow
}

type actionDoneMsg struct {
	status string
	err    error
}

type shutdownCompleteMsg struct {
	err error
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func refreshNodes(manager *node.Manager) tea.Cmd {
	return func() tea.Msg {
		nodes := manager.GetNodes()
		rows := make([]nodeRow, 0, len(nodes))
		for _, n := range nodes {
			row := nodeRow{name: manager.Name(n), addr: n.Addr(), identity: n.Identity().Truncate()}
			if sm := n.Manager(); sm != nil {
				for _, s := range sm.Spaces() {
					row.spaces++
					row.peers += len(s.Protocol().Sessions())
				}
			}
			rows = append(rows, row)
		}
		return nodesUpdatedMsg{nodes: nodes, rows: rows}
	}
}

func shutdownNodes(manager *node.Manager) tea.Cmd {
	return func() tea.Msg {
		return shutdownCompleteMsg{err: manager.StopAll()}
	}
}

func createNode(manager *node.Manager) tea.Cmd {
	return func() tea.Msg {
		n, err := manager.CreateNode(context.Background())
		if err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: fmt.Sprintf("started %s on %s", manager.Name(n), n.Addr())}
	}
}

func createSpace(n *node.Node) tea.Cmd {
	return func() tea.Msg {
		s, err := n.Manager().CreateSpace(context.Background(), "space")
		if err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "created space " + s.Key().Truncate()}
	}
}

// joinSpaces admits guest into every space of host and waits for the joins
func joinSpaces(host, guest *node.Node) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), adminJoinTimeout)
		defer cancel()

		joined := 0
		for _, s := range host.Manager().Spaces() {
			if _, err := guest.Manager().Space(s.Key()); err == nil {
				continue
			}
			control, data, err := guest.Manager().NewFeedKeys()
			if err != nil {
				return actionDoneMsg{err: err}
			}
			if _, err := s.AdmitMember(ctx, space.AdmitParams{
				Identity:       guest.Identity(),
				ControlFeedKey: control,
				DataFeedKey:    data,
				Role:           credentials.RoleEditor,
			}); err != nil {
				return actionDoneMsg{err: err}
			}
			if _, err := guest.Manager().JoinSpace(ctx, space.JoinParams{
				SpaceKey:       s.Key(),
				ControlFeedKey: control,
				DataFeedKey:    data,
				Timeout:        adminJoinTimeout,
			}); err != nil {
				return actionDoneMsg{err: err}
			}
			joined++
		}
		return actionDoneMsg{status: fmt.Sprintf("joined %d spaces", joined)}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			// Stop all nodes gracefully and wait for completion
			return m, shutdownNodes(m.manager)
		}
		if m.pick != pickNone {
			return m.handlePickMode(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(tick(), refreshNodes(m.manager))

	case nodesUpdatedMsg:
		m.nodes = msg.nodes
		m.rows = msg.rows
		return m, nil

	case actionDoneMsg:
		m.busy = false
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
		}
		return m, refreshNodes(m.manager)

	case shutdownCompleteMsg:
		if msg.err != nil {
			logger.Printf("Error stopping nodes during shutdown: %v", msg.err)
		}
		return m, tea.Quit
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "c", "C":
		m.lastCommand = "create"
		return m.run(createNode(m.manager))

	case "d", "D":
		return m.enterPick(pickDelete, 0)

	case "s", "S":
		return m.enterPick(pickSpace, 0)

	case "j", "J":
		if len(m.nodes) < 2 {
			m.err = fmt.Errorf("create at least two nodes to join")
			return m, nil
		}
		return m.enterPick(pickJoin, 1)

	case "enter":
		return m.repeat()

	case "up", "k":
		// Scroll logs up (show older logs)
		maxScroll := m.logBuffer.Len() - logLines
		if maxScroll > maxLogBack {
			maxScroll = maxLogBack
		}
		if m.logScroll < maxScroll {
			m.logScroll++
		}
		return m, nil

	case "down":
		if m.logScroll > 0 {
			m.logScroll--
		}
		return m, nil
	}
	return m, nil
}

func (m model) enterPick(action pickAction, selected int) (tea.Model, tea.Cmd) {
	if len(m.nodes) == 0 {
		m.err = fmt.Errorf("no nodes running")
		return m, nil
	}
	m.pick = action
	m.selected = selected
	m.numericInput = ""
	return m, nil
}

// run starts an asynchronous action unless one is in flight
func (m model) run(cmd tea.Cmd) (tea.Model, tea.Cmd) {
	if m.busy {
		m.err = fmt.Errorf("busy, wait for the running action")
		return m, nil
	}
	m.busy = true
	m.err = nil
	m.status = ""
	return m, cmd
}

// apply runs action against the node at index
func (m model) apply(action pickAction, index int) (tea.Model, tea.Cmd) {
	if index < 0 || index >= len(m.nodes) {
		m.err = fmt.Errorf("node %d does not exist (max: %d)", index+1, len(m.nodes))
		return m, nil
	}
	m.lastCommand = fmt.Sprintf("%s:%d", action, index)
	m.pick = pickNone
	m.selected = 0
	m.numericInput = ""

	switch action {
	case pickDelete:
		if err := m.manager.DeleteNode(index); err != nil {
			m.err = err
			return m, nil
		}
		m.err = nil
		return m, refreshNodes(m.manager)
	case pickSpace:
		return m.run(createSpace(m.nodes[index]))
	case pickJoin:
		if index == 0 {
			m.err = fmt.Errorf("node 1 hosts the spaces, pick another node")
			return m, nil
		}
		return m.run(joinSpaces(m.nodes[0], m.nodes[index]))
	}
	return m, nil
}

func (m model) repeat() (tea.Model, tea.Cmd) {
	switch {
	case m.lastCommand == "":
		return m, nil
	case m.lastCommand == "create":
		return m.run(createNode(m.manager))
	}
	action, index, ok := strings.Cut(m.lastCommand, ":")
	if !ok {
		return m, nil
	}
	i, err := strconv.Atoi(index)
	if err != nil {
		return m, nil
	}
	return m.apply(pickAction(action), i)
}

func (m model) handlePickMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.pick = pickNone
		m.selected = 0
		m.err = nil
		m.numericInput = ""
		return m, nil

	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
		return m, nil

	case "down", "j":
		if m.selected < len(m.nodes)-1 {
			m.selected++
		}
		return m, nil

	case "enter", " ":
		if m.numericInput == "" {
			return m.apply(m.pick, m.selected)
		}
		input := m.numericInput
		m.numericInput = ""
		num, err := strconv.Atoi(input)
		if err != nil {
			m.err = fmt.Errorf("invalid number: %s", input)
			return m, nil
		}
		return m.apply(m.pick, num-1)
	}

	key := msg.String()
	if len(key) == 1 && key >= "0" && key <= "9" {
		m.numericInput += key
		return m, nil
	}
	m.numericInput = ""
	return m, nil
}

var (
	titleStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(1, 2)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	statusStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	selectedStyle     = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("196")).Bold(true)
	instructionsStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true).PaddingTop(1)
)

func (m model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("Spaces Node Manager"))
	s.WriteString("\n\n")

	switch {
	case m.err != nil:
		s.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		s.WriteString("\n\n")
	case m.busy:
		s.WriteString(statusStyle.Render("working..."))
		s.WriteString("\n\n")
	case m.status != "":
		s.WriteString(statusStyle.Render(m.status))
		s.WriteString("\n\n")
	}

	if len(m.rows) == 0 {
		s.WriteString("No nodes running.\n\n")
	} else {
		s.WriteString("Running Nodes:\n\n")
		for i, row := range m.rows {
			line := fmt.Sprintf("%s %s id=%s spaces=%d peers=%d", row.name, row.addr, row.identity, row.spaces, row.peers)
			if m.pick != pickNone && i == m.selected {
				s.WriteString(selectedStyle.Render(fmt.Sprintf("[%d] > %s", i+1, line)))
				s.WriteString("\n")
				continue
			}
			s.WriteString(fmt.Sprintf("  [%d]   %s\n", i+1, line))
		}
		s.WriteString("\n")
	}

	s.WriteString("\n")
	s.WriteString(m.renderLogs())
	s.WriteString("\n\n")
	s.WriteString(instructionsStyle.Render(m.instructions()))
	return s.String()
}

// renderLogs shows the newest entries first, numbered from 0 for the most recent
func (m model) renderLogs() string {
	entries := m.logBuffer.GetAll()
	total := len(entries)

	var lines []string
	if total == 0 {
		lines = []string{"     | (no logs yet)"}
	}
	end := total - m.logScroll
	start := end - logLines
	if start < 0 {
		start = 0
	}
	for i := end - 1; i >= start; i-- {
		lines = append(lines, fmt.Sprintf("%4d | %s", total-1-i, logger.FormatLogEntry(entries[i])))
	}

	boxWidth := 100
	if m.width > 0 {
		boxWidth = m.width - 4
	}
	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Height(logLines - 2).
		Width(boxWidth)
	return logStyle.Render("Logs:\n" + strings.Join(lines, "\n"))
}

func (m model) instructions() string {
	if m.pick != pickNone {
		if m.numericInput != "" {
			return fmt.Sprintf("%s: type node number (current: %s), Enter to confirm, Esc to cancel", strings.ToUpper(string(m.pick)), m.numericInput)
		}
		return fmt.Sprintf("%s: ↑/↓/j/k or type node number (1-%d), Enter to confirm, Esc to cancel", strings.ToUpper(string(m.pick)), len(m.nodes))
	}
	text := "C create node | S create space | J join node 1's spaces | D delete node"
	if m.lastCommand != "" {
		text += fmt.Sprintf(" | Enter to repeat (%s)", formatCommandPreview(m.lastCommand))
	}
	return text + " | ↑/↓ scroll logs | Q quit"
}

// formatCommandPreview formats the last command for display
func formatCommandPreview(lastCommand string) string {
	if lastCommand == "create" {
		return "C"
	}
	action, index, ok := strings.Cut(lastCommand, ":")
	if !ok {
		return lastCommand
	}
	i, err := strconv.Atoi(index)
	if err != nil {
		return lastCommand
	}
	key := map[string]string{string(pickDelete): "D", string(pickSpace): "S", string(pickJoin): "J"}[action]
	return fmt.Sprintf("%s → %d", key, i+1)
}

func runInteractive(cmd *cobra.Command, args []string) error {
	baseDir := dataDir
	if !cmd.Flags().Changed("data-dir") {
		baseDir = filepath.Join(dataDir, "interactive")
	}
	p := tea.NewProgram(initialModel(baseDir))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running interactive mode: %w", err)
	}
	return nil
}
