package cmd

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/node"
)

func TestParseRole(t *testing.T) {
	for in, want := range map[string]credentials.Role{
		"reader": credentials.RoleReader,
		"Editor": credentials.RoleEditor,
		"ADMIN":  credentials.RoleAdmin,
	} {
		got, err := parseRole(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := parseRole("owner")
	assert.Error(t, err)
}

func TestFormatCommandPreview(t *testing.T) {
	assert.Equal(t, "C", formatCommandPreview("create"))
	assert.Equal(t, "D → 1", formatCommandPreview("delete:0"))
	assert.Equal(t, "S → 3", formatCommandPreview("space:2"))
	assert.Equal(t, "J → 2", formatCommandPreview("join:1"))
	assert.Equal(t, "join:x", formatCommandPreview("join:x"))
}

func newTestModel(t *testing.T) model {
	return model{manager: node.NewManager(t.TempDir()), logBuffer: logger.NewLogBuffer(10)}
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestPickModeNeedsNodes(t *testing.T) {
	m := newTestModel(t)

	next, _ := m.Update(key("d"))
	m = next.(model)
	assert.EqualError(t, m.err, "no nodes running")
	assert.Equal(t, pickNone, m.pick)

	next, _ = m.Update(key("j"))
	m = next.(model)
	assert.EqualError(t, m.err, "create at least two nodes to join")
}

func TestPickModeSelection(t *testing.T) {
	m := newTestModel(t)
	m.nodes = make([]*node.Node, 3)

	next, _ := m.Update(key("s"))
	m = next.(model)
	require.Equal(t, pickSpace, m.pick)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(model)
	assert.Equal(t, 1, m.selected)

	for _, digit := range []string{"1", "2"} {
		next, _ = m.Update(key(digit))
		m = next.(model)
	}
	assert.Equal(t, "12", m.numericInput)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(model)
	assert.EqualError(t, m.err, "node 12 does not exist (max: 3)")
	assert.Empty(t, m.numericInput)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = next.(model)
	assert.Equal(t, pickNone, m.pick)
	assert.NoError(t, m.err)
}

func TestViewRendersRowsAndLogs(t *testing.T) {
	m := newTestModel(t)
	m.rows = []nodeRow{{name: "node-1", addr: "127.0.0.1:50051", identity: "abcd1234", spaces: 2, peers: 1}}
	m.logBuffer.Add("INFO", "node", "started")

	view := m.View()
	assert.Contains(t, view, "node-1 127.0.0.1:50051 id=abcd1234 spaces=2 peers=1")
	assert.Contains(t, view, "started")
	assert.Contains(t, view, "C create node")
}
