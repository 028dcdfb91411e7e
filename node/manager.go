package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/adamgarcia4/goLearning/spaces/logger"
)

// Manager runs several nodes in one process, each with its own data dir under baseDir.
// Every new node seeds from the nodes already running.
type Manager struct {
	baseDir     string
	nodes       []*Node // maintain order with slice
	names       map[*Node]string
	mu          sync.RWMutex
	portCounter int // for auto-assigning ports
	nextID      int // monotonically increasing counter for unique node names
}

// NewManager creates a new node manager
func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir:     baseDir,
		nodes:       make([]*Node, 0),
		names:       make(map[*Node]string),
		portCounter: 50051, // start from default port
		nextID:      1,
	}
}

// CreateNode creates and starts a new node
func (m *Manager) CreateNode(ctx context.Context) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	port := m.portCounter
	m.portCounter++
	name := fmt.Sprintf("node-%d", m.nextID)
	m.nextID++

	config := DefaultConfig(filepath.Join(m.baseDir, name))
	config.Port = strconv.Itoa(port)
	for _, n := range m.nodes {
		config.Seeds = append(config.Seeds, n.Addr())
	}

	n, err := New(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	if err := n.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start node: %w", err)
	}
	for _, other := range m.nodes {
		_ = other.AddSeed(n.Addr())
	}

	m.nodes = append(m.nodes, n)
	m.names[n] = name
	return n, nil
}

// Name returns the label a node was created with
func (m *Manager) Name(n *Node) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.names[n]
}

// DeleteNode stops and removes a node by its index in the list
func (m *Manager) DeleteNode(index int) error {
	m.mu.Lock()
	if index < 0 || index >= len(m.nodes) {
		m.mu.Unlock()
		return fmt.Errorf("invalid node index: %d", index)
	}
	n := m.nodes[index]
	name := m.names[n]
	m.nodes = append(m.nodes[:index], m.nodes[index+1:]...)
	delete(m.names, n)
	m.mu.Unlock()

	// Stop node asynchronously to avoid blocking
	go func() {
		if err := n.Stop(); err != nil {
			logger.Errorf("Error stopping node %s: %v", name, err)
		}
	}()
	return nil
}

// GetNodes returns a list of all nodes (maintains order)
func (m *Manager) GetNodes() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]*Node, len(m.nodes))
	copy(nodes, m.nodes)
	return nodes
}

// StopAll stops all nodes
func (m *Manager) StopAll() error {
	m.mu.Lock()
	nodes := make([]*Node, len(m.nodes))
	copy(nodes, m.nodes)
	m.mu.Unlock()

	var err error
	for _, n := range nodes {
		if stopErr := n.Stop(); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
	}
	return err
}
