// Package flowtools provides the built-in agent and task collaborator tools.
// The managers here are the opaque domain references handed to tool handlers
// through their execution context; the protocol core never looks inside
// them.
package flowtools

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager keys in the execution context's manager map.
const (
	AgentManagerKey = "agents"
	TaskManagerKey  = "tasks"
)

// Agent types.
const (
	AgentCoordinator = "coordinator"
	AgentExecutor    = "executor"
	AgentSpecialized = "specialized"
)

// Agent statuses.
const (
	AgentIdle       = "idle"
	AgentBusy       = "busy"
	AgentTerminated = "terminated"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskAssigned  = "assigned"
	TaskCompleted = "completed"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrTaskNotFound  = errors.New("task not found")
)

// Agent is one spawned worker in the swarm.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	Capabilities []string  `json:"capabilities,omitempty"`
	SpawnedAt    time.Time `json:"spawnedAt"`
}

// AgentManager tracks spawned agents.
type AgentManager struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewAgentManager constructs an empty agent manager.
func NewAgentManager() *AgentManager {
	return &AgentManager{agents: map[string]*Agent{}}
}

// Spawn registers a new agent and returns it.
func (m *AgentManager) Spawn(name, agentType string, capabilities []string) *Agent {
	a := &Agent{
		ID:           uuid.NewString(),
		Name:         name,
		Type:         agentType,
		Status:       AgentIdle,
		Capabilities: capabilities,
		SpawnedAt:    time.Now(),
	}
	m.mu.Lock()
	m.agents[a.ID] = a
	m.mu.Unlock()
	return a
}

// Get returns an agent by id.
func (m *AgentManager) Get(id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	copied := *a
	return &copied, nil
}

// List returns all non-terminated agents sorted by spawn time.
func (m *AgentManager) List() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		if a.Status == AgentTerminated {
			continue
		}
		copied := *a
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpawnedAt.Before(out[j].SpawnedAt) })
	return out
}

// Terminate marks an agent terminated.
func (m *AgentManager) Terminate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.Status = AgentTerminated
	return nil
}

// setStatus transitions an agent between idle and busy.
func (m *AgentManager) setStatus(id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || a.Status == AgentTerminated {
		return ErrAgentNotFound
	}
	a.Status = status
	return nil
}

// Task is one unit of queued work.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	AssignedTo  string     `json:"assignedTo,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TaskManager tracks work items and their assignment to agents.
type TaskManager struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	agents *AgentManager
}

// NewTaskManager constructs a task manager assigning work to agents.
func NewTaskManager(agents *AgentManager) *TaskManager {
	return &TaskManager{tasks: map[string]*Task{}, agents: agents}
}

// Create registers a new task, optionally assigning it to an agent.
func (m *TaskManager) Create(description, priority, assignTo string) (*Task, error) {
	t := &Task{
		ID:          uuid.NewString(),
		Description: description,
		Priority:    priority,
		Status:      TaskPending,
		CreatedAt:   time.Now(),
	}
	if assignTo != "" {
		if err := m.agents.setStatus(assignTo, AgentBusy); err != nil {
			return nil, err
		}
		t.AssignedTo = assignTo
		t.Status = TaskAssigned
	}
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	return t, nil
}

// Get returns a task by id.
func (m *TaskManager) Get(id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	copied := *t
	return &copied, nil
}

// List returns tasks, optionally filtered by status, newest first.
func (m *TaskManager) List(status string) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if status != "" && t.Status != status {
			continue
		}
		copied := *t
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Complete marks a task done and frees its agent.
func (m *TaskManager) Complete(id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	now := time.Now()
	t.Status = TaskCompleted
	t.CompletedAt = &now
	if t.AssignedTo != "" {
		// Best effort: the agent may have been terminated meanwhile.
		_ = m.agents.setStatus(t.AssignedTo, AgentIdle)
	}
	copied := *t
	return &copied, nil
}
