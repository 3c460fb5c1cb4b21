package flowtools

import (
	"context"
	"fmt"

	"github.com/agentic-flow/toolrpc-go/registry"
)

type spawnArgs struct {
	Name         string   `json:"name,omitempty" jsonschema:"description=Display name for the agent"`
	Type         string   `json:"type" jsonschema:"description=Agent type: coordinator executor or specialized"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type agentIDArgs struct {
	AgentID string `json:"agentId"`
}

type listAgentsArgs struct{}

type createTaskArgs struct {
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty" jsonschema:"description=One of low medium high critical"`
	AssignTo    string `json:"assignTo,omitempty"`
}

type taskIDArgs struct {
	TaskID string `json:"taskId"`
}

type listTasksArgs struct {
	Status string `json:"status,omitempty"`
}

func agentManager(ec *registry.ExecContext) (*AgentManager, error) {
	m, ok := ec.Managers[AgentManagerKey].(*AgentManager)
	if !ok {
		return nil, fmt.Errorf("agent manager not configured")
	}
	return m, nil
}

func taskManager(ec *registry.ExecContext) (*TaskManager, error) {
	m, ok := ec.Managers[TaskManagerKey].(*TaskManager)
	if !ok {
		return nil, fmt.Errorf("task manager not configured")
	}
	return m, nil
}

func validAgentType(t string) bool {
	switch t {
	case AgentCoordinator, AgentExecutor, AgentSpecialized:
		return true
	}
	return false
}

func validPriority(p string) bool {
	switch p {
	case "low", "medium", "high", "critical":
		return true
	}
	return false
}

// Register adds the agent and task tools to the registry.
func Register(reg *registry.Registry) error {
	tools := []struct {
		tool registry.Tool
		cap  *registry.Capability
	}{
		{
			tool: registry.NewTool("agents/spawn", spawnAgent,
				registry.WithDescription("Spawn an agent of the given type into the swarm")),
			cap: &registry.Capability{
				Version:             "1.0.0",
				Category:            "agents",
				Tags:                []string{"agents", "swarm"},
				RequiredPermissions: []string{"agents.spawn"},
			},
		},
		{
			tool: registry.NewTool("agents/list", listAgents,
				registry.WithDescription("List active agents")),
		},
		{
			tool: registry.NewTool("agents/terminate", terminateAgent,
				registry.WithDescription("Terminate an agent by id")),
			cap: &registry.Capability{
				Version:             "1.0.0",
				Category:            "agents",
				Tags:                []string{"agents", "swarm"},
				RequiredPermissions: []string{"agents.terminate"},
			},
		},
		{
			tool: registry.NewTool("tasks/create", createTask,
				registry.WithDescription("Create a task, optionally assigning it to an agent")),
		},
		{
			tool: registry.NewTool("tasks/status", taskStatus,
				registry.WithDescription("Report one task's status")),
		},
		{
			tool: registry.NewTool("tasks/list", listTasks,
				registry.WithDescription("List tasks, optionally filtered by status")),
		},
		{
			tool: registry.NewTool("tasks/complete", completeTask,
				registry.WithDescription("Mark a task completed and free its agent")),
		},
	}

	for _, entry := range tools {
		if err := reg.Register(entry.tool, entry.cap); err != nil {
			return fmt.Errorf("failed to register %s: %w", entry.tool.Name, err)
		}
	}
	return nil
}

func spawnAgent(ctx context.Context, args spawnArgs, ec *registry.ExecContext) (any, error) {
	if !validAgentType(args.Type) {
		return nil, fmt.Errorf("unknown agent type %q", args.Type)
	}
	m, err := agentManager(ec)
	if err != nil {
		return nil, err
	}
	name := args.Name
	if name == "" {
		name = args.Type
	}
	return m.Spawn(name, args.Type, args.Capabilities), nil
}

func listAgents(ctx context.Context, _ listAgentsArgs, ec *registry.ExecContext) (any, error) {
	m, err := agentManager(ec)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agents": m.List()}, nil
}

func terminateAgent(ctx context.Context, args agentIDArgs, ec *registry.ExecContext) (any, error) {
	m, err := agentManager(ec)
	if err != nil {
		return nil, err
	}
	if err := m.Terminate(args.AgentID); err != nil {
		return nil, err
	}
	return map[string]any{"terminated": true}, nil
}

func createTask(ctx context.Context, args createTaskArgs, ec *registry.ExecContext) (any, error) {
	if args.Description == "" {
		return nil, fmt.Errorf("task description is required")
	}
	priority := args.Priority
	if priority == "" {
		priority = "medium"
	}
	if !validPriority(priority) {
		return nil, fmt.Errorf("unknown priority %q", priority)
	}
	m, err := taskManager(ec)
	if err != nil {
		return nil, err
	}
	return m.Create(args.Description, priority, args.AssignTo)
}

func taskStatus(ctx context.Context, args taskIDArgs, ec *registry.ExecContext) (any, error) {
	m, err := taskManager(ec)
	if err != nil {
		return nil, err
	}
	return m.Get(args.TaskID)
}

func listTasks(ctx context.Context, args listTasksArgs, ec *registry.ExecContext) (any, error) {
	m, err := taskManager(ec)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": m.List(args.Status)}, nil
}

func completeTask(ctx context.Context, args taskIDArgs, ec *registry.ExecContext) (any, error) {
	m, err := taskManager(ec)
	if err != nil {
		return nil, err
	}
	return m.Complete(args.TaskID)
}
