package coretools

import (
	"context"
	"fmt"

	"github.com/harun/autopilot/pkg/statestore"
	"github.com/harun/autopilot/pkg/toolexecutor"
)

type stateHandler func(ctx context.Context, ss *statestore.SessionStore, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error)

// withStore resolves the session's state store before calling fn.
func withStore(fn stateHandler) toolexecutor.ToolHandler {
	return func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
		if tc == nil || tc.Session == nil {
			return nil, ErrNoSession
		}
		ss := tc.Session.Store()
		if ss == nil {
			return nil, ErrNoStateStore
		}
		return fn(ctx, ss, params, tc)
	}
}

func stateTools() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		{
			Name:        "create_project",
			Description: "Start a new project for this session, replacing any existing project and tasks.",
			Category:    toolexecutor.CategoryState,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "name", Type: "string", Description: "Project name", Required: true},
			},
			Handler: withStore(func(ctx context.Context, ss *statestore.SessionStore, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
				name, err := toolexecutor.RequiredString(params, "name")
				if err != nil {
					return nil, err
				}
				project, err := ss.CreateProject(ctx, name)
				if err != nil {
					return nil, err
				}
				tc.Report(fmt.Sprintf("Project %q created", project.Name))
				return project, nil
			}),
		},
		{
			Name:        "add_task",
			Description: "Add a task to the current project.",
			Category:    toolexecutor.CategoryState,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "content", Type: "string", Description: "What needs to be done", Required: true},
				{Name: "priority", Type: "string", Description: "Task priority (default medium)", Enum: []string{"low", "medium", "high"}},
				{Name: "dependencies", Type: "array", Items: "string", Description: "IDs of tasks this one depends on"},
				{Name: "estimated_minutes", Type: "integer", Description: "Estimated effort in minutes"},
			},
			Handler: withStore(func(ctx context.Context, ss *statestore.SessionStore, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
				content, err := toolexecutor.RequiredString(params, "content")
				if err != nil {
					return nil, err
				}
				return ss.AddTask(ctx, content,
					statestore.TaskPriority(toolexecutor.StringParam(params, "priority", "")),
					toolexecutor.StringsParam(params, "dependencies"),
					toolexecutor.IntParam(params, "estimated_minutes", 0))
			}),
		},
		{
			Name:        "update_task",
			Description: "Change the status of a task.",
			Category:    toolexecutor.CategoryState,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "task_id", Type: "string", Description: "Task ID", Required: true},
				{Name: "status", Type: "string", Description: "New status", Required: true,
					Enum: []string{"pending", "in_progress", "completed", "blocked", "cancelled"}},
			},
			Handler: withStore(func(ctx context.Context, ss *statestore.SessionStore, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
				id, err := toolexecutor.RequiredString(params, "task_id")
				if err != nil {
					return nil, err
				}
				status, err := toolexecutor.RequiredString(params, "status")
				if err != nil {
					return nil, err
				}
				task, err := ss.UpdateTask(ctx, id, statestore.TaskStatus(status))
				if err != nil {
					return nil, err
				}
				tc.Report(fmt.Sprintf("Task %s is now %s", task.ID, task.Status))
				return task, nil
			}),
		},
		{
			Name:        "list_tasks",
			Description: "Show the current project and its tasks.",
			Category:    toolexecutor.CategoryState,
			Handler: withStore(func(ctx context.Context, ss *statestore.SessionStore, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
				snap, err := ss.LoadState(ctx)
				if err != nil {
					return nil, err
				}
				if snap == nil || snap.Project == nil {
					return "No project exists for this session.", nil
				}
				return map[string]interface{}{
					"project": snap.Project,
					"tasks":   snap.Tasks,
				}, nil
			}),
		},
		{
			Name:        "create_recovery_point",
			Description: "Save the current project state so it can be restored later.",
			Category:    toolexecutor.CategoryState,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "description", Type: "string", Description: "What this point captures", Required: true},
			},
			Handler: withStore(func(ctx context.Context, ss *statestore.SessionStore, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
				desc, err := toolexecutor.RequiredString(params, "description")
				if err != nil {
					return nil, err
				}
				point, err := ss.Checkpoint(ctx, desc)
				if err != nil {
					return nil, err
				}
				return summarizePoint(*point), nil
			}),
		},
		{
			Name:        "list_recovery_points",
			Description: "List saved recovery points, newest first.",
			Category:    toolexecutor.CategoryState,
			Handler: withStore(func(ctx context.Context, ss *statestore.SessionStore, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
				points, err := ss.GetRecoveryPoints(ctx)
				if err != nil {
					return nil, err
				}
				out := make([]map[string]interface{}, 0, len(points))
				for _, p := range points {
					out = append(out, summarizePoint(p))
				}
				return out, nil
			}),
		},
		{
			Name:        "restore_recovery_point",
			Description: "Replace the current project state with a recovery point.",
			Category:    toolexecutor.CategoryState,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "point_id", Type: "string", Description: "Recovery point ID", Required: true},
			},
			Handler: withStore(func(ctx context.Context, ss *statestore.SessionStore, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
				id, err := toolexecutor.RequiredString(params, "point_id")
				if err != nil {
					return nil, err
				}
				point, err := ss.Rollback(ctx, id)
				if err != nil {
					return nil, err
				}
				tc.Report(fmt.Sprintf("Restored recovery point %q", point.Description))
				return summarizePoint(*point), nil
			}),
		},
	}
}

func summarizePoint(p statestore.RecoveryPoint) map[string]interface{} {
	out := map[string]interface{}{
		"id":          p.ID,
		"description": p.Description,
		"timestamp":   p.Timestamp,
		"tasks":       len(p.Tasks),
	}
	if p.Project != nil {
		out["project"] = p.Project.Name
		out["progress"] = p.Project.Progress
	}
	return out
}

func setContextTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "set_context",
		Description: "Remember a short working-context hint for later steps. An empty value removes the key.",
		Category:    toolexecutor.CategoryGeneral,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "key", Type: "string", Description: "Hint name", Required: true},
			{Name: "value", Type: "string", Description: "Hint value", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
			if tc == nil || tc.Session == nil {
				return nil, ErrNoSession
			}
			key, err := toolexecutor.RequiredString(params, "key")
			if err != nil {
				return nil, err
			}
			value := toolexecutor.StringParam(params, "value", "")
			tc.Session.SetContext(key, value)
			return tc.Session.Context(), nil
		},
	}
}
