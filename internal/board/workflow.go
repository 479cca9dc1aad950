package board

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nikhilch98/taskbrew/internal/store"
)

// WorkflowStep is one entry in a Workflow's Steps list.
type WorkflowStep struct {
	Title       string `json:"title"`
	TaskType    string `json:"task_type"`
	AssignedTo  string `json:"assigned_to"`
	Description string `json:"description,omitempty"`
}

// Workflow is a JSON-encoded, ordered list of task templates; each step is
// blocked_by the previous one.
type Workflow struct {
	ID    string         `json:"id"`
	Steps []WorkflowStep `json:"steps"`
}

// ParseWorkflow decodes a JSON-encoded workflow definition.
func ParseWorkflow(data []byte) (Workflow, error) {
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return Workflow{}, fmt.Errorf("board: parse workflow: %w", err)
	}
	return w, nil
}

// StartWorkflow creates one task per step of w within groupID, chaining
// each step as blocked_by the previous step's task.
func (b *Board) StartWorkflow(ctx context.Context, w Workflow, groupID, createdBy string) ([]store.Task, error) {
	tasks := make([]store.Task, 0, len(w.Steps))
	var prevID string
	for _, step := range w.Steps {
		var blockedBy []string
		if prevID != "" {
			blockedBy = []string{prevID}
		}
		t, err := b.CreateTask(ctx, CreateTaskParams{
			GroupID:     groupID,
			Title:       step.Title,
			TaskType:    step.TaskType,
			AssignedTo:  step.AssignedTo,
			CreatedBy:   createdBy,
			Description: step.Description,
			BlockedBy:   blockedBy,
		})
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, t)
		prevID = t.ID
	}
	return tasks, nil
}

// Template is a reusable task shape with {key}-style placeholders in its
// title and description, expanded against caller-supplied variables.
type Template struct {
	Name        string
	Title       string
	Description string
	TaskType    string
	AssignedTo  string
	Priority    store.Priority
}

// CreateFromTemplate expands tmpl's title/description against variables and
// creates the resulting task in groupID.
func (b *Board) CreateFromTemplate(ctx context.Context, tmpl Template, groupID, createdBy string, variables map[string]string) (store.Task, error) {
	return b.CreateTask(ctx, CreateTaskParams{
		GroupID:     groupID,
		Title:       expandPlaceholders(tmpl.Title, variables),
		Description: expandPlaceholders(tmpl.Description, variables),
		TaskType:    tmpl.TaskType,
		AssignedTo:  tmpl.AssignedTo,
		CreatedBy:   createdBy,
		Priority:    tmpl.Priority,
	})
}

// expandPlaceholders replaces every "{key}" occurrence in s with
// variables[key]; keys with no matching variable are left untouched.
func expandPlaceholders(s string, variables map[string]string) string {
	for key, val := range variables {
		s = strings.ReplaceAll(s, "{"+key+"}", val)
	}
	return s
}
