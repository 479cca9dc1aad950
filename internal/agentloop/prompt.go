package agentloop

import (
	"context"
	"fmt"
	"strings"

	"github.com/nikhilch98/taskbrew/internal/store"
)

// maxSiblingTitles bounds how many sibling task titles the summary section
// lists.
const maxSiblingTitles = 5

// buildPrompt assembles the textual prompt handed to the external LLM-CLI.
// Every section is optional; a missing field simply omits its section
// rather than emitting a placeholder.
func (l *Loop) buildPrompt(ctx context.Context, task store.Task) string {
	var b strings.Builder

	fmt.Fprintf(&b, "role: %s\n", l.Role)
	fmt.Fprintf(&b, "task_id: %s\ntitle: %s\ntype: %s\npriority: %s\ngroup: %s\n",
		task.ID, task.Title, task.TaskType, task.Priority, task.GroupID)

	if task.Description != "" {
		fmt.Fprintf(&b, "\ndescription:\n%s\n", task.Description)
	}

	if task.ParentID != nil {
		if artifact, ok := l.parentArtifact(ctx, *task.ParentID); ok {
			fmt.Fprintf(&b, "\nparent task artifact:\n%s\n", artifact)
		}
	}

	if task.RevisionOf != nil {
		if reason, ok := l.revisionContext(ctx, *task.RevisionOf); ok {
			fmt.Fprintf(&b, "\nrevision of %s, rejection reason:\n%s\n", *task.RevisionOf, reason)
		}
	}

	if summary, ok := l.siblingSummary(ctx, task); ok {
		fmt.Fprintf(&b, "\nsiblings:\n%s\n", summary)
	}

	if hints, ok := l.routingHints(); ok {
		fmt.Fprintf(&b, "\nrouting:\n%s\n", hints)
	}

	if l.contextProvider != nil {
		if extra, ok := l.contextProvider.Provide(ctx, task); ok && extra != "" {
			fmt.Fprintf(&b, "\ncontext:\n%s\n", extra)
		}
	}

	return b.String()
}

// parentArtifact returns the parent task's output text, if any.
func (l *Loop) parentArtifact(ctx context.Context, parentID string) (string, bool) {
	t, err := l.board.GetTask(ctx, parentID)
	if err != nil || t.OutputText == nil {
		return "", false
	}
	return *t.OutputText, true
}

// revisionContext returns the rejection reason recorded on the task this
// one revises.
func (l *Loop) revisionContext(ctx context.Context, revisionOfID string) (string, bool) {
	t, err := l.board.GetTask(ctx, revisionOfID)
	if err != nil || t.RejectionReason == nil {
		return "", false
	}
	return *t.RejectionReason, true
}

// siblingSummary reports completed/in-progress/pending counts plus up to
// maxSiblingTitles recent titles among tasks in the same group.
func (l *Loop) siblingSummary(ctx context.Context, task store.Task) (string, bool) {
	if task.GroupID == "" {
		return "", false
	}
	result, err := l.board.SearchTasks(ctx, store.TaskFilter{GroupID: task.GroupID, Limit: 200})
	if err != nil || len(result.Tasks) == 0 {
		return "", false
	}

	var completed, inProgress, pending int
	var titles []string
	for _, t := range result.Tasks {
		if t.ID == task.ID {
			continue
		}
		switch t.Status {
		case store.TaskCompleted:
			completed++
		case store.TaskInProgress:
			inProgress++
		case store.TaskPending, store.TaskBlocked:
			pending++
		}
		if len(titles) < maxSiblingTitles {
			titles = append(titles, t.Title)
		}
	}
	summary := fmt.Sprintf("completed=%d in_progress=%d pending=%d\nrecent: %s",
		completed, inProgress, pending, strings.Join(titles, "; "))
	return summary, true
}

// routingHints reports the roles this role may route work to in restricted
// mode, or "open" when unrestricted.
func (l *Loop) routingHints() (string, bool) {
	if l.roleCfg.RoutingMode != "restricted" {
		return "open: may create tasks for any registered role", true
	}
	if len(l.roleCfg.RoutesTo) == 0 {
		return "", false
	}
	var parts []string
	for _, r := range l.roleCfg.RoutesTo {
		parts = append(parts, r.Role)
	}
	return "restricted: may route to " + strings.Join(parts, ", "), true
}
