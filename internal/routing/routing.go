// Package routing implements the Route Validator: the set of guardrail
// checks applied to every role-initiated task creation before the board
// writes a row. It never touches the database itself beyond the read-only
// lookups each rule needs; the board remains the only writer.
package routing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/nikhilch98/taskbrew/internal/config"
	"github.com/nikhilch98/taskbrew/internal/store"
)

// Violation is the error taxonomy a Validate call can return. Each maps to
// a distinct 4xx-equivalent response at the gateway.
type Violation string

const (
	InvalidRole    Violation = "invalid_role"
	UnacceptedType Violation = "unaccepted_type"
	RouteForbidden Violation = "route_forbidden"
	GroupFull      Violation = "group_full"
	DepthExceeded  Violation = "depth_exceeded"
	CycleLimit     Violation = "cycle_limit"
)

// Error wraps a Violation with the detail that triggered it.
type Error struct {
	Violation Violation
	Detail    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("routing: %s: %s", e.Violation, e.Detail)
}

// Is supports errors.Is(err, routing.ErrXxx)-style sentinel checks against
// a Violation constant wrapped in an *Error.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Violation == other.Violation
	}
	return false
}

func newErr(v Violation, detail string) error {
	return &Error{Violation: v, Detail: detail}
}

// Request is the input to Validate: the proposed task plus who is creating
// it.
type Request struct {
	CreatedBy  string
	AssignedTo string
	TaskType   string
	GroupID    string
	ParentID   *string
}

// Validator checks a proposed task creation against role configuration and
// group guardrails before the board writes it.
type Validator struct {
	store      *store.Store
	guardrails config.GuardrailsConfig

	mu    sync.RWMutex
	roles config.RoleSet
}

// New constructs a Validator.
func New(st *store.Store, roles config.RoleSet, guardrails config.GuardrailsConfig) *Validator {
	return &Validator{store: st, roles: roles, guardrails: guardrails}
}

// SetRoles swaps in a freshly-loaded role set, live. Only role-level fields
// (routing mode, accepted types, routes-to) take effect this way; prefix
// registration happens once at startup and is not affected by a hot-reload.
func (v *Validator) SetRoles(roles config.RoleSet) {
	v.mu.Lock()
	v.roles = roles
	v.mu.Unlock()
}

func (v *Validator) roleSet() config.RoleSet {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.roles
}

// Validate applies the six guardrail rules in order, returning the first
// violation encountered.
func (v *Validator) Validate(ctx context.Context, req Request) error {
	roles := v.roleSet()

	target, ok := roles[req.AssignedTo]
	if !ok {
		return newErr(InvalidRole, fmt.Sprintf("role %q is not registered", req.AssignedTo))
	}

	if !target.Accept(req.TaskType) {
		return newErr(UnacceptedType, fmt.Sprintf("role %q does not accept task type %q", req.AssignedTo, req.TaskType))
	}

	createdByRole := baseRole(req.CreatedBy)
	if creator, ok := roles[createdByRole]; ok && creator.RoutingMode == config.RoutingRestricted {
		if !creator.AllowsRouteTo(req.AssignedTo, req.TaskType) {
			return newErr(RouteForbidden, fmt.Sprintf("role %q may not route %q tasks to %q", createdByRole, req.TaskType, req.AssignedTo))
		}
	}

	if v.guardrails.MaxTasksPerGroup > 0 && req.GroupID != "" {
		var n int
		err := v.store.Transaction(ctx, func(tx *sql.Tx) error {
			var err error
			n, err = v.store.CountTasksInGroupTx(tx, req.GroupID)
			return err
		})
		if err != nil {
			return fmt.Errorf("routing: count tasks in group: %w", err)
		}
		if n >= v.guardrails.MaxTasksPerGroup {
			return newErr(GroupFull, fmt.Sprintf("group %q already holds %d tasks (max %d)", req.GroupID, n, v.guardrails.MaxTasksPerGroup))
		}
	}

	if v.guardrails.MaxTaskDepth > 0 && req.ParentID != nil {
		depth, err := v.parentDepth(ctx, *req.ParentID)
		if err != nil {
			return fmt.Errorf("routing: parent chain depth: %w", err)
		}
		if depth+1 > v.guardrails.MaxTaskDepth {
			return newErr(DepthExceeded, fmt.Sprintf("task would sit at depth %d (max %d)", depth+1, v.guardrails.MaxTaskDepth))
		}
	}

	if v.guardrails.RejectionCycleLimit > 0 && isRevisionType(req.TaskType) && req.ParentID != nil {
		count, err := v.revisionChainLength(ctx, *req.ParentID)
		if err != nil {
			return fmt.Errorf("routing: revision chain length: %w", err)
		}
		if count >= v.guardrails.RejectionCycleLimit {
			return newErr(CycleLimit, fmt.Sprintf("revision chain already %d deep (max %d)", count, v.guardrails.RejectionCycleLimit))
		}
	}

	return nil
}

// baseRole strips the "-N" instance suffix from an instance id, e.g.
// "pm-1" -> "pm". A bare role name passes through unchanged.
func baseRole(createdBy string) string {
	idx := strings.LastIndex(createdBy, "-")
	if idx <= 0 {
		return createdBy
	}
	if _, err := strconv.Atoi(createdBy[idx+1:]); err != nil {
		return createdBy
	}
	return createdBy[:idx]
}

func isRevisionType(taskType string) bool {
	return taskType == "revision" || taskType == "bug_fix"
}

// parentDepth counts how many ancestors parentID has (0 for a root task).
func (v *Validator) parentDepth(ctx context.Context, parentID string) (int, error) {
	var depth int
	err := v.store.Transaction(ctx, func(tx *sql.Tx) error {
		chain, err := v.store.ParentChainTx(tx, parentID)
		if err != nil {
			return err
		}
		depth = len(chain)
		return nil
	})
	return depth, err
}

// revisionChainLength counts how many ancestors of parentID are themselves
// revision/bug_fix tasks, the rejection/revision cycle the guardrail bounds.
func (v *Validator) revisionChainLength(ctx context.Context, parentID string) (int, error) {
	var count int
	err := v.store.Transaction(ctx, func(tx *sql.Tx) error {
		chain, err := v.store.ParentChainTx(tx, parentID)
		if err != nil {
			return err
		}
		for _, t := range chain {
			if isRevisionType(t.TaskType) {
				count++
			}
		}
		return nil
	})
	return count, err
}
