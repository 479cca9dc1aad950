package routing_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/nikhilch98/taskbrew/internal/config"
	"github.com/nikhilch98/taskbrew/internal/routing"
	"github.com/nikhilch98/taskbrew/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "taskbrew.db"), 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestValidateInvalidRole(t *testing.T) {
	st := newTestStore(t)
	v := routing.New(st, config.RoleSet{}, config.GuardrailsConfig{})
	err := v.Validate(context.Background(), routing.Request{AssignedTo: "ghost", TaskType: "implementation"})
	if vErr, ok := err.(*routing.Error); !ok || vErr.Violation != routing.InvalidRole {
		t.Fatalf("err = %v, want InvalidRole", err)
	}
}

func TestValidateUnacceptedType(t *testing.T) {
	st := newTestStore(t)
	roles := config.RoleSet{"coder": {Name: "coder", Prefix: "CD", Accepts: []string{"implementation"}}}
	v := routing.New(st, roles, config.GuardrailsConfig{})
	err := v.Validate(context.Background(), routing.Request{AssignedTo: "coder", TaskType: "tech_design"})
	if vErr, ok := err.(*routing.Error); !ok || vErr.Violation != routing.UnacceptedType {
		t.Fatalf("err = %v, want UnacceptedType", err)
	}
}

func TestValidateRouteForbiddenInRestrictedMode(t *testing.T) {
	st := newTestStore(t)
	roles := config.RoleSet{
		"pm": {
			Name: "pm", Prefix: "PM", RoutingMode: config.RoutingRestricted,
			RoutesTo: []config.RouteEntry{{Role: "architect", TaskTypes: []string{"tech_design"}}},
		},
		"coder": {Name: "coder", Prefix: "CD", Accepts: []string{"implementation"}},
	}
	v := routing.New(st, roles, config.GuardrailsConfig{})
	// CreatedBy is a real caller identity (instance id), not a bare role name.
	err := v.Validate(context.Background(), routing.Request{CreatedBy: "pm-1", AssignedTo: "coder", TaskType: "implementation"})
	if vErr, ok := err.(*routing.Error); !ok || vErr.Violation != routing.RouteForbidden {
		t.Fatalf("err = %v, want RouteForbidden", err)
	}
}

func TestValidateRouteForbiddenStripsInstanceSuffix(t *testing.T) {
	st := newTestStore(t)
	roles := config.RoleSet{
		"pm": {
			Name: "pm", Prefix: "PM", RoutingMode: config.RoutingRestricted,
			RoutesTo: []config.RouteEntry{{Role: "architect", TaskTypes: []string{"tech_design"}}},
		},
		"architect": {Name: "architect", Prefix: "AR", Accepts: []string{"tech_design"}},
		"coder":     {Name: "coder", Prefix: "CD", Accepts: []string{"implementation"}},
	}
	v := routing.New(st, roles, config.GuardrailsConfig{})

	// pm-12 must resolve to role "pm" and still enforce restricted routing.
	err := v.Validate(context.Background(), routing.Request{CreatedBy: "pm-12", AssignedTo: "coder", TaskType: "implementation"})
	if vErr, ok := err.(*routing.Error); !ok || vErr.Violation != routing.RouteForbidden {
		t.Fatalf("err = %v, want RouteForbidden", err)
	}

	// An allowed route for the same instance must still succeed.
	if err := v.Validate(context.Background(), routing.Request{CreatedBy: "pm-12", AssignedTo: "architect", TaskType: "tech_design"}); err != nil {
		t.Fatalf("Validate allowed route: %v", err)
	}
}

func TestSetRolesAppliesLive(t *testing.T) {
	st := newTestStore(t)
	v := routing.New(st, config.RoleSet{"coder": {Name: "coder", Prefix: "CD", Accepts: []string{"implementation"}}}, config.GuardrailsConfig{})

	// Before reload, "architect" is unknown.
	if err := v.Validate(context.Background(), routing.Request{AssignedTo: "architect", TaskType: "tech_design"}); err == nil {
		t.Fatalf("Validate: want InvalidRole before SetRoles")
	}

	v.SetRoles(config.RoleSet{
		"coder":     {Name: "coder", Prefix: "CD", Accepts: []string{"implementation"}},
		"architect": {Name: "architect", Prefix: "AR", Accepts: []string{"tech_design"}},
	})

	if err := v.Validate(context.Background(), routing.Request{AssignedTo: "architect", TaskType: "tech_design"}); err != nil {
		t.Fatalf("Validate after SetRoles: %v", err)
	}
}

func TestValidateGroupFull(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	roles := config.RoleSet{"coder": {Name: "coder", Prefix: "CD", Accepts: []string{"implementation"}}}
	v := routing.New(st, roles, config.GuardrailsConfig{MaxTasksPerGroup: 1})

	if err := st.RegisterPrefix(ctx, "GRP"); err != nil {
		t.Fatalf("RegisterPrefix: %v", err)
	}
	if err := st.RegisterPrefix(ctx, "CD"); err != nil {
		t.Fatalf("RegisterPrefix: %v", err)
	}
	groupID, err := st.AllocateID(ctx, "GRP")
	if err != nil {
		t.Fatalf("AllocateID: %v", err)
	}
	err = st.Transaction(ctx, func(tx *sql.Tx) error {
		return st.InsertGroupTx(tx, store.Group{ID: groupID, Title: "g", Status: store.GroupActive, CreatedAt: st.Now()})
	})
	if err != nil {
		t.Fatalf("InsertGroupTx: %v", err)
	}
	taskID, err := st.AllocateID(ctx, "CD")
	if err != nil {
		t.Fatalf("AllocateID: %v", err)
	}
	err = st.Transaction(ctx, func(tx *sql.Tx) error {
		return st.InsertTaskTx(tx, store.Task{
			ID: taskID, GroupID: groupID, TaskType: "implementation", AssignedTo: "coder",
			Priority: store.PriorityMedium, Status: store.TaskPending, CreatedAt: st.Now(),
		})
	})
	if err != nil {
		t.Fatalf("InsertTaskTx: %v", err)
	}

	verr := v.Validate(ctx, routing.Request{AssignedTo: "coder", TaskType: "implementation", GroupID: groupID})
	if vErr, ok := verr.(*routing.Error); !ok || vErr.Violation != routing.GroupFull {
		t.Fatalf("err = %v, want GroupFull", verr)
	}
}

func TestValidateRejectionCycleLimit(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	roles := config.RoleSet{"coder": {Name: "coder", Prefix: "CD", Accepts: []string{"implementation", "revision"}}}
	v := routing.New(st, roles, config.GuardrailsConfig{RejectionCycleLimit: 3})

	if err := st.RegisterPrefix(ctx, "GRP"); err != nil {
		t.Fatalf("RegisterPrefix: %v", err)
	}
	if err := st.RegisterPrefix(ctx, "CD"); err != nil {
		t.Fatalf("RegisterPrefix: %v", err)
	}
	groupID, err := st.AllocateID(ctx, "GRP")
	if err != nil {
		t.Fatalf("AllocateID: %v", err)
	}
	err = st.Transaction(ctx, func(tx *sql.Tx) error {
		return st.InsertGroupTx(tx, store.Group{ID: groupID, Title: "g", Status: store.GroupActive, CreatedAt: st.Now()})
	})
	if err != nil {
		t.Fatalf("InsertGroupTx: %v", err)
	}

	// T0 (implementation) then three parent-linked revisions T1, T2, T3.
	var parentID *string
	taskType := "implementation"
	for i := 0; i < 4; i++ {
		id, err := st.AllocateID(ctx, "CD")
		if err != nil {
			t.Fatalf("AllocateID: %v", err)
		}
		err = st.Transaction(ctx, func(tx *sql.Tx) error {
			return st.InsertTaskTx(tx, store.Task{
				ID: id, GroupID: groupID, ParentID: parentID, TaskType: taskType,
				AssignedTo: "coder", Priority: store.PriorityMedium,
				Status: store.TaskPending, CreatedAt: st.Now(),
			})
		})
		if err != nil {
			t.Fatalf("InsertTaskTx: %v", err)
		}
		parentID = &id
		taskType = "revision"
	}

	// parentID now points at T3; a fourth revision (T4) should hit the cap.
	err = v.Validate(ctx, routing.Request{AssignedTo: "coder", TaskType: "revision", GroupID: groupID, ParentID: parentID})
	if vErr, ok := err.(*routing.Error); !ok || vErr.Violation != routing.CycleLimit {
		t.Fatalf("err = %v, want CycleLimit", err)
	}
}

func TestValidateOK(t *testing.T) {
	st := newTestStore(t)
	roles := config.RoleSet{"coder": {Name: "coder", Prefix: "CD", Accepts: []string{"implementation"}}}
	v := routing.New(st, roles, config.GuardrailsConfig{})
	if err := v.Validate(context.Background(), routing.Request{AssignedTo: "coder", TaskType: "implementation"}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
