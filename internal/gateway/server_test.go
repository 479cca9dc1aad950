package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/nikhilch98/taskbrew/internal/board"
	"github.com/nikhilch98/taskbrew/internal/bus"
	"github.com/nikhilch98/taskbrew/internal/config"
	"github.com/nikhilch98/taskbrew/internal/gateway"
	"github.com/nikhilch98/taskbrew/internal/instance"
	"github.com/nikhilch98/taskbrew/internal/routing"
	"github.com/nikhilch98/taskbrew/internal/store"
)

func newServer(t *testing.T) *gateway.Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "taskbrew.db"), 2)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	roles := config.RoleSet{
		"pm":    {Name: "pm", Prefix: "PM", Accepts: []string{"goal"}, CanCreateGroups: true, RoutingMode: config.RoutingOpen},
		"coder": {Name: "coder", Prefix: "CD", Accepts: []string{"implementation"}, RoutingMode: config.RoutingOpen},
	}
	team := config.TeamConfig{GroupPrefixes: map[string]string{"pm": "G"}}
	b := bus.New()
	brd := board.New(st, b, team, roles, nil)
	if err := brd.RegisterPrefixes(context.Background()); err != nil {
		t.Fatalf("RegisterPrefixes: %v", err)
	}
	im := instance.New(st, b)
	validator := routing.New(st, roles, config.GuardrailsConfig{MaxTaskDepth: 10, MaxTasksPerGroup: 100, RejectionCycleLimit: 5})

	return gateway.New(gateway.Config{
		Board: brd, Instances: im, Validator: validator, Bus: b, Roles: roles, Team: team,
	})
}

func TestHealthEndpoint(t *testing.T) {
	srv := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", body["status"])
	}
}

func TestCreateGoalThenCreateTask(t *testing.T) {
	srv := newServer(t)

	goalBody, _ := json.Marshal(map[string]string{"title": "Ship the feature", "description": "end to end"})
	req := httptest.NewRequest(http.MethodPost, "/api/goals", bytes.NewReader(goalBody))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("goal status = %d, body = %s", w.Code, w.Body.String())
	}
	var created struct {
		Group store.Group `json:"group"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	taskBody, _ := json.Marshal(map[string]any{
		"group_id": created.Group.ID, "title": "implement X", "task_type": "implementation",
		"assigned_to": "coder", "assigned_by": "pm",
	})
	req2 := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(taskBody))
	w2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w2, req2)
	if w2.Code != http.StatusCreated {
		t.Fatalf("task status = %d, body = %s", w2.Code, w2.Body.String())
	}
}

func TestCreateTaskRejectsUnacceptedType(t *testing.T) {
	srv := newServer(t)

	goalBody, _ := json.Marshal(map[string]string{"title": "Goal"})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/goals", bytes.NewReader(goalBody)))
	var created struct {
		Group store.Group `json:"group"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	taskBody, _ := json.Marshal(map[string]any{
		"group_id": created.Group.ID, "title": "bad", "task_type": "unknown_type",
		"assigned_to": "coder", "assigned_by": "pm",
	})
	w2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w2, httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(taskBody)))
	if w2.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", w2.Code, w2.Body.String())
	}
}

func TestBoardFiltersListsConfiguredRoles(t *testing.T) {
	srv := newServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/board/filters", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Roles []string `json:"roles"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Roles) != 2 {
		t.Fatalf("roles = %v, want 2 entries", body.Roles)
	}
}

func TestTaskSearchReturnsPagination(t *testing.T) {
	srv := newServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks/search?limit=5&offset=0", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var result store.SearchTasksResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Limit != 5 {
		t.Fatalf("limit = %d, want 5", result.Limit)
	}
}

func TestRolePauseAndResume(t *testing.T) {
	srv := newServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/roles/coder/pause", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("pause status = %d, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Paused bool `json:"paused"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Paused {
		t.Fatal("expected paused=true after pause")
	}

	w2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w2, httptest.NewRequest(http.MethodPost, "/api/roles/coder/resume", nil))
	if w2.Code != http.StatusOK {
		t.Fatalf("resume status = %d, body = %s", w2.Code, w2.Body.String())
	}
	var body2 struct {
		Paused bool `json:"paused"`
	}
	if err := json.Unmarshal(w2.Body.Bytes(), &body2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body2.Paused {
		t.Fatal("expected paused=false after resume")
	}
}

func TestRolePauseUnknownRole(t *testing.T) {
	srv := newServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/roles/ghost/pause", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
