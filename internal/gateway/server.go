// Package gateway implements the dashboard/control REST+JSON API and the
// live event-stream WebSocket endpoint. Both read and write exclusively
// through the Task Board, Instance Manager, and Route Validator rather
// than touching the store directly.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nikhilch98/taskbrew/internal/board"
	"github.com/nikhilch98/taskbrew/internal/bus"
	"github.com/nikhilch98/taskbrew/internal/config"
	"github.com/nikhilch98/taskbrew/internal/instance"
	"github.com/nikhilch98/taskbrew/internal/obs"
	"github.com/nikhilch98/taskbrew/internal/routing"
	"github.com/nikhilch98/taskbrew/internal/store"
)

const timeFormat = "2006-01-02T15:04:05.000000Z"

// Config wires the gateway to the already-running core.
type Config struct {
	Board     *board.Board
	Instances *instance.Manager
	Validator *routing.Validator
	Bus       *bus.Bus
	Roles     config.RoleSet
	Team      config.TeamConfig
	Logger    *slog.Logger

	CORS      config.CORSConfig
	RateLimit config.RateLimitConfig

	// Metrics is optional; when set, every request increments its API
	// request counter.
	Metrics *obs.Metrics
}

// Server serves the HTTP/JSON API and the WebSocket event stream.
type Server struct {
	cfg    Config
	logger *slog.Logger
	rl     *RateLimitMiddleware
	cors   func(http.Handler) http.Handler
	wsHub  *hub
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		rl:     NewRateLimitMiddleware(cfg.RateLimit),
		cors:   NewCORSMiddleware(cfg.CORS),
		wsHub:  newHub(cfg.Bus, logger),
	}
	return s
}

// Handler builds the full mux, wrapped with CORS, rate limiting, and a
// request body size cap.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/board", s.handleBoard)
	mux.HandleFunc("/api/board/filters", s.handleBoardFilters)
	mux.HandleFunc("/api/groups", s.handleGroups)
	mux.HandleFunc("/api/groups/", s.handleGroupGraph)
	mux.HandleFunc("/api/goals", s.handleGoals)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/search", s.handleTaskSearch)
	mux.HandleFunc("/api/tasks/batch", s.handleTaskBatch)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/roles/", s.handleRoleAction)
	mux.HandleFunc("/api/metrics/timeseries", s.handleMetricsTimeseries)
	mux.HandleFunc("/ws/events", s.wsHub.serve)

	var handler http.Handler = mux
	handler = s.rl.Wrap(handler)
	handler = s.metrics(handler)
	handler = s.cors(handler)
	handler = RequestSizeLimitMiddleware(1 << 20)(handler)
	return handler
}

func (s *Server) metrics(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.cfg.Metrics.APIRequestCount.Add(r.Context(), 1)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.Board.SearchTasks(r.Context(), store.TaskFilter{Limit: 1}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "db": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "db": "connected"})
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	filter := store.TaskFilter{
		GroupID:    q.Get("group_id"),
		AssignedTo: q.Get("assigned_to"),
		ClaimedBy:  q.Get("claimed_by"),
		TaskType:   q.Get("task_type"),
		Priority:   q.Get("priority"),
	}
	tasks, err := s.cfg.Board.BoardView(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	byStatus := map[string][]store.Task{}
	for _, t := range tasks {
		byStatus[string(t.Status)] = append(byStatus[string(t.Status)], t)
	}
	writeJSON(w, http.StatusOK, byStatus)
}

func (s *Server) handleBoardFilters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	roles := make([]string, 0, len(s.cfg.Roles))
	taskTypes := map[string]bool{}
	for name, rc := range s.cfg.Roles {
		roles = append(roles, name)
		for _, t := range rc.Accepts {
			taskTypes[t] = true
		}
	}
	types := make([]string, 0, len(taskTypes))
	for t := range taskTypes {
		types = append(types, t)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roles":      roles,
		"task_types": types,
		"priorities": []string{"critical", "high", "medium", "low"},
		"statuses":   []string{"blocked", "pending", "in_progress", "completed", "failed", "rejected", "cancelled"},
	})
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	groups, err := s.cfg.Board.ListGroups(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

type graphNode struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	AssignedTo string `json:"assigned_to"`
	TaskType   string `json:"task_type"`
}

type graphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// handleGroupGraph serves GET /api/groups/{id}/graph.
func (s *Server) handleGroupGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/groups/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[1] != "graph" || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	groupID := parts[0]

	result, err := s.cfg.Board.SearchTasks(r.Context(), store.TaskFilter{GroupID: groupID, Limit: 10000})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	nodes := make([]graphNode, 0, len(result.Tasks))
	edges := []graphEdge{}
	for _, t := range result.Tasks {
		nodes = append(nodes, graphNode{ID: t.ID, Title: t.Title, Status: string(t.Status), AssignedTo: t.AssignedTo, TaskType: t.TaskType})
		if t.ParentID != nil {
			edges = append(edges, graphEdge{From: *t.ParentID, To: t.ID, Type: "parent"})
		}
	}
	deps, err := s.cfg.Board.GroupDependencies(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, d := range deps {
		edges = append(edges, graphEdge{From: d.BlockedByID, To: d.TaskID, Type: "blocked_by"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "edges": edges})
}

func (s *Server) handleGoals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	pmRole, ok := s.findGoalRole()
	if !ok {
		writeError(w, http.StatusBadRequest, "no role configured to accept goals")
		return
	}

	group, err := s.cfg.Board.CreateGroup(r.Context(), body.Title, "dashboard", "human")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	task, err := s.cfg.Board.CreateTask(r.Context(), board.CreateTaskParams{
		GroupID: group.ID, Title: body.Title, Description: body.Description,
		TaskType: "goal", AssignedTo: pmRole, CreatedBy: "human",
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"group": group, "task": task})
}

// findGoalRole returns the first role configured with can_create_groups,
// which is by convention the role goals are assigned to on entry.
func (s *Server) findGoalRole() (string, bool) {
	for name, rc := range s.cfg.Roles {
		if rc.CanCreateGroups {
			return name, true
		}
	}
	return "", false
}

type createTaskRequest struct {
	GroupID     string   `json:"group_id"`
	Title       string   `json:"title"`
	TaskType    string   `json:"task_type"`
	AssignedTo  string   `json:"assigned_to"`
	AssignedBy  string   `json:"assigned_by"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	ParentID    *string  `json:"parent_id"`
	BlockedBy   []string `json:"blocked_by"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.GroupID == "" || body.Title == "" || body.TaskType == "" || body.AssignedTo == "" || body.AssignedBy == "" {
		writeError(w, http.StatusBadRequest, "group_id, title, task_type, assigned_to, and assigned_by are required")
		return
	}

	if err := s.cfg.Validator.Validate(r.Context(), routing.Request{
		CreatedBy: body.AssignedBy, AssignedTo: body.AssignedTo, TaskType: body.TaskType,
		GroupID: body.GroupID, ParentID: body.ParentID,
	}); err != nil {
		s.writeRoutingError(w, err)
		return
	}

	task, err := s.cfg.Board.CreateTask(r.Context(), board.CreateTaskParams{
		GroupID: body.GroupID, Title: body.Title, TaskType: body.TaskType,
		AssignedTo: body.AssignedTo, CreatedBy: body.AssignedBy, Description: body.Description,
		Priority: store.Priority(body.Priority), ParentID: body.ParentID, BlockedBy: body.BlockedBy,
	})
	if err != nil {
		if errors.Is(err, board.ErrCycleInDependency) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) writeRoutingError(w http.ResponseWriter, err error) {
	var rerr *routing.Error
	if !errors.As(err, &rerr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusBadRequest
	switch rerr.Violation {
	case routing.RouteForbidden:
		status = http.StatusForbidden
	case routing.GroupFull, routing.DepthExceeded, routing.CycleLimit:
		status = http.StatusConflict
	}
	writeError(w, status, rerr.Error())
}

func (s *Server) handleTaskSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	result, err := s.cfg.Board.SearchTasks(r.Context(), store.TaskFilter{
		Query: q.Get("q"), GroupID: q.Get("group_id"), AssignedTo: q.Get("assigned_to"),
		ClaimedBy: q.Get("claimed_by"), TaskType: q.Get("task_type"), Priority: q.Get("priority"),
		Status: q.Get("status"), Limit: atoiDefault(q.Get("limit"), 20), Offset: atoiDefault(q.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func atoiDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusNotFound, "task id required")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			task, err := s.cfg.Board.GetTask(r.Context(), id)
			if err != nil {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, task)
		case http.MethodPatch:
			s.handleTaskPatch(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.handleTaskAction(w, r, id, parts[1])
}

func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request, id, action string) {
	ctx := r.Context()
	var task store.Task
	var err error

	switch action {
	case "cancel":
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		task, err = s.cfg.Board.CancelTask(ctx, id, body.Reason)
	case "retry":
		task, err = s.cfg.Board.RetryTask(ctx, id)
	case "reassign":
		var body struct {
			NewRole string `json:"new_role"`
		}
		if derr := json.NewDecoder(r.Body).Decode(&body); derr != nil || body.NewRole == "" {
			writeError(w, http.StatusBadRequest, "new_role is required")
			return
		}
		task, err = s.cfg.Board.ReassignTask(ctx, id, body.NewRole)
	case "complete":
		var body struct {
			Output string `json:"output"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		task, err = s.cfg.Board.CompleteTaskWithOutput(ctx, id, body.Output)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", action))
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskPatch(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Priority   *string `json:"priority"`
		AssignedTo *string `json:"assigned_to"`
		Status     *string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var task store.Task
	var err error
	switch {
	case body.Priority != nil:
		results := s.cfg.Board.BatchUpdateTasks(r.Context(), []string{id}, board.BatchChangePriority, board.BatchParams{NewPriority: store.Priority(*body.Priority)})
		if len(results) == 0 || !results[0].OK {
			writeError(w, http.StatusConflict, results[0].Error)
			return
		}
		task, err = s.cfg.Board.GetTask(r.Context(), id)
	case body.AssignedTo != nil:
		task, err = s.cfg.Board.ReassignTask(r.Context(), id, *body.AssignedTo)
	case body.Status != nil:
		task, err = s.applyStatusPatch(r.Context(), id, *body.Status)
	default:
		writeError(w, http.StatusBadRequest, "no recognized fields in patch body")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) applyStatusPatch(ctx context.Context, id, status string) (store.Task, error) {
	switch store.TaskStatus(status) {
	case store.TaskCancelled:
		return s.cfg.Board.CancelTask(ctx, id, "patched via API")
	case store.TaskPending:
		return s.cfg.Board.RetryTask(ctx, id)
	case store.TaskCompleted:
		return s.cfg.Board.CompleteTask(ctx, id)
	case store.TaskFailed:
		return s.cfg.Board.FailTask(ctx, id, "patched via API")
	default:
		return store.Task{}, fmt.Errorf("gateway: status %q is not a legal patch target", status)
	}
}

func (s *Server) handleTaskBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		TaskIDs []string `json:"task_ids"`
		Action  string   `json:"action"`
		Params  struct {
			NewRole     string `json:"new_role"`
			NewPriority string `json:"new_priority"`
			Reason      string `json:"reason"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.TaskIDs) == 0 {
		writeError(w, http.StatusBadRequest, "task_ids and action are required")
		return
	}
	results := s.cfg.Board.BatchUpdateTasks(r.Context(), body.TaskIDs, board.BatchAction(body.Action), board.BatchParams{
		NewRole: body.Params.NewRole, NewPriority: store.Priority(body.Params.NewPriority), Reason: body.Params.Reason,
	})
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	instances, err := s.cfg.Instances.List(r.Context(), r.URL.Query().Get("role"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": instances})
}

// handleRoleAction handles POST /api/roles/{role}/pause and /resume. Pause
// is an in-memory, per-role administrative flag: the Agent Loop checks it
// once per poll interval and, while paused, never claims new work.
func (s *Server) handleRoleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/roles/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	role, action := parts[0], parts[1]
	if _, ok := s.cfg.Roles[role]; !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("role %q is not registered", role))
		return
	}
	switch action {
	case "pause":
		s.cfg.Instances.Pause(role)
	case "resume":
		s.cfg.Instances.Resume(role)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role, "paused": s.cfg.Instances.IsPaused(role)})
}

func (s *Server) handleMetricsTimeseries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	granularity := q.Get("granularity")
	if granularity != "day" {
		granularity = "role"
	}
	since := ""
	if tr := q.Get("time_range"); tr != "" {
		if d, err := parseTimeRange(tr); err == nil {
			since = time.Now().Add(-d).UTC().Format(timeFormat)
		}
	}
	rows, err := s.cfg.Board.UsageSummary(r.Context(), granularity, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": rows})
}

// parseTimeRange accepts Go duration syntax plus a bare "Nd" days suffix.
func parseTimeRange(raw string) (time.Duration, error) {
	if strings.HasSuffix(raw, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(raw)
}
