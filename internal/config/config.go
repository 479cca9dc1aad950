// Package config loads TaskBrew's two YAML configuration documents —
// team.yaml and roles.yaml — into validated in-memory structs, applies
// environment overrides, and fills in defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RoutingMode controls whether a role may route to any target (open) or
// only targets enumerated in its RoutesTo (restricted).
type RoutingMode string

const (
	RoutingOpen       RoutingMode = "open"
	RoutingRestricted RoutingMode = "restricted"
)

// GuardrailsConfig bounds task-graph growth; enforced by the Route
// Validator.
type GuardrailsConfig struct {
	MaxTaskDepth        int `yaml:"max_task_depth"`
	MaxTasksPerGroup    int `yaml:"max_tasks_per_group"`
	RejectionCycleLimit int `yaml:"rejection_cycle_limit"`
}

// TeamConfig is the parsed form of team.yaml.
type TeamConfig struct {
	DBPath              string            `yaml:"db_path"`
	PollIntervalDefault int               `yaml:"poll_interval_default"` // seconds
	MaxInstancesDefault int               `yaml:"max_instances_default"`
	HTTPAddr            string            `yaml:"http_addr"`
	LogLevel            string            `yaml:"log_level"`
	ReadPoolSize        int               `yaml:"read_pool_size"`
	Guardrails          GuardrailsConfig  `yaml:"guardrails"`
	GroupPrefixes       map[string]string `yaml:"group_prefixes"` // role -> group-id prefix
	CORS                CORSConfig        `yaml:"cors"`
	RateLimit           RateLimitConfig   `yaml:"rate_limit"`

	HomeDir string `yaml:"-"`
}

// CORSConfig controls the gateway's CORS middleware.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig controls the gateway's per-key token bucket limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// RouteEntry is one entry in a role's RoutesTo list — the set of targets a
// restricted-mode role may create tasks for.
type RouteEntry struct {
	Role      string   `yaml:"role"`
	TaskTypes []string `yaml:"task_types"` // empty means any type accepted by the target
}

// AutoScaleConfig configures the Auto-Scaler's per-role behavior.
type AutoScaleConfig struct {
	Enabled           bool    `yaml:"enabled"`
	ScaleUpThreshold  float64 `yaml:"scale_up_threshold"`   // backlog/idle ratio that triggers scale-up
	ScaleDownIdleMins int     `yaml:"scale_down_idle_mins"` // minutes an auto-spawned instance must idle before it is stopped
}

// RoleConfig is one entry in roles.yaml.
type RoleConfig struct {
	Name             string          `yaml:"name"`
	DisplayName      string          `yaml:"display_name"`
	Prefix           string          `yaml:"prefix"`
	Accepts          []string        `yaml:"accepts"`
	Produces         []string        `yaml:"produces"`
	RoutesTo         []RouteEntry    `yaml:"routes_to"`
	RoutingMode      RoutingMode     `yaml:"routing_mode"`
	MaxInstances     int             `yaml:"max_instances"`
	MaxTurns         int             `yaml:"max_turns"`
	MaxExecutionTime int             `yaml:"max_execution_time"` // seconds; per-task timeout
	PollInterval     int             `yaml:"poll_interval"`      // seconds; 0 uses TeamConfig default
	AutoScale        AutoScaleConfig `yaml:"auto_scale"`
	CanCreateGroups  bool            `yaml:"can_create_groups"`
	GroupType        string          `yaml:"group_type"`
	LLMCommand       []string        `yaml:"llm_command"` // external LLM-CLI invocation template, e.g. ["claude", "-p"]
}

// Accept reports whether the role accepts taskType.
func (r RoleConfig) Accept(taskType string) bool {
	for _, t := range r.Accepts {
		if t == taskType {
			return true
		}
	}
	return false
}

// AllowsRouteTo reports whether r (acting as creator, in restricted mode) may
// route a task of taskType to target.
func (r RoleConfig) AllowsRouteTo(target, taskType string) bool {
	for _, route := range r.RoutesTo {
		if route.Role != target {
			continue
		}
		if len(route.TaskTypes) == 0 {
			return true
		}
		for _, t := range route.TaskTypes {
			if t == taskType {
				return true
			}
		}
	}
	return false
}

// RoleSet is a lookup of role configs by name.
type RoleSet map[string]RoleConfig

// EffectivePollInterval returns the role's configured poll interval, falling
// back to def when unset.
func (r RoleConfig) EffectivePollInterval(def time.Duration) time.Duration {
	if r.PollInterval <= 0 {
		return def
	}
	return time.Duration(r.PollInterval) * time.Second
}

// TaskTimeout returns the role's per-task execution timeout, falling back to
// 1800s when unset.
func (r RoleConfig) TaskTimeout() time.Duration {
	if r.MaxExecutionTime <= 0 {
		return 1800 * time.Second
	}
	return time.Duration(r.MaxExecutionTime) * time.Second
}

func defaultTeamConfig() TeamConfig {
	return TeamConfig{
		DBPath:              "./taskbrew.db",
		PollIntervalDefault: 5,
		MaxInstancesDefault: 1,
		HTTPAddr:            "127.0.0.1:8787",
		LogLevel:            "info",
		ReadPoolSize:        5,
		Guardrails: GuardrailsConfig{
			MaxTaskDepth:        10,
			MaxTasksPerGroup:    0,
			RejectionCycleLimit: 3,
		},
		GroupPrefixes: map[string]string{},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 120,
			BurstSize:         30,
		},
	}
}

// HomeDir returns the directory TaskBrew stores its runtime state in,
// honoring the TASKBREW_HOME environment override.
func HomeDir() string {
	if override := os.Getenv("TASKBREW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskbrew")
}

// TeamConfigPath returns the path to team.yaml within homeDir.
func TeamConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "team.yaml")
}

// RolesConfigPath returns the path to roles.yaml within homeDir.
func RolesConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "roles.yaml")
}

// LoadTeam reads and validates team.yaml, applying defaults and env
// overrides. A missing file yields an all-defaults config (first-run).
func LoadTeam(homeDir string) (TeamConfig, error) {
	cfg := defaultTeamConfig()
	cfg.HomeDir = homeDir

	path := TeamConfigPath(homeDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: read team.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse team.yaml: %w", err)
		}
	}
	cfg.HomeDir = homeDir
	applyTeamEnvOverrides(&cfg)
	normalizeTeam(&cfg)
	return cfg, nil
}

func normalizeTeam(cfg *TeamConfig) {
	if cfg.DBPath == "" {
		cfg.DBPath = "./taskbrew.db"
	}
	if cfg.PollIntervalDefault <= 0 {
		cfg.PollIntervalDefault = 5
	}
	if cfg.MaxInstancesDefault <= 0 {
		cfg.MaxInstancesDefault = 1
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:8787"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ReadPoolSize <= 0 {
		cfg.ReadPoolSize = 5
	}
	if cfg.Guardrails.RejectionCycleLimit <= 0 {
		cfg.Guardrails.RejectionCycleLimit = 3
	}
	if cfg.GroupPrefixes == nil {
		cfg.GroupPrefixes = map[string]string{}
	}
}

func applyTeamEnvOverrides(cfg *TeamConfig) {
	if v := os.Getenv("TASKBREW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TASKBREW_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("TASKBREW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TASKBREW_POLL_INTERVAL_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalDefault = n
		}
	}
}

// rolesDoc is the top-level shape of roles.yaml.
type rolesDoc struct {
	Roles []RoleConfig `yaml:"roles"`
}

// LoadRoles reads and validates roles.yaml into a RoleSet keyed by role
// name. Every role must carry a non-empty name and prefix, and prefixes
// must be unique: prefixes must be registered before use.
func LoadRoles(homeDir string) (RoleSet, error) {
	path := RolesConfigPath(homeDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RoleSet{}, nil
		}
		return nil, fmt.Errorf("config: read roles.yaml: %w", err)
	}

	var doc rolesDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse roles.yaml: %w", err)
	}

	roles := make(RoleSet, len(doc.Roles))
	prefixes := make(map[string]string, len(doc.Roles))
	for _, r := range doc.Roles {
		if strings.TrimSpace(r.Name) == "" {
			return nil, fmt.Errorf("config: role with empty name")
		}
		if strings.TrimSpace(r.Prefix) == "" {
			return nil, fmt.Errorf("config: role %q has empty prefix", r.Name)
		}
		if _, dup := roles[r.Name]; dup {
			return nil, fmt.Errorf("config: duplicate role name %q", r.Name)
		}
		if owner, dup := prefixes[r.Prefix]; dup {
			return nil, fmt.Errorf("config: role %q and %q share prefix %q", r.Name, owner, r.Prefix)
		}
		prefixes[r.Prefix] = r.Name
		if r.RoutingMode == "" {
			r.RoutingMode = RoutingOpen
		}
		if r.MaxInstances <= 0 {
			r.MaxInstances = 1
		}
		roles[r.Name] = r
	}
	return roles, nil
}

// GroupPrefixFor resolves the group-id prefix for a creator role, falling
// back to "GRP".
func (c TeamConfig) GroupPrefixFor(createdBy string) string {
	if p, ok := c.GroupPrefixes[createdBy]; ok && p != "" {
		return p
	}
	return "GRP"
}
