// Package tasks implements the task coordinator: capability-scored
// assignment of Task entities to registered agents, with dependency
// gating, retries, and synchronous completion/failure callbacks.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/agentcore/internal/coordination/registry"
)

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task is one unit of delegable work.
type Task struct {
	ID                   string
	Type                 string
	Description          string
	RequiredCapabilities []string
	PreferredRole        registry.Role
	Priority             int
	Status               Status
	CreatedAt            time.Time
	Deadline             *time.Time
	AssignedAgent        string
	Retries              int
	ParentTaskIDs        []string
	Result               map[string]any
	FailureReason        string
}

// Config controls retry and score-floor behavior.
type Config struct {
	MaxRetries int
	ScoreFloor float64
	IdleBonus  float64
}

// DefaultConfig returns the spec's default tuning.
func DefaultConfig() Config {
	return Config{MaxRetries: 2, ScoreFloor: 1.0, IdleBonus: 2.0}
}

// Coordinator assigns tasks to agents drawn from a registry.Registry,
// scoring candidates per the idle/capability/role/history/health/load
// formula in the spec.
type Coordinator struct {
	cfg      Config
	reg      *registry.Registry
	health   HealthScorer
	onComplete func(Task, map[string]any)
	onFailed   func(Task, string)

	mu        sync.Mutex
	tasks     map[string]*Task
	agentLoad map[string]int // count of currently assigned or running tasks per agent, for the idle bonus
}

// HealthScorer reports a [0,1] health score for an agent, folded into
// assignment scoring. A nil HealthScorer treats every agent as fully healthy.
type HealthScorer interface {
	HealthScore(agentID string) float64
}

// New constructs a Coordinator over reg. health may be nil.
func New(cfg Config, reg *registry.Registry, health HealthScorer) *Coordinator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 2
	}
	if cfg.ScoreFloor <= 0 {
		cfg.ScoreFloor = 1.0
	}
	if cfg.IdleBonus <= 0 {
		cfg.IdleBonus = 2.0
	}
	return &Coordinator{
		cfg:       cfg,
		reg:       reg,
		health:    health,
		tasks:     make(map[string]*Task),
		agentLoad: make(map[string]int),
	}
}

// OnCompleted registers a callback invoked synchronously when a task
// transitions to completed.
func (c *Coordinator) OnCompleted(fn func(Task, map[string]any)) { c.onComplete = fn }

// OnFailed registers a callback invoked synchronously when a task
// transitions to terminally failed.
func (c *Coordinator) OnFailed(fn func(Task, string)) { c.onFailed = fn }

// Submit registers a new task in pending status.
func (c *Coordinator) Submit(task Task) {
	task.Status = StatusPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := task
	c.tasks[t.ID] = &t
}

// Get returns a copy of a task's current state.
func (c *Coordinator) Get(id string) (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

func (c *Coordinator) dependenciesSatisfied(t *Task) bool {
	for _, parentID := range t.ParentTaskIDs {
		parent, ok := c.tasks[parentID]
		if !ok {
			return false
		}
		if parent.Status == StatusFailed {
			return false // caller propagates the cascade via AssignPending's failure pass
		}
		if parent.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// AssignPending scans all pending tasks whose dependencies are satisfied
// and assigns each to its best-scoring candidate agent, highest priority
// first. Tasks with an unmet-but-not-failed dependency are left pending.
// Tasks with a terminally-failed parent are cascaded to failed.
func (c *Coordinator) AssignPending(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make([]*Task, 0)
	for _, t := range c.tasks {
		if t.Status != StatusPending {
			continue
		}
		if c.hasFailedParent(t) {
			t.Status = StatusFailed
			t.FailureReason = "dependency failed"
			if c.onFailed != nil {
				c.onFailed(*t, t.FailureReason)
			}
			continue
		}
		if !c.dependenciesSatisfied(t) {
			continue
		}
		pending = append(pending, t)
	}

	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Priority > pending[j].Priority })

	for _, t := range pending {
		agentID, ok := c.bestCandidate(t)
		if !ok {
			continue // no candidate cleared the score floor; stays pending
		}
		t.Status = StatusAssigned
		t.AssignedAgent = agentID
		c.agentLoad[agentID]++
	}
}

func (c *Coordinator) hasFailedParent(t *Task) bool {
	for _, parentID := range t.ParentTaskIDs {
		if parent, ok := c.tasks[parentID]; ok && parent.Status == StatusFailed {
			return true
		}
	}
	return false
}

func (c *Coordinator) bestCandidate(t *Task) (string, bool) {
	candidates := c.reg.List(registry.Filter{Status: registry.StatusOnline})
	if len(candidates) == 0 {
		return "", false
	}

	bestID := ""
	bestScore := -1.0
	bestLoad := 0.0
	found := false
	for _, cand := range candidates {
		score := c.scoreCandidate(cand, t)
		if !found || score > bestScore ||
			(score == bestScore && (cand.Load < bestLoad || (cand.Load == bestLoad && cand.ID < bestID))) {
			bestID = cand.ID
			bestScore = score
			bestLoad = cand.Load
			found = true
		}
	}
	if !found || bestScore < c.cfg.ScoreFloor {
		return "", false
	}
	return bestID, true
}

func (c *Coordinator) scoreCandidate(cand registry.Record, t *Task) float64 {
	score := 0.0
	if c.agentLoad[cand.ID] == 0 {
		score += c.cfg.IdleBonus
	}
	score += capabilityBonus(cand.Capabilities, t.RequiredCapabilities)
	if t.PreferredRole != "" && cand.Role == t.PreferredRole {
		score += 3.0
	}
	score += 3.0 * (1 - cand.FailureRate())
	if c.health != nil {
		score += 2.0 * c.health.HealthScore(cand.ID)
	} else {
		score += 2.0
	}
	score -= cand.Load
	return score
}

func capabilityBonus(have, required []string) float64 {
	if len(required) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	matched := 0
	for _, req := range required {
		if _, ok := set[req]; ok {
			matched++
		}
	}
	if matched == len(required) {
		return 5.0
	}
	return 5.0 * float64(matched) / float64(len(required))
}

// Start transitions an assigned task to running.
func (c *Coordinator) Start(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return fmt.Errorf("tasks: unknown task %q", id)
	}
	if t.Status != StatusAssigned {
		return fmt.Errorf("tasks: task %q is %s, not assigned", id, t.Status)
	}
	t.Status = StatusRunning
	return nil
}

// Complete transitions a running task to completed and invokes onCompleted.
func (c *Coordinator) Complete(id string, result map[string]any) error {
	c.mu.Lock()
	t, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("tasks: unknown task %q", id)
	}
	t.Status = StatusCompleted
	t.Result = result
	if t.AssignedAgent != "" && c.agentLoad[t.AssignedAgent] > 0 {
		c.agentLoad[t.AssignedAgent]--
	}
	snapshot := *t
	cb := c.onComplete
	c.mu.Unlock()

	if cb != nil {
		cb(snapshot, result)
	}
	return nil
}

// Fail records a failure. If retries remain, the task is re-enqueued as
// pending; otherwise it is marked terminally failed and onFailed fires.
func (c *Coordinator) Fail(id string, reason string) error {
	c.mu.Lock()
	t, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("tasks: unknown task %q", id)
	}
	if t.AssignedAgent != "" && c.agentLoad[t.AssignedAgent] > 0 {
		c.agentLoad[t.AssignedAgent]--
	}
	t.Retries++
	t.FailureReason = reason

	var terminal bool
	if t.Retries <= c.cfg.MaxRetries {
		t.Status = StatusPending
		t.AssignedAgent = ""
	} else {
		t.Status = StatusFailed
		terminal = true
	}
	snapshot := *t
	cb := c.onFailed
	c.mu.Unlock()

	if terminal && cb != nil {
		cb(snapshot, reason)
	}
	return nil
}

// List returns a snapshot of every tracked task.
func (c *Coordinator) List() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
