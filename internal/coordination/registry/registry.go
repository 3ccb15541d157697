// Package registry implements the durable, single-host agent registry: a
// JSON file rewritten atomically on every change, with heartbeat staleness
// detection.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/agentcore/infrastructure/state"
)

// Status is an agent's current reachability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Role categorizes an agent's intended function in the coordination fabric.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleResearcher  Role = "researcher"
	RoleAnalyst     Role = "analyst"
	RoleExecutor    Role = "executor"
	RolePlanner     Role = "planner"
	RoleTester      Role = "tester"
	RoleGeneralist  Role = "generalist"
)

// Record is one agent's entry in the registry.
type Record struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Role            Role      `json:"role"`
	Capabilities    []string  `json:"capabilities"`
	Endpoint        string    `json:"endpoint,omitempty"`
	Status          Status    `json:"status"`
	Load            float64   `json:"load"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	CompletedTasks  int64     `json:"completed_tasks"`
	FailedTasks     int64     `json:"failed_tasks"`
}

// FailureRate returns failed/(completed+failed), or 0 if no tasks have run.
func (r Record) FailureRate() float64 {
	total := r.CompletedTasks + r.FailedTasks
	if total == 0 {
		return 0
	}
	return float64(r.FailedTasks) / float64(total)
}

const registryKey = "registry"

// Registry is an in-memory view of agent records, persisted to a single
// backend key after every mutation.
type Registry struct {
	backend         state.PersistenceBackend
	heartbeatTimeout time.Duration

	mu      sync.RWMutex
	records map[string]Record
}

// New constructs a Registry backed by backend, loading any existing
// snapshot. heartbeatTimeout defaults to 60s.
func New(backend state.PersistenceBackend, heartbeatTimeout time.Duration) (*Registry, error) {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 60 * time.Second
	}
	r := &Registry{
		backend:          backend,
		heartbeatTimeout: heartbeatTimeout,
		records:          make(map[string]Record),
	}

	data, err := backend.Load(context.Background(), registryKey)
	if err != nil {
		if err == state.ErrNotFound {
			return r, nil
		}
		return nil, err
	}
	var snapshot map[string]Record
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	r.records = snapshot
	return r, nil
}

func (r *Registry) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(r.records)
	if err != nil {
		return err
	}
	return r.backend.Save(ctx, registryKey, data)
}

// Register upserts a record by id and refreshes its last-heartbeat.
func (r *Registry) Register(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec.LastHeartbeat = time.Now().UTC()
	if rec.Status == "" {
		rec.Status = StatusOnline
	}
	r.records[rec.ID] = rec
	return r.persistLocked(ctx)
}

// Unregister removes an agent's record entirely.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, id)
	return r.persistLocked(ctx)
}

// Heartbeat refreshes an agent's last-heartbeat timestamp and load score,
// and restores it to online if it had been marked offline.
func (r *Registry) Heartbeat(ctx context.Context, id string, load float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return ErrAgentNotFound
	}
	rec.LastHeartbeat = time.Now().UTC()
	rec.Load = load
	if rec.Status == StatusOffline {
		rec.Status = StatusOnline
	}
	r.records[id] = rec
	return r.persistLocked(ctx)
}

// Filter narrows a List query.
type Filter struct {
	Role       Role
	Capability string
	Status     Status
}

func (f Filter) matches(r Record) bool {
	if f.Role != "" && r.Role != f.Role {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Capability != "" {
		found := false
		for _, c := range r.Capabilities {
			if c == f.Capability {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// List returns records matching filter, sorted by id for determinism.
func (r *Registry) List(filter Filter) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if filter.matches(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a single record by id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// SelectForTask scores every online agent against requiredCapabilities and
// preferredRole (pass "" to skip the role bonus) and returns the best
// match. This is the registry-level primitive used directly by callers that
// need an agent without full task-lifecycle bookkeeping; the task
// coordinator (C16) layers idle/historical/health terms from its own state
// on top of the same capability+role+load shape.
func (r *Registry) SelectForTask(requiredCapabilities []string, preferredRole Role) (Record, bool) {
	candidates := r.List(Filter{Status: StatusOnline})
	if len(candidates) == 0 {
		return Record{}, false
	}

	var best Record
	bestScore := -1.0
	found := false
	for _, c := range candidates {
		score := capabilityScore(c.Capabilities, requiredCapabilities)
		if preferredRole != "" && c.Role == preferredRole {
			score += 3.0
		}
		score += 3.0 * (1 - c.FailureRate())
		score -= c.Load

		if !found || score > bestScore ||
			(score == bestScore && (c.Load < best.Load || (c.Load == best.Load && c.ID < best.ID))) {
			best = c
			bestScore = score
			found = true
		}
	}
	return best, found
}

func capabilityScore(have, required []string) float64 {
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

// SweepStale flips any online/busy agent whose heartbeat is older than
// heartbeatTimeout to offline, without removing the record. cmd/agentd runs
// it as the fast-cadence "registry-sweep" scheduler step.
func (r *Registry) SweepStale(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	changed := 0
	for id, rec := range r.records {
		if rec.Status == StatusOffline {
			continue
		}
		if now.Sub(rec.LastHeartbeat) > r.heartbeatTimeout {
			rec.Status = StatusOffline
			r.records[id] = rec
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	return changed, r.persistLocked(ctx)
}

// RecordTaskOutcome increments the completed or failed task counter for id.
func (r *Registry) RecordTaskOutcome(ctx context.Context, id string, succeeded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return ErrAgentNotFound
	}
	if succeeded {
		rec.CompletedTasks++
	} else {
		rec.FailedTasks++
	}
	r.records[id] = rec
	return r.persistLocked(ctx)
}

// CheckHealth reports an error if the registry backend cannot be reached;
// used by the health checker (C12) via the DependencyChecker interface.
func (r *Registry) CheckHealth(ctx context.Context) error {
	_, err := r.backend.Load(ctx, registryKey)
	if err == state.ErrNotFound {
		return nil
	}
	return err
}
