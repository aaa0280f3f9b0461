package workflow

import (
	"context"
	"time"
)

// NodeStatus is the lifecycle status of a node within one run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeCancelled NodeStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeCancelled
}

// NodeInput is what a node function receives.
type NodeInput struct {
	ID      string
	Payload any
	// Deps maps each dependency id to its completed result.
	Deps map[string]any
}

// NodeFunc executes one unit of work.
type NodeFunc func(ctx context.Context, in NodeInput) (any, error)

// Node declares one unit of work and the nodes it depends on.
type Node struct {
	ID        string
	Payload   any
	DependsOn []string
	Run       NodeFunc
	// Timeout overrides Config.NodeTimeout when > 0.
	Timeout time.Duration
	// CacheKey enables result caching when a ResultCache is configured.
	CacheKey string
}

// NodeResult is the terminal outcome of one node.
type NodeResult struct {
	ID       string
	Status   NodeStatus
	Result   any
	Err      error
	Attempts int
	Duration time.Duration
	Cached   bool
}

// RunResult is the outcome of a whole run.
type RunResult struct {
	RunID   string
	Results map[string]*NodeResult
	// Order lists settled node ids in completion order.
	Order []string
	// Unresolved lists nodes that never became ready because a dependency
	// did not complete.
	Unresolved []string
	Cancelled  bool
	Duration   time.Duration
}

// Status returns the status of id, or pending if it never settled.
func (r *RunResult) Status(id string) NodeStatus {
	if res, ok := r.Results[id]; ok {
		return res.Status
	}
	return NodePending
}

// Failed returns the ids of failed nodes in completion order.
func (r *RunResult) Failed() []string {
	var out []string
	for _, id := range r.Order {
		if r.Results[id].Status == NodeFailed {
			out = append(out, id)
		}
	}
	return out
}

// Succeeded reports whether every node completed.
func (r *RunResult) Succeeded() bool {
	if r.Cancelled || len(r.Unresolved) > 0 {
		return false
	}
	for _, res := range r.Results {
		if res.Status != NodeCompleted {
			return false
		}
	}
	return true
}

// Outputs returns the results of completed nodes keyed by id.
func (r *RunResult) Outputs() map[string]any {
	out := make(map[string]any, len(r.Results))
	for id, res := range r.Results {
		if res.Status == NodeCompleted {
			out[id] = res.Result
		}
	}
	return out
}
