package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/agentcore/types"
)

// Scheduling errors are fatal to a run and never retried.
var (
	ErrCycle             = errors.New("dependency cycle detected")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrInvalidGraph      = errors.New("invalid graph")
	ErrNoProgress        = errors.New("scheduler made no progress")
	ErrNodeCancelled     = errors.New("node cancelled")
)

// CycleError names the nodes that form a dependency cycle, in edge order.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	if len(e.Nodes) == 0 {
		return ErrCycle.Error()
	}
	path := append(append([]string(nil), e.Nodes...), e.Nodes[0])
	return fmt.Sprintf("%s: %s", ErrCycle, strings.Join(path, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCycle }

// Code returns the structured error code.
func (e *CycleError) Code() types.ErrorCode { return types.ErrSchedulingCycle }

// UnknownDependencyError reports a dependency id with no matching node.
type UnknownDependencyError struct {
	Node       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("node %q depends on unknown node %q", e.Node, e.Dependency)
}

func (e *UnknownDependencyError) Is(target error) bool { return target == ErrUnknownDependency }

// Code returns the structured error code.
func (e *UnknownDependencyError) Code() types.ErrorCode { return types.ErrUnknownDependency }

// InvalidGraphError reports a structural problem other than cycles and unknown ids.
type InvalidGraphError struct {
	Reason string
}

func (e *InvalidGraphError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidGraph, e.Reason)
}

func (e *InvalidGraphError) Is(target error) bool { return target == ErrInvalidGraph }

// Code returns the structured error code.
func (e *InvalidGraphError) Code() types.ErrorCode { return types.ErrInvalidGraph }

// IsSchedulingError reports whether err is a fatal graph/scheduling error.
func IsSchedulingError(err error) bool {
	return errors.Is(err, ErrCycle) ||
		errors.Is(err, ErrUnknownDependency) ||
		errors.Is(err, ErrInvalidGraph) ||
		errors.Is(err, ErrNoProgress)
}
