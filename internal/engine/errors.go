package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stratus-iac/stratus/internal/ir"
)

// UnresolvedReferenceError reports a reference to a node or attribute that
// does not exist in the graph.
type UnresolvedReferenceError struct {
	Addr string // the referencing node
	Ref  string // the dangling reference
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("%s references %q, which does not exist", e.Addr, e.Ref)
}

// CyclicDependencyError reports a dependency cycle, naming its members.
type CyclicDependencyError struct {
	Members []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Members, " -> "))
}

// DuplicateNodeError reports two declarations with the same identity.
type DuplicateNodeError struct {
	Addr string
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("duplicate resource identity %s", e.Addr)
}

// IsConfigError reports whether err is a fatal configuration error: a cycle,
// a duplicate identity, or an unresolved reference. Nothing is executed when
// one of these is raised.
func IsConfigError(err error) bool {
	var unres *UnresolvedReferenceError
	var cyc *CyclicDependencyError
	var dup *DuplicateNodeError
	return errors.As(err, &unres) || errors.As(err, &cyc) || errors.As(err, &dup)
}

// PreventDestroyError rejects a whole plan because a node marked
// prevent_destroy would be deleted or replaced. No change set is produced.
type PreventDestroyError struct {
	Addr   string
	Action ir.Action
}

func (e *PreventDestroyError) Error() string {
	return fmt.Sprintf("resource %s has prevent_destroy set but the plan requires %s", e.Addr, e.Action)
}

// UpstreamFailureError marks an entry skipped because something it depends on
// failed. It is reported, never retried automatically.
type UpstreamFailureError struct {
	Addr     string
	Upstream string
}

func (e *UpstreamFailureError) Error() string {
	return fmt.Sprintf("%s not applied: upstream dependency %s failed", e.Addr, e.Upstream)
}

// ApplyError records one entry's failure during apply. Provider errors are
// surfaced verbatim via Unwrap.
type ApplyError struct {
	Addr   string
	Action ir.Action
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.Addr, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}
