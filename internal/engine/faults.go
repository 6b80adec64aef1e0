package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/toolbridge/internal/mcp"
)

// Stage identifies the resolution phase a fatal fault occurred in.
type Stage string

const (
	// StageSession covers MCP session establishment and release.
	StageSession Stage = "session"

	// StageListTools covers tool catalog retrieval.
	StageListTools Stage = "list_tools"

	// StageCompletion covers LLM completion requests.
	StageCompletion Stage = "completion"

	// StageQuery covers faults not attributable to a more specific phase.
	StageQuery Stage = "query"
)

// Fault is one fatal failure collected while resolving a query.
type Fault struct {
	Stage Stage
	Err   error
}

// QueryError aggregates every fatal fault of a failed query. A single query
// can surface multiple faults when session release fails on top of the
// failure that aborted resolution.
type QueryError struct {
	Faults []Fault
}

// Error lists each fault with its stage.
func (e *QueryError) Error() string {
	if len(e.Faults) == 1 {
		return fmt.Sprintf("query failed: %s: %v", e.Faults[0].Stage, e.Faults[0].Err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "query failed with %d faults:", len(e.Faults))
	for _, f := range e.Faults {
		fmt.Fprintf(&sb, "\n  %s: %v", f.Stage, f.Err)
	}
	return sb.String()
}

// Unwrap exposes the underlying fault errors so errors.Is/As see through the
// aggregate.
func (e *QueryError) Unwrap() []error {
	errs := make([]error, len(e.Faults))
	for i, f := range e.Faults {
		errs[i] = f.Err
	}
	return errs
}

// stageFault tags an error with the resolution stage it occurred in. It is
// internal: ProcessQuery flattens stage faults into [Fault] records before
// returning a [*QueryError].
type stageFault struct {
	stage Stage
	err   error
}

func (f *stageFault) Error() string { return string(f.stage) + ": " + f.err.Error() }
func (f *stageFault) Unwrap() error { return f.err }

// newQueryError flattens the error tree returned by a failed query into a
// [*QueryError]. Joined errors (errors.Join trees emitted by session cleanup)
// are walked recursively; each leaf is classified by its type.
func newQueryError(err error) *QueryError {
	return &QueryError{Faults: flatten(err)}
}

func flatten(err error) []Fault {
	if err == nil {
		return nil
	}
	if sf, ok := err.(*stageFault); ok {
		return []Fault{{Stage: sf.stage, Err: sf.err}}
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var faults []Fault
		for _, e := range joined.Unwrap() {
			faults = append(faults, flatten(e)...)
		}
		return faults
	}
	return []Fault{{Stage: classify(err), Err: err}}
}

// classify maps a leaf error to its stage by type.
func classify(err error) Stage {
	var cerr *mcp.ConnectivityError
	if errors.As(err, &cerr) {
		return StageSession
	}
	return StageQuery
}
