// Package sandbox executes validated decompressor programs in isolated
// OS processes. Each run gets a fresh child with no inherited
// environment, hard resource ceilings applied before any submitted code
// executes, and a wall-clock timer independent of the CPU limit. The
// only channel back to the caller is a single JSON line carrying either
// the output bytes or an error tag — no interpreter or OS state crosses
// the boundary.
//
// This layer does not provide network or filesystem namespace
// isolation; that is expected from an outer deployment boundary.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jkaninda/arena/internal/domain"
	"github.com/jkaninda/arena/internal/validator"
)

// Limits constrains one sandboxed run. Zero values fall back to the
// runner's configured defaults.
type Limits struct {
	CPUSeconds     int           // RLIMIT_CPU for the child.
	MemoryMB       int           // RLIMIT_AS for the child, in MB.
	Timeout        time.Duration // Wall-clock ceiling, independent of CPU time.
	GracePeriod    time.Duration // SIGTERM-to-SIGKILL grace on timeout.
	MaxOutputBytes int           // Cap on decompressed output size.
}

// Result is a successful run.
type Result struct {
	Output  []byte
	Elapsed time.Duration // entry-point wall time measured inside the child
}

// Runner executes a validated program against input bytes. The single
// implementation spawns a Python child; the interface is the seam that
// keeps the pipeline portable across isolation backends.
type Runner interface {
	Run(ctx context.Context, prog *validator.AnalyzedProgram, input []byte, limits Limits) (*Result, error)
}

// ExecError is a submitter-caused failure inside the sandbox: a raised
// exception, a resource ceiling, a timeout kill, or a broken contract.
// It is a scoring outcome, never an operator alert.
type ExecError struct {
	Type    string // e.g. "TimeoutError", "MemoryError", "NameError"
	Message string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("sandbox: %s: %s", e.Type, e.Message)
}

// Code maps the failure to the client-visible error code.
func (e *ExecError) Code() string {
	switch e.Type {
	case "TimeoutError":
		return domain.CodeTimeout
	case "MemoryError":
		return domain.CodeMemory
	case "WrongReturnType":
		return domain.CodeWrongReturnType
	case "":
		return domain.CodeExecution
	default:
		return "DECOMPRESSION_" + e.Type
	}
}

// InfraError is an infrastructure failure: the isolated child could not
// be spawned or its result channel broke. Distinct from submitter
// errors; this is the category that should alert an operator.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("sandbox infrastructure: %s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }
