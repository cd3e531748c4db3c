// Package driver defines the abstraction the Scheduler consumes to
// launch, enumerate, inspect, and destroy sandboxes. The Scheduler
// makes no assumption about the backend beyond this interface: no
// shared filesystem, no IPC between controller and sandbox.
//
// This is a deliberately smaller surface than a general-purpose
// sandbox driver: each sandbox here is one-shot (register with the CI
// service, run exactly one job, exit), so there is no Connect/exec/
// filesystem API. Nothing in this system ever talks back to a
// running sandbox.
package driver

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors every Driver implementation returns for the cases
// the Scheduler distinguishes.
var (
	// ErrNotFound indicates the requested sandbox does not exist.
	// Destroy must treat this as success (idempotent).
	ErrNotFound = errors.New("driver: sandbox not found")

	// ErrAlreadyExists indicates Launch was called twice for the same
	// job id and the backend refused the second create.
	ErrAlreadyExists = errors.New("driver: sandbox already exists")
)

// Driver is the abstraction interface for sandbox backends.
// Implementations must be safe for concurrent use, though the
// Scheduler itself only ever calls it from one goroutine at a time.
type Driver interface {
	// List returns the names of every sandbox currently live on the
	// host, as observed by the driver.
	List(ctx context.Context) ([]string, error)

	// IsComplete reports whether the runner process inside the named
	// sandbox has exited, whether the job finished or the process
	// crashed. Returns ErrNotFound if the sandbox no longer exists.
	IsComplete(ctx context.Context, name string) (bool, error)

	// Launch creates and starts a sandbox named JobIDToName(jobID),
	// pre-seeded with credential so it can self-register with the CI
	// service. Calling Launch twice with the same job id either
	// returns ErrAlreadyExists on the second call, or succeeds both
	// times returning the same name.
	Launch(ctx context.Context, jobID uint64, credential string) (name string, err error)

	// Destroy stops and removes the named sandbox. Idempotent: an
	// absent name is success.
	Destroy(ctx context.Context, name string) error

	// CountActive is equivalent to len(List(ctx)) but is a distinct
	// entry point so drivers may cache it.
	CountActive(ctx context.Context) (int, error)

	// JobIDToName is the pure, deterministic mapping from a job id to
	// the sandbox name the controller will use for it.
	JobIDToName(jobID uint64) string

	// Close releases any resources held by the driver itself.
	Close() error
}

// NamePrefix is the fixed prefix of the derived identity rule:
// name = "ci-runner-" ++ decimal(job_id). It is exported so both the
// interface docs and every implementation anchor on one constant.
const NamePrefix = "ci-runner-"

// JobIDToName is the shared pure mapping implementations should use so
// that the derived identity rule is consistent across drivers.
func JobIDToName(jobID uint64) string {
	return fmt.Sprintf("%s%d", NamePrefix, jobID)
}
