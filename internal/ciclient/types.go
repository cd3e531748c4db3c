package ciclient

// JobStatus is the remote status string GitHub Actions reports for a
// workflow job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusWaiting    JobStatus = "waiting"
	StatusPending    JobStatus = "pending"
	StatusInProgress JobStatus = "in_progress"
)

// waitingStatuses is the fixed tuple Phase 2 queries, in order.
var waitingStatuses = []JobStatus{StatusQueued, StatusWaiting, StatusPending, StatusInProgress}

// Job is the transient representation of a single workflow job.
type Job struct {
	ID               uint64    `json:"id"`
	Status           JobStatus `json:"status"`
	Labels           []string  `json:"labels"`
	AssignedRunnerID *uint64   `json:"runner_id"`
}

// IsWaiting reports whether the job is in a status that still needs a
// runner: queued, waiting, or pending.
func (j Job) IsWaiting() bool {
	switch j.Status {
	case StatusQueued, StatusWaiting, StatusPending:
		return true
	default:
		return false
	}
}

// IsAssigned reports whether the job already has a runner bound to it.
func (j Job) IsAssigned() bool {
	return j.AssignedRunnerID != nil && *j.AssignedRunnerID != 0
}

// RunnerIdentity is the transient representation of a registered
// self-hosted runner, used only to resolve a name back to an id for
// deregistration.
type RunnerIdentity struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

type workflowRun struct {
	ID uint64 `json:"id"`
}

type workflowRunsResponse struct {
	WorkflowRuns []workflowRun `json:"workflow_runs"`
}

type jobsResponse struct {
	Jobs []Job `json:"jobs"`
}

type runnersResponse struct {
	Runners []RunnerIdentity `json:"runners"`
}

type registrationTokenResponse struct {
	Token string `json:"token"`
}
