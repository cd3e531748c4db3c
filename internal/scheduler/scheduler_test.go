package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixci/runner-controller/internal/ciclient"
	"github.com/nixci/runner-controller/internal/driver"
	"github.com/nixci/runner-controller/internal/stateindex"
)

// fakeCI is an in-memory CIClient double. Jobs is consulted fresh on
// every ListWorkflowRuns/ListJobsForRun call so tests can mutate it
// between ticks to simulate a job being picked up or completing.
type fakeCI struct {
	mu             sync.Mutex
	jobs           []ciclient.Job
	mintErr        error
	deletedRunners []string
	deleteErr      error
}

func (f *fakeCI) MintRegistrationCredential(ctx context.Context) (string, error) {
	if f.mintErr != nil {
		return "", f.mintErr
	}
	return "one-shot-credential", nil
}

func (f *fakeCI) DeleteRunnerByName(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedRunners = append(f.deletedRunners, name)
	return f.deleteErr
}

func (f *fakeCI) ListWorkflowRuns(ctx context.Context, status ciclient.JobStatus) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// All fake jobs live under a single synthetic run per status so
	// gatherCandidates's two-level fan-out still exercises both calls.
	for _, j := range f.jobs {
		if j.Status == status {
			return []uint64{1}, nil
		}
	}
	return nil, nil
}

func (f *fakeCI) ListJobsForRun(ctx context.Context, runID uint64) ([]ciclient.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ciclient.Job, len(f.jobs))
	copy(out, f.jobs)
	return out, nil
}

// fakeDriver is an in-memory driver.Driver double. sandboxes and
// complete are keyed by sandbox name.
type fakeDriver struct {
	mu        sync.Mutex
	sandboxes map[string]uint64 // name -> jobID
	complete  map[string]bool
	launchErr error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		sandboxes: make(map[string]uint64),
		complete:  make(map[string]bool),
	}
}

func (d *fakeDriver) List(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sandboxes))
	for name := range d.sandboxes {
		out = append(out, name)
	}
	return out, nil
}

func (d *fakeDriver) IsComplete(ctx context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sandboxes[name]; !ok {
		return false, driver.ErrNotFound
	}
	return d.complete[name], nil
}

func (d *fakeDriver) Launch(ctx context.Context, jobID uint64, credential string) (string, error) {
	if d.launchErr != nil {
		return "", d.launchErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	name := driver.JobIDToName(jobID)
	if _, ok := d.sandboxes[name]; ok {
		return "", driver.ErrAlreadyExists
	}
	d.sandboxes[name] = jobID
	return name, nil
}

func (d *fakeDriver) Destroy(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sandboxes[name]; !ok {
		return driver.ErrNotFound
	}
	delete(d.sandboxes, name)
	delete(d.complete, name)
	return nil
}

func (d *fakeDriver) CountActive(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sandboxes), nil
}

func (d *fakeDriver) JobIDToName(jobID uint64) string {
	return driver.JobIDToName(jobID)
}

func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) markComplete(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.complete[name] = true
}

func newTestScheduler(t *testing.T, ci *fakeCI, drv *fakeDriver, maxConcurrent int) (*Scheduler, *stateindex.Index) {
	t.Helper()
	idx, err := stateindex.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	sched := New(Config{
		MaxConcurrent: maxConcurrent,
		PollInterval:  time.Hour, // irrelevant: tests call Tick directly
		JobTimeout:    time.Hour,
		RunnerLabels:  []string{"self-hosted", "ci", "nix", "x64", "Linux"},
	}, ci, drv, idx)
	return sched, idx
}

func TestSingleJobHappyPath(t *testing.T) {
	ci := &fakeCI{jobs: []ciclient.Job{
		{ID: 1, Status: ciclient.StatusQueued, Labels: []string{"self-hosted"}},
	}}
	drv := newFakeDriver()
	sched, idx := newTestScheduler(t, ci, drv, 7)

	sched.Tick(context.Background())

	entries, err := idx.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1), entries[0].Assignment.JobID)
	assert.Equal(t, "ci-runner-1", entries[0].Name)

	active, err := drv.CountActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestLabelMismatchIsSkipped(t *testing.T) {
	ci := &fakeCI{jobs: []ciclient.Job{
		{ID: 2, Status: ciclient.StatusQueued, Labels: []string{"self-hosted", "gpu"}},
	}}
	drv := newFakeDriver()
	sched, idx := newTestScheduler(t, ci, drv, 7)

	sched.Tick(context.Background())

	entries, err := idx.List()
	require.NoError(t, err)
	assert.Empty(t, entries, "a job requiring an unadvertised label must not be dispatched")

	active, err := drv.CountActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, active)
}

func TestConcurrencyCapStopsDispatch(t *testing.T) {
	ci := &fakeCI{jobs: []ciclient.Job{
		{ID: 10, Status: ciclient.StatusQueued, Labels: nil},
		{ID: 11, Status: ciclient.StatusQueued, Labels: nil},
		{ID: 12, Status: ciclient.StatusQueued, Labels: nil},
	}}
	drv := newFakeDriver()
	sched, idx := newTestScheduler(t, ci, drv, 2)

	sched.Tick(context.Background())

	entries, err := idx.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2, "dispatch must stop once the concurrency cap is reached")

	active, err := drv.CountActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, active)
}

func TestDispatchSkippedEntirelyWhenAlreadyAtCap(t *testing.T) {
	ci := &fakeCI{jobs: []ciclient.Job{
		{ID: 20, Status: ciclient.StatusQueued, Labels: nil},
	}}
	drv := newFakeDriver()
	sched, idx := newTestScheduler(t, ci, drv, 1)

	// Pre-fill the single slot with an unrelated, still-running sandbox.
	require.NoError(t, idx.Put("ci-runner-999", stateindex.Assignment{JobID: 999, StartedAt: time.Now().Unix()}))
	_, err := drv.Launch(context.Background(), 999, "cred")
	require.NoError(t, err)

	sched.Tick(context.Background())

	entries, err := idx.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no new sandbox should launch while already at the cap")
}

func TestOrphanSandboxIsReaped(t *testing.T) {
	ci := &fakeCI{}
	drv := newFakeDriver()
	sched, idx := newTestScheduler(t, ci, drv, 7)

	// A sandbox exists in the driver with no corresponding state entry,
	// simulating a crash between Launch and state.Put.
	_, err := drv.Launch(context.Background(), 5, "cred")
	require.NoError(t, err)

	sched.Tick(context.Background())

	active, err := drv.CountActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, active, "an orphaned sandbox with no state entry must be destroyed")

	entries, err := idx.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStaleStateEntryIsRemoved(t *testing.T) {
	ci := &fakeCI{}
	drv := newFakeDriver()
	sched, idx := newTestScheduler(t, ci, drv, 7)

	// A state entry exists for a sandbox the driver no longer reports.
	require.NoError(t, idx.Put("ci-runner-30", stateindex.Assignment{JobID: 30, StartedAt: time.Now().Unix()}))

	sched.Tick(context.Background())

	entries, err := idx.List()
	require.NoError(t, err)
	assert.Empty(t, entries, "a state entry whose sandbox no longer exists must be dropped")
}

func TestJobTimeoutForcesCleanup(t *testing.T) {
	ci := &fakeCI{}
	drv := newFakeDriver()
	sched, idx := newTestScheduler(t, ci, drv, 7)
	sched.cfg.JobTimeout = 30 * time.Minute

	_, err := drv.Launch(context.Background(), 40, "cred")
	require.NoError(t, err)
	// StartedAt far enough in the past to exceed JobTimeout.
	require.NoError(t, idx.Put("ci-runner-40", stateindex.Assignment{
		JobID:     40,
		StartedAt: time.Now().Add(-time.Hour).Unix(),
	}))

	sched.Tick(context.Background())

	active, err := drv.CountActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, active, "a sandbox running longer than JobTimeout must be force cleaned up")

	entries, err := idx.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCompletedSandboxIsReapedAndDeregistered(t *testing.T) {
	ci := &fakeCI{}
	drv := newFakeDriver()
	sched, idx := newTestScheduler(t, ci, drv, 7)

	_, err := drv.Launch(context.Background(), 50, "cred")
	require.NoError(t, err)
	require.NoError(t, idx.Put("ci-runner-50", stateindex.Assignment{JobID: 50, StartedAt: time.Now().Unix()}))
	drv.markComplete("ci-runner-50")

	sched.Tick(context.Background())

	active, err := drv.CountActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, active)

	entries, err := idx.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Contains(t, ci.deletedRunners, "ci-runner-50")
}

func TestAssignedJobIsNotDoubleLaunched(t *testing.T) {
	runnerID := uint64(777)
	ci := &fakeCI{jobs: []ciclient.Job{
		{ID: 60, Status: ciclient.StatusQueued, Labels: nil, AssignedRunnerID: &runnerID},
	}}
	drv := newFakeDriver()
	sched, idx := newTestScheduler(t, ci, drv, 7)

	sched.Tick(context.Background())

	entries, err := idx.List()
	require.NoError(t, err)
	assert.Empty(t, entries, "a job that already has a runner assigned must not be dispatched again")
}

func TestReconcileStartupCleansUpCompletedSandboxesFromPriorRun(t *testing.T) {
	ci := &fakeCI{}
	drv := newFakeDriver()
	sched, idx := newTestScheduler(t, ci, drv, 7)

	_, err := drv.Launch(context.Background(), 70, "cred")
	require.NoError(t, err)
	require.NoError(t, idx.Put("ci-runner-70", stateindex.Assignment{JobID: 70, StartedAt: time.Now().Unix()}))
	drv.markComplete("ci-runner-70")

	require.NoError(t, sched.ReconcileStartup(context.Background()))

	active, err := drv.CountActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, active)

	entries, err := idx.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDrainCleansUpEverythingAndClearsState(t *testing.T) {
	ci := &fakeCI{}
	drv := newFakeDriver()
	sched, idx := newTestScheduler(t, ci, drv, 7)

	_, err := drv.Launch(context.Background(), 80, "cred")
	require.NoError(t, err)
	require.NoError(t, idx.Put("ci-runner-80", stateindex.Assignment{JobID: 80, StartedAt: time.Now().Unix()}))
	_, err = drv.Launch(context.Background(), 81, "cred")
	require.NoError(t, err)
	require.NoError(t, idx.Put("ci-runner-81", stateindex.Assignment{JobID: 81, StartedAt: time.Now().Unix()}))

	require.NoError(t, sched.Drain(context.Background()))

	active, err := drv.CountActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, active)

	entries, err := idx.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.ElementsMatch(t, []string{"ci-runner-80", "ci-runner-81"}, ci.deletedRunners)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	ci := &fakeCI{}
	drv := newFakeDriver()
	sched, idx := newTestScheduler(t, ci, drv, 7)
	sched.cfg.PollInterval = 10 * time.Millisecond
	_ = idx

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sched.Run(ctx)
	assert.NoError(t, err)
}

func TestLabelsMatchSubsetRule(t *testing.T) {
	runnerLabels := []string{"self-hosted", "ci", "nix", "x64", "Linux"}

	assert.True(t, labelsMatch(nil, runnerLabels), "empty job labels always match")
	assert.True(t, labelsMatch([]string{"self-hosted", "nix"}, runnerLabels))
	assert.False(t, labelsMatch([]string{"self-hosted", "gpu"}, runnerLabels))
	assert.False(t, labelsMatch([]string{"windows"}, runnerLabels))
}
