// Package scheduler is the reconciling control loop: the hard part of
// the system. It treats three sources of truth (the remote CI job
// queue, the local sandbox inventory, and the durable state index)
// as inputs and drives them toward convergence under a concurrency
// cap, per-job timeouts, and partial failures.
//
// This is a close structural port of the reference implementation's
// listener.rs: ReconcileStartup/reap/dispatch/fullCleanup/Run/
// Drain map onto reconcile_on_startup/check_containers/
// process_queued_jobs/cleanup_container_full/run/shutdown. The
// tokio::select! race between the inter-tick sleep and the shutdown
// watch channel becomes a select over time.After and ctx.Done().
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nixci/runner-controller/internal/ciclient"
	"github.com/nixci/runner-controller/internal/driver"
	"github.com/nixci/runner-controller/internal/stateindex"
)

// CIClient is the subset of ciclient.Client the Scheduler depends on,
// narrowed to an interface so tests can supply a fake.
type CIClient interface {
	MintRegistrationCredential(ctx context.Context) (string, error)
	DeleteRunnerByName(ctx context.Context, name string) error
	ListWorkflowRuns(ctx context.Context, status ciclient.JobStatus) ([]uint64, error)
	ListJobsForRun(ctx context.Context, runID uint64) ([]ciclient.Job, error)
}

// StateIndex is the subset of stateindex.Index the Scheduler depends
// on, narrowed to an interface so tests can supply a fake.
type StateIndex interface {
	Put(name string, assignment stateindex.Assignment) error
	Get(name string) (stateindex.Assignment, bool, error)
	Remove(name string) error
	List() ([]stateindex.Entry, error)
	Clear() error
}

// nowFunc is overridable in tests; production code always uses
// time.Now.
var nowFunc = func() time.Time { return time.Now() }

// Config is the subset of parsed configuration the Scheduler needs.
type Config struct {
	MaxConcurrent int
	PollInterval  time.Duration
	JobTimeout    time.Duration
	RunnerLabels  []string
}

// Scheduler is the reconciling control loop. It is driven by exactly
// one goroutine (Run); there is no internal locking because there is
// exactly one writer to the state index and exactly one caller of the
// driver and CI client at a time.
type Scheduler struct {
	cfg    Config
	ci     CIClient
	driver driver.Driver
	state  StateIndex
}

// New constructs a Scheduler over the given collaborators.
func New(cfg Config, ci CIClient, d driver.Driver, state StateIndex) *Scheduler {
	return &Scheduler{cfg: cfg, ci: ci, driver: d, state: state}
}

// labelsMatch reports whether every job label is present in the
// runner's capability set (job labels subset runner labels). An empty
// job label set always matches.
func labelsMatch(jobLabels, runnerLabels []string) bool {
	runnerSet := make(map[string]struct{}, len(runnerLabels))
	for _, l := range runnerLabels {
		runnerSet[l] = struct{}{}
	}
	for _, l := range jobLabels {
		if _, ok := runnerSet[l]; !ok {
			return false
		}
	}
	return true
}

// ReconcileStartup runs once before the tick loop starts. It restores
// the invariant "live sandbox <=> state entry, for non-completed
// sandboxes" no matter what the previous instance left behind.
func (s *Scheduler) ReconcileStartup(ctx context.Context) error {
	log.Info().Msg("reconciling state on startup")

	live, err := s.driver.List(ctx)
	if err != nil {
		return fmt.Errorf("list sandboxes: %w", err)
	}

	liveSet := make(map[string]struct{}, len(live))
	for _, name := range live {
		liveSet[name] = struct{}{}

		complete, err := s.driver.IsComplete(ctx, name)
		switch {
		case err != nil:
			log.Warn().Str("name", name).Err(err).Msg("failed to check sandbox, cleaning up")
			s.fullCleanup(ctx, name)
		case complete:
			log.Info().Str("name", name).Msg("cleaning up completed sandbox from previous run")
			s.fullCleanup(ctx, name)
		default:
			log.Info().Str("name", name).Msg("sandbox still active")
		}
	}

	entries, err := s.state.List()
	if err != nil {
		return fmt.Errorf("list state index: %w", err)
	}
	for _, e := range entries {
		if _, ok := liveSet[e.Name]; !ok {
			log.Info().Str("name", e.Name).Msg("removing stale state entry")
			if err := s.state.Remove(e.Name); err != nil {
				log.Error().Str("name", e.Name).Err(err).Msg("failed to remove stale state entry")
			}
		}
	}

	return nil
}

// Tick runs one iteration: Phase 1 (reap) fully precedes Phase 2
// (dispatch), never concurrently with itself.
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.reap(ctx); err != nil {
		log.Warn().Err(err).Msg("error during reap phase")
	}
	if err := s.dispatch(ctx); err != nil {
		log.Warn().Err(err).Msg("error during dispatch phase")
	}
}

// reap is Phase 1: clean up completed, timed-out, and orphaned
// sandboxes, then drop any state entry whose sandbox no longer exists.
func (s *Scheduler) reap(ctx context.Context) error {
	live, err := s.driver.List(ctx)
	if err != nil {
		return fmt.Errorf("list sandboxes: %w", err)
	}

	liveSet := make(map[string]struct{}, len(live))
	for _, name := range live {
		liveSet[name] = struct{}{}

		complete, err := s.driver.IsComplete(ctx, name)
		if err != nil {
			log.Warn().Str("name", name).Err(err).Msg("failed to check sandbox completion")
			continue
		}
		if complete {
			log.Info().Str("name", name).Msg("sandbox runner completed")
			s.fullCleanup(ctx, name)
			continue
		}

		assignment, found, err := s.state.Get(name)
		if err != nil {
			log.Error().Str("name", name).Err(err).Msg("failed to read state entry")
			continue
		}
		if !found {
			log.Warn().Str("name", name).Msg("orphaned sandbox (no state entry), cleaning up")
			s.fullCleanup(ctx, name)
			continue
		}

		runningFor := nowFunc().Unix() - assignment.StartedAt
		if runningFor > int64(s.cfg.JobTimeout.Seconds()) {
			log.Warn().
				Str("name", name).
				Int64("running_seconds", runningFor).
				Float64("timeout_seconds", s.cfg.JobTimeout.Seconds()).
				Msg("sandbox exceeded timeout, force cleaning up")
			s.fullCleanup(ctx, name)
		}
	}

	entries, err := s.state.List()
	if err != nil {
		return fmt.Errorf("list state index: %w", err)
	}
	for _, e := range entries {
		if _, ok := liveSet[e.Name]; !ok {
			log.Info().Str("name", e.Name).Msg("removing stale state entry (sandbox no longer exists)")
			if err := s.state.Remove(e.Name); err != nil {
				log.Error().Str("name", e.Name).Err(err).Msg("failed to remove stale state entry")
			}
		}
	}

	return nil
}

// dispatch is Phase 2: gather eligible waiting jobs and launch
// sandboxes for them up to the concurrency cap, first-eligible-wins,
// no prioritization.
func (s *Scheduler) dispatch(ctx context.Context) error {
	active, err := s.driver.CountActive(ctx)
	if err != nil {
		return fmt.Errorf("count active sandboxes: %w", err)
	}
	if active >= s.cfg.MaxConcurrent {
		log.Debug().Int("active", active).Int("max", s.cfg.MaxConcurrent).Msg("at max concurrency, skipping dispatch")
		return nil
	}

	candidates := s.gatherCandidates(ctx)

	existing, err := s.driver.List(ctx)
	if err != nil {
		return fmt.Errorf("list sandboxes: %w", err)
	}
	existingSet := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		existingSet[name] = struct{}{}
	}

	for _, job := range candidates {
		current, err := s.driver.CountActive(ctx)
		if err != nil {
			return fmt.Errorf("count active sandboxes: %w", err)
		}
		if current >= s.cfg.MaxConcurrent {
			log.Debug().Msg("at max concurrency, stopping dispatch")
			break
		}

		if job.IsAssigned() {
			continue
		}
		if !job.IsWaiting() {
			continue
		}
		if !labelsMatch(job.Labels, s.cfg.RunnerLabels) {
			log.Debug().Uint64("job_id", job.ID).Strs("labels", job.Labels).Msg("job labels don't match runner labels")
			continue
		}

		name := s.driver.JobIDToName(job.ID)
		if _, ok := existingSet[name]; ok {
			log.Debug().Uint64("job_id", job.ID).Str("name", name).Msg("sandbox already exists")
			continue
		}
		if _, found, err := s.state.Get(name); err == nil && found {
			log.Debug().Uint64("job_id", job.ID).Str("name", name).Msg("state entry already exists")
			continue
		}

		if err := s.launch(ctx, job.ID); err != nil {
			log.Warn().Uint64("job_id", job.ID).Err(err).Msg("failed to launch sandbox")
			continue
		}
		log.Info().Uint64("job_id", job.ID).Str("name", name).Msg("sandbox launched")
	}

	return nil
}

// gatherCandidates collects jobs from every waiting-ish run status.
// Per-status and per-run failures are logged at debug and skipped;
// partial visibility must not block dispatch.
func (s *Scheduler) gatherCandidates(ctx context.Context) []ciclient.Job {
	var jobs []ciclient.Job

	for _, status := range ciclient.WaitingStatuses() {
		runs, err := s.ci.ListWorkflowRuns(ctx, status)
		if err != nil {
			log.Debug().Str("status", string(status)).Err(err).Msg("failed to list workflow runs")
			continue
		}
		for _, runID := range runs {
			runJobs, err := s.ci.ListJobsForRun(ctx, runID)
			if err != nil {
				log.Debug().Uint64("run_id", runID).Err(err).Msg("failed to list jobs for run")
				continue
			}
			jobs = append(jobs, runJobs...)
		}
	}

	return jobs
}

// launch mints a fresh registration credential, launches a sandbox for
// jobID, and records the assignment.
func (s *Scheduler) launch(ctx context.Context, jobID uint64) error {
	credential, err := s.ci.MintRegistrationCredential(ctx)
	if err != nil {
		return fmt.Errorf("mint registration credential: %w", err)
	}

	name, err := s.driver.Launch(ctx, jobID, credential)
	if err != nil {
		return fmt.Errorf("launch sandbox: %w", err)
	}

	assignment := stateindex.Assignment{JobID: jobID, StartedAt: nowFunc().Unix()}
	if err := s.state.Put(name, assignment); err != nil {
		return fmt.Errorf("record assignment for %s: %w", name, err)
	}
	return nil
}

// fullCleanup is the three-step deregister/destroy/remove sequence.
// CI deregister failures are logged and ignored so local state never
// leaks because of a remote hiccup; driver/state failures are
// surfaced via logging but do not abort the remaining steps, so a
// retried cleanup always reaches a clean terminal state.
func (s *Scheduler) fullCleanup(ctx context.Context, name string) {
	if err := s.ci.DeleteRunnerByName(ctx, name); err != nil {
		log.Warn().Str("name", name).Err(err).Msg("failed to deregister runner from CI service")
	}

	if err := s.driver.Destroy(ctx, name); err != nil && !errors.Is(err, driver.ErrNotFound) {
		log.Error().Str("name", name).Err(err).Msg("failed to destroy sandbox")
	}

	if err := s.state.Remove(name); err != nil {
		log.Error().Str("name", name).Err(err).Msg("failed to remove state entry")
	}
}

// Run executes ReconcileStartup and then ticks forever until ctx is
// canceled, sleeping PollInterval between ticks unless the context is
// canceled first.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Int("max_concurrent", s.cfg.MaxConcurrent).
		Msg("scheduler starting")

	if err := s.ReconcileStartup(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	for {
		if ctx.Err() != nil {
			log.Info().Msg("shutdown signal received")
			return nil
		}

		// Shutdown does not abort the tick's in-flight CI or driver
		// calls; the loop exits at the next cancellation check.
		s.Tick(context.WithoutCancel(ctx))

		select {
		case <-time.After(s.cfg.PollInterval):
		case <-ctx.Done():
			log.Info().Msg("shutdown signal received during sleep")
			return nil
		}
	}
}

// Drain enumerates every live sandbox, full-cleans each one (errors
// logged, continuing through the rest), then clears the state index.
// Drain is synchronous with process exit. Its calls use the ctx it is
// given; main passes a fresh context derived from context.Background()
// so the already-canceled shutdown context cannot abort cleanup calls.
func (s *Scheduler) Drain(ctx context.Context) error {
	log.Info().Msg("draining: cleaning up all sandboxes")

	live, err := s.driver.List(ctx)
	if err != nil {
		return fmt.Errorf("list sandboxes: %w", err)
	}
	log.Info().Int("count", len(live)).Msg("sandboxes to clean up")

	for _, name := range live {
		log.Info().Str("name", name).Msg("cleaning up sandbox on shutdown")
		s.fullCleanup(ctx, name)
	}

	if err := s.state.Clear(); err != nil {
		return fmt.Errorf("clear state index: %w", err)
	}

	log.Info().Msg("drain complete")
	return nil
}
