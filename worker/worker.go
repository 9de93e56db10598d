// Package worker provides Worker, the façade that owns the job registry,
// the reaper pool, the completion channel, and the log directory, and
// exposes the four lifecycle operations: start, stop, query, stream.
package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/rfultz/jobexec/job"
	"github.com/rfultz/jobexec/logging"
	"github.com/rfultz/jobexec/resources"
)

// logOnce ensures logging.Init runs exactly once per process no matter how
// many Workers an embedder constructs, the same call-once-at-startup
// contract the teacher's cmd/ entry points give it, now discharged by the
// library itself since this library ships no entry point of its own.
var logOnce sync.Once

// CompletionEvent is re-exported from job to keep worker as the single
// import callers need for the full lifecycle API; job.CompletionEvent is
// defined in the lower-level package to avoid a worker<->job import cycle.
type CompletionEvent = job.CompletionEvent

// Config enumerates the two recognised construction options: where log
// files are created, and the size of the reaper pool (which also sizes
// the completion channel).
type Config struct {
	// LogDir is created recursively if it does not already exist.
	LogDir string
	// ThreadCount sizes the reaper pool and the completion channel.
	// Defaults to 1 if zero or negative.
	ThreadCount int
}

// Worker manages a set of jobs on behalf of many owners. All methods are
// safe to call concurrently from any goroutine.
type Worker struct {
	logDir string

	mu   sync.RWMutex
	jobs map[uuid.UUID]*job.Job // append-only for the worker's lifetime

	events chan job.CompletionEvent
	reaper *reaperPool
}

// New constructs a Worker, creating its log directory if necessary.
func New(cfg Config) (*Worker, error) {
	logOnce.Do(logging.Init)

	threadCount := cfg.ThreadCount
	if threadCount < 1 {
		threadCount = 1
	}

	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, job.NewWorkerError(fmt.Sprintf("failed to create log directory: %v", err), err)
	}

	return &Worker{
		logDir: cfg.LogDir,
		jobs:   make(map[uuid.UUID]*job.Job),
		events: make(chan job.CompletionEvent, threadCount),
		reaper: newReaperPool(threadCount),
	}, nil
}

// Start spawns command on behalf of ownerID and returns the new job's id.
// When cgroup is non-nil, the child is placed into that cgroup before it
// begins executing (see job.Job.Start).
func (w *Worker) Start(command job.Command, ownerID uuid.UUID, cgroup *resources.CgroupConfig) (uuid.UUID, error) {
	jobID := uuid.New()
	logPath := filepath.Join(w.logDir, fmt.Sprintf("%s_%s.log", command.Name(), jobID))

	logFile, err := os.Create(logPath)
	if err != nil {
		return uuid.Nil, job.NewStartError(fmt.Sprintf("failed to create log file: %v", err), err)
	}

	if cgroup != nil {
		if err := cgroup.Init(command.Name(), jobID); err != nil {
			logFile.Close()
			os.Remove(logPath)
			return uuid.Nil, job.NewStartError(fmt.Sprintf("failed to initialize cgroup: %v", err), err)
		}
	}

	j := job.New(jobID, ownerID, command, logPath, w.events)

	var cgroupHandle job.CgroupHandle
	if cgroup != nil {
		cgroupHandle = cgroup
	}

	startErr := j.Start(logFile, cgroupHandle)
	// The child (if spawned) received its own duplicated descriptor; the
	// parent's handle is no longer needed either way.
	logFile.Close()
	if startErr != nil {
		os.Remove(logPath)
		if cgroup != nil {
			cgroup.Delete()
		}
		return uuid.Nil, startErr
	}

	w.mu.Lock()
	w.jobs[jobID] = j
	w.mu.Unlock()

	w.reaper.Submit(jobID, j.PID(), j.Wait)

	return jobID, nil
}

// lookup returns the job for (id, owner), rejecting both an unknown id and
// a known id under a different owner indistinguishably.
func (w *Worker) lookup(id, owner uuid.UUID) (*job.Job, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	j, ok := w.jobs[id]
	if !ok || j.OwnerID() != owner {
		return nil, false
	}
	return j, true
}

func notFoundMessage(id uuid.UUID) string {
	return fmt.Sprintf("no job with id %s found for user", id)
}

// Stop sends a stop signal to the job: SIGTERM if graceful, else SIGKILL.
func (w *Worker) Stop(id, owner uuid.UUID, graceful bool) error {
	j, ok := w.lookup(id, owner)
	if !ok {
		return job.NewStopError(notFoundMessage(id), nil)
	}
	return j.Stop(graceful)
}

// Query snapshots a job's status, pid, exit code, and command.
func (w *Worker) Query(id, owner uuid.UUID) (job.JobInfo, error) {
	j, ok := w.lookup(id, owner)
	if !ok {
		return job.JobInfo{}, job.NewQueryError(notFoundMessage(id))
	}
	return j.Query(), nil
}

// Stream opens the job's log file for read from the start.
func (w *Worker) Stream(id, owner uuid.UUID) (*job.LogReader, error) {
	j, ok := w.lookup(id, owner)
	if !ok {
		return nil, job.NewStreamError(notFoundMessage(id), nil)
	}
	return j.Stream()
}

// NotifyReceiver returns the completion channel. Every completion is
// delivered to exactly one receive on it; Go channels are natively
// multi-consumer, so every caller of NotifyReceiver shares the same
// underlying queue rather than getting an independent clone.
func (w *Worker) NotifyReceiver() <-chan job.CompletionEvent {
	return w.events
}

// Close waits for the reaper pool to drain outstanding jobs, then closes
// the completion channel. It does not stop running jobs; call Stop on
// each job first if an orderly shutdown requires that.
func (w *Worker) Close() {
	w.reaper.Close()
	close(w.events)
}
