package job

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

// CompletionEvent is published exactly once per job, when that job reaches
// a terminal status. WasStopped is true iff the completion resulted from
// an explicit Stop that returned success; Err is set instead when the
// reaper itself failed to observe the child's termination.
type CompletionEvent struct {
	JobID      uuid.UUID
	WasStopped bool
	Err        error
}

// CgroupHandle is the subset of resources.CgroupConfig that Job needs:
// the directory fd to place the child into at spawn time, and teardown
// once the job is reaped. Declared here, rather than importing the
// resources package directly, to keep job dependency-light; resources.
// CgroupConfig satisfies it.
type CgroupHandle interface {
	FD() int
	Delete() error
}

// JobInfo is the snapshot returned by Query: a human status string, the
// pid, the exit code (present only when the status is Exited with a known
// code), and the command that was started.
type JobInfo struct {
	Status   string
	PID      int
	ExitCode *int
	Command  Command
}

// Job is one running or finished command: its identity, owner, pid, log
// path, and shared status. Jobs are created by worker.Worker.Start through
// New, which is exported and so can also be called by other importers of
// this package.
type Job struct {
	id      uuid.UUID
	command Command
	ownerID uuid.UUID
	logPath string

	status *SharedStatus

	mu     sync.Mutex // guards pid and cmd, set once at Start
	pid    int
	cmd    *exec.Cmd
	cgroup CgroupHandle

	once   sync.Once
	events chan<- CompletionEvent
}

// New constructs a Job in UnknownState. events is the worker's completion
// channel; this job's lifetime contributes at most one send to it.
func New(id, ownerID uuid.UUID, command Command, logPath string, events chan<- CompletionEvent) *Job {
	return &Job{
		id:      id,
		command: command,
		ownerID: ownerID,
		logPath: logPath,
		status:  NewSharedStatus(),
		events:  events,
	}
}

// ID returns the job's identifier.
func (j *Job) ID() uuid.UUID { return j.id }

// OwnerID returns the owner identifier the job was started with.
func (j *Job) OwnerID() uuid.UUID { return j.ownerID }

// Command returns the command the job was started with.
func (j *Job) Command() Command { return j.command }

// Status returns the job's current shared status.
func (j *Job) Status() Status { return j.status.Get() }

// Start spawns the child with both stdout and stderr set to logFile. When
// cgroup is non-nil the child is placed into that cgroup atomically via
// SysProcAttr.CgroupFD/UseCgroupFD before it execs, which is this
// platform's equivalent of the fork-then-add_process-then-execv detour: a
// clone3 CLONE_INTO_CGROUP spawn leaves no window where the child runs
// outside its target cgroup.
func (j *Job) Start(logFile *os.File, cgroup CgroupHandle) error {
	cmd := exec.Command(j.command.name, j.command.args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	if cgroup != nil {
		cmd.SysProcAttr.CgroupFD = cgroup.FD()
		cmd.SysProcAttr.UseCgroupFD = true
	}

	if err := cmd.Start(); err != nil {
		return NewStartError(fmt.Sprintf("failed to spawn child process: %v", err), err)
	}

	j.mu.Lock()
	j.cmd = cmd
	j.pid = cmd.Process.Pid
	j.cgroup = cgroup
	j.mu.Unlock()

	j.status.Set(Running)
	return nil
}

// PID returns the spawned child's process id. Zero before Start succeeds.
func (j *Job) PID() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pid
}

// Stop sends SIGTERM (graceful) or SIGKILL (!graceful) directly to the
// job's process group — never through a shell — and, on success,
// publishes this job's completion event with WasStopped true. The child
// is started with Setpgid, so signaling -pid reaches any grandchildren it
// spawned (e.g. a shell script's own children) along with the child
// itself. On failure it returns a StopError whose message embeds the
// signal's errno short name (e.g. ESRCH for a process group that has
// already exited) and does not publish.
func (j *Job) Stop(graceful bool) error {
	kind := StopKill
	sig := syscall.SIGKILL
	if graceful {
		kind = StopTerm
		sig = syscall.SIGTERM
	}

	pid := j.PID()
	if err := syscall.Kill(-pid, sig); err != nil {
		return NewStopError(
			fmt.Sprintf("failed to send SIG%s to job: %s", strings.ToUpper(kind.String()), errnoShortName(err)),
			err,
		)
	}

	j.status.SetIfNotTerminal(Stopped(kind))
	j.publish(CompletionEvent{JobID: j.id, WasStopped: true})
	return nil
}

// Query snapshots the current status into a JobInfo.
func (j *Job) Query() JobInfo {
	st := j.status.Get()
	var ec *int
	if code, ok := st.ExitCode(); ok {
		ec = &code
	}
	return JobInfo{
		Status:   st.String(),
		PID:      j.PID(),
		ExitCode: ec,
		Command:  j.command,
	}
}

// LogReader is an independent, read-only handle on a job's log file.
// Concurrent LogReaders over the same file, and over a file the child is
// still actively writing to, are both safe.
type LogReader struct {
	*bufio.Reader
	f *os.File
}

// Close releases the underlying file handle.
func (r *LogReader) Close() error { return r.f.Close() }

// Stream opens the job's log file for read from the start and returns a
// buffered, independent reader over it.
func (j *Job) Stream() (*LogReader, error) {
	f, err := os.Open(j.logPath)
	if err != nil {
		return nil, NewStreamError(fmt.Sprintf("failed to open log file: %v", err), err)
	}
	return &LogReader{Reader: bufio.NewReader(f), f: f}, nil
}

// Wait blocks until the child exits, then — unless an explicit Stop
// already recorded a terminal status — records Exited(code) and publishes
// this job's completion event with WasStopped false. Runs on a reaper
// goroutine; never the caller of Start or Stop.
func (j *Job) Wait() {
	j.mu.Lock()
	cmd := j.cmd
	j.mu.Unlock()

	waitErr := cmd.Wait()

	if j.cgroup != nil {
		if err := j.cgroup.Delete(); err != nil {
			slog.Warn("failed to delete job cgroup", "job_id", j.id, "error", err)
		}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			j.publish(CompletionEvent{
				JobID: j.id,
				Err:   NewError(j.id.String(), fmt.Sprintf("child process failed: %v", waitErr)),
			})
			return
		}
		// ExitCode is -1 when the child was ended by a signal, in which
		// case the kernel reported no exit code.
		var ec *int
		if code := exitErr.ExitCode(); code >= 0 {
			ec = &code
		}
		applied := j.status.SetIfNotTerminal(Exited(ec))
		j.publish(CompletionEvent{JobID: j.id, WasStopped: !applied})
		return
	}

	code := 0
	applied := j.status.SetIfNotTerminal(Exited(&code))
	j.publish(CompletionEvent{JobID: j.id, WasStopped: !applied})
}

// publish delivers ev to the completion channel exactly once for this
// job's lifetime, regardless of whether Stop or Wait calls it first.
func (j *Job) publish(ev CompletionEvent) {
	j.once.Do(func() {
		j.events <- ev
	})
}

// errnoShortName renders err as its POSIX errno short name (e.g. "ESRCH")
// when it is a syscall.Errno, falling back to its default message.
func errnoShortName(err error) string {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ESRCH:
			return "ESRCH"
		case syscall.EPERM:
			return "EPERM"
		case syscall.EINVAL:
			return "EINVAL"
		default:
			return errno.Error()
		}
	}
	return err.Error()
}
