package worker_test

import (
	"io"
	"testing"

	"github.com/google/uuid"

	"github.com/rfultz/jobexec/job"
	"github.com/rfultz/jobexec/testutil"
)

func readAll(t *testing.T, r *job.LogReader) string {
	t.Helper()
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	return string(data)
}

// TestScenarioEchoHelloWorld covers spec §8 scenario 1.
func TestScenarioEchoHelloWorld(t *testing.T) {
	w, _ := newTestWorker(t)
	owner := uuid.New()

	jobID, err := w.Start(job.NewCommand("echo", "hello world"), owner, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForCompletion(t, w)

	info, err := w.Query(jobID, owner)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if info.ExitCode == nil || *info.ExitCode != 0 {
		t.Fatalf("expected Exited(0), got %+v", info)
	}

	r, err := w.Stream(jobID, owner)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if got := readAll(t, r); got != "hello world\n" {
		t.Fatalf("unexpected log contents: %q", got)
	}
}

// TestScenarioShellError covers spec §8 scenario 2.
func TestScenarioShellError(t *testing.T) {
	w, _ := newTestWorker(t)
	owner := uuid.New()

	script := testutil.ScriptPath(t, "error.sh")
	jobID, err := w.Start(job.NewCommand("sh", script), owner, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForCompletion(t, w)

	info, err := w.Query(jobID, owner)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if info.ExitCode == nil || *info.ExitCode != 127 {
		t.Fatalf("expected Exited(127), got %+v", info)
	}

	r, err := w.Stream(jobID, owner)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	want := script + ": 1: SET: not found\n"
	if got := readAll(t, r); got != want {
		t.Fatalf("unexpected log contents: %q, want %q", got, want)
	}
}

// TestScenarioMixedStreams covers spec §8 scenario 3.
func TestScenarioMixedStreams(t *testing.T) {
	w, _ := newTestWorker(t)
	owner := uuid.New()

	script := testutil.ScriptPath(t, "echo_and_error.sh")
	jobID, err := w.Start(job.NewCommand("sh", script), owner, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForCompletion(t, w)

	info, err := w.Query(jobID, owner)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if info.ExitCode == nil || *info.ExitCode != 127 {
		t.Fatalf("expected Exited(127), got %+v", info)
	}

	r, err := w.Stream(jobID, owner)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	want := "testing\none more\nstderr test\nback to stdout\n" + script + ": 5: SET: not found\n"
	if got := readAll(t, r); got != want {
		t.Fatalf("unexpected log contents: %q, want %q", got, want)
	}
}

// TestScenarioKillInfiniteLoop covers spec §8 scenario 4.
func TestScenarioKillInfiniteLoop(t *testing.T) {
	w, _ := newTestWorker(t)
	owner := uuid.New()

	script := testutil.ScriptPath(t, "infinite_loop.sh")
	jobID, err := w.Start(job.NewCommand("sh", script), owner, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	testutil.PollUntil(t, "job to be running", func() bool {
		info, err := w.Query(jobID, owner)
		return err == nil && info.Status == "Running"
	})

	if err := w.Stop(jobID, owner, false); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	ev := waitForCompletion(t, w)
	if ev.JobID != jobID || !ev.WasStopped {
		t.Fatalf("expected Ok((id, true)), got %+v", ev)
	}

	info, err := w.Query(jobID, owner)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if info.Status != "Killed" {
		t.Fatalf("expected status Killed, got %q", info.Status)
	}
}

// TestScenarioTermLongRuntime covers spec §8 scenario 5.
func TestScenarioTermLongRuntime(t *testing.T) {
	w, _ := newTestWorker(t)
	owner := uuid.New()

	script := testutil.ScriptPath(t, "long_runtime.sh")
	jobID, err := w.Start(job.NewCommand("sh", script), owner, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	testutil.PollUntil(t, "job to be running", func() bool {
		info, err := w.Query(jobID, owner)
		return err == nil && info.Status == "Running"
	})

	if err := w.Stop(jobID, owner, true); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitForCompletion(t, w)

	info, err := w.Query(jobID, owner)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if info.Status != "terminated" {
		t.Fatalf("expected status terminated, got %q", info.Status)
	}
}

// TestScenarioStopAfterExit covers spec §8 scenario 6.
func TestScenarioStopAfterExit(t *testing.T) {
	w, _ := newTestWorker(t)
	owner := uuid.New()

	jobID, err := w.Start(job.NewCommand("echo", "hello"), owner, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForCompletion(t, w)

	err = w.Stop(jobID, owner, false)
	if err == nil || err.Error() != "failed to send SIGKILL to job: ESRCH" {
		t.Fatalf("expected ESRCH stop error, got %v", err)
	}

	info, qerr := w.Query(jobID, owner)
	if qerr != nil {
		t.Fatalf("Query failed: %v", qerr)
	}
	if info.ExitCode == nil || *info.ExitCode != 0 {
		t.Fatalf("status changed by failed Stop: %+v", info)
	}
}

// Spec §8 scenario 7 is exercised in worker_test.go's
// TestQueryAndStopUnknownOrWrongOwner. TestScenarioUnknownIDLiteralMessage
// adds the literal-message assertion spec §6 calls for.
func TestScenarioUnknownIDLiteralMessage(t *testing.T) {
	w, _ := newTestWorker(t)
	owner := uuid.New()

	unknownID := uuid.New()
	_, err := w.Query(unknownID, owner)
	if err == nil {
		t.Fatal("expected error for unknown id")
	}
	want := "no job with id " + unknownID.String() + " found for user"
	if err.Error() != want {
		t.Fatalf("error = %q, want %q", err.Error(), want)
	}
}

// TestScenarioSpawnFailure covers spec §8 scenario 8.
func TestScenarioSpawnFailure(t *testing.T) {
	w, _ := newTestWorker(t)
	owner := uuid.New()

	_, err := w.Start(job.NewCommand("whatever-madeup-command"), owner, nil)
	if err == nil {
		t.Fatal("expected Start to fail")
	}
	if _, ok := err.(*job.StartError); !ok {
		t.Fatalf("expected *job.StartError, got %T", err)
	}
}
