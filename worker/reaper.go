package worker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// shutdownWatchdogDelay is how long Close waits for the reaper pool to
// drain before emitting a diagnostic. It does not force the drain; it is
// purely informational.
const shutdownWatchdogDelay = 30 * time.Second

// reapTask is one unit of work submitted to the reaper pool: block on a
// spawned child (fn) and, while it runs, remember which job/pid it
// belongs to so a stuck shutdown can be diagnosed.
type reapTask struct {
	jobID uuid.UUID
	pid   int
	fn    func()
}

// reaperPool is a fixed-size set of goroutines draining a task queue,
// exactly the bounded worker pool C5 describes: thread_count goroutines,
// each running submitted Job.Wait calls to completion.
type reaperPool struct {
	tasks chan reapTask
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[uuid.UUID]int
}

// newReaperPool starts n reaper goroutines. n is clamped to at least 1.
func newReaperPool(n int) *reaperPool {
	if n < 1 {
		n = 1
	}
	p := &reaperPool{
		tasks:    make(chan reapTask, n),
		inFlight: make(map[uuid.UUID]int),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.run()
	}
	return p
}

func (p *reaperPool) run() {
	defer p.wg.Done()
	for t := range p.tasks {
		t.fn()
		p.mu.Lock()
		delete(p.inFlight, t.jobID)
		p.mu.Unlock()
	}
}

// Submit enqueues a reap task. Blocks if every worker is busy and the
// queue (capacity = pool size) is full, which is the pool's only form of
// back-pressure on bursty starts.
func (p *reaperPool) Submit(jobID uuid.UUID, pid int, fn func()) {
	p.mu.Lock()
	p.inFlight[jobID] = pid
	p.mu.Unlock()
	p.tasks <- reapTask{jobID: jobID, pid: pid, fn: fn}
}

// Close stops accepting new tasks and waits for the pool to drain. A
// watchdog fires after shutdownWatchdogDelay and logs the jobs/pids still
// outstanding; it does not force the drain, it only diagnoses a slow one.
func (p *reaperPool) Close() {
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(shutdownWatchdogDelay):
		p.mu.Lock()
		outstanding := make(map[uuid.UUID]int, len(p.inFlight))
		for id, pid := range p.inFlight {
			outstanding[id] = pid
		}
		p.mu.Unlock()
		slog.Warn("reaper pool still draining after shutdown watchdog", "outstanding", outstanding)
		<-done
	}
}
