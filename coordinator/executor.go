package coordinator

import (
	"context"
	"sync"

	"github.com/threadloom/loom/channel"
)

// executor is the fixed-size worker pool that drains submitted requests.
//
// The task queue is an unbounded Channel, which gives submit its non-blocking semantics and shutdown its
// drain-then-stop semantics: closing the queue wakes all idle workers, while already queued tasks still run before
// the workers exit (the tasks themselves observe the shutdown through the Coordinator's context and fail fast).
type executor struct {
	// tasks is the queue of pending tasks.
	tasks *channel.Channel[func()]

	// shutdownComplete is released once all workers have exited.
	shutdownComplete sync.WaitGroup
}

// newExecutor creates an executor with the given number of workers.
func newExecutor(workerCount int) (e *executor) {
	e = &executor{
		tasks: channel.New[func()](),
	}

	e.shutdownComplete.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go e.worker()
	}

	return e
}

// submit enqueues the given task for execution. It reports false if the executor was already shut down.
func (e *executor) submit(task func()) (submitted bool) {
	accepted, err := e.tasks.Offer(task)

	return err == nil && accepted
}

// shutdown stops the executor, running all queued tasks before it returns.
func (e *executor) shutdown() {
	e.tasks.Close()
	e.shutdownComplete.Wait()
}

// worker runs queued tasks until the queue is closed and drained.
func (e *executor) worker() {
	defer e.shutdownComplete.Done()

	for {
		task, valid, err := e.tasks.Take(context.Background())
		if err != nil || !valid {
			return
		}

		task()
	}
}
