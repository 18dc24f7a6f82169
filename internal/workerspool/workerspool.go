// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a soft-bounded pool of goroutines, used by the backends to run
// ops (or chunks of an op) in parallel.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool of workers. Tasks are started in their own goroutines, as long as the number of running tasks
// is within the parallelism target.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	// The actual number of goroutines is higher than that -- because of waits and such.
	maxParallelism atomic.Int32

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int

	// extraParallelism is temporarily increased when a worker goes to sleep.
	extraParallelism atomic.Int32
}

// New returns a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{}
	w.maxParallelism.Store(int32(runtime.NumCPU()))
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (MaxParallelism() != 0).
func (w *Pool) IsEnabled() bool {
	return w.MaxParallelism() != 0
}

// IsUnlimited returns whether parallelism is unlimited (MaxParallelism() < 0).
func (w *Pool) IsUnlimited() bool {
	return w.MaxParallelism() < 0
}

// MaxParallelism is a soft-target for parallelism (the limit of goroutines is higher that this).
// If set to 0 parallelism is disabled.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return int(w.maxParallelism.Load())
}

// SetMaxParallelism sets the maxParallelism. Values below -1 are taken as -1 (unlimited).
//
// Tasks already running are not affected, but new tasks may wait longer (or shorter) to start.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism.Store(int32(max(maxParallelism, -1)))
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
}

// NumRunning returns the number of tasks currently running, started by WaitToStart, StartIfAvailable
// or Saturate. Tasks started when parallelism is unlimited are not counted.
func (w *Pool) NumRunning() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numRunning
}

const goroutineToParallelismRatio = 2

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	maxParallelism := w.MaxParallelism()
	if maxParallelism == 0 {
		return true
	} else if maxParallelism < 0 {
		return false
	}
	return w.numRunning >= goroutineToParallelismRatio*maxParallelism+int(w.extraParallelism.Load())
}

// WaitToStart waits until there is a worker available to run the task, and starts it in a goroutine.
//
// If parallelism is disabled (MaxParallelism() is 0), it runs the task inline and returns when it is finished.
// That can lead to deadlocks if the caller relies on concurrency: check IsEnabled first.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if !w.IsEnabled() {
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		if !w.IsEnabled() {
			// Parallelism was disabled while waiting.
			w.mu.Unlock()
			task()
			w.mu.Lock()
			return
		}
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// StartIfAvailable runs the task in a separate goroutine, if there are enough workers left.
// It returns true if it found workers to run the function, false otherwise.
//
// It's up to the client to synchronize the end of the function execution.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.IsUnlimited() {
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// Saturate starts copies of task until the pool is full, and waits for all of them to finish.
//
// If parallelism is disabled, or the pool is already full, task is run once inline. If it is unlimited, runtime.NumCPU() copies are started.
// Each copy is expected to pull its own work from some shared queue.
func (w *Pool) Saturate(task func()) {
	if !w.IsEnabled() {
		task()
		return
	}
	var wg sync.WaitGroup
	if w.IsUnlimited() {
		for range runtime.NumCPU() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				task()
			}()
		}
		wg.Wait()
		return
	}

	w.mu.Lock()
	numStarted := 0
	for !w.lockedIsFull() {
		wg.Add(1)
		numStarted++
		w.lockedRunTaskInGoroutine(func() {
			defer wg.Done()
			task()
		})
	}
	w.mu.Unlock()
	if numStarted == 0 {
		// Pool already busy: the caller does the work.
		task()
		return
	}
	w.WorkerIsAsleep()
	wg.Wait()
	w.WorkerRestarted()
}

// WorkerIsAsleep indicates the worker (the one that called the method) is going to sleep waiting
// for other workers, and temporarily increases the available number of workers.
//
// Call WorkerRestarted when the worker is ready to run again.
func (w *Pool) WorkerIsAsleep() {
	w.extraParallelism.Add(1)
	w.mu.Lock()
	w.cond.Signal()
	w.mu.Unlock()
}

// WorkerRestarted indicates the worker (the one that called the method) is ready to run again.
// It should only be called after WorkerIsAsleep.
func (w *Pool) WorkerRestarted() {
	w.extraParallelism.Add(-1)
}
