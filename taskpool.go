package caseselect

import (
	"context"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
)

// Future get the result of an async task
type Future interface {
	// Get block until the task finishes
	Get() (interface{}, error)
}

type taskResult struct {
	value interface{}
	err   error
}

type taskFuture struct {
	ch chan taskResult
}

func (f *taskFuture) Get() (interface{}, error) {
	result := <-f.ch
	return result.value, result.err
}

type taskPool struct {
	pool *ants.Pool
}

func newTaskPool(size int) *taskPool {
	pool, err := ants.NewPool(size)
	if err != nil {
		panic(err)
	}
	return &taskPool{pool: pool}
}

// Submit submit a task to the pool, returning a Future for its result
func (t *taskPool) Submit(ctx context.Context, task func() (interface{}, error)) Future {
	future := &taskFuture{ch: make(chan taskResult, 1)}
	err := t.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				future.ch <- taskResult{err: errors.Errorf("task panic: %v", r)}
			}
		}()
		value, err := task()
		future.ch <- taskResult{value: value, err: err}
	})
	if err != nil {
		future.ch <- taskResult{err: err}
	}
	return future
}

// SetMaxSize adjust the pool capacity
func (t *taskPool) SetMaxSize(size int) {
	t.pool.Tune(size)
}

// Release close the pool
func (t *taskPool) Release() {
	t.pool.Release()
}
