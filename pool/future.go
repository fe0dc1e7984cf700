package pool

import (
	"context"
	"sync"

	"OnnxAsyncDet/iface"
)

// Future is the caller's handle on one in-flight detection. Wait may be
// called any number of times and from multiple goroutines; the first call
// consumes the task's completion channel, later calls return the cached
// outcome.
type Future struct {
	task *Task
	once sync.Once
	res  *iface.DetectionResult
	err  error
}

func (f *Future) Wait() (*iface.DetectionResult, error) {
	f.once.Do(func() {
		oc := f.task.wait()
		f.res, f.err = oc.Result, oc.Err
	})
	return f.res, f.err
}

// WaitContext is Wait with an abandon point. Abandoning a future does not
// cancel the underlying task; it keeps running and its outcome stays cached
// for a later Wait.
func (f *Future) WaitContext(ctx context.Context) (*iface.DetectionResult, error) {
	ready := make(chan struct{})
	go func() {
		f.Wait()
		close(ready)
	}()
	select {
	case <-ready:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BatchFuture is the asynchronous handle on one whole batch call.
type BatchFuture struct {
	ch   chan batchResult
	once sync.Once
	out  *PartialBatchOutcome
	err  error
}

type batchResult struct {
	out *PartialBatchOutcome
	err error
}

func newBatchFuture() *BatchFuture {
	return &BatchFuture{ch: make(chan batchResult, 1)}
}

func (f *BatchFuture) deliver(out *PartialBatchOutcome, err error) {
	f.ch <- batchResult{out: out, err: err}
}

func (f *BatchFuture) Wait() (*PartialBatchOutcome, error) {
	f.once.Do(func() {
		r := <-f.ch
		f.out, f.err = r.out, r.err
	})
	return f.out, f.err
}

func (f *BatchFuture) WaitContext(ctx context.Context) (*PartialBatchOutcome, error) {
	ready := make(chan struct{})
	go func() {
		f.Wait()
		close(ready)
	}()
	select {
	case <-ready:
		return f.out, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
