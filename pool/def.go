package pool

import (
	"errors"
	"fmt"
	"time"

	"OnnxAsyncDet/iface"

	"github.com/google/uuid"
)

// PoolState is the lifecycle flag of the worker pool. Transitions are
// monotonic: Created -> Running -> Draining -> Shutdown, never reversed.
type PoolState int32

const (
	StateCreated PoolState = iota
	StateRunning
	StateDraining
	StateShutdown
)

func (s PoolState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

var (
	// ErrInvalid covers bad caller input: empty image lists, chunk sizes
	// below 1, worker counts below 1 at construction.
	ErrInvalid = errors.New("invalid argument")
	// ErrPoolClosed is returned by any operation attempted while the pool
	// is not accepting new work.
	ErrPoolClosed = errors.New("pool is not accepting tasks")
	// ErrCanceled marks a task that was still queued when a non-draining
	// shutdown discarded it.
	ErrCanceled = errors.New("task discarded during shutdown")
	// ErrTimeout marks a task whose deadline elapsed, either before a
	// worker picked it up or before the detector returned.
	ErrTimeout = errors.New("task deadline exceeded")
	// ErrDetection marks a detector failure (including a recovered panic)
	// for one specific item. It never propagates to sibling tasks.
	ErrDetection = errors.New("detection failed")
)

// Outcome is what a Task delivers on its completion channel, exactly once:
// either Result or Err is set, never both, never neither.
type Outcome struct {
	Result *iface.DetectionResult
	Err    error
}

// Task is one unit of work: one encoded input image plus the channel its
// single outcome will arrive on. A Task belongs to exactly one goroutine at
// a time and needs no locking of its own.
type Task struct {
	ID       string
	Index    int
	Image    []byte
	Deadline time.Time
	done     chan Outcome
}

func NewTask(index int, image []byte, deadline time.Time) *Task {
	return &Task{
		ID:       uuid.NewString(),
		Index:    index,
		Image:    image,
		Deadline: deadline,
		done:     make(chan Outcome, 1),
	}
}

func (t *Task) complete(res *iface.DetectionResult, err error) {
	t.done <- Outcome{Result: res, Err: err}
}

func (t *Task) wait() Outcome {
	return <-t.done
}

// Sink receives completion metrics as a fire-and-forget side channel.
// Implementations must not block; a slow sink must never stall a worker.
type Sink interface {
	ObserveTask(latency time.Duration, ok bool)
	ObserveBatch(size, successful int, elapsed time.Duration)
}

type nopSink struct{}

func (nopSink) ObserveTask(time.Duration, bool)      {}
func (nopSink) ObserveBatch(int, int, time.Duration) {}
