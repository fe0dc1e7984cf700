package pool

import (
	"fmt"
	"time"
)

// Options configures the async facade. Values come from the configuration
// loader and are read once at construction, never re-read.
type Options struct {
	MaxWorkers       int
	QueueSize        int
	DefaultBatchSize int
	// TaskTimeout is an optional per-task deadline. Zero disables it. An
	// expired task is failed without invoking the detector if a worker has
	// not started it yet; a detector call that overruns is not interrupted
	// but its result is reported as timed out.
	TaskTimeout time.Duration
}

// Stats is a read-only snapshot of the facade, safe to take concurrently
// with every other operation.
type Stats struct {
	Workers          int    `json:"workers"`
	QueueCapacity    int    `json:"queueCapacity"`
	QueueDepth       int    `json:"queueDepth"`
	DefaultBatchSize int    `json:"defaultBatchSize"`
	State            string `json:"state"`
	ModelReady       bool   `json:"modelReady"`
	TasksSubmitted   uint64 `json:"tasksSubmitted"`
	TasksCompleted   uint64 `json:"tasksCompleted"`
	TasksFailed      uint64 `json:"tasksFailed"`
}

// ReadyChecker lets the facade report whether the wrapped model finished its
// one-time load. Detectors that load eagerly can skip implementing it.
type ReadyChecker interface {
	Ready() bool
}

// AsyncDetector is the public surface of the execution layer: non-blocking
// single calls, blocking batch calls and non-blocking batch calls, all on
// top of one bounded worker pool.
type AsyncDetector struct {
	pool      *WorkerPool
	detector  Detector
	sink      Sink
	batchSize int
	timeout   time.Duration
}

func NewAsyncDetector(detector Detector, opts Options, sink Sink) (*AsyncDetector, error) {
	if opts.DefaultBatchSize < 1 {
		return nil, fmt.Errorf("%w: default batch size must be >= 1, got %d", ErrInvalid, opts.DefaultBatchSize)
	}
	if opts.TaskTimeout < 0 {
		return nil, fmt.Errorf("%w: task timeout must not be negative", ErrInvalid)
	}
	if sink == nil {
		sink = nopSink{}
	}
	p, err := NewWorkerPool(detector, opts.MaxWorkers, opts.QueueSize, sink)
	if err != nil {
		return nil, err
	}
	return &AsyncDetector{
		pool:      p,
		detector:  detector,
		sink:      sink,
		batchSize: opts.DefaultBatchSize,
		timeout:   opts.TaskTimeout,
	}, nil
}

// Start launches the workers. Until Start, every detect operation fails fast
// with ErrPoolClosed.
func (a *AsyncDetector) Start() {
	a.pool.Start()
}

// DefaultBatchSize is the configured chunk size for callers that did not
// pick one themselves.
func (a *AsyncDetector) DefaultBatchSize() int {
	return a.batchSize
}

func (a *AsyncDetector) deadline() time.Time {
	if a.timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(a.timeout)
}

// DetectAsync submits one image and returns immediately. The caller is never
// blocked on the detector itself; only the queue's backpressure applies.
func (a *AsyncDetector) DetectAsync(image []byte) (*Future, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalid)
	}
	t := NewTask(0, image, a.deadline())
	if err := a.pool.Submit(t); err != nil {
		return nil, err
	}
	return &Future{task: t}, nil
}

// DetectBatch chunks, submits and joins. It always returns an outcome with
// one slot per input; a *PartialBatchError carrying that same outcome is
// returned iff at least one item failed. Callers distinguish full from
// partial success by comparing Successful to Total, not by the error alone.
func (a *AsyncDetector) DetectBatch(images [][]byte, batchSize int) (*PartialBatchOutcome, error) {
	tasks, chunks, err := a.prepare(images, batchSize)
	if err != nil {
		return nil, err
	}
	out := a.runBatch(tasks, chunks)
	if !out.FullySuccessful() {
		return out, &PartialBatchError{Outcome: out}
	}
	return out, nil
}

// DetectBatchAsync is DetectBatch for callers that must not stall, e.g. a
// video-frame loop. Validation still happens synchronously, before any task
// exists.
func (a *AsyncDetector) DetectBatchAsync(images [][]byte, batchSize int) (*BatchFuture, error) {
	tasks, chunks, err := a.prepare(images, batchSize)
	if err != nil {
		return nil, err
	}
	f := newBatchFuture()
	go func() {
		out := a.runBatch(tasks, chunks)
		if !out.FullySuccessful() {
			f.deliver(out, &PartialBatchError{Outcome: out})
			return
		}
		f.deliver(out, nil)
	}()
	return f, nil
}

// prepare validates and builds tasks and chunks before anything is
// submitted, so a validation error never leaves half a batch in the queue.
func (a *AsyncDetector) prepare(images [][]byte, batchSize int) ([]*Task, []Chunk, error) {
	if len(images) == 0 {
		return nil, nil, fmt.Errorf("%w: empty image list", ErrInvalid)
	}
	if a.pool.State() != StateRunning {
		return nil, nil, ErrPoolClosed
	}
	deadline := a.deadline()
	tasks := make([]*Task, len(images))
	for i, img := range images {
		tasks[i] = NewTask(i, img, deadline)
	}
	chunks, err := Split(tasks, batchSize)
	if err != nil {
		return nil, nil, err
	}
	return tasks, chunks, nil
}

func (a *AsyncDetector) runBatch(tasks []*Task, chunks []Chunk) *PartialBatchOutcome {
	start := time.Now()
	a.dispatch(chunks)
	out := Collect(tasks)
	out.Elapsed = time.Since(start)
	a.sink.ObserveBatch(out.Total, out.Successful, out.Elapsed)
	return out
}

// dispatch submits every task of every chunk individually. A submit rejected
// mid-batch (the pool shutting down underneath us) becomes that task's
// outcome, so Collect still sees exactly one write per task.
func (a *AsyncDetector) dispatch(chunks []Chunk) {
	for _, c := range chunks {
		for _, t := range c.Tasks {
			if err := a.pool.Submit(t); err != nil {
				t.complete(nil, err)
			}
		}
	}
}

// GetStats snapshots the facade without synchronizing on the hot path.
func (a *AsyncDetector) GetStats() Stats {
	submitted, completed, failed := a.pool.Counters()
	ready := true
	if rc, ok := a.detector.(ReadyChecker); ok {
		ready = rc.Ready()
	}
	return Stats{
		Workers:          a.pool.Workers(),
		QueueCapacity:    a.pool.QueueCap(),
		QueueDepth:       a.pool.QueueLen(),
		DefaultBatchSize: a.batchSize,
		State:            a.pool.State().String(),
		ModelReady:       ready,
		TasksSubmitted:   submitted,
		TasksCompleted:   completed,
		TasksFailed:      failed,
	}
}

// Shutdown drains the pool: queued and in-flight work completes, then the
// pool refuses everything. Safe to call more than once.
func (a *AsyncDetector) Shutdown() {
	a.pool.Shutdown(true)
}

// ShutdownNow discards queued tasks (they fail with ErrCanceled) and only
// lets in-flight detections finish.
func (a *AsyncDetector) ShutdownNow() {
	a.pool.Shutdown(false)
}
