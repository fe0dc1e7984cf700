package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"OnnxAsyncDet/iface"
	"OnnxAsyncDet/logger"

	"go.uber.org/zap"
)

// Detector is the synchronous single-image inference call the pool wraps.
// Implementations must be safe for concurrent invocation and must not retain
// the input bytes after returning.
type Detector interface {
	Detect(image []byte) (*iface.DetectionResult, error)
}

// WorkerPool runs tasks on a fixed set of worker goroutines pulling from a
// shared bounded queue. The queue is the backpressure point: Submit blocks
// only while it is full.
type WorkerPool struct {
	detector Detector
	sink     Sink

	queue chan *Task
	quit  chan struct{}
	done  chan struct{}

	state   atomic.Int32
	discard atomic.Bool

	// mu serializes Submit's state-check-plus-enqueue against the shutdown
	// transition, so no task can slip into the queue after the drain
	// decision has been made.
	mu sync.RWMutex
	wg sync.WaitGroup

	workers   int
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

func NewWorkerPool(detector Detector, maxWorkers, queueSize int, sink Sink) (*WorkerPool, error) {
	if detector == nil {
		return nil, fmt.Errorf("%w: detector must not be nil", ErrInvalid)
	}
	if maxWorkers < 1 {
		return nil, fmt.Errorf("%w: maxWorkers must be >= 1, got %d", ErrInvalid, maxWorkers)
	}
	if queueSize < 1 {
		queueSize = maxWorkers * 2
	}
	if sink == nil {
		sink = nopSink{}
	}
	p := &WorkerPool{
		detector: detector,
		sink:     sink,
		queue:    make(chan *Task, queueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		workers:  maxWorkers,
	}
	p.state.Store(int32(StateCreated))
	return p, nil
}

func (p *WorkerPool) State() PoolState {
	return PoolState(p.state.Load())
}

func (p *WorkerPool) Workers() int {
	return p.workers
}

func (p *WorkerPool) QueueCap() int {
	return cap(p.queue)
}

func (p *WorkerPool) QueueLen() int {
	return len(p.queue)
}

func (p *WorkerPool) Counters() (submitted, completed, failed uint64) {
	return p.submitted.Load(), p.completed.Load(), p.failed.Load()
}

// Start launches the worker goroutines. Calling Start on anything but a
// freshly constructed pool is a no-op.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	logger.Log().Info("worker pool started",
		zap.Int("workers", p.workers), zap.Int("queueSize", cap(p.queue)))
}

// Submit enqueues one task. It blocks only while the queue is full; a pool
// that is not running rejects immediately with ErrPoolClosed.
func (p *WorkerPool) Submit(t *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.State() != StateRunning {
		return ErrPoolClosed
	}
	p.queue <- t
	p.submitted.Add(1)
	return nil
}

// Shutdown moves the pool through Draining to Shutdown. With drain=true every
// queued and in-flight task completes first; with drain=false queued tasks
// are failed with ErrCanceled while in-flight ones still run to completion.
// Idempotent: late callers block until the first shutdown has finished.
func (p *WorkerPool) Shutdown(drain bool) {
	p.mu.Lock()
	switch p.State() {
	case StateCreated:
		// Never started, nothing to drain.
		p.state.Store(int32(StateShutdown))
		close(p.done)
		p.mu.Unlock()
		return
	case StateDraining, StateShutdown:
		p.mu.Unlock()
		<-p.done
		return
	}
	p.state.Store(int32(StateDraining))
	p.discard.Store(!drain)
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()
	p.state.Store(int32(StateShutdown))
	close(p.done)
	logger.Log().Info("worker pool stopped", zap.Bool("drained", drain))
}

func (p *WorkerPool) run(id int) {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.queue:
			p.dispatch(t)
		case <-p.quit:
			p.flush()
			return
		}
	}
}

// flush empties whatever is left in the queue once shutdown has begun.
// Nothing can be enqueued anymore at that point.
func (p *WorkerPool) flush() {
	for {
		select {
		case t := <-p.queue:
			p.dispatch(t)
		default:
			return
		}
	}
}

// dispatch routes a dequeued task: once a non-draining shutdown has set the
// discard flag, anything still coming off the queue is failed instead of run.
func (p *WorkerPool) dispatch(t *Task) {
	if p.discard.Load() {
		p.fail(t, ErrCanceled)
		return
	}
	p.execute(t)
}

func (p *WorkerPool) execute(t *Task) {
	if !t.Deadline.IsZero() && time.Now().After(t.Deadline) {
		// Expired while queued: never invoke the detector.
		p.fail(t, ErrTimeout)
		return
	}
	start := time.Now()
	res, err := p.detect(t.Image)
	elapsed := time.Since(start)
	if err == nil && !t.Deadline.IsZero() && time.Now().After(t.Deadline) {
		// The detector cannot be interrupted mid-call; a late result must
		// not look like a success to a caller that already gave up on it.
		err = ErrTimeout
	}
	if err != nil {
		res = nil
		p.failed.Add(1)
	}
	p.completed.Add(1)
	t.complete(res, err)
	p.sink.ObserveTask(elapsed, err == nil)
}

func (p *WorkerPool) fail(t *Task, err error) {
	p.failed.Add(1)
	p.completed.Add(1)
	t.complete(nil, err)
	p.sink.ObserveTask(0, false)
}

// detect shields the worker slot from a panicking backend: the panic becomes
// the outcome of that one task only.
func (p *WorkerPool) detect(image []byte) (res *iface.DetectionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("detector panic recovered", zap.Any("panic", r))
			res = nil
			err = fmt.Errorf("%w: panic: %v", ErrDetection, r)
		}
	}()
	res, err = p.detector.Detect(image)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDetection, err)
	}
	return res, err
}
