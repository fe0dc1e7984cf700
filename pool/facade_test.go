package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"OnnxAsyncDet/iface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jitteryDetector adds a random per-call delay so batch items complete out of
// submission order, which is exactly what the join must tolerate.
type jitteryDetector struct {
	fakeDetector
}

func (d *jitteryDetector) Detect(img []byte) (*iface.DetectionResult, error) {
	time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
	return d.fakeDetector.Detect(img)
}

type readyDetector struct {
	fakeDetector
	ready atomic.Bool
}

func (d *readyDetector) Ready() bool { return d.ready.Load() }

type recordingSink struct {
	mu      sync.Mutex
	tasks   int
	taskOK  int
	batches [][2]int
}

func (s *recordingSink) ObserveTask(_ time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks++
	if ok {
		s.taskOK++
	}
}

func (s *recordingSink) ObserveBatch(size, successful int, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, [2]int{size, successful})
}

func newFacade(t *testing.T, d Detector, opts Options, sink Sink) *AsyncDetector {
	t.Helper()
	svc, err := NewAsyncDetector(d, opts, sink)
	require.NoError(t, err)
	svc.Start()
	return svc
}

func markedImages(n int) [][]byte {
	images := make([][]byte, n)
	for i := range images {
		images[i] = []byte(fmt.Sprintf("img-%02d", i))
	}
	return images
}

func failOn(bad ...string) func([]byte) error {
	set := make(map[string]bool, len(bad))
	for _, b := range bad {
		set[b] = true
	}
	return func(img []byte) error {
		if set[string(img)] {
			return errors.New("model rejected the frame")
		}
		return nil
	}
}

func TestNewAsyncDetector_Validation(t *testing.T) {
	t.Run("batch size below one", func(t *testing.T) {
		_, err := NewAsyncDetector(&fakeDetector{}, Options{MaxWorkers: 2, DefaultBatchSize: 0}, nil)
		assert.ErrorIs(t, err, ErrInvalid)
	})
	t.Run("negative timeout", func(t *testing.T) {
		_, err := NewAsyncDetector(&fakeDetector{}, Options{MaxWorkers: 2, DefaultBatchSize: 4, TaskTimeout: -time.Second}, nil)
		assert.ErrorIs(t, err, ErrInvalid)
	})
	t.Run("bad worker count propagates", func(t *testing.T) {
		_, err := NewAsyncDetector(&fakeDetector{}, Options{MaxWorkers: 0, DefaultBatchSize: 4}, nil)
		assert.ErrorIs(t, err, ErrInvalid)
	})
}

func TestDetectAsync(t *testing.T) {
	svc := newFacade(t, &fakeDetector{}, Options{MaxWorkers: 2, DefaultBatchSize: 4}, nil)
	defer svc.Shutdown()

	fut, err := svc.DetectAsync([]byte("frame-1"))
	require.NoError(t, err)
	res, err := fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, "frame-1", res.Detections[0].Class)

	// Wait is repeatable and returns the cached outcome.
	again, err := fut.Wait()
	require.NoError(t, err)
	assert.Same(t, res, again)
}

func TestDetectAsync_EmptyImage(t *testing.T) {
	svc := newFacade(t, &fakeDetector{}, Options{MaxWorkers: 1, DefaultBatchSize: 4}, nil)
	defer svc.Shutdown()
	_, err := svc.DetectAsync(nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDetectAsync_BeforeStart(t *testing.T) {
	svc, err := NewAsyncDetector(&fakeDetector{}, Options{MaxWorkers: 1, DefaultBatchSize: 4}, nil)
	require.NoError(t, err)
	_, err = svc.DetectAsync([]byte("x"))
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestDetectBatch_OrderAndCompleteness(t *testing.T) {
	svc := newFacade(t, &jitteryDetector{}, Options{MaxWorkers: 4, DefaultBatchSize: 7}, nil)
	defer svc.Shutdown()

	images := markedImages(50)
	out, err := svc.DetectBatch(images, 7)
	require.NoError(t, err)

	assert.Equal(t, 50, out.Total)
	assert.Equal(t, 50, out.Successful)
	assert.True(t, out.FullySuccessful())
	assert.Zero(t, out.Failed())
	assert.Greater(t, out.Elapsed, time.Duration(0))
	require.Len(t, out.Items, 50)
	for i, item := range out.Items {
		assert.Equal(t, i, item.Index)
		require.True(t, item.OK())
		// Slot i holds the result of input i even though completion order
		// was scrambled by the random delays.
		assert.Equal(t, string(images[i]), item.Result.Detections[0].Class)
	}
}

func TestDetectBatch_SizeEdges(t *testing.T) {
	svc := newFacade(t, &fakeDetector{}, Options{MaxWorkers: 2, DefaultBatchSize: 4}, nil)
	defer svc.Shutdown()

	for _, n := range []int{1, 3, 4, 5, 23} {
		out, err := svc.DetectBatch(markedImages(n), 4)
		require.NoError(t, err)
		assert.Equal(t, n, out.Total)
		assert.Equal(t, n, out.Successful)
		assert.Len(t, out.Items, n)
	}
}

func TestDetectBatch_EmptyList(t *testing.T) {
	svc := newFacade(t, &fakeDetector{}, Options{MaxWorkers: 2, DefaultBatchSize: 4}, nil)
	defer svc.Shutdown()
	out, err := svc.DetectBatch(nil, 4)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Nil(t, out)
}

func TestDetectBatch_InvalidBatchSize(t *testing.T) {
	svc := newFacade(t, &fakeDetector{}, Options{MaxWorkers: 2, DefaultBatchSize: 4}, nil)
	defer svc.Shutdown()
	for _, size := range []int{0, -1} {
		_, err := svc.DetectBatch(markedImages(3), size)
		assert.ErrorIs(t, err, ErrInvalid)
	}
}

func TestDetectBatch_PartialFailure(t *testing.T) {
	images := markedImages(12)
	fake := &fakeDetector{fail: failOn("img-00", "img-03", "img-06", "img-09")}
	svc := newFacade(t, fake, Options{MaxWorkers: 3, DefaultBatchSize: 5}, nil)
	defer svc.Shutdown()

	out, err := svc.DetectBatch(images, 5)
	require.Error(t, err)

	var partial *PartialBatchError
	require.ErrorAs(t, err, &partial)
	assert.Same(t, out, partial.Outcome)
	assert.Contains(t, err.Error(), "4 of 12")

	assert.Equal(t, 12, out.Total)
	assert.Equal(t, 8, out.Successful)
	assert.Equal(t, 4, out.Failed())
	assert.False(t, out.FullySuccessful())
	for i, item := range out.Items {
		if i%3 == 0 {
			assert.ErrorIs(t, item.Err, ErrDetection, "item %d", i)
			assert.Nil(t, item.Result)
		} else {
			require.True(t, item.OK(), "item %d", i)
			assert.Equal(t, string(images[i]), item.Result.Detections[0].Class)
		}
	}
}

// Two workers, batch size four, ten inputs, two detector failures: the batch
// still reports all ten slots and keeps the eight good results.
func TestDetectBatch_TenInputsTwoFailures(t *testing.T) {
	fake := &fakeDetector{fail: failOn("img-02", "img-07")}
	svc := newFacade(t, fake, Options{MaxWorkers: 2, DefaultBatchSize: 4}, nil)
	defer svc.Shutdown()

	out, err := svc.DetectBatch(markedImages(10), svc.DefaultBatchSize())
	var partial *PartialBatchError
	require.ErrorAs(t, err, &partial)

	assert.Equal(t, 10, out.Total)
	assert.Equal(t, 8, out.Successful)
	assert.Equal(t, 2, out.Failed())
	for i, item := range out.Items {
		if i == 2 || i == 7 {
			assert.ErrorIs(t, item.Err, ErrDetection)
		} else {
			assert.True(t, item.OK(), "item %d", i)
		}
	}
}

func TestDetectBatchAsync(t *testing.T) {
	svc := newFacade(t, &fakeDetector{delay: 2 * time.Millisecond}, Options{MaxWorkers: 2, DefaultBatchSize: 4}, nil)
	defer svc.Shutdown()

	fut, err := svc.DetectBatchAsync(markedImages(9), 4)
	require.NoError(t, err)
	out, err := fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, 9, out.Total)
	assert.Equal(t, 9, out.Successful)

	// Repeat Wait returns the cached outcome.
	again, err := fut.Wait()
	require.NoError(t, err)
	assert.Same(t, out, again)
}

func TestDetectBatchAsync_PartialFailure(t *testing.T) {
	fake := &fakeDetector{fail: failOn("img-01")}
	svc := newFacade(t, fake, Options{MaxWorkers: 2, DefaultBatchSize: 4}, nil)
	defer svc.Shutdown()

	fut, err := svc.DetectBatchAsync(markedImages(4), 2)
	require.NoError(t, err)
	out, err := fut.Wait()
	var partial *PartialBatchError
	require.ErrorAs(t, err, &partial)
	assert.Same(t, out, partial.Outcome)
	assert.Equal(t, 3, out.Successful)
}

func TestDetectBatchAsync_ValidationIsSynchronous(t *testing.T) {
	svc := newFacade(t, &fakeDetector{}, Options{MaxWorkers: 2, DefaultBatchSize: 4}, nil)
	defer svc.Shutdown()

	_, err := svc.DetectBatchAsync(nil, 4)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = svc.DetectBatchAsync(markedImages(3), -1)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFuture_WaitContext(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeDetector{gate: gate}
	svc := newFacade(t, fake, Options{MaxWorkers: 1, DefaultBatchSize: 4}, nil)
	defer func() {
		svc.Shutdown()
	}()

	fut, err := svc.DetectAsync([]byte("held"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = fut.WaitContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Abandoning the future did not cancel the task; releasing the gate lets
	// it finish and a plain Wait still gets the result.
	close(gate)
	res, err := fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, "held", res.Detections[0].Class)
}

func TestBatchFuture_WaitContext(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeDetector{gate: gate}
	svc := newFacade(t, fake, Options{MaxWorkers: 1, DefaultBatchSize: 4}, nil)
	defer svc.Shutdown()

	fut, err := svc.DetectBatchAsync(markedImages(2), 4)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = fut.WaitContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	out, err := fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, 2, out.Successful)
}

func TestTaskTimeoutThroughFacade(t *testing.T) {
	fake := &fakeDetector{delay: 30 * time.Millisecond}
	svc := newFacade(t, fake, Options{
		MaxWorkers:       1,
		DefaultBatchSize: 4,
		TaskTimeout:      time.Millisecond,
	}, nil)
	defer svc.Shutdown()

	fut, err := svc.DetectAsync([]byte("slow"))
	require.NoError(t, err)
	_, err = fut.Wait()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestGetStats(t *testing.T) {
	ready := &readyDetector{}
	svc, err := NewAsyncDetector(ready, Options{MaxWorkers: 3, QueueSize: 12, DefaultBatchSize: 5}, nil)
	require.NoError(t, err)

	stats := svc.GetStats()
	assert.Equal(t, "created", stats.State)
	assert.Equal(t, 3, stats.Workers)
	assert.Equal(t, 12, stats.QueueCapacity)
	assert.Equal(t, 5, stats.DefaultBatchSize)
	assert.False(t, stats.ModelReady)

	ready.ready.Store(true)
	svc.Start()
	_, err = svc.DetectBatch(markedImages(4), 2)
	require.NoError(t, err)

	stats = svc.GetStats()
	assert.Equal(t, "running", stats.State)
	assert.True(t, stats.ModelReady)
	assert.Equal(t, uint64(4), stats.TasksSubmitted)
	assert.Equal(t, uint64(4), stats.TasksCompleted)
	assert.Equal(t, uint64(0), stats.TasksFailed)

	svc.Shutdown()
	assert.Equal(t, "shutdown", svc.GetStats().State)
}

func TestAsyncDetector_ShutdownRejectsEverything(t *testing.T) {
	svc := newFacade(t, &fakeDetector{}, Options{MaxWorkers: 2, DefaultBatchSize: 4}, nil)
	svc.Shutdown()
	svc.Shutdown() // idempotent

	_, err := svc.DetectAsync([]byte("x"))
	assert.ErrorIs(t, err, ErrPoolClosed)
	_, err = svc.DetectBatch(markedImages(2), 2)
	assert.ErrorIs(t, err, ErrPoolClosed)
	_, err = svc.DetectBatchAsync(markedImages(2), 2)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestSinkReceivesObservations(t *testing.T) {
	sink := &recordingSink{}
	fake := &fakeDetector{fail: failOn("img-01")}
	svc := newFacade(t, fake, Options{MaxWorkers: 2, DefaultBatchSize: 4}, sink)

	_, err := svc.DetectBatch(markedImages(5), 2)
	var partial *PartialBatchError
	require.ErrorAs(t, err, &partial)
	svc.Shutdown()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 5, sink.tasks)
	assert.Equal(t, 4, sink.taskOK)
	require.Len(t, sink.batches, 1)
	assert.Equal(t, [2]int{5, 4}, sink.batches[0])
}
