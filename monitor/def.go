package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"OnnxAsyncDet/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	PID      process.Process
	memUsage prometheus.Gauge
	cpuUsage prometheus.Gauge

	taskLatency      prometheus.Histogram
	tasksTotal       *prometheus.CounterVec
	batchesTotal     prometheus.Counter
	batchDuration    prometheus.Histogram
	batchItems       prometheus.Counter
	batchFailedItems prometheus.Counter
)

func init() {
	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})
	taskLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "detect_task_latency_seconds",
		Help:    "Wall-clock latency of one detection task",
		Buckets: prometheus.DefBuckets,
	})
	tasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detect_tasks_total",
		Help: "Total number of detection tasks completed, by result",
	}, []string{"result"})
	batchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detect_batches_total",
		Help: "Total number of batch calls completed",
	})
	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "detect_batch_duration_seconds",
		Help:    "Wall-clock duration of one whole batch call",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	batchItems = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detect_batch_items_total",
		Help: "Total number of items submitted through batch calls",
	})
	batchFailedItems = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detect_batch_failed_items_total",
		Help: "Total number of batch items that failed",
	})
}

// Sink feeds the worker pool's completion reports into the registry. Every
// method is a plain counter/histogram update and never blocks a worker.
type Sink struct{}

func (Sink) ObserveTask(latency time.Duration, ok bool) {
	taskLatency.Observe(latency.Seconds())
	if ok {
		tasksTotal.WithLabelValues("ok").Inc()
	} else {
		tasksTotal.WithLabelValues("error").Inc()
	}
}

func (Sink) ObserveBatch(size, successful int, elapsed time.Duration) {
	batchesTotal.Inc()
	batchDuration.Observe(elapsed.Seconds())
	batchItems.Add(float64(size))
	batchFailedItems.Add(float64(size - successful))
}

var srv *http.Server

func prom(port int) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(memUsage, cpuUsage,
		taskLatency, tasksTotal, batchesTotal, batchDuration, batchItems, batchFailedItems)
	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: nil,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("prometheus server ListenAndServe error", zap.Error(err))
		}
	}()
}

func CheckProcessInfo() {
	MemInfo, _ := PID.MemoryInfo()
	var MemMB = MemInfo.RSS / 1024 / 1024
	CPUPercent, _ := PID.CPUPercent()
	CPUPercentFloat := math.Round(CPUPercent*100) / 100
	memUsage.Set(float64(MemMB))
	cpuUsage.Set(CPUPercentFloat)
}

func GotPID() {
	pid := os.Getpid()
	PID.Pid = int32(pid)
}

// StartMon serves /metrics on its own port and samples process cpu/mem every
// 500ms until the context is cancelled.
func StartMon(port int, ctx context.Context) {
	PID = process.Process{}
	GotPID()
	go prom(port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Log().Error("prometheus server Shutdown error", zap.Error(err))
	}
}
