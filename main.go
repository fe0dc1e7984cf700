package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"OnnxAsyncDet/announce"
	"OnnxAsyncDet/config"
	"OnnxAsyncDet/engine"
	"OnnxAsyncDet/iface"
	"OnnxAsyncDet/logger"
	"OnnxAsyncDet/monitor"
	"OnnxAsyncDet/pool"
	"OnnxAsyncDet/registry"
	"OnnxAsyncDet/server"

	"go.uber.org/zap"
)

func banner(cfg *config.Config, cpus int) {
	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", cpus)
	fmt.Println("  HTTP    Port:", cfg.HTTPPort)
	fmt.Println("  Health  Port:", cfg.HealthPort)
	fmt.Println("  Metrics Port:", cfg.MetricsPort)
	fmt.Println("Configured Workers Num:", cfg.MaxWorkers)
	fmt.Println("Default Batch Size:", cfg.DefaultBatchSize)
	fmt.Println(strings.Repeat("#", 64))
	fmt.Println("")
	if cfg.MaxWorkers > cpus {
		fmt.Println(strings.Repeat("!", 64))
		fmt.Println("Please noted that workersNum exceeds CPU cores, which may lead to performance degradation.")
		fmt.Println(strings.Repeat("!", 64))
		fmt.Println("")
	}
	if cfg.Model.UseGPU {
		fmt.Println(strings.Repeat("#", 64))
		fmt.Println("If you need GPU acceleration, please make sure that your GPU has enough memory to handle multiple workers.")
		fmt.Println("for GPU memory usage, please refer to 1280*1280 Yolo v8s model requires about 0.5GB memory each.")
		fmt.Println(strings.Repeat("#", 64))
		fmt.Println("")
	}
}

// resolveModel returns a local model file path, downloading through the
// cache registry when the config points at a URL.
func resolveModel(cfg *config.Config) (string, error) {
	if cfg.Model.URL == "" {
		return cfg.Model.Path, nil
	}
	reg, err := registry.Open(cfg.Model.CacheDir)
	if err != nil {
		return "", err
	}
	defer reg.Close()
	name := cfg.Model.Path
	if name == "" {
		name = filepath.Base(cfg.Model.URL)
	} else {
		name = filepath.Base(name)
	}
	return reg.Ensure(name, cfg.Model.URL)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	serve := flag.Bool("serve", false, "run the HTTP/WebSocket server instead of a one-shot batch")
	batchSize := flag.Int("batch", 0, "chunk size for a one-shot batch (0 = configured default)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}

	if cfg.Development {
		err = logger.InitDevelopment()
	} else {
		err = logger.InitProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cpus := runtime.NumCPU()
	runtime.GOMAXPROCS(cpus)
	banner(cfg, cpus)

	modelPath, err := resolveModel(cfg)
	if err != nil {
		logger.Log().Fatal("failed to resolve model", zap.Error(err))
	}

	backend := engine.NewDetector(cfg.MaxWorkers)
	err = backend.LoadModel(iface.EngineConfig{
		ModelPath:   modelPath,
		LibraryPath: cfg.Model.LibraryPath,
		Names:       cfg.Model.Names,
		NamesFile:   cfg.Model.NamesFile,
		Confidence:  cfg.Model.Confidence,
		Iou:         cfg.Model.Iou,
		InputSize:   cfg.Model.InputSize,
		UseGPU:      cfg.Model.UseGPU,
	})
	if err != nil {
		logger.Log().Fatal("failed to load model", zap.Error(err))
	}
	defer backend.Destroy()
	if cfg.Model.UseGPU {
		fmt.Println("Using GPU, warming up")
		backend.Warmup(3)
		fmt.Println("Warm up finished")
	}

	svc, err := pool.NewAsyncDetector(engine.NewAdapter(backend), pool.Options{
		MaxWorkers:       cfg.MaxWorkers,
		QueueSize:        cfg.QueueSize,
		DefaultBatchSize: cfg.DefaultBatchSize,
		TaskTimeout:      cfg.TaskTimeout(),
	}, monitor.Sink{})
	if err != nil {
		logger.Log().Fatal("failed to build async detector", zap.Error(err))
	}
	svc.Start()

	if *serve {
		runServer(cfg, svc)
		return
	}
	size := *batchSize
	if size == 0 {
		size = cfg.DefaultBatchSize
	}
	runBatch(svc, flag.Args(), size)
}

// runBatch is the one-shot CLI path: read the image files, run one blocking
// batch, print per-item JSON lines and exit non-zero on any failed item.
func runBatch(svc *pool.AsyncDetector, paths []string, batchSize int) {
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "no images given: pass image paths as arguments or use -serve")
		svc.Shutdown()
		os.Exit(2)
	}
	images := make([][]byte, len(paths))
	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Failed to read image:", err)
			svc.Shutdown()
			os.Exit(1)
		}
		images[i] = data
	}

	outcome, err := svc.DetectBatch(images, batchSize)
	var partial *pool.PartialBatchError
	if err != nil && !errors.As(err, &partial) {
		logger.Log().Fatal("batch failed", zap.Error(err))
	}

	enc := json.NewEncoder(os.Stdout)
	for i, item := range outcome.Items {
		line := map[string]any{"path": paths[i], "index": item.Index}
		if item.OK() {
			line["result"] = item.Result
		} else {
			line["error"] = item.Err.Error()
		}
		_ = enc.Encode(line)
	}
	svc.Shutdown()

	if !outcome.FullySuccessful() {
		fmt.Fprintf(os.Stderr, "%d of %d images failed\n", outcome.Failed(), outcome.Total)
		os.Exit(1)
	}
}

func runServer(cfg *config.Config, svc *pool.AsyncDetector) {
	ctx, cancel := context.WithCancel(context.Background())
	go monitor.StartMon(cfg.MetricsPort, ctx)
	if cfg.AnnounceURL != "" {
		ann := announce.New(cfg.AnnounceURL, cfg.HTTPPort,
			time.Duration(cfg.AnnounceIntervalSec)*time.Second, svc)
		go ann.Run(ctx)
	}

	srv := server.New(svc, cfg.Model.CacheDir)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: srv.Router(),
	}
	go func() {
		logger.Log().Info("http server listening", zap.Int("port", cfg.HTTPPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("http server error", zap.Error(err))
		}
	}()

	healthSrv, err := server.StartHealthServer(ctx, cfg.HealthPort, svc)
	if err != nil {
		logger.Log().Fatal("failed to start health server", zap.Error(err))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		logger.Log().Info("signal received, shutting down")
	case <-srv.CloseNotify():
		logger.Log().Info("shutdown requested over the API")
	}

	// Drain the pool first so queued work finishes, then stop the fronts.
	svc.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("http server shutdown error", zap.Error(err))
	}
	healthSrv.GracefulStop()
	cancel()
	fmt.Println("Safely exited")
}
