package engine

import (
	"fmt"
	"image"
	"runtime"
	"sync/atomic"
	"time"

	"OnnxAsyncDet/iface"
	"OnnxAsyncDet/logger"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// Detector runs YOLO v8 style models through onnxruntime. One Detector is
// shared read-only by all worker slots; Detect borrows a session from the
// internal pool for the duration of one inference, so concurrent calls are
// safe up to the slot count.
type Detector struct {
	cfg      iface.EngineConfig
	names    []string
	slots    int
	sessions chan *session
	state    atomic.Int32
}

func NewDetector(slots int) *Detector {
	if slots < 1 {
		slots = 1
	}
	d := &Detector{slots: slots}
	d.state.Store(REGISTERED)
	return d
}

// LoadModel resolves class names, brings up the onnxruntime environment and
// builds one session per slot. It is the detector's one-time load; Ready
// reports true once it returns nil.
func (d *Detector) LoadModel(cfg iface.EngineConfig) error {
	if cfg.ModelPath == "" {
		return fmt.Errorf("model path cannot be empty")
	}
	if cfg.Confidence < 0.0 || cfg.Confidence > 1.0 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %f", cfg.Confidence)
	}
	if cfg.Iou < 0.0 || cfg.Iou > 1.0 {
		return fmt.Errorf("IoU must be between 0.0 and 1.0, got %f", cfg.Iou)
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}
	names := cfg.Names
	if cfg.NamesFile != "" {
		var err error
		names, err = ReadLinesReadFile(cfg.NamesFile)
		if err != nil {
			return fmt.Errorf("read names file: %w", err)
		}
	}
	if len(names) == 0 {
		return fmt.Errorf("class names missing: set Names or NamesFile")
	}
	if err := initRuntime(cfg.LibraryPath); err != nil {
		return fmt.Errorf("init onnxruntime: %w", err)
	}

	sessions := make(chan *session, d.slots)
	for i := 0; i < d.slots; i++ {
		s, err := newSession(cfg, len(names))
		if err != nil {
			close(sessions)
			for prev := range sessions {
				prev.destroy()
			}
			return fmt.Errorf("init session %d: %w", i, err)
		}
		sessions <- s
	}
	d.sessions = sessions
	d.cfg = cfg
	d.names = names
	d.state.Store(READY)
	logger.Log().Info("model loaded",
		zap.String("path", cfg.ModelPath),
		zap.Int("sessions", d.slots),
		zap.Int("classes", len(names)),
		zap.Bool("gpu", cfg.UseGPU))
	return nil
}

func newSession(cfg iface.EngineConfig, numClasses int) (*session, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	threads := runtime.NumCPU()
	_ = options.SetIntraOpNumThreads(threads)
	_ = options.SetInterOpNumThreads(threads)
	if cfg.UseGPU {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("create CUDA provider options: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, fmt.Errorf("append CUDA provider: %w", err)
		}
	}

	size := int64(cfg.InputSize)
	inputShape := ort.NewShape(1, 3, size, size)
	outputShape := ort.NewShape(1, int64(4+numClasses), int64(predictionCells(cfg.InputSize)))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	sess, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &session{sess: sess, input: inputTensor, output: outputTensor}, nil
}

// Detect runs one image through a borrowed session. Blocks while every
// session is busy, which cannot happen when the caller is the worker pool
// (slots == workers).
func (d *Detector) Detect(img image.Image) (*iface.DetectionResult, error) {
	if d.state.Load() != READY {
		return nil, fmt.Errorf("model not loaded")
	}
	s := <-d.sessions
	defer func() { d.sessions <- s }()

	start := time.Now()
	fillInput(img, s.input.GetData(), d.cfg.InputSize)
	if err := s.sess.Run(); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	dets := decodePredictions(s.output.GetData(), len(d.names), d.cfg.InputSize,
		img.Bounds().Dx(), img.Bounds().Dy(), d.cfg.Confidence)
	kept := nonMaxSuppression(dets, d.cfg.Iou)
	return buildResult(kept, d.names, time.Since(start)), nil
}

// Warmup runs a few inferences on a tiny black image so the first real call
// does not pay the provider's lazy allocation cost.
func (d *Detector) Warmup(rounds int) {
	blank := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for i := 0; i < rounds; i++ {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Log().Warn("panic during warmup detect", zap.Any("panic", r))
				}
			}()
			_, _ = d.Detect(blank)
		}()
	}
}

func (d *Detector) CheckConfig() iface.EngineConfig {
	return d.cfg
}

func (d *Detector) Ready() bool {
	return d.state.Load() == READY
}

// Destroy releases every session. The detector must not be in use anymore;
// shut the pool down first.
func (d *Detector) Destroy() error {
	if d.state.Load() != READY {
		d.state.Store(UNREGISTERED)
		return nil
	}
	d.state.Store(UNREGISTERED)
	for i := 0; i < d.slots; i++ {
		s := <-d.sessions
		s.destroy()
	}
	close(d.sessions)
	d.sessions = nil
	d.cfg = iface.EngineConfig{}
	d.names = nil
	return nil
}

// fillInput resizes to the model's square input and writes a normalized
// CHW float32 tensor.
func fillInput(img image.Image, buffer []float32, inputSize int) {
	resized := imaging.Resize(img, inputSize, inputSize, imaging.Linear)
	channelSize := inputSize * inputSize
	for y := 0; y < inputSize; y++ {
		offset := y * inputSize
		for x := 0; x < inputSize; x++ {
			i := offset + x
			r, g, b, _ := resized.At(x, y).RGBA()
			buffer[i] = float32(r>>8) / 255.0
			buffer[channelSize+i] = float32(g>>8) / 255.0
			buffer[channelSize*2+i] = float32(b>>8) / 255.0
		}
	}
}
