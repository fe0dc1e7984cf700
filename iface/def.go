package iface

import (
	"image"
	"time"
)

type Position struct {
	X, Y float32
}

type Box struct {
	LT Position
	RT Position
	RB Position
	LB Position
}

type Detection struct {
	Class  string   `json:"class"`
	Conf   float32  `json:"conf"`
	Box    Box      `json:"box"`
	Center Position `json:"center"`
}

// DetectionResult is produced once per successful inference and never
// mutated afterwards. The caller that receives it owns it.
type DetectionResult struct {
	Detections []Detection   `json:"detections"`
	Count      int           `json:"count"`
	Elapsed    time.Duration `json:"elapsedNs"`
}

type EngineConfig struct {
	ModelPath   string
	LibraryPath string
	Names       []string
	NamesFile   string
	Confidence  float32
	Iou         float32
	InputSize   int
	UseGPU      bool
}

// Backend is the synchronous single-image inference contract. Detect must be
// safe for concurrent invocation from multiple goroutines and must not retain
// or mutate the input image after returning.
type Backend interface {
	LoadModel(cfg EngineConfig) error
	Detect(img image.Image) (*DetectionResult, error)
	CheckConfig() EngineConfig
	Ready() bool
	Destroy() error
}
