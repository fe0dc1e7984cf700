package engine

import (
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	UNREGISTERED = 0x0001
	REGISTERED   = 0x0002
	READY        = 0x0003
)

// session owns one onnxruntime session together with its preallocated IO
// tensors. A session is not safe for concurrent Run, so the detector keeps
// a pool of them, one per worker slot.
type session struct {
	sess   *ort.AdvancedSession
	input  *ort.Tensor[float32]
	output *ort.Tensor[float32]
}

func (s *session) destroy() {
	if s.sess != nil {
		s.sess.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

var (
	ortOnce sync.Once
	ortErr  error
)

// initRuntime loads the onnxruntime shared library exactly once per process.
func initRuntime(libraryPath string) error {
	ortOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// predictionCells is the number of prediction columns a YOLO v8 style head
// emits for a square input: one cell per position at strides 8, 16 and 32.
func predictionCells(inputSize int) int {
	s8 := inputSize / 8
	s16 := inputSize / 16
	s32 := inputSize / 32
	return s8*s8 + s16*s16 + s32*s32
}

// ReadLinesReadFile loads one class name per line, tolerating Windows CRLF
// endings and skipping blank lines.
func ReadLinesReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := strings.Split(string(b), "\n")
	var lines []string
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}
