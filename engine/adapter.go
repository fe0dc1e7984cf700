package engine

import (
	"errors"
	"fmt"
	"image"

	"OnnxAsyncDet/iface"

	"gocv.io/x/gocv"
)

// Adapter decodes encoded image bytes and hands the image to the backend.
// This is the value the worker pool invokes concurrently; session
// exclusivity is the backend's problem, not the adapter's.
type Adapter struct {
	backend iface.Backend
}

func NewAdapter(backend iface.Backend) *Adapter {
	return &Adapter{backend: backend}
}

// BytesToImage decodes jpg/png/bmp bytes through OpenCV. The Mat is closed
// before returning; only the converted image escapes.
func BytesToImage(data []byte) (image.Image, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, err
	}
	if mat.Empty() {
		_ = mat.Close()
		return nil, errors.New("decoded image is empty or unsupported format")
	}
	defer mat.Close()
	img, err := mat.ToImage()
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (a *Adapter) Detect(data []byte) (*iface.DetectionResult, error) {
	img, err := BytesToImage(data)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return a.backend.Detect(img)
}

func (a *Adapter) Ready() bool {
	return a.backend.Ready()
}
