package engine

import (
	"sort"
	"time"

	"OnnxAsyncDet/iface"
)

// rawDet is one candidate box in original-image pixel space.
type rawDet struct {
	classIdx       int
	conf           float32
	x1, y1, x2, y2 float32
}

// decodePredictions scans a [1, 4+numClasses, cells] output tensor laid out
// channel-major: cx, cy, w, h in input-size pixels followed by one score
// channel per class. Boxes below confThreshold are dropped, the rest are
// scaled back to the original image and clamped to it.
func decodePredictions(preds []float32, numClasses, inputSize, origW, origH int, confThreshold float32) []rawDet {
	channels := 4 + numClasses
	if channels <= 4 || len(preds) < channels {
		return nil
	}
	cells := len(preds) / channels
	scaleX := float32(origW) / float32(inputSize)
	scaleY := float32(origH) / float32(inputSize)

	out := make([]rawDet, 0, 64)
	for i := 0; i < cells; i++ {
		best := -1
		bestScore := float32(0)
		for c := 0; c < numClasses; c++ {
			score := preds[(4+c)*cells+i]
			if score > bestScore {
				bestScore = score
				best = c
			}
		}
		if best < 0 || bestScore < confThreshold {
			continue
		}
		cx := preds[i]
		cy := preds[cells+i]
		w := preds[2*cells+i]
		h := preds[3*cells+i]
		out = append(out, rawDet{
			classIdx: best,
			conf:     bestScore,
			x1:       clamp((cx-w/2)*scaleX, 0, float32(origW)),
			y1:       clamp((cy-h/2)*scaleY, 0, float32(origH)),
			x2:       clamp((cx+w/2)*scaleX, 0, float32(origW)),
			y2:       clamp((cy+h/2)*scaleY, 0, float32(origH)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].conf > out[j].conf
	})
	return out
}

// nonMaxSuppression keeps the highest-confidence box of every overlapping
// group, per class. Input must be sorted by confidence descending.
func nonMaxSuppression(dets []rawDet, iouThreshold float32) []rawDet {
	kept := make([]rawDet, 0, len(dets))
	for _, d := range dets {
		suppressed := false
		for _, k := range kept {
			if k.classIdx == d.classIdx && iouOf(k, d) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}
	return kept
}

func iouOf(a, b rawDet) float32 {
	ix1 := maxf(a.x1, b.x1)
	iy1 := maxf(a.y1, b.y1)
	ix2 := minf(a.x2, b.x2)
	iy2 := minf(a.y2, b.y2)
	iw := maxf(0, ix2-ix1)
	ih := maxf(0, iy2-iy1)
	inter := iw * ih
	if inter <= 0 {
		return 0
	}
	areaA := (a.x2 - a.x1) * (a.y2 - a.y1)
	areaB := (b.x2 - b.x1) * (b.y2 - b.y1)
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func buildResult(dets []rawDet, names []string, elapsed time.Duration) *iface.DetectionResult {
	detections := make([]iface.Detection, 0, len(dets))
	for _, d := range dets {
		if d.classIdx >= len(names) {
			continue
		}
		box := iface.Box{
			LT: iface.Position{X: d.x1, Y: d.y1},
			RT: iface.Position{X: d.x2, Y: d.y1},
			RB: iface.Position{X: d.x2, Y: d.y2},
			LB: iface.Position{X: d.x1, Y: d.y2},
		}
		center := iface.Position{
			X: (box.LT.X + box.RB.X) / 2,
			Y: (box.LT.Y + box.RB.Y) / 2,
		}
		detections = append(detections, iface.Detection{
			Class:  names[d.classIdx],
			Conf:   d.conf,
			Box:    box,
			Center: center,
		})
	}
	return &iface.DetectionResult{
		Detections: detections,
		Count:      len(detections),
		Elapsed:    elapsed,
	}
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
