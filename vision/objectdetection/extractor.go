package objectdetection

const (
	// MaxDetections caps how many boxes one frame can produce.
	MaxDetections = 15
	// TargetClass is the only class id the model output is filtered to.
	TargetClass = 0
	// MinChannels is the per candidate layout: x1, y1, x2, y2, confidence, class id.
	MinChannels = 6
)

// ExtractBoxes reads a flat candidates x channels output, ordered by descending confidence, and
// appends the surviving boxes to scratch[:0]. It stops at the first candidate whose confidence
// is at or below `threshold`, skips other classes and degenerate boxes, clamps the rest into
// [0, 1] (dropping any that collapse) and keeps at most `maxOut`. The second result is false
// when no box survived.
//
// The same scratch slice must not be used by two callers at once.
func ExtractBoxes(output []float32, channels int, threshold float32, maxOut int, scratch []DetectionBox) ([]DetectionBox, bool) {
	boxes := scratch[:0]
	if channels < MinChannels {
		return boxes, false
	}
	candidates := len(output) / channels
	for i := 0; i < candidates && len(boxes) < maxOut; i++ {
		row := output[i*channels : i*channels+MinChannels]
		confidence, classID := row[4], row[5]
		if confidence <= threshold {
			break
		}
		if classID != TargetClass {
			continue
		}
		x1, y1, x2, y2 := row[0], row[1], row[2], row[3]
		if x2 <= x1 || y2 <= y1 {
			continue
		}
		box := DetectionBox{x1, y1, x2, y2}.Clamped()
		// A box entirely outside the unit square collapses to zero width when clamped.
		if !box.Valid() {
			continue
		}
		boxes = append(boxes, box)
	}
	return boxes, len(boxes) > 0
}
