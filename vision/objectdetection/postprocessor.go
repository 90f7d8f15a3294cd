package objectdetection

// Postprocessor defines a function that filters/modifies an incoming slice of boxes. It may
// reuse the backing array of its input.
type Postprocessor func([]DetectionBox) []DetectionBox

// NewAreaFilter returns a function that filters out boxes whose normalized area is below `area`.
func NewAreaFilter(area float32) Postprocessor {
	return func(in []DetectionBox) []DetectionBox {
		out := in[:0]
		for _, b := range in {
			if b.Area() >= area {
				out = append(out, b)
			}
		}
		return out
	}
}

// Chain runs postprocessors in order. Nil entries are skipped.
func Chain(pps ...Postprocessor) Postprocessor {
	return func(in []DetectionBox) []DetectionBox {
		for _, pp := range pps {
			if pp != nil {
				in = pp(in)
			}
		}
		return in
	}
}
