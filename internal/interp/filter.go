package interp

// MovingAverage smooths samples with a running mean of the given window. The
// output keeps the input length: where the window does not fit, edge values
// are repeated alternately at the front and back. A window that is
// non-positive or wider than the input returns a plain copy.
func MovingAverage(samples []float64, window int) []float64 {
	if window <= 0 || window > len(samples) {
		out := make([]float64, len(samples))
		copy(out, samples)
		return out
	}
	out := make([]float64, 0, len(samples))
	sum := 0.0
	for i, sample := range samples {
		if i >= window {
			sum -= samples[i-window]
		}
		if i+window <= len(samples) {
			sum += sample
		}
		if i >= window-1 {
			out = append(out, sum/float64(window))
		}
	}
	front := true
	for len(out) < len(samples) {
		if front {
			out = append([]float64{out[0]}, out...)
		} else {
			out = append(out, out[len(out)-1])
		}
		front = !front
	}
	return out
}
