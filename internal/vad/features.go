package vad

import "math"

// RMSEnergy returns the root-mean-square energy of samples:
// sqrt(mean(s²)). Samples are expected in [-1, 1], so the result is in
// [0, 1]. An empty buffer has zero energy.
func RMSEnergy(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs whose sign
// differs. High values indicate noise or unvoiced sound; voiced speech sits
// comparatively low.
func ZeroCrossingRate(samples []float32) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

// movingAverage is a fixed-depth running mean over the most recent values.
// Used to smooth per-frame energy and ZCR before classification.
type movingAverage struct {
	depth  int
	values []float64
}

func newMovingAverage(depth int) *movingAverage {
	return &movingAverage{depth: depth}
}

// push adds v and returns the mean of the retained window.
func (m *movingAverage) push(v float64) float64 {
	m.values = append(m.values, v)
	if len(m.values) > m.depth {
		m.values = m.values[1:]
	}
	var sum float64
	for _, x := range m.values {
		sum += x
	}
	return sum / float64(len(m.values))
}

func (m *movingAverage) reset() {
	m.values = m.values[:0]
}
