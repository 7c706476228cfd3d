// Package prosody extracts turn-taking cues from audio frames: pitch (via
// autocorrelation), pitch contour, energy trend, and heuristic end-of-turn /
// question flags.
//
// The extractor is a mostly-pure transform: it holds only short rolling pitch
// and energy histories used for contour and decay-trend computation. It is
// designed to run beside the VAD detector on the same frame cadence.
//
// The contour and IsEnding/IsQuestion classification uses fixed heuristic
// thresholds with no principled derivation — they are exposed as tunables on
// [Config] and should be treated as adjustable hints, not a guaranteed
// classifier.
package prosody

import (
	"math"
	"sync"

	"github.com/sotto-voice/sotto/internal/vad"
)

// Contour labels the recent pitch trajectory.
type Contour string

const (
	ContourRising  Contour = "rising"
	ContourFalling Contour = "falling"
	ContourFlat    Contour = "flat"
	ContourComplex Contour = "complex"
)

// Features is the per-window prosodic analysis result.
type Features struct {
	// PitchHz is the estimated fundamental frequency, 0 when unvoiced.
	PitchHz float64

	// PitchContour labels the recent pitch trajectory.
	PitchContour Contour

	// PitchVariation is the standard deviation of the recent pitch history.
	PitchVariation float64

	// Energy is the RMS energy of the analyzed window.
	Energy float64

	// EnergyDecay is the slope of a linear regression over the recent energy
	// history, normalized to [-1, 1]. Negative values mean the speaker is
	// trailing off.
	EnergyDecay float64

	// SpeakingRate estimates activity transitions per second since the last
	// Reset, a rough proxy for syllable rate.
	SpeakingRate float64

	// VoiceActivity is the energy mapped to a [0, 1] activity level.
	VoiceActivity float64

	// IsEnding flags a likely turn end (sustained energy decay).
	IsEnding bool

	// IsQuestion flags a likely question (terminal pitch rise).
	IsQuestion bool

	// TimestampMs is the analyzed window's position in the stream.
	TimestampMs uint64
}

// Config holds extractor tuning. Zero values are filled with defaults by
// [NewExtractor].
type Config struct {
	// SampleRate of incoming frames in Hz. Required.
	SampleRate int

	// MinPitchHz / MaxPitchHz bound the autocorrelation search. Defaults 50 / 500.
	MinPitchHz float64
	MaxPitchHz float64

	// HistoryDepth is the rolling energy/pitch history length. Default 10.
	HistoryDepth int

	// MinActivity suppresses output below this voice-activity level: frames
	// under it produce no Features. Default 0.2.
	MinActivity float64

	// MinCorrelation is the normalized autocorrelation peak required to
	// accept a pitch estimate. Default 0.3.
	MinCorrelation float64

	// DeltaFlatHz (heuristic) is the per-window pitch delta magnitude below
	// which movement counts as flat. Default 5.
	DeltaFlatHz float64

	// EndingDecaySlope (heuristic) is the normalized energy-decay slope below
	// which IsEnding is set. Default -0.3.
	EndingDecaySlope float64

	// QuestionRiseHz (heuristic) is the trailing pitch rise above which
	// IsQuestion is set. Default 20.
	QuestionRiseHz float64
}

// fullScaleEnergy maps RMS energy to a [0,1] voice-activity level; speech at
// conversational level sits around 0.1 RMS on normalized samples.
const fullScaleEnergy = 0.1

// Extractor computes [Features] per frame. Safe for concurrent use, though
// callers normally feed it from the single frame-processing goroutine.
type Extractor struct {
	cfg Config

	mu          sync.Mutex
	energyHist  []float64
	pitchHist   []float64
	active      bool
	transitions int
	firstMs     uint64
	lastMs      uint64
	sawFrame    bool
}

// NewExtractor creates an extractor. Zero-value cfg fields take defaults.
func NewExtractor(cfg Config) *Extractor {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.MinPitchHz <= 0 {
		cfg.MinPitchHz = 50
	}
	if cfg.MaxPitchHz <= 0 {
		cfg.MaxPitchHz = 500
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = 10
	}
	if cfg.MinActivity <= 0 {
		cfg.MinActivity = 0.2
	}
	if cfg.MinCorrelation <= 0 {
		cfg.MinCorrelation = 0.3
	}
	if cfg.DeltaFlatHz <= 0 {
		cfg.DeltaFlatHz = 5
	}
	if cfg.EndingDecaySlope == 0 {
		cfg.EndingDecaySlope = -0.3
	}
	if cfg.QuestionRiseHz <= 0 {
		cfg.QuestionRiseHz = 20
	}
	return &Extractor{cfg: cfg}
}

// Analyze extracts prosodic features from one frame. Frames whose voice
// activity is below MinActivity are suppressed: Analyze returns ok=false and
// the frame does not enter the rolling histories.
func (e *Extractor) Analyze(samples []float32, timestampMs uint64) (Features, bool) {
	energy := vad.RMSEnergy(samples)
	activity := math.Min(1, energy/fullScaleEnergy)
	if activity < e.cfg.MinActivity {
		return Features{}, false
	}

	pitch := EstimatePitch(samples, e.cfg.SampleRate, e.cfg.MinPitchHz, e.cfg.MaxPitchHz, e.cfg.MinCorrelation)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.sawFrame {
		e.firstMs = timestampMs
		e.sawFrame = true
	}
	e.lastMs = timestampMs
	if !e.active {
		e.active = true
		e.transitions++
	}

	e.energyHist = appendBounded(e.energyHist, energy, e.cfg.HistoryDepth)
	if pitch > 0 {
		e.pitchHist = appendBounded(e.pitchHist, pitch, e.cfg.HistoryDepth)
	}

	decay := normalizedSlope(e.energyHist)
	contour := e.contour()
	variation := stddev(e.pitchHist)

	f := Features{
		PitchHz:        pitch,
		PitchContour:   contour,
		PitchVariation: variation,
		Energy:         energy,
		EnergyDecay:    decay,
		SpeakingRate:   e.speakingRate(),
		VoiceActivity:  activity,
		IsEnding:       decay < e.cfg.EndingDecaySlope,
		IsQuestion:     contour == ContourRising && e.trailingRise() > e.cfg.QuestionRiseHz,
		TimestampMs:    timestampMs,
	}
	return f, true
}

// MarkInactive tells the extractor the current frame was non-speech, so
// speaking-rate transition counting stays accurate. Suppressed frames should
// be reported here.
func (e *Extractor) MarkInactive(timestampMs uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sawFrame {
		e.firstMs = timestampMs
		e.sawFrame = true
	}
	e.lastMs = timestampMs
	if e.active {
		e.active = false
		e.transitions++
	}
}

// Reset clears all rolling history and rate counters.
func (e *Extractor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.energyHist = nil
	e.pitchHist = nil
	e.active = false
	e.transitions = 0
	e.sawFrame = false
	e.firstMs = 0
	e.lastMs = 0
}

// speakingRate returns transitions per second. Called with e.mu held.
func (e *Extractor) speakingRate() float64 {
	elapsed := float64(e.lastMs-e.firstMs) / 1000
	if elapsed <= 0 {
		return 0
	}
	return float64(e.transitions) / elapsed
}

// contour classifies the recent pitch deltas. Called with e.mu held.
func (e *Extractor) contour() Contour {
	if len(e.pitchHist) < 3 {
		return ContourFlat
	}
	rising, falling := 0, 0
	for i := 1; i < len(e.pitchHist); i++ {
		delta := e.pitchHist[i] - e.pitchHist[i-1]
		switch {
		case delta > e.cfg.DeltaFlatHz:
			rising++
		case delta < -e.cfg.DeltaFlatHz:
			falling++
		}
	}
	moves := len(e.pitchHist) - 1
	switch {
	case rising == 0 && falling == 0:
		return ContourFlat
	case rising > 0 && falling == 0 && rising*2 >= moves:
		return ContourRising
	case falling > 0 && rising == 0 && falling*2 >= moves:
		return ContourFalling
	case rising > 0 && falling > 0:
		return ContourComplex
	default:
		return ContourFlat
	}
}

// trailingRise returns the last pitch minus the mean of the earlier history.
// Called with e.mu held.
func (e *Extractor) trailingRise() float64 {
	n := len(e.pitchHist)
	if n < 3 {
		return 0
	}
	var sum float64
	for _, p := range e.pitchHist[:n-1] {
		sum += p
	}
	return e.pitchHist[n-1] - sum/float64(n-1)
}

// EstimatePitch returns the fundamental frequency of samples in Hz using
// normalized autocorrelation over the lag range corresponding to
// [minHz, maxHz]. Returns 0 when no lag reaches minCorrelation (unvoiced or
// too short a buffer).
func EstimatePitch(samples []float32, sampleRate int, minHz, maxHz, minCorrelation float64) float64 {
	minLag := int(float64(sampleRate) / maxHz)
	maxLag := int(float64(sampleRate) / minHz)
	if minLag < 1 {
		minLag = 1
	}
	if maxLag >= len(samples) {
		maxLag = len(samples) - 1
	}
	if maxLag <= minLag {
		return 0
	}

	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	if energy == 0 {
		return 0
	}

	bestLag, bestCorr := 0, 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		var corr float64
		for i := 0; i+lag < len(samples); i++ {
			corr += float64(samples[i]) * float64(samples[i+lag])
		}
		corr /= energy
		if corr > bestCorr {
			bestCorr = corr
			bestLag = lag
		}
	}
	if bestLag == 0 || bestCorr < minCorrelation {
		return 0
	}
	return float64(sampleRate) / float64(bestLag)
}

// normalizedSlope fits a least-squares line through values and returns the
// per-step slope divided by the mean value, clamped to [-1, 1]. An empty or
// flat history yields 0.
func normalizedSlope(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	mean := sumY / fn
	if mean == 0 {
		return 0
	}
	return math.Max(-1, math.Min(1, slope/mean))
}

func stddev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n))
}

func appendBounded(hist []float64, v float64, depth int) []float64 {
	hist = append(hist, v)
	if len(hist) > depth {
		hist = hist[1:]
	}
	return hist
}
