package calibration

import (
	"math"
	"sort"
	"time"
)

// Environment boundaries in dBFS of the measured noise floor.
const (
	quietCeilingDb    = -50.0
	moderateCeilingDb = -38.0
	noisyCeilingDb    = -26.0
)

// SNR tier boundaries for the recommended VAD threshold. Worse SNR gets a
// coarser (less sensitive) threshold.
const (
	snrExcellent = 20.0 // → 0.4
	snrGood      = 10.0 // → 0.5
	snrFair      = 5.0  // → 0.6
)

// measurement accumulates raw samples across the session phases.
type measurement struct {
	cfg Config

	noiseEnergies []float64

	voiceStart    time.Duration
	voiceElapsed  time.Duration
	voiceEnergies []float64
	voiceZCRs     []float64
	pitches       []float64

	gateOpen    bool
	transitions int
}

func newMeasurement(cfg Config) *measurement {
	return &measurement{cfg: cfg}
}

func (m *measurement) addNoise(energy float64) {
	m.noiseEnergies = append(m.noiseEnergies, energy)
}

// noiseFloor is the median of the noise-phase energy samples. The median
// rejects transient clatter better than the mean.
func (m *measurement) noiseFloor() float64 {
	return median(m.noiseEnergies)
}

// analyze derives the calibration result from the accumulated samples.
// ID and TimestampMs are filled by the caller.
func (m *measurement) analyze() *Result {
	noise := m.noiseFloor()
	voice := percentile(m.voiceEnergies, 0.75)

	snr := 0.0
	if noise > 0 {
		snr = voice / noise
	}

	res := &Result{
		BackgroundNoiseLevelDb:      toDb(noise),
		VoiceEnergyLevel:            voice,
		RecommendedVadThreshold:     thresholdForSNR(snr),
		RecommendedSilenceThreshold: clamp((noise+voice)/2, 0.2, 0.5),
		PitchRange:                  pitchRange(m.pitches),
		SpeakingRate:                m.speakingRate(),
		QualityScore:                m.quality(snr),
		DurationMs:                  (m.cfg.NoiseDuration + m.voiceElapsed).Milliseconds(),
		Environment:                 classifyEnvironment(toDb(noise)),
	}
	return res
}

// speakingRate is the speech/silence gate transition count divided by the
// voice-phase duration in seconds.
func (m *measurement) speakingRate() float64 {
	secs := m.voiceElapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(m.transitions) / secs
}

// quality scores the run in [0, 1]: half from SNR, a sufficiency share from
// how much voice was actually captured, and a fixed share for usable pitch.
func (m *measurement) quality(snr float64) float64 {
	snrScore := 0.5 * math.Min(1, snr/snrExcellent)

	expected := int(m.cfg.VoiceDuration / (20 * time.Millisecond) / 2)
	sufficiency := 0.0
	if expected > 0 {
		sufficiency = 0.3 * math.Min(1, float64(len(m.voiceEnergies))/float64(expected))
	}

	pitchScore := 0.0
	if len(m.pitches) >= 5 {
		pitchScore = 0.2
	}
	return snrScore + sufficiency + pitchScore
}

// thresholdForSNR maps the signal-to-noise ratio to one of the four
// recommended VAD sensitivity tiers.
func thresholdForSNR(snr float64) float64 {
	switch {
	case snr >= snrExcellent:
		return 0.4
	case snr >= snrGood:
		return 0.5
	case snr >= snrFair:
		return 0.6
	default:
		return 0.7
	}
}

func classifyEnvironment(noiseDb float64) Environment {
	switch {
	case noiseDb <= quietCeilingDb:
		return EnvQuiet
	case noiseDb <= moderateCeilingDb:
		return EnvModerate
	case noiseDb <= noisyCeilingDb:
		return EnvNoisy
	default:
		return EnvOutdoor
	}
}

func pitchRange(pitches []float64) PitchRange {
	if len(pitches) == 0 {
		return PitchRange{}
	}
	pr := PitchRange{MinHz: pitches[0], MaxHz: pitches[0]}
	var sum float64
	for _, p := range pitches {
		if p < pr.MinHz {
			pr.MinHz = p
		}
		if p > pr.MaxHz {
			pr.MaxHz = p
		}
		sum += p
	}
	pr.MeanHz = sum / float64(len(pitches))
	return pr
}

// toDb converts a linear RMS energy to dBFS. Zero energy maps to -120 dB
// rather than -Inf so downstream arithmetic stays finite.
func toDb(energy float64) float64 {
	if energy <= 0 {
		return -120
	}
	return 20 * math.Log10(energy)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func median(values []float64) float64 {
	return percentile(values, 0.5)
}

// percentile returns the p-quantile (0 ≤ p ≤ 1) of values using
// nearest-rank on a sorted copy. Empty input yields 0.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
