// Package vad implements on-device voice activity detection: a per-frame
// energy/zero-crossing classifier feeding a four-state segment machine.
//
// Each audio frame (10/20/30 ms of normalized float32 samples) is reduced to
// RMS energy and zero-crossing rate, smoothed over a short window, and
// classified against an adaptive noise floor. Consecutive-frame hysteresis
// (MinSpeechFrames / MinSilenceFrames) turns the per-frame decisions into
// [Segment] values emitted on the event bus.
//
// Frame processing is strictly sequential: ProcessFrame must not be called
// concurrently, and the Start loop processes one frame at a time. The
// Detector's own mutex only protects state inspection (State, NoiseFloor)
// against the processing goroutine.
package vad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sotto-voice/sotto/internal/events"
	"github.com/sotto-voice/sotto/internal/observe"
	"github.com/sotto-voice/sotto/pkg/audio"
)

// ErrAlreadyRunning is returned by [Detector.Start] when a source is already
// attached.
var ErrAlreadyRunning = errors.New("vad: detector already running")

// Default tuning shared by all presets.
const (
	defaultNoiseFloorAlpha = 0.995
	defaultSmoothingDepth  = 5

	// noiseFloorGate stops the floor from absorbing loud frames: the floor
	// only updates while energy is below noiseFloorGate × floor.
	noiseFloorGate = 2.0

	// initialNoiseFloor is the floor estimate before any background audio has
	// been observed. Calibration replaces it with a measured value.
	initialNoiseFloor = 0.01

	// speechFloorFactor is the multiple of the noise floor a smoothed energy
	// must exceed (in addition to the configured threshold) to count as speech.
	speechFloorFactor = 3.0
)

// State is the detector's segment-machine state.
type State int

const (
	// StateIdle means no audio source is attached.
	StateIdle State = iota

	// StateListening means frames are flowing but no speech is active.
	StateListening

	// StateSpeech means an open speech segment is being accumulated.
	StateSpeech

	// StateSilence means a speech segment is open but recent frames were
	// classified as non-speech; the segment closes after MinSilenceFrames.
	StateSilence
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSpeech:
		return "speech"
	case StateSilence:
		return "silence"
	default:
		return "unknown"
	}
}

// FrameFeature is the per-frame classification result.
type FrameFeature struct {
	// Energy is the smoothed RMS energy of the frame.
	Energy float64

	// ZeroCrossingRate is the smoothed ZCR of the frame.
	ZeroCrossingRate float64

	// IsSpeech reports the frame-level classification (before hysteresis).
	IsSpeech bool

	// TimestampMs is the frame's position in the stream.
	TimestampMs uint64
}

// Segment describes one completed speech utterance.
type Segment struct {
	StartMs       uint64
	EndMs         uint64
	DurationMs    uint64
	AverageEnergy float64
	PeakEnergy    float64
}

// Config holds detector tuning. Zero values are filled with the Balanced
// preset by [NewDetector].
type Config struct {
	// EnergyThreshold is the minimum smoothed RMS energy for a speech frame.
	// The effective threshold is max(EnergyThreshold, 3 × noise floor).
	EnergyThreshold float64

	// ZCRThreshold is the maximum smoothed zero-crossing rate for a speech
	// frame. Noisy/unvoiced frames above it are rejected.
	ZCRThreshold float64

	// MinSpeechFrames is how many consecutive speech frames open a segment.
	MinSpeechFrames int

	// MinSilenceFrames is how many consecutive non-speech frames close an
	// open segment.
	MinSilenceFrames int

	// NoiseFloorAlpha is the exponential decay factor of the adaptive noise
	// floor. Default 0.995.
	NoiseFloorAlpha float64

	// SmoothingDepth is the moving-average window for energy and ZCR.
	// Default 5.
	SmoothingDepth int

	// Metrics, when set, counts completed speech segments.
	Metrics *observe.Metrics
}

// Mode selects one of four preset threshold/frame-count bundles, ordered from
// segment quality (0) to aggressive filtering (3).
type Mode int

const (
	// ModeQuality favours complete segments: low thresholds, long hangover.
	ModeQuality Mode = iota

	// ModeBalanced is the general-purpose default.
	ModeBalanced

	// ModeLowLatency shortens entry/exit hysteresis for fast turn-taking.
	ModeLowLatency

	// ModeAggressive filters hard against non-speech at the cost of clipped
	// segment edges.
	ModeAggressive
)

// ConfigForMode returns the preset bundle for m. Unknown modes fall back to
// [ModeBalanced].
func ConfigForMode(m Mode) Config {
	switch m {
	case ModeQuality:
		return Config{EnergyThreshold: 0.015, ZCRThreshold: 0.35, MinSpeechFrames: 5, MinSilenceFrames: 30}
	case ModeLowLatency:
		return Config{EnergyThreshold: 0.03, ZCRThreshold: 0.25, MinSpeechFrames: 3, MinSilenceFrames: 20}
	case ModeAggressive:
		return Config{EnergyThreshold: 0.05, ZCRThreshold: 0.20, MinSpeechFrames: 2, MinSilenceFrames: 15}
	default:
		return Config{EnergyThreshold: 0.02, ZCRThreshold: 0.30, MinSpeechFrames: 4, MinSilenceFrames: 25}
	}
}

// Preference sensitivity (0–1, higher = less sensitive) maps linearly onto
// this RMS-energy range; 0.5 lands on the [ModeBalanced] preset threshold.
const (
	sensitivityEnergyMin = 0.005
	sensitivityEnergyMax = 0.035
)

// EnergyThresholdForSensitivity converts a 0–1 user sensitivity value into an
// RMS-energy threshold suitable for [Detector.SetEnergyThreshold]. Sensitivity
// values are preference-scale numbers (calibration tiers, behavioral
// adjustments), not energies: passing one to the detector directly would set
// a threshold far above any real speech energy. Inputs outside [0, 1] are
// clamped.
func EnergyThresholdForSensitivity(s float64) float64 {
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	return sensitivityEnergyMin + s*(sensitivityEnergyMax-sensitivityEnergyMin)
}

// Detector classifies frames and emits speech segments on its event bus.
//
// ProcessFrame is not safe for concurrent use — frames must be fed from a
// single goroutine (the Start loop does this). State and NoiseFloor are safe
// to call from any goroutine.
type Detector struct {
	cfg Config
	bus *events.Bus

	mu         sync.Mutex
	state      State
	noiseFloor float64
	energyAvg  *movingAverage
	zcrAvg     *movingAverage

	speechRun  int
	silenceRun int

	// Open-segment accumulators.
	segStartMs   uint64
	lastSpeechMs uint64
	frameMs      uint64
	segEnergySum float64
	segFrames    int
	segPeak      float64

	source   audio.Source
	done     chan struct{}
	stopOnce *sync.Once
}

// NewDetector creates a detector publishing to bus. Zero-value cfg fields are
// filled from the [ModeBalanced] preset.
func NewDetector(cfg Config, bus *events.Bus) *Detector {
	def := ConfigForMode(ModeBalanced)
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = def.EnergyThreshold
	}
	if cfg.ZCRThreshold <= 0 {
		cfg.ZCRThreshold = def.ZCRThreshold
	}
	if cfg.MinSpeechFrames <= 0 {
		cfg.MinSpeechFrames = def.MinSpeechFrames
	}
	if cfg.MinSilenceFrames <= 0 {
		cfg.MinSilenceFrames = def.MinSilenceFrames
	}
	if cfg.NoiseFloorAlpha <= 0 || cfg.NoiseFloorAlpha >= 1 {
		cfg.NoiseFloorAlpha = defaultNoiseFloorAlpha
	}
	if cfg.SmoothingDepth <= 0 {
		cfg.SmoothingDepth = defaultSmoothingDepth
	}
	if bus == nil {
		bus = events.NewBus()
	}
	return &Detector{
		cfg:        cfg,
		bus:        bus,
		state:      StateIdle,
		noiseFloor: initialNoiseFloor,
		energyAvg:  newMovingAverage(cfg.SmoothingDepth),
		zcrAvg:     newMovingAverage(cfg.SmoothingDepth),
	}
}

// Bus returns the event bus the detector publishes to. Subscribe to
// [events.SpeechStart], [events.SpeechEnd], and [events.FrameProcessed].
func (d *Detector) Bus() *events.Bus { return d.bus }

// State returns the current segment-machine state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// NoiseFloor returns the current adaptive noise floor estimate.
func (d *Detector) NoiseFloor() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.noiseFloor
}

// SetEnergyThreshold applies a new base energy threshold, typically a
// calibration or personalization recommendation. Takes effect on the next
// frame; non-positive values are ignored.
func (d *Detector) SetEnergyThreshold(v float64) {
	if v <= 0 {
		return
	}
	d.mu.Lock()
	d.cfg.EnergyThreshold = v
	d.mu.Unlock()
}

// Start attaches source and consumes its frames on a background goroutine
// until the source ends or [Detector.Stop] is called. Returns
// [ErrAlreadyRunning] if a source is already attached.
func (d *Detector) Start(source audio.Source) error {
	d.mu.Lock()
	if d.source != nil {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.source = source
	d.state = StateListening
	d.done = make(chan struct{})
	d.stopOnce = &sync.Once{}
	done := d.done
	d.mu.Unlock()

	go func() {
		defer close(done)
		for frame := range source.Frames() {
			d.ProcessFrame(frame.Samples, uint64(frame.Timestamp.Milliseconds()), uint64(frame.FrameDuration().Milliseconds()))
		}
	}()
	return nil
}

// Stop closes the attached source, waits for the processing loop to drain,
// and resets all detection state. Stop is idempotent.
func (d *Detector) Stop() {
	d.mu.Lock()
	source, once, done := d.source, d.stopOnce, d.done
	d.mu.Unlock()
	if source == nil {
		return
	}
	once.Do(func() {
		if err := source.Close(); err != nil {
			slog.Warn("vad: close source", "error", err)
		}
		<-done
		d.Reset()
		d.mu.Lock()
		d.source = nil
		d.state = StateIdle
		d.mu.Unlock()
	})
}

// Reset clears smoothing history, the noise floor, and any open segment. The
// attached source (if any) keeps running.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.energyAvg.reset()
	d.zcrAvg.reset()
	d.noiseFloor = initialNoiseFloor
	d.speechRun = 0
	d.silenceRun = 0
	d.segFrames = 0
	d.segEnergySum = 0
	d.segPeak = 0
	if d.state != StateIdle {
		d.state = StateListening
	}
}

// ProcessFrame classifies one frame and advances the segment machine.
// timestampMs is the frame's stream position; frameMs its duration.
// Must be called from a single goroutine.
func (d *Detector) ProcessFrame(samples []float32, timestampMs, frameMs uint64) FrameFeature {
	energy := RMSEnergy(samples)
	zcr := ZeroCrossingRate(samples)

	d.mu.Lock()
	if d.state == StateIdle {
		d.state = StateListening
	}
	d.frameMs = frameMs

	smoothedEnergy := d.energyAvg.push(energy)
	smoothedZCR := d.zcrAvg.push(zcr)

	// The floor adapts only outside speech and only toward quiet frames, so
	// sustained talking cannot drag it upward.
	inSpeech := d.state == StateSpeech
	if !inSpeech && energy > 0 && energy < noiseFloorGate*d.noiseFloor {
		a := d.cfg.NoiseFloorAlpha
		d.noiseFloor = a*d.noiseFloor + (1-a)*energy
	}

	threshold := d.cfg.EnergyThreshold
	if f := speechFloorFactor * d.noiseFloor; f > threshold {
		threshold = f
	}
	isSpeech := smoothedEnergy > threshold && smoothedZCR < d.cfg.ZCRThreshold

	feature := FrameFeature{
		Energy:           smoothedEnergy,
		ZeroCrossingRate: smoothedZCR,
		IsSpeech:         isSpeech,
		TimestampMs:      timestampMs,
	}

	var emit []events.Event
	if isSpeech {
		emit = d.onSpeechFrame(timestampMs, frameMs, smoothedEnergy)
	} else {
		emit = d.onSilenceFrame()
	}
	d.mu.Unlock()

	for _, ev := range emit {
		if ev.Type == events.SpeechEnd && d.cfg.Metrics != nil {
			d.cfg.Metrics.RecordVADSegment(context.Background())
		}
		d.bus.Emit(ev)
	}
	d.bus.Emit(events.Event{Type: events.FrameProcessed, Payload: feature})
	return feature
}

// onSpeechFrame advances the machine for a speech-classified frame.
// Called with d.mu held; returns events to emit after unlocking.
func (d *Detector) onSpeechFrame(timestampMs, frameMs uint64, energy float64) []events.Event {
	var out []events.Event
	switch d.state {
	case StateListening:
		d.speechRun++
		if d.speechRun >= d.cfg.MinSpeechFrames {
			d.state = StateSpeech
			// The segment starts at the first frame of the run.
			d.segStartMs = timestampMs - uint64(d.cfg.MinSpeechFrames-1)*frameMs
			d.segEnergySum = energy
			d.segFrames = 1
			d.segPeak = energy
			d.lastSpeechMs = timestampMs
			out = append(out, events.Event{Type: events.SpeechStart, Payload: d.segStartMs})
		}
	case StateSpeech, StateSilence:
		d.state = StateSpeech
		d.silenceRun = 0
		d.segEnergySum += energy
		d.segFrames++
		if energy > d.segPeak {
			d.segPeak = energy
		}
		d.lastSpeechMs = timestampMs
	}
	return out
}

// onSilenceFrame advances the machine for a non-speech frame.
// Called with d.mu held; returns events to emit after unlocking.
func (d *Detector) onSilenceFrame() []events.Event {
	var out []events.Event
	switch d.state {
	case StateListening:
		d.speechRun = 0
	case StateSpeech:
		d.state = StateSilence
		d.silenceRun = 1
	case StateSilence:
		d.silenceRun++
		if d.silenceRun >= d.cfg.MinSilenceFrames {
			seg := d.closeSegment()
			out = append(out, events.Event{Type: events.SpeechEnd, Payload: seg})
		}
	}
	return out
}

// closeSegment finalizes the open segment and returns it.
// Called with d.mu held.
func (d *Detector) closeSegment() Segment {
	end := d.lastSpeechMs + d.frameMs
	seg := Segment{
		StartMs:       d.segStartMs,
		EndMs:         end,
		DurationMs:    end - d.segStartMs,
		AverageEnergy: d.segEnergySum / float64(d.segFrames),
		PeakEnergy:    d.segPeak,
	}
	d.state = StateListening
	d.speechRun = 0
	d.silenceRun = 0
	d.segFrames = 0
	d.segEnergySum = 0
	d.segPeak = 0
	slog.Debug("vad: segment closed",
		"start_ms", seg.StartMs, "duration_ms", seg.DurationMs,
		"avg_energy", fmt.Sprintf("%.4f", seg.AverageEnergy))
	return seg
}
