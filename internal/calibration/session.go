// Package calibration implements the guided threshold-calibration procedure:
// a single-flight, cancelable session that measures the user's background
// noise and voice levels from a raw audio stream and derives recommended
// detection thresholds.
//
// A session walks a fixed state sequence:
//
//	idle → preparing → measuring_noise → waiting_speech → measuring_voice →
//	analyzing → complete | error
//
// Phase boundaries are driven by stream time (frame timestamps), so a session
// over a recorded stream is deterministic; wall-clock timeouts additionally
// bound the speech wait so a silent room cannot hang the procedure.
//
// The audio source is released on every exit path — success, cancellation,
// timeout, or error.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sotto-voice/sotto/internal/prosody"
	"github.com/sotto-voice/sotto/internal/vad"
	"github.com/sotto-voice/sotto/pkg/audio"
)

// ErrSessionActive is returned by [Session.Run] when a calibration is already
// in flight. This is a programmer error, not a degraded condition.
var ErrSessionActive = errors.New("calibration: session already active")

// ErrSpeechTimeout is returned when no speech is detected within the
// configured wait bound. The session resets to idle; the caller should ask
// the user to retry.
var ErrSpeechTimeout = errors.New("calibration: no speech detected — please try again and speak clearly")

// ErrStreamEnded is returned when the audio stream ends before enough
// background noise could be measured.
var ErrStreamEnded = errors.New("calibration: audio stream ended prematurely")

// State is the calibration procedure state.
type State string

const (
	StateIdle           State = "idle"
	StatePreparing      State = "preparing"
	StateMeasuringNoise State = "measuring_noise"
	StateWaitingSpeech  State = "waiting_speech"
	StateMeasuringVoice State = "measuring_voice"
	StateAnalyzing      State = "analyzing"
	StateComplete       State = "complete"
	StateError          State = "error"
)

// Environment classifies the acoustic surroundings from the measured noise
// level.
type Environment string

const (
	EnvQuiet    Environment = "quiet"
	EnvModerate Environment = "moderate"
	EnvNoisy    Environment = "noisy"
	EnvOutdoor  Environment = "outdoor"
)

// PitchRange summarizes the plausible pitch samples collected while the user
// spoke.
type PitchRange struct {
	MinHz  float64 `json:"min_hz"`
	MaxHz  float64 `json:"max_hz"`
	MeanHz float64 `json:"mean_hz"`
}

// Result is the immutable outcome of a completed calibration run.
type Result struct {
	ID                          string      `json:"id"`
	TimestampMs                 int64       `json:"timestamp_ms"`
	BackgroundNoiseLevelDb      float64     `json:"background_noise_level_db"`
	VoiceEnergyLevel            float64     `json:"voice_energy_level"`
	RecommendedVadThreshold     float64     `json:"recommended_vad_threshold"`
	RecommendedSilenceThreshold float64     `json:"recommended_silence_threshold"`
	PitchRange                  PitchRange  `json:"pitch_range"`
	SpeakingRate                float64     `json:"speaking_rate"`
	QualityScore                float64     `json:"quality_score"`
	DurationMs                  int64       `json:"duration_ms"`
	Environment                 Environment `json:"environment"`
}

// ProgressFunc receives state transitions during a run. fraction is a rough
// overall completion estimate in [0, 1]. Called synchronously; must not block.
type ProgressFunc func(state State, fraction float64)

// Config holds session timing. Zero values take defaults.
type Config struct {
	// NoiseDuration is how much stream time to spend measuring background
	// noise. Default 3s.
	NoiseDuration time.Duration

	// VoiceDuration is how much stream time to spend measuring the user's
	// voice once speech is found. Default 5s.
	VoiceDuration time.Duration

	// SpeechWait bounds the wait for the user to start speaking, in both
	// stream time and wall time. Default 15s.
	SpeechWait time.Duration

	// SampleRate of the audio stream in Hz. Default 16000.
	SampleRate int
}

// Factors relating measured levels to detection behavior.
const (
	// speechTrigger: energy above this multiple of the noise floor ends the
	// waiting_speech phase.
	speechTrigger = 3.0

	// voiceGate: only frames above this multiple of the noise floor
	// contribute voice samples during measuring_voice.
	voiceGate = 2.0
)

// Session runs calibration procedures against an audio device. A Session may
// be reused for sequential runs; concurrent runs are rejected with
// [ErrSessionActive]. Safe for concurrent use.
type Session struct {
	device audio.Device
	cfg    Config

	mu     sync.Mutex
	state  State
	active bool
}

// NewSession creates a calibration session for device. Zero-value cfg fields
// take defaults.
func NewSession(device audio.Device, cfg Config) *Session {
	if cfg.NoiseDuration <= 0 {
		cfg.NoiseDuration = 3 * time.Second
	}
	if cfg.VoiceDuration <= 0 {
		cfg.VoiceDuration = 5 * time.Second
	}
	if cfg.SpeechWait <= 0 {
		cfg.SpeechWait = 15 * time.Second
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &Session{device: device, cfg: cfg, state: StateIdle}
}

// State returns the current procedure state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run executes one full calibration procedure. It is single-flight: a second
// Run while one is active fails fast with [ErrSessionActive]. The procedure
// honors ctx cancellation at every phase; onProgress (may be nil) is invoked
// on each state transition.
func (s *Session) Run(ctx context.Context, onProgress ProgressFunc) (*Result, error) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil, ErrSessionActive
	}
	s.active = true
	s.mu.Unlock()

	started := time.Now()
	res, err := s.run(ctx, onProgress)

	s.mu.Lock()
	s.active = false
	if err != nil {
		// Error state is reported, then the session returns to idle so the
		// user can retry immediately.
		s.state = StateIdle
	}
	s.mu.Unlock()

	if err != nil {
		slog.Warn("calibration: run failed", "error", err, "elapsed", time.Since(started))
		return nil, err
	}
	slog.Info("calibration: run complete",
		"quality", fmt.Sprintf("%.2f", res.QualityScore),
		"environment", res.Environment,
		"vad_threshold", res.RecommendedVadThreshold)
	return res, nil
}

// run executes the phases. The source is closed in a defer regardless of
// which phase fails.
func (s *Session) run(ctx context.Context, onProgress ProgressFunc) (*Result, error) {
	s.transition(StatePreparing, 0.02, onProgress)

	source, err := s.openRaw(ctx)
	if err != nil {
		s.transition(StateError, 0, onProgress)
		return nil, err
	}
	defer func() {
		if cerr := source.Close(); cerr != nil {
			slog.Warn("calibration: close source", "error", cerr)
		}
	}()

	m := newMeasurement(s.cfg)

	// Phase 1: background noise.
	s.transition(StateMeasuringNoise, 0.1, onProgress)
	if err := s.measureNoise(ctx, source, m); err != nil {
		s.transition(StateError, 0, onProgress)
		return nil, err
	}

	// Phase 2: wait for the user to speak.
	s.transition(StateWaitingSpeech, 0.4, onProgress)
	if err := s.waitForSpeech(ctx, source, m); err != nil {
		s.transition(StateError, 0, onProgress)
		return nil, err
	}

	// Phase 3: measure the voice.
	s.transition(StateMeasuringVoice, 0.5, onProgress)
	if err := s.measureVoice(ctx, source, m); err != nil {
		s.transition(StateError, 0, onProgress)
		return nil, err
	}

	// Phase 4: derive the result.
	s.transition(StateAnalyzing, 0.9, onProgress)
	res := m.analyze()
	res.ID = uuid.NewString()
	res.TimestampMs = time.Now().UnixMilli()

	s.transition(StateComplete, 1, onProgress)
	return res, nil
}

// openRaw opens an unprocessed stream, falling back to the processed stream
// when the platform cannot disable its processing chain.
func (s *Session) openRaw(ctx context.Context) (audio.Source, error) {
	source, err := s.device.OpenRaw(ctx)
	if err == nil {
		return source, nil
	}
	slog.Debug("calibration: raw capture unavailable, using processed stream", "error", err)
	source, err = s.device.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("calibration: open audio stream: %w", err)
	}
	return source, nil
}

func (s *Session) transition(state State, fraction float64, onProgress ProgressFunc) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	if onProgress != nil {
		onProgress(state, fraction)
	}
}

// measureNoise collects energy samples until NoiseDuration of stream time has
// elapsed.
func (s *Session) measureNoise(ctx context.Context, source audio.Source, m *measurement) error {
	deadline := s.cfg.NoiseDuration
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("calibration: cancelled during noise measurement: %w", ctx.Err())
		case frame, ok := <-source.Frames():
			if !ok {
				return ErrStreamEnded
			}
			m.addNoise(vad.RMSEnergy(frame.Samples))
			if frame.Timestamp+frame.FrameDuration() >= deadline {
				return nil
			}
		}
	}
}

// waitForSpeech blocks until a frame exceeds speechTrigger × noise floor, the
// stream-time or wall-clock wait bound expires, or ctx is cancelled.
func (s *Session) waitForSpeech(ctx context.Context, source audio.Source, m *measurement) error {
	trigger := speechTrigger * m.noiseFloor()
	waitStart := time.Duration(-1)

	timer := time.NewTimer(s.cfg.SpeechWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("calibration: cancelled while waiting for speech: %w", ctx.Err())
		case <-timer.C:
			return ErrSpeechTimeout
		case frame, ok := <-source.Frames():
			if !ok {
				return ErrSpeechTimeout
			}
			if waitStart < 0 {
				waitStart = frame.Timestamp
			}
			if vad.RMSEnergy(frame.Samples) > trigger {
				m.voiceStart = frame.Timestamp
				m.addVoiceFrame(frame)
				return nil
			}
			if frame.Timestamp-waitStart >= s.cfg.SpeechWait {
				return ErrSpeechTimeout
			}
		}
	}
}

// measureVoice collects voice samples for VoiceDuration of stream time.
// Stream end during this phase is not an error: analysis proceeds with the
// samples collected, and the quality score reflects the shortfall.
func (s *Session) measureVoice(ctx context.Context, source audio.Source, m *measurement) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("calibration: cancelled during voice measurement: %w", ctx.Err())
		case frame, ok := <-source.Frames():
			if !ok {
				return nil
			}
			m.addVoiceFrame(frame)
			if frame.Timestamp-m.voiceStart >= s.cfg.VoiceDuration {
				return nil
			}
		}
	}
}

// addVoiceFrame folds one frame into the voice-phase accumulators: frames
// above voiceGate × noise floor contribute energy/ZCR/pitch samples, and
// gate transitions feed the speaking-rate estimate.
func (m *measurement) addVoiceFrame(frame audio.Frame) {
	energy := vad.RMSEnergy(frame.Samples)
	loud := energy > voiceGate*m.noiseFloor()

	if loud != m.gateOpen {
		m.gateOpen = loud
		m.transitions++
	}
	m.voiceElapsed = frame.Timestamp - m.voiceStart + frame.FrameDuration()

	if !loud {
		return
	}
	m.voiceEnergies = append(m.voiceEnergies, energy)
	m.voiceZCRs = append(m.voiceZCRs, vad.ZeroCrossingRate(frame.Samples))
	if p := prosody.EstimatePitch(frame.Samples, m.cfg.SampleRate, 50, 500, 0.3); p > 0 {
		m.pitches = append(m.pitches, p)
	}
}
