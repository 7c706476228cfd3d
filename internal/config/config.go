// Package config provides the configuration schema, loader, and file watcher
// for the Sotto offline voice subsystem.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// DetectorMode selects a voice-activity detection preset.
type DetectorMode string

const (
	// DetectorQuality favours complete segments over reaction time.
	DetectorQuality DetectorMode = "quality"

	// DetectorBalanced is the general-purpose default.
	DetectorBalanced DetectorMode = "balanced"

	// DetectorLowLatency shortens hysteresis for fast turn-taking.
	DetectorLowLatency DetectorMode = "low-latency"

	// DetectorAggressive filters hard against non-speech.
	DetectorAggressive DetectorMode = "aggressive"
)

// IsValid reports whether m is a recognised detector mode.
func (m DetectorMode) IsValid() bool {
	switch m {
	case DetectorQuality, DetectorBalanced, DetectorLowLatency, DetectorAggressive:
		return true
	}
	return false
}

// Config is the root configuration structure for Sotto.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	LogLevel        LogLevel              `yaml:"log_level"`
	Storage         StorageConfig         `yaml:"storage"`
	Detector        DetectorConfig        `yaml:"detector"`
	Prosody         ProsodyConfig         `yaml:"prosody"`
	Calibration     CalibrationConfig     `yaml:"calibration"`
	Cache           CacheConfig           `yaml:"cache"`
	Fallback        FallbackConfig        `yaml:"fallback"`
	Personalization PersonalizationConfig `yaml:"personalization"`
}

// StorageConfig locates the local database.
type StorageConfig struct {
	// Path is the SQLite database file. Empty means in-memory only.
	Path string `yaml:"path"`
}

// DetectorConfig tunes voice activity detection.
type DetectorConfig struct {
	// Mode selects a preset; individual fields below override it.
	Mode DetectorMode `yaml:"mode"`

	// EnergyThreshold overrides the preset's speech energy threshold when > 0.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// ZCRThreshold overrides the preset's zero-crossing ceiling when > 0.
	ZCRThreshold float64 `yaml:"zcr_threshold"`

	// FrameMs is the frame duration delivered by the audio device.
	FrameMs int `yaml:"frame_ms"`
}

// ProsodyConfig tunes prosodic feature extraction.
type ProsodyConfig struct {
	// MinActivity suppresses extraction below this activity level.
	MinActivity float64 `yaml:"min_activity"`

	// MinPitchHz and MaxPitchHz bound the pitch search range.
	MinPitchHz float64 `yaml:"min_pitch_hz"`
	MaxPitchHz float64 `yaml:"max_pitch_hz"`
}

// CalibrationConfig tunes the guided calibration session.
type CalibrationConfig struct {
	// NoiseDuration is the background noise measurement window.
	NoiseDuration time.Duration `yaml:"noise_duration"`

	// VoiceDuration is the voice measurement window.
	VoiceDuration time.Duration `yaml:"voice_duration"`

	// SpeechWait bounds how long to wait for the user to start speaking.
	SpeechWait time.Duration `yaml:"speech_wait"`

	// SampleRate of the capture stream in Hz.
	SampleRate int `yaml:"sample_rate"`
}

// CacheConfig tunes the synthesized response cache.
type CacheConfig struct {
	// MaxBytes is the audio byte budget.
	MaxBytes int64 `yaml:"max_bytes"`

	// MaxAge expires entries regardless of use.
	MaxAge time.Duration `yaml:"max_age"`

	// AccessWeight is how much recency one cache access is worth in the
	// eviction score.
	AccessWeight time.Duration `yaml:"access_weight"`

	// PreloadPhrases are synthesized and cached at startup.
	PreloadPhrases []string `yaml:"preload_phrases"`

	// PreloadConcurrency bounds parallel synthesis during preload.
	PreloadConcurrency int `yaml:"preload_concurrency"`
}

// FallbackConfig tunes network probing and mode selection.
type FallbackConfig struct {
	// HealthEndpoint is the primary probe target.
	HealthEndpoint string `yaml:"health_endpoint"`

	// PingEndpoints are alternates tried when the primary fails.
	PingEndpoints []string `yaml:"ping_endpoints"`

	// ProbeTimeout bounds a single probe request.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// ProbeInterval is the period between automatic probes.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// SlowThreshold is the latency above which the network counts as slow.
	SlowThreshold time.Duration `yaml:"slow_threshold"`

	// RecoveryDelay is how long the network must hold before leaving offline
	// mode.
	RecoveryDelay time.Duration `yaml:"recovery_delay"`
}

// PersonalizationConfig tunes preference storage and behavior learning.
type PersonalizationConfig struct {
	// UserID identifies the local user's record.
	UserID string `yaml:"user_id"`

	// SyncEndpoint is the remote preference service. Empty disables sync.
	SyncEndpoint string `yaml:"sync_endpoint"`

	// SyncDebounce is the quiet period before changed keys are pushed.
	SyncDebounce time.Duration `yaml:"sync_debounce"`

	// MaxCalibrationHistory caps retained calibration results.
	MaxCalibrationHistory int `yaml:"max_calibration_history"`

	// MaxBehaviorEvents caps the retained barge-in history.
	MaxBehaviorEvents int `yaml:"max_behavior_events"`
}
