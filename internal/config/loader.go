package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Detector.Mode != "" && !cfg.Detector.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("detector.mode %q is invalid; valid values: quality, balanced, low-latency, aggressive", cfg.Detector.Mode))
	}
	if cfg.Detector.EnergyThreshold < 0 || cfg.Detector.EnergyThreshold > 1 {
		errs = append(errs, fmt.Errorf("detector.energy_threshold %.3f is out of range [0, 1]", cfg.Detector.EnergyThreshold))
	}
	if cfg.Detector.ZCRThreshold < 0 || cfg.Detector.ZCRThreshold > 1 {
		errs = append(errs, fmt.Errorf("detector.zcr_threshold %.3f is out of range [0, 1]", cfg.Detector.ZCRThreshold))
	}
	if cfg.Detector.FrameMs < 0 {
		errs = append(errs, fmt.Errorf("detector.frame_ms %d must not be negative", cfg.Detector.FrameMs))
	}

	if p := cfg.Prosody; p.MinPitchHz != 0 && p.MaxPitchHz != 0 && p.MinPitchHz >= p.MaxPitchHz {
		errs = append(errs, fmt.Errorf("prosody.min_pitch_hz %.0f must be below prosody.max_pitch_hz %.0f", p.MinPitchHz, p.MaxPitchHz))
	}

	if cfg.Calibration.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("calibration.sample_rate %d must not be negative", cfg.Calibration.SampleRate))
	}
	for name, d := range map[string]int64{
		"calibration.noise_duration": int64(cfg.Calibration.NoiseDuration),
		"calibration.voice_duration": int64(cfg.Calibration.VoiceDuration),
		"calibration.speech_wait":    int64(cfg.Calibration.SpeechWait),
		"cache.max_age":              int64(cfg.Cache.MaxAge),
		"cache.access_weight":        int64(cfg.Cache.AccessWeight),
		"fallback.probe_timeout":     int64(cfg.Fallback.ProbeTimeout),
		"fallback.probe_interval":    int64(cfg.Fallback.ProbeInterval),
		"fallback.slow_threshold":    int64(cfg.Fallback.SlowThreshold),
		"fallback.recovery_delay":    int64(cfg.Fallback.RecoveryDelay),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	if cfg.Cache.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("cache.max_bytes %d must not be negative", cfg.Cache.MaxBytes))
	}

	validateEndpoint(&errs, "fallback.health_endpoint", cfg.Fallback.HealthEndpoint)
	for i, ep := range cfg.Fallback.PingEndpoints {
		validateEndpoint(&errs, fmt.Sprintf("fallback.ping_endpoints[%d]", i), ep)
	}
	validateEndpoint(&errs, "personalization.sync_endpoint", cfg.Personalization.SyncEndpoint)

	if cfg.Personalization.SyncEndpoint != "" && cfg.Personalization.UserID == "" {
		errs = append(errs, errors.New("personalization.user_id is required when sync_endpoint is set"))
	}

	// Operational warnings, not errors.
	if cfg.Fallback.HealthEndpoint == "" && len(cfg.Fallback.PingEndpoints) == 0 {
		slog.Warn("config: no probe endpoints configured; network status will stay unknown")
	}
	if cfg.Storage.Path == "" {
		slog.Warn("config: storage.path is empty; preferences and cached responses will not survive restarts")
	}

	return errors.Join(errs...)
}

// validateEndpoint appends an error when s is non-empty and not an absolute
// http(s) URL.
func validateEndpoint(errs *[]error, name, s string) {
	if s == "" {
		return
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		*errs = append(*errs, fmt.Errorf("%s %q is not a valid http(s) URL", name, s))
	}
}
