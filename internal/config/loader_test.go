package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
log_level: info
storage:
  path: /var/lib/sotto/sotto.db
detector:
  mode: balanced
  energy_threshold: 0.03
  frame_ms: 20
prosody:
  min_pitch_hz: 50
  max_pitch_hz: 500
calibration:
  noise_duration: 3s
  voice_duration: 5s
  speech_wait: 15s
  sample_rate: 16000
cache:
  max_bytes: 10485760
  max_age: 168h
  preload_phrases:
    - "I'm offline right now"
    - "Give me a moment"
  preload_concurrency: 2
fallback:
  health_endpoint: https://api.example.com/health
  ping_endpoints:
    - https://ping.example.com/
  probe_timeout: 3s
  probe_interval: 30s
  slow_threshold: 1500ms
  recovery_delay: 5s
personalization:
  user_id: local
  sync_endpoint: https://sync.example.com/prefs
  sync_debounce: 5s
  max_calibration_history: 10
  max_behavior_events: 200
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.LogLevel != LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Detector.Mode != DetectorBalanced {
		t.Errorf("Detector.Mode = %q, want balanced", cfg.Detector.Mode)
	}
	if cfg.Calibration.NoiseDuration != 3*time.Second {
		t.Errorf("NoiseDuration = %v, want 3s", cfg.Calibration.NoiseDuration)
	}
	if cfg.Cache.MaxBytes != 10485760 {
		t.Errorf("Cache.MaxBytes = %d, want 10485760", cfg.Cache.MaxBytes)
	}
	if len(cfg.Cache.PreloadPhrases) != 2 {
		t.Errorf("PreloadPhrases = %v, want 2 phrases", cfg.Cache.PreloadPhrases)
	}
	if cfg.Fallback.SlowThreshold != 1500*time.Millisecond {
		t.Errorf("SlowThreshold = %v, want 1.5s", cfg.Fallback.SlowThreshold)
	}
	if cfg.Personalization.UserID != "local" {
		t.Errorf("UserID = %q, want local", cfg.Personalization.UserID)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("log_levle: info\n"))
	if err == nil {
		t.Fatal("LoadFromReader accepted a misspelled field")
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad log level",
			yaml: "log_level: verbose\n",
			want: "log_level",
		},
		{
			name: "bad detector mode",
			yaml: "detector:\n  mode: psychic\n",
			want: "detector.mode",
		},
		{
			name: "energy threshold out of range",
			yaml: "detector:\n  energy_threshold: 1.5\n",
			want: "energy_threshold",
		},
		{
			name: "inverted pitch range",
			yaml: "prosody:\n  min_pitch_hz: 500\n  max_pitch_hz: 50\n",
			want: "min_pitch_hz",
		},
		{
			name: "bad probe endpoint",
			yaml: "fallback:\n  health_endpoint: not-a-url\n",
			want: "health_endpoint",
		},
		{
			name: "sync without user id",
			yaml: "personalization:\n  sync_endpoint: https://sync.example.com/\n",
			want: "user_id",
		},
		{
			name: "negative duration",
			yaml: "cache:\n  max_age: -1h\n",
			want: "cache.max_age",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("LoadFromReader accepted invalid config")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidate_JoinsMultipleErrors(t *testing.T) {
	yaml := "log_level: loud\ndetector:\n  mode: psychic\n"
	_, err := LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("LoadFromReader accepted invalid config")
	}
	msg := err.Error()
	if !strings.Contains(msg, "log_level") || !strings.Contains(msg, "detector.mode") {
		t.Errorf("joined error %q missing one of the failures", msg)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sotto.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "/var/lib/sotto/sotto.db" {
		t.Errorf("Storage.Path = %q", cfg.Storage.Path)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load(missing) = nil error")
	}
}
