package config

// DiffResult describes what changed between two configs. Only fields that can
// be safely hot-reloaded are tracked; anything else needs a restart.
type DiffResult struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DetectorChanged covers the mode and threshold overrides, which the
	// detector can adopt between frames.
	DetectorChanged bool
	NewDetector     DetectorConfig

	// CacheChanged covers the byte budget and preload list.
	CacheChanged bool
	NewCache     CacheConfig

	// FallbackChanged covers probe endpoints and timing.
	FallbackChanged bool
	NewFallback     FallbackConfig
}

// Any reports whether the diff contains at least one change.
func (d DiffResult) Any() bool {
	return d.LogLevelChanged || d.DetectorChanged || d.CacheChanged || d.FallbackChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) DiffResult {
	d := DiffResult{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if old.Detector != new.Detector {
		d.DetectorChanged = true
		d.NewDetector = new.Detector
	}

	if old.Cache.MaxBytes != new.Cache.MaxBytes ||
		old.Cache.MaxAge != new.Cache.MaxAge ||
		old.Cache.AccessWeight != new.Cache.AccessWeight ||
		!stringSlicesEqual(old.Cache.PreloadPhrases, new.Cache.PreloadPhrases) {
		d.CacheChanged = true
		d.NewCache = new.Cache
	}

	if old.Fallback.HealthEndpoint != new.Fallback.HealthEndpoint ||
		old.Fallback.ProbeTimeout != new.Fallback.ProbeTimeout ||
		old.Fallback.ProbeInterval != new.Fallback.ProbeInterval ||
		old.Fallback.SlowThreshold != new.Fallback.SlowThreshold ||
		old.Fallback.RecoveryDelay != new.Fallback.RecoveryDelay ||
		!stringSlicesEqual(old.Fallback.PingEndpoints, new.Fallback.PingEndpoints) {
		d.FallbackChanged = true
		d.NewFallback = new.Fallback
	}

	return d
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
