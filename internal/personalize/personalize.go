// Package personalize ties the calibration, behavior, and preference layers
// into a single per-user manager.
//
// A calibration run measures the environment; the behavior tracker learns
// from recorded barge-ins; and the preference store holds the merged outcome.
// [Manager.RecommendedThreshold] is the read side the detector consumes: the
// latest calibration measurement nudged by what the tracker has learned
// since.
package personalize

import (
	"context"
	"log/slog"

	"github.com/sotto-voice/sotto/internal/behavior"
	"github.com/sotto-voice/sotto/internal/calibration"
	"github.com/sotto-voice/sotto/internal/prefs"
	"github.com/sotto-voice/sotto/pkg/audio"
	"github.com/sotto-voice/sotto/pkg/store"
)

// Config aggregates the per-layer tuning.
type Config struct {
	Calibration calibration.Config
	Behavior    behavior.Config
	Prefs       prefs.Config
}

// Manager owns one user's personalization state. Safe for concurrent use.
type Manager struct {
	userID  string
	session *calibration.Session
	tracker *behavior.Tracker
	store   *prefs.Store
}

// NewManager builds the manager for userID. The preference record and barge-in
// history are loaded from kv immediately; device is only opened when a
// calibration run starts.
func NewManager(ctx context.Context, device audio.Device, kv store.KV, userID string, cfg Config) *Manager {
	return &Manager{
		userID:  userID,
		session: calibration.NewSession(device, cfg.Calibration),
		tracker: behavior.NewTracker(ctx, kv, userID, cfg.Behavior),
		store:   prefs.NewStore(ctx, kv, userID, cfg.Prefs),
	}
}

// Preferences returns a copy of the current preference record.
func (m *Manager) Preferences() prefs.UserPreferences {
	return m.store.Get()
}

// UpdatePreferences applies a mutation to the preference record.
func (m *Manager) UpdatePreferences(ctx context.Context, mutate func(*prefs.UserPreferences)) prefs.UserPreferences {
	return m.store.Update(ctx, mutate)
}

// RunCalibration runs a guided calibration and folds the outcome into the
// user's preferences. The result lands in the calibration history either way;
// the recommended thresholds are adopted only while AdaptiveLearning is on.
// Concurrent runs are rejected with [calibration.ErrSessionActive].
func (m *Manager) RunCalibration(ctx context.Context, onProgress calibration.ProgressFunc) (*calibration.Result, error) {
	res, err := m.session.Run(ctx, onProgress)
	if err != nil {
		return nil, err
	}

	m.store.AppendCalibration(ctx, *res)
	if m.store.Get().AdaptiveLearning {
		m.store.Update(ctx, func(p *prefs.UserPreferences) {
			p.VADSensitivity = res.RecommendedVadThreshold
			p.SilenceThreshold = res.RecommendedSilenceThreshold
		})
	}
	slog.Info("personalize: calibration complete",
		"user", m.userID,
		"quality", res.QualityScore,
		"environment", res.Environment,
		"vad_threshold", res.RecommendedVadThreshold)
	return res, nil
}

// CalibrationState reports the state of the underlying session.
func (m *Manager) CalibrationState() calibration.State {
	return m.session.State()
}

// RecordBargeIn records a classified barge-in for learning.
func (m *Manager) RecordBargeIn(ctx context.Context, typ behavior.EventType, durationMs int64, confidence float64, opts behavior.RecordOptions) behavior.Event {
	return m.tracker.RecordBargeIn(ctx, typ, durationMs, confidence, opts)
}

// MarkCorrectness labels a previously recorded barge-in.
func (m *Manager) MarkCorrectness(ctx context.Context, eventID string, correct bool) error {
	return m.tracker.MarkCorrectness(ctx, eventID, correct)
}

// BehaviorStats returns the tracker's aggregate view.
func (m *Manager) BehaviorStats() behavior.Stats {
	return m.tracker.Stats()
}

// DetectPatterns reports learned behavioral patterns.
func (m *Manager) DetectPatterns() []behavior.Pattern {
	return m.tracker.DetectPatterns()
}

// RecommendedThreshold blends the calibrated baseline with the behavioral
// adjustment. With AdaptiveLearning off, the stored sensitivity is returned
// untouched; otherwise the tracker nudges it by its learned step.
func (m *Manager) RecommendedThreshold() float64 {
	p := m.store.Get()
	base := p.VADSensitivity
	if !p.AdaptiveLearning {
		return base
	}
	return m.tracker.RecommendedSensitivity(base)
}

// Close flushes the preference store. The tracker persists on every write and
// needs no teardown.
func (m *Manager) Close() error {
	return m.store.Close()
}
