// Package prefs persists per-user preferences locally and keeps them in sync
// with an optional remote endpoint.
//
// The local store is authoritative: every update is written through
// [github.com/sotto-voice/sotto/pkg/store] immediately, and remote sync is
// best-effort on top. Changed keys are pushed after a debounce window (each
// update cancels and reschedules the timer), and a periodic full sync pushes
// the complete record. Remote state is merged back only when its
// LastUpdatedMs is newer than the local copy — last-writer-wins, resolved by
// timestamp in both directions.
//
// Storage and sync failures are logged and swallowed; the in-memory record
// keeps serving reads either way.
package prefs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sotto-voice/sotto/internal/calibration"
	"github.com/sotto-voice/sotto/pkg/store"
)

// FeedbackPreferences controls how the assistant confirms actions.
type FeedbackPreferences struct {
	SoundEffects       bool `json:"sound_effects"`
	VoiceConfirmations bool `json:"voice_confirmations"`
	HapticEnabled      bool `json:"haptic_enabled"`
}

// UserPreferences is one user's complete preference record.
type UserPreferences struct {
	VADSensitivity       float64             `json:"vad_sensitivity"`
	SilenceThreshold     float64             `json:"silence_threshold"`
	PreferredLanguage    string              `json:"preferred_language"`
	BackchannelFrequency float64             `json:"backchannel_frequency"`
	Feedback             FeedbackPreferences `json:"feedback"`

	// CalibrationHistory holds the most recent calibration results, newest
	// last, capped by Config.MaxCalibrationHistory.
	CalibrationHistory []calibration.Result `json:"calibration_history,omitempty"`

	CustomBackchannels []string `json:"custom_backchannels,omitempty"`
	InterruptionMode   string   `json:"interruption_mode"`
	AdaptiveLearning   bool     `json:"adaptive_learning"`

	// LastUpdatedMs is the wall-clock time of the last local mutation and the
	// sole input to conflict resolution.
	LastUpdatedMs int64 `json:"last_updated_ms"`
}

// Defaults returns the preference record for a user with no saved state.
func Defaults() UserPreferences {
	return UserPreferences{
		VADSensitivity:       0.5,
		SilenceThreshold:     0.35,
		PreferredLanguage:    "en",
		BackchannelFrequency: 0.5,
		Feedback: FeedbackPreferences{
			SoundEffects:       true,
			VoiceConfirmations: true,
		},
		InterruptionMode: "balanced",
		AdaptiveLearning: true,
	}
}

// Config tunes persistence and sync. Zero values take defaults; an empty
// SyncEndpoint disables remote sync entirely.
type Config struct {
	// SyncEndpoint is the remote preference service URL. Empty means
	// local-only operation.
	SyncEndpoint string

	// SyncDebounce is how long to wait after the last change before pushing
	// changed keys. Default 5s.
	SyncDebounce time.Duration

	// FullSyncInterval is the period of complete-record pushes. Default 5m.
	FullSyncInterval time.Duration

	// MaxCalibrationHistory caps the retained calibration results. Default 10.
	MaxCalibrationHistory int

	// HTTPClient overrides the client used for sync requests.
	HTTPClient *http.Client
}

const prefsKey = "preferences"

// syncRequest is the wire format pushed to the sync endpoint.
type syncRequest struct {
	UserID          string          `json:"userId"`
	Preferences     UserPreferences `json:"preferences"`
	ChangedKeys     []string        `json:"changedKeys"`
	ClientTimestamp int64           `json:"clientTimestamp"`
}

type syncResponse struct {
	Success         bool             `json:"success"`
	Preferences     *UserPreferences `json:"preferences,omitempty"`
	ServerTimestamp int64            `json:"serverTimestamp,omitempty"`
}

// Store holds one user's preferences. Safe for concurrent use.
type Store struct {
	kv     store.KV
	userID string
	cfg    Config
	client *http.Client

	mu      sync.Mutex
	current UserPreferences
	pending map[string]struct{}
	timer   *time.Timer

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	now func() time.Time
}

// NewStore creates the preference store for userID, loading any persisted
// record. A missing record starts from [Defaults]; a corrupt one is discarded
// with a warning.
func NewStore(ctx context.Context, kv store.KV, userID string, cfg Config) *Store {
	if cfg.SyncDebounce <= 0 {
		cfg.SyncDebounce = 5 * time.Second
	}
	if cfg.FullSyncInterval <= 0 {
		cfg.FullSyncInterval = 5 * time.Minute
	}
	if cfg.MaxCalibrationHistory <= 0 {
		cfg.MaxCalibrationHistory = 10
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	s := &Store{
		kv:      kv,
		userID:  userID,
		cfg:     cfg,
		client:  client,
		current: Defaults(),
		pending: make(map[string]struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	s.load(ctx)

	if cfg.SyncEndpoint != "" {
		s.wg.Add(1)
		go s.fullSyncLoop()
	}
	return s
}

func (s *Store) namespace() string {
	return "prefs/" + s.userID
}

func (s *Store) load(ctx context.Context) {
	data, err := s.kv.Get(ctx, s.namespace(), prefsKey)
	if err != nil {
		if err != store.ErrNotFound {
			slog.Warn("prefs: load", "user", s.userID, "error", err)
		}
		return
	}
	var p UserPreferences
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Warn("prefs: corrupt record discarded", "user", s.userID, "error", err)
		return
	}
	s.current = p
}

// Get returns a copy of the current record.
func (s *Store) Get() UserPreferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() UserPreferences {
	p := s.current
	p.CalibrationHistory = append([]calibration.Result(nil), s.current.CalibrationHistory...)
	p.CustomBackchannels = append([]string(nil), s.current.CustomBackchannels...)
	return p
}

// Update applies mutate to the record, stamps LastUpdatedMs, persists, and
// schedules a debounced sync of the keys that actually changed.
func (s *Store) Update(ctx context.Context, mutate func(*UserPreferences)) UserPreferences {
	s.mu.Lock()
	before := s.current
	mutate(&s.current)
	s.current.LastUpdatedMs = s.now().UnixMilli()

	changed := changedKeys(before, s.current)
	for _, k := range changed {
		s.pending[k] = struct{}{}
	}
	out := s.copyLocked()
	s.mu.Unlock()

	s.persist(ctx)
	if len(changed) > 0 {
		s.scheduleSync()
	}
	return out
}

// AppendCalibration adds a calibration result to the capped history without
// touching the tuning fields.
func (s *Store) AppendCalibration(ctx context.Context, res calibration.Result) {
	s.Update(ctx, func(p *UserPreferences) {
		p.CalibrationHistory = append(p.CalibrationHistory, res)
		if n := len(p.CalibrationHistory); n > s.cfg.MaxCalibrationHistory {
			p.CalibrationHistory = p.CalibrationHistory[n-s.cfg.MaxCalibrationHistory:]
		}
	})
}

// changedKeys compares the syncable fields of two records. History and
// timestamp are excluded: the former syncs as part of full pushes, the latter
// changes on every write.
func changedKeys(a, b UserPreferences) []string {
	var keys []string
	if a.VADSensitivity != b.VADSensitivity {
		keys = append(keys, "vad_sensitivity")
	}
	if a.SilenceThreshold != b.SilenceThreshold {
		keys = append(keys, "silence_threshold")
	}
	if a.PreferredLanguage != b.PreferredLanguage {
		keys = append(keys, "preferred_language")
	}
	if a.BackchannelFrequency != b.BackchannelFrequency {
		keys = append(keys, "backchannel_frequency")
	}
	if a.Feedback != b.Feedback {
		keys = append(keys, "feedback")
	}
	if !stringSlicesEqual(a.CustomBackchannels, b.CustomBackchannels) {
		keys = append(keys, "custom_backchannels")
	}
	if a.InterruptionMode != b.InterruptionMode {
		keys = append(keys, "interruption_mode")
	}
	if a.AdaptiveLearning != b.AdaptiveLearning {
		keys = append(keys, "adaptive_learning")
	}
	return keys
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

func (s *Store) persist(ctx context.Context) {
	s.mu.Lock()
	data, err := json.Marshal(s.current)
	s.mu.Unlock()
	if err != nil {
		slog.Warn("prefs: marshal", "user", s.userID, "error", err)
		return
	}
	if err := s.kv.Put(ctx, s.namespace(), prefsKey, data); err != nil {
		slog.Warn("prefs: persist", "user", s.userID, "error", err)
	}
}

// scheduleSync arms the debounce timer, canceling any pending one so a burst
// of updates produces a single push.
func (s *Store) scheduleSync() {
	if s.cfg.SyncEndpoint == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.cfg.SyncDebounce, func() {
		select {
		case <-s.done:
			return
		default:
		}
		s.syncNow(context.Background(), false)
	})
}

// syncNow pushes the record to the sync endpoint. full pushes every key;
// otherwise only the pending changed keys go out. On failure the keys stay
// pending for the next attempt.
func (s *Store) syncNow(ctx context.Context, full bool) {
	s.mu.Lock()
	var keys []string
	if full {
		keys = changedKeys(UserPreferences{}, s.current)
	} else {
		for k := range s.pending {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	req := syncRequest{
		UserID:          s.userID,
		Preferences:     s.copyLocked(),
		ChangedKeys:     keys,
		ClientTimestamp: s.now().UnixMilli(),
	}
	s.pending = make(map[string]struct{})
	s.mu.Unlock()

	if !full && len(keys) == 0 {
		return
	}

	resp, err := s.push(ctx, req)
	if err != nil {
		slog.Warn("prefs: sync", "user", s.userID, "error", err)
		s.mu.Lock()
		for _, k := range keys {
			s.pending[k] = struct{}{}
		}
		s.mu.Unlock()
		return
	}
	if resp.Preferences != nil {
		s.merge(ctx, *resp.Preferences)
	}
}

func (s *Store) push(ctx context.Context, req syncRequest) (*syncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("prefs: marshal sync request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.SyncEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("prefs: build sync request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("prefs: sync request: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prefs: sync request: status %d", httpResp.StatusCode)
	}

	var resp syncResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("prefs: decode sync response: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("prefs: sync rejected by server")
	}
	return &resp, nil
}

// merge adopts the remote record only when it is strictly newer than the
// local one.
func (s *Store) merge(ctx context.Context, remote UserPreferences) {
	s.mu.Lock()
	if remote.LastUpdatedMs <= s.current.LastUpdatedMs {
		s.mu.Unlock()
		return
	}
	s.current = remote
	s.mu.Unlock()

	slog.Debug("prefs: merged remote record", "user", s.userID, "updated_ms", remote.LastUpdatedMs)
	s.persist(ctx)
}

func (s *Store) fullSyncLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FullSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.syncNow(context.Background(), true)
		case <-s.done:
			return
		}
	}
}

// Close stops the sync loop and flushes any pending changes. Safe to call
// more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		hasPending := len(s.pending) > 0
		s.mu.Unlock()

		s.wg.Wait()
		if hasPending && s.cfg.SyncEndpoint != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.syncNow(ctx, false)
		}
	})
	return nil
}
