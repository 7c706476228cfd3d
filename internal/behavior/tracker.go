// Package behavior records barge-in events and derives the statistics that
// drive adaptive threshold learning.
//
// Every barge-in classification produced by the interruption pipeline is
// recorded as an [Event] and folded incrementally into [Stats]. The event
// history is the source of truth: it is persisted per user through the
// key-value store, capped by count and age, and the stats are rebuilt by
// replaying it on load — so the stats are a cache, never authoritative.
//
// Correctness labels arrive after the fact ([Tracker.MarkCorrectness]) when
// the surrounding application learns whether an interruption was real; the
// false-positive rate is computed only over labeled events.
package behavior

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"

	"github.com/sotto-voice/sotto/pkg/store"
)

// EventType classifies a barge-in.
type EventType string

const (
	// TypeBackchannel is an acknowledgment ("mm-hmm", "right") that should
	// not interrupt playback.
	TypeBackchannel EventType = "backchannel"

	// TypeSoftBarge is a partial interruption — the user starts talking but
	// yields when the assistant continues.
	TypeSoftBarge EventType = "soft_barge"

	// TypeHardBarge is a full interruption that must stop playback.
	TypeHardBarge EventType = "hard_barge"
)

// Event is one recorded barge-in. Immutable except for WasCorrect, which is
// set post-hoc by [Tracker.MarkCorrectness].
type Event struct {
	ID            string    `json:"id"`
	TimestampMs   int64     `json:"timestamp_ms"`
	Type          EventType `json:"type"`
	DurationMs    int64     `json:"duration_ms"`
	VADConfidence float64   `json:"vad_confidence"`
	Transcript    string    `json:"transcript,omitempty"`
	WasCorrect    *bool     `json:"was_correct,omitempty"`
	AIWasSpeaking bool      `json:"ai_was_speaking"`
	ContextType   string    `json:"context_type,omitempty"`
}

// PhraseCount is one backchannel phrase bucket. Phrase tables are exposed and
// serialized as an ordered sequence of these pairs, never as a raw map.
type PhraseCount struct {
	Phrase string `json:"phrase"`
	Count  int    `json:"count"`
}

// Stats is the aggregate view over the retained event history.
type Stats struct {
	TotalEvents       int
	CountsByType      map[EventType]int
	AverageDurationMs float64
	HourHistogram     [24]int
	FalsePositiveRate float64
	LabeledEvents     int

	// BackchannelPhrases is ordered by descending count, ties by phrase.
	BackchannelPhrases []PhraseCount
}

// RecordOptions carries the optional fields of a barge-in record.
type RecordOptions struct {
	Transcript    string
	AIWasSpeaking bool
	ContextType   string
}

// Config tunes history retention and learning. Zero values take defaults.
type Config struct {
	// MaxEvents caps the retained history length. Default 200.
	MaxEvents int

	// MaxAge evicts events older than this. Default 30 days.
	MaxAge time.Duration

	// MinPatternEvents is the minimum history size before pattern detection
	// reports anything. Default 10.
	MinPatternEvents int

	// RecentWindow bounds the "recent" period for rapid-interruption
	// detection. Default 7 days.
	RecentWindow time.Duration

	// SensitivityStep is the fixed adjustment applied per recommendation.
	// Default 0.05.
	SensitivityStep float64

	// PhraseSimilarity is the Jaro-Winkler score above which two backchannel
	// transcripts share a phrase bucket ("mm-hmm" / "mhm"). Default 0.85.
	PhraseSimilarity float64
}

// Learning thresholds from observed behavior.
const (
	// falsePositiveCeiling: above this FP rate the detector is too eager and
	// sensitivity is raised (less sensitive).
	falsePositiveCeiling = 0.15

	// backchannelRatioFloor: above this share of backchannels the detector
	// can afford to listen more closely.
	backchannelRatioFloor = 0.50

	// frequentBackchannelShare flags the frequent-backchannel pattern.
	frequentBackchannelShare = 0.60

	// rapidInterruptionShare flags the rapid-interruption pattern within the
	// recent window.
	rapidInterruptionShare = 0.50

	// peakHourFactor flags hours whose event rate exceeds this multiple of
	// the hourly mean.
	peakHourFactor = 1.5
)

// historyKey is the store key holding the serialized event history inside
// the per-user namespace.
const historyKey = "bargein-history"

// Tracker owns one user's barge-in history. Safe for concurrent use.
type Tracker struct {
	kv     store.KV
	userID string
	cfg    Config

	mu     sync.Mutex
	events []Event

	// Incremental aggregates. phraseCounts is keyed by the canonical phrase
	// of each fuzzy bucket.
	counts       map[EventType]int
	durationSum  int64
	hourHist     [24]int
	phraseCounts map[string]int
	now          func() time.Time
}

// NewTracker creates a tracker for userID backed by kv, loading and pruning
// any persisted history. Storage failures degrade to an empty in-memory
// history and are logged, not returned.
func NewTracker(ctx context.Context, kv store.KV, userID string, cfg Config) *Tracker {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 200
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	if cfg.MinPatternEvents <= 0 {
		cfg.MinPatternEvents = 10
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 7 * 24 * time.Hour
	}
	if cfg.SensitivityStep <= 0 {
		cfg.SensitivityStep = 0.05
	}
	if cfg.PhraseSimilarity <= 0 {
		cfg.PhraseSimilarity = 0.85
	}

	t := &Tracker{
		kv:           kv,
		userID:       userID,
		cfg:          cfg,
		counts:       make(map[EventType]int),
		phraseCounts: make(map[string]int),
		now:          time.Now,
	}
	t.load(ctx)
	return t
}

// namespace returns the per-user store namespace.
func (t *Tracker) namespace() string {
	return "behavior/" + t.userID
}

// load restores the persisted history, prunes it, and replays it into the
// aggregates.
func (t *Tracker) load(ctx context.Context) {
	data, err := t.kv.Get(ctx, t.namespace(), historyKey)
	if err != nil {
		if err != store.ErrNotFound {
			slog.Warn("behavior: load history", "user", t.userID, "error", err)
		}
		return
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		slog.Warn("behavior: corrupt history discarded", "user", t.userID, "error", err)
		return
	}

	t.mu.Lock()
	t.events = t.prune(events)
	for _, ev := range t.events {
		t.fold(ev)
	}
	t.mu.Unlock()
}

// RecordBargeIn appends a new event and updates the aggregates. The returned
// Event carries the generated ID for later [Tracker.MarkCorrectness] calls.
// Persistence is best-effort: storage failures are logged and swallowed.
func (t *Tracker) RecordBargeIn(ctx context.Context, typ EventType, durationMs int64, confidence float64, opts RecordOptions) Event {
	ev := Event{
		ID:            uuid.NewString(),
		TimestampMs:   t.now().UnixMilli(),
		Type:          typ,
		DurationMs:    durationMs,
		VADConfidence: confidence,
		Transcript:    opts.Transcript,
		AIWasSpeaking: opts.AIWasSpeaking,
		ContextType:   opts.ContextType,
	}

	t.mu.Lock()
	t.events = append(t.events, ev)
	t.events = t.prune(t.events)
	t.rebuildIfShrunk()
	t.fold(ev)
	t.mu.Unlock()

	t.persist(ctx)
	return ev
}

// MarkCorrectness labels a previously recorded event. Unknown IDs return an
// error; relabeling an event overwrites the previous label.
func (t *Tracker) MarkCorrectness(ctx context.Context, id string, correct bool) error {
	t.mu.Lock()
	found := false
	for i := range t.events {
		if t.events[i].ID == id {
			c := correct
			t.events[i].WasCorrect = &c
			found = true
			break
		}
	}
	t.mu.Unlock()

	if !found {
		return fmt.Errorf("behavior: mark correctness: unknown event %q", id)
	}
	t.persist(ctx)
	return nil
}

// Stats returns the current aggregate view.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statsLocked()
}

func (t *Tracker) statsLocked() Stats {
	s := Stats{
		TotalEvents:   len(t.events),
		CountsByType:  make(map[EventType]int, len(t.counts)),
		HourHistogram: t.hourHist,
	}
	for k, v := range t.counts {
		s.CountsByType[k] = v
	}
	if s.TotalEvents > 0 {
		s.AverageDurationMs = float64(t.durationSum) / float64(s.TotalEvents)
	}

	labeled, wrong := 0, 0
	for _, ev := range t.events {
		if ev.WasCorrect == nil {
			continue
		}
		labeled++
		if !*ev.WasCorrect {
			wrong++
		}
	}
	s.LabeledEvents = labeled
	if labeled > 0 {
		s.FalsePositiveRate = float64(wrong) / float64(labeled)
	}

	s.BackchannelPhrases = make([]PhraseCount, 0, len(t.phraseCounts))
	for phrase, count := range t.phraseCounts {
		s.BackchannelPhrases = append(s.BackchannelPhrases, PhraseCount{Phrase: phrase, Count: count})
	}
	sort.Slice(s.BackchannelPhrases, func(i, j int) bool {
		a, b := s.BackchannelPhrases[i], s.BackchannelPhrases[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Phrase < b.Phrase
	})
	return s
}

// RecommendedSensitivity adjusts current by one step based on learned
// behavior: up (less sensitive) when the false-positive rate is too high,
// down when the user mostly backchannels. The result is clamped to
// [0.1, 0.9]; with too little signal, current is returned unchanged.
func (t *Tracker) RecommendedSensitivity(current float64) float64 {
	t.mu.Lock()
	s := t.statsLocked()
	step := t.cfg.SensitivityStep
	minEvents := t.cfg.MinPatternEvents
	t.mu.Unlock()

	if s.TotalEvents < minEvents {
		return current
	}

	v := current
	if s.LabeledEvents > 0 && s.FalsePositiveRate > falsePositiveCeiling {
		v += step
	} else if float64(s.CountsByType[TypeBackchannel])/float64(s.TotalEvents) > backchannelRatioFloor {
		v -= step
	}
	if v < 0.1 {
		v = 0.1
	}
	if v > 0.9 {
		v = 0.9
	}
	return v
}

// fold adds one event to the incremental aggregates. Called with t.mu held.
func (t *Tracker) fold(ev Event) {
	t.counts[ev.Type]++
	t.durationSum += ev.DurationMs
	hour := time.UnixMilli(ev.TimestampMs).Hour()
	t.hourHist[hour]++

	if ev.Type == TypeBackchannel && ev.Transcript != "" {
		t.phraseCounts[t.phraseBucket(ev.Transcript)]++
	}
}

// phraseBucket finds the canonical phrase bucket for transcript, creating a
// new bucket when nothing known is similar enough. Called with t.mu held.
func (t *Tracker) phraseBucket(transcript string) string {
	norm := strings.ToLower(strings.TrimSpace(transcript))
	best, bestScore := "", 0.0
	for phrase := range t.phraseCounts {
		if s := matchr.JaroWinkler(norm, phrase, false); s > bestScore {
			best, bestScore = phrase, s
		}
	}
	if bestScore >= t.cfg.PhraseSimilarity {
		return best
	}
	return norm
}

// prune applies the age and count caps, newest events retained. Called with
// t.mu held (or before the tracker is shared).
func (t *Tracker) prune(events []Event) []Event {
	cutoff := t.now().Add(-t.cfg.MaxAge).UnixMilli()
	kept := events[:0]
	for _, ev := range events {
		if ev.TimestampMs >= cutoff {
			kept = append(kept, ev)
		}
	}
	if len(kept) > t.cfg.MaxEvents {
		kept = kept[len(kept)-t.cfg.MaxEvents:]
	}
	return kept
}

// rebuildIfShrunk recomputes the aggregates from scratch when pruning has
// dropped events (incremental folding cannot subtract). Called with t.mu
// held, before folding the newest event.
func (t *Tracker) rebuildIfShrunk() {
	total := 0
	for _, c := range t.counts {
		total += c
	}
	// events already contains the new (unfolded) event.
	if total == len(t.events)-1 {
		return
	}
	t.counts = make(map[EventType]int)
	t.durationSum = 0
	t.hourHist = [24]int{}
	t.phraseCounts = make(map[string]int)
	for _, ev := range t.events[:len(t.events)-1] {
		t.fold(ev)
	}
}

// persist writes the history snapshot. Failures are logged and swallowed —
// the in-memory history remains authoritative.
func (t *Tracker) persist(ctx context.Context) {
	t.mu.Lock()
	data, err := json.Marshal(t.events)
	t.mu.Unlock()
	if err != nil {
		slog.Warn("behavior: marshal history", "user", t.userID, "error", err)
		return
	}
	if err := t.kv.Put(ctx, t.namespace(), historyKey, data); err != nil {
		slog.Warn("behavior: persist history", "user", t.userID, "error", err)
	}
}
