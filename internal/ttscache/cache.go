// Package ttscache caches synthesized speech so common responses keep working
// without network access.
//
// Entries are keyed by voice and normalized text, held in memory under a byte
// budget, and mirrored to the key-value store so the cache survives restarts.
// The mirror is best-effort: storage failures are logged and the in-memory
// cache keeps serving. Eviction prefers the entry with the lowest
// recency-plus-frequency score, so a phrase used daily outlives a one-off
// even when the one-off was touched more recently.
package ttscache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sotto-voice/sotto/internal/events"
	"github.com/sotto-voice/sotto/internal/observe"
	"github.com/sotto-voice/sotto/pkg/store"
)

// storeNamespace is the key-value namespace holding the persistent mirror.
const storeNamespace = "ttscache"

// entry is one cached synthesis result.
type entry struct {
	Key            string `json:"key"`
	Voice          string `json:"voice"`
	Text           string `json:"text"`
	Audio          []byte `json:"audio"`
	CreatedMs      int64  `json:"created_ms"`
	LastAccessedMs int64  `json:"last_accessed_ms"`
	AccessCount    int64  `json:"access_count"`
}

// score orders entries for eviction: lowest goes first. weight converts
// access count into milliseconds of equivalent recency.
func (e *entry) score(weight int64) int64 {
	return e.LastAccessedMs + e.AccessCount*weight
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries int
	Bytes   int64
	Hits    int64
	Misses  int64
}

// SynthFunc produces audio for a phrase. Used by [Cache.Preload].
type SynthFunc func(ctx context.Context, text string) ([]byte, error)

// Config tunes the cache. Zero values take defaults.
type Config struct {
	// MaxBytes is the audio byte budget. Default 10 MiB.
	MaxBytes int64

	// MaxAge expires entries regardless of use. Default 7 days.
	MaxAge time.Duration

	// AccessWeight is how many milliseconds of recency one access is worth in
	// the eviction score. Default 5 minutes.
	AccessWeight int64

	// KV, when set, mirrors entries to persistent storage.
	KV store.KV

	// Bus, when set, receives cache_hit and cache_miss events.
	Bus *events.Bus

	// Metrics, when set, receives OTel counter updates.
	Metrics *observe.Metrics
}

// Cache is the synthesized-response cache. Safe for concurrent use.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	bytes   int64
	hits    int64
	misses  int64

	now func() time.Time
}

// New creates the cache and, when a store is configured, loads the persisted
// entries, discarding any that have already expired.
func New(ctx context.Context, cfg Config) *Cache {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.AccessWeight <= 0 {
		cfg.AccessWeight = (5 * time.Minute).Milliseconds()
	}

	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	c.load(ctx)
	return c
}

// Key derives the cache key for a voice and phrase: lowercase, whitespace
// collapsed to single spaces.
func Key(voice, text string) string {
	return voice + ":" + normalize(text)
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// load restores the persistent mirror. Expired entries are dropped rather
// than restored.
func (c *Cache) load(ctx context.Context) {
	if c.cfg.KV == nil {
		return
	}
	stored, err := c.cfg.KV.List(ctx, storeNamespace, "")
	if err != nil {
		slog.Warn("ttscache: load mirror", "error", err)
		return
	}

	cutoff := c.now().Add(-c.cfg.MaxAge).UnixMilli()
	restored := 0
	for _, item := range stored {
		var e entry
		if err := json.Unmarshal(item.Value, &e); err != nil {
			slog.Warn("ttscache: corrupt mirror entry discarded", "key", item.Key, "error", err)
			c.deleteMirror(ctx, item.Key)
			continue
		}
		if e.CreatedMs < cutoff {
			c.deleteMirror(ctx, item.Key)
			continue
		}
		c.entries[e.Key] = &e
		c.bytes += int64(len(e.Audio))
		restored++
	}
	if restored > 0 {
		slog.Info("ttscache: restored persisted entries", "entries", restored, "bytes", c.bytes)
	}
}

// Get returns the cached audio for a phrase. A hit bumps the entry's access
// stats; an entry past MaxAge is evicted and counts as a miss. A miss has no
// other side effects.
func (c *Cache) Get(ctx context.Context, voice, text string) ([]byte, bool) {
	key := Key(voice, text)

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && c.expired(e) {
		c.removeLocked(ctx, e, "expired")
		ok = false
	}
	if !ok {
		c.misses++
		c.mu.Unlock()

		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordCacheMiss(ctx)
		}
		if c.cfg.Bus != nil {
			c.cfg.Bus.Emit(events.Event{Type: events.CacheMiss, Payload: key})
		}
		return nil, false
	}

	e.LastAccessedMs = c.now().UnixMilli()
	e.AccessCount++
	c.hits++
	// Callers may hold the bytes past the entry's lifetime (or mutate them);
	// hand out a copy rather than the stored slice.
	audio := append([]byte(nil), e.Audio...)
	c.mu.Unlock()

	c.mirror(ctx, e)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordCacheHit(ctx, voice)
	}
	if c.cfg.Bus != nil {
		c.cfg.Bus.Emit(events.Event{Type: events.CacheHit, Payload: key})
	}
	return audio, true
}

// Has reports whether the phrase is cached and unexpired, without touching
// access stats.
func (c *Cache) Has(voice, text string) bool {
	key := Key(voice, text)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !c.expired(e)
}

// Set stores synthesized audio, evicting lower-scored entries as needed to
// stay under the byte budget. An entry larger than the whole budget is still
// stored when the cache is otherwise empty — one oversized response beats
// none.
func (c *Cache) Set(ctx context.Context, voice, text string, audio []byte) {
	key := Key(voice, text)
	nowMs := c.now().UnixMilli()

	c.mu.Lock()
	var replaced int64
	if old, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.bytes -= int64(len(old.Audio))
		replaced = int64(len(old.Audio))
	}

	evicted := c.makeRoomLocked(ctx, int64(len(audio)))
	e := &entry{
		Key:            key,
		Voice:          voice,
		Text:           normalize(text),
		Audio:          audio,
		CreatedMs:      nowMs,
		LastAccessedMs: nowMs,
	}
	c.entries[key] = e
	c.bytes += int64(len(audio))
	c.mu.Unlock()

	c.mirror(ctx, e)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.CacheBytes.Add(ctx, int64(len(audio))-replaced)
		for range evicted {
			c.cfg.Metrics.RecordEviction(ctx, "budget")
		}
	}
}

// makeRoomLocked evicts lowest-scored entries until incoming fits the budget
// or nothing is left to evict. Returns the evicted keys. Called with c.mu
// held.
func (c *Cache) makeRoomLocked(ctx context.Context, incoming int64) []string {
	var evicted []string
	for c.bytes+incoming > c.cfg.MaxBytes && len(c.entries) > 0 {
		victim := c.lowestScoredLocked()
		c.removeLocked(ctx, victim, "budget")
		evicted = append(evicted, victim.Key)
	}
	return evicted
}

func (c *Cache) lowestScoredLocked() *entry {
	var victim *entry
	for _, e := range c.entries {
		if victim == nil || e.score(c.cfg.AccessWeight) < victim.score(c.cfg.AccessWeight) {
			victim = e
		}
	}
	return victim
}

// removeLocked drops an entry from memory and the mirror. Called with c.mu
// held.
func (c *Cache) removeLocked(ctx context.Context, e *entry, reason string) {
	delete(c.entries, e.Key)
	c.bytes -= int64(len(e.Audio))
	c.deleteMirror(ctx, e.Key)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.CacheBytes.Add(ctx, -int64(len(e.Audio)))
		if reason == "expired" {
			c.cfg.Metrics.RecordEviction(ctx, reason)
		}
	}
	slog.Debug("ttscache: evicted entry", "key", e.Key, "reason", reason, "bytes", len(e.Audio))
}

func (c *Cache) expired(e *entry) bool {
	return c.now().UnixMilli()-e.CreatedMs > c.cfg.MaxAge.Milliseconds()
}

// Preload synthesizes and caches the given phrases, at most concurrency at a
// time. Already-cached phrases are skipped. The first synthesis error cancels
// the remaining work and is returned.
func (c *Cache) Preload(ctx context.Context, voice string, phrases []string, synth SynthFunc, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 2
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, phrase := range phrases {
		if c.Has(voice, phrase) {
			continue
		}
		phrase := phrase
		g.Go(func() error {
			audio, err := synth(gctx, phrase)
			if err != nil {
				return err
			}
			c.Set(gctx, voice, phrase, audio)
			return nil
		})
	}
	return g.Wait()
}

// Clear drops every entry from memory and the mirror.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	dropped := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		dropped = append(dropped, e)
	}
	c.entries = make(map[string]*entry)
	freed := c.bytes
	c.bytes = 0
	c.mu.Unlock()

	// Deterministic mirror cleanup order.
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].Key < dropped[j].Key })
	for _, e := range dropped {
		c.deleteMirror(ctx, e.Key)
	}
	if c.cfg.Metrics != nil && freed > 0 {
		c.cfg.Metrics.CacheBytes.Add(ctx, -freed)
	}
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries: len(c.entries),
		Bytes:   c.bytes,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

// mirror writes an entry to the persistent store. Best-effort.
func (c *Cache) mirror(ctx context.Context, e *entry) {
	if c.cfg.KV == nil {
		return
	}
	c.mu.Lock()
	data, err := json.Marshal(e)
	c.mu.Unlock()
	if err != nil {
		slog.Warn("ttscache: marshal entry", "key", e.Key, "error", err)
		return
	}
	if err := c.cfg.KV.Put(ctx, storeNamespace, e.Key, data); err != nil {
		slog.Warn("ttscache: mirror entry", "key", e.Key, "error", err)
	}
}

func (c *Cache) deleteMirror(ctx context.Context, key string) {
	if c.cfg.KV == nil {
		return
	}
	if err := c.cfg.KV.Delete(ctx, storeNamespace, key); err != nil && err != store.ErrNotFound {
		slog.Warn("ttscache: delete mirror entry", "key", key, "error", err)
	}
}
