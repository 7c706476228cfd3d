package ttscache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sotto-voice/sotto/internal/events"
	"github.com/sotto-voice/sotto/pkg/store/mem"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	return New(context.Background(), cfg)
}

func TestKey_NormalizesText(t *testing.T) {
	cases := []struct {
		voice, text, want string
	}{
		{"ava", "Hello there", "ava:hello there"},
		{"ava", "  Hello   THERE  ", "ava:hello there"},
		{"ava", "hello\tthere\n", "ava:hello there"},
		{"noor", "hello there", "noor:hello there"},
	}
	for _, tc := range cases {
		if got := Key(tc.voice, tc.text); got != tc.want {
			t.Errorf("Key(%q, %q) = %q, want %q", tc.voice, tc.text, got, tc.want)
		}
	}
}

func TestGetSet_Roundtrip(t *testing.T) {
	c := newTestCache(t, Config{})
	ctx := context.Background()
	audio := []byte("pcm-data")

	c.Set(ctx, "ava", "I'm offline right now", audio)

	got, ok := c.Get(ctx, "ava", "i'm  OFFLINE right now")
	if !ok {
		t.Fatal("Get after Set = miss, want hit via normalized key")
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("Get = %q, want %q", got, audio)
	}

	s := c.Stats()
	if s.Entries != 1 || s.Bytes != int64(len(audio)) {
		t.Errorf("Stats = %+v, want 1 entry of %d bytes", s, len(audio))
	}
	if s.Hits != 1 || s.Misses != 0 {
		t.Errorf("Stats counters = %+v, want 1 hit, 0 misses", s)
	}
}

func TestGet_MissHasNoSideEffects(t *testing.T) {
	c := newTestCache(t, Config{})
	ctx := context.Background()
	c.Set(ctx, "ava", "hello", []byte("a"))

	if _, ok := c.Get(ctx, "ava", "goodbye"); ok {
		t.Fatal("Get(uncached) = hit, want miss")
	}

	s := c.Stats()
	if s.Entries != 1 {
		t.Errorf("Entries = %d, want 1 (miss must not mutate the cache)", s.Entries)
	}
	if s.Misses != 1 || s.Hits != 0 {
		t.Errorf("counters = %+v, want 1 miss, 0 hits", s)
	}
}

func TestSet_NeverExceedsBudget(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 100})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		c.Set(ctx, "ava", fmt.Sprintf("phrase %d", i), make([]byte, 30))
	}
	if s := c.Stats(); s.Bytes > 100 {
		t.Errorf("Bytes = %d, want ≤ budget 100", s.Bytes)
	}
}

func TestSet_EvictsLowestScoreFirst(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 100, AccessWeight: 1})
	ctx := context.Background()

	base := time.Unix(1000, 0)
	c.now = func() time.Time { return base }
	c.Set(ctx, "ava", "old and loved", make([]byte, 40))
	c.now = func() time.Time { return base.Add(time.Second) }
	c.Set(ctx, "ava", "newer but unused", make([]byte, 40))

	// Heavy use outweighs the older timestamp (weight 1 ms per access).
	c.now = func() time.Time { return base }
	for i := 0; i < 2000; i++ {
		c.Get(ctx, "ava", "old and loved")
	}

	c.now = func() time.Time { return base.Add(2 * time.Second) }
	c.Set(ctx, "ava", "brand new", make([]byte, 40))

	if !c.Has("ava", "old and loved") {
		t.Error("frequently used entry was evicted")
	}
	if c.Has("ava", "newer but unused") {
		t.Error("lowest-scored entry survived eviction")
	}
	if !c.Has("ava", "brand new") {
		t.Error("incoming entry missing after eviction")
	}
}

func TestSet_OversizedEntryStoredWhenCacheEmpty(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 10})
	ctx := context.Background()

	c.Set(ctx, "ava", "long apology", make([]byte, 50))
	if !c.Has("ava", "long apology") {
		t.Error("oversized entry rejected with empty cache, want stored")
	}
	if s := c.Stats(); s.Entries != 1 || s.Bytes != 50 {
		t.Errorf("Stats = %+v, want the single oversized entry", s)
	}
}

func TestSet_ReplaceDoesNotDoubleCount(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 100})
	ctx := context.Background()

	c.Set(ctx, "ava", "hello", make([]byte, 60))
	c.Set(ctx, "ava", "hello", make([]byte, 40))

	if s := c.Stats(); s.Entries != 1 || s.Bytes != 40 {
		t.Errorf("Stats = %+v, want 1 entry of 40 bytes after replace", s)
	}
}

func TestGet_ExpiresOnAccess(t *testing.T) {
	c := newTestCache(t, Config{MaxAge: time.Minute})
	ctx := context.Background()

	base := time.Unix(1000, 0)
	c.now = func() time.Time { return base }
	c.Set(ctx, "ava", "stale phrase", []byte("x"))

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok := c.Get(ctx, "ava", "stale phrase"); ok {
		t.Fatal("Get(expired) = hit, want miss")
	}
	if s := c.Stats(); s.Entries != 0 || s.Bytes != 0 {
		t.Errorf("Stats = %+v, want expired entry gone", s)
	}
}

func TestMirror_SurvivesRestart(t *testing.T) {
	kv := mem.New()
	ctx := context.Background()

	c := New(ctx, Config{KV: kv})
	c.Set(ctx, "ava", "hello", []byte("pcm"))
	c.Set(ctx, "ava", "goodbye", []byte("pcm2"))

	restarted := New(ctx, Config{KV: kv})
	if got, ok := restarted.Get(ctx, "ava", "hello"); !ok || !bytes.Equal(got, []byte("pcm")) {
		t.Errorf("Get after restart = %q, %v, want pcm hit", got, ok)
	}
	if s := restarted.Stats(); s.Entries != 2 {
		t.Errorf("Entries after restart = %d, want 2", s.Entries)
	}
}

func TestMirror_DiscardsExpiredOnLoad(t *testing.T) {
	kv := mem.New()
	ctx := context.Background()

	base := time.Unix(1000, 0)
	c := New(ctx, Config{KV: kv, MaxAge: time.Minute})
	c.now = func() time.Time { return base }
	c.Set(ctx, "ava", "old", []byte("x"))

	restarted := New(ctx, Config{KV: kv, MaxAge: time.Minute})
	restarted.now = func() time.Time { return base.Add(time.Hour) }
	// load ran with the real clock, well past base+1m.
	if s := restarted.Stats(); s.Entries != 0 {
		t.Errorf("Entries = %d, want 0 after expired load", s.Entries)
	}
	// The mirror entry must be gone too.
	stored, err := kv.List(ctx, "ttscache", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("mirror entries = %d, want 0", len(stored))
	}
}

func TestPreload_SkipsCachedAndLimitsConcurrency(t *testing.T) {
	c := newTestCache(t, Config{})
	ctx := context.Background()
	c.Set(ctx, "ava", "already here", []byte("x"))

	var calls, inFlight, maxInFlight atomic.Int32
	var mu sync.Mutex
	synth := func(_ context.Context, text string) ([]byte, error) {
		calls.Add(1)
		n := inFlight.Add(1)
		mu.Lock()
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return []byte(text), nil
	}

	phrases := []string{"already here", "one", "two", "three", "four"}
	if err := c.Preload(ctx, "ava", phrases, synth, 2); err != nil {
		t.Fatalf("Preload: %v", err)
	}

	if got := calls.Load(); got != 4 {
		t.Errorf("synth calls = %d, want 4 (cached phrase skipped)", got)
	}
	if got := maxInFlight.Load(); got > 2 {
		t.Errorf("max concurrent synth calls = %d, want ≤ 2", got)
	}
	for _, p := range phrases {
		if !c.Has("ava", p) {
			t.Errorf("phrase %q missing after preload", p)
		}
	}
}

func TestPreload_PropagatesSynthError(t *testing.T) {
	c := newTestCache(t, Config{})
	wantErr := errors.New("synthesizer offline")
	synth := func(context.Context, string) ([]byte, error) { return nil, wantErr }

	err := c.Preload(context.Background(), "ava", []string{"one", "two"}, synth, 1)
	if !errors.Is(err, wantErr) {
		t.Errorf("Preload error = %v, want %v", err, wantErr)
	}
}

func TestClear_EmptiesCacheAndMirror(t *testing.T) {
	kv := mem.New()
	ctx := context.Background()
	c := New(ctx, Config{KV: kv})
	c.Set(ctx, "ava", "one", []byte("x"))
	c.Set(ctx, "ava", "two", []byte("y"))

	c.Clear(ctx)

	if s := c.Stats(); s.Entries != 0 || s.Bytes != 0 {
		t.Errorf("Stats after Clear = %+v, want empty", s)
	}
	stored, err := kv.List(ctx, "ttscache", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("mirror entries after Clear = %d, want 0", len(stored))
	}
}

func TestEvents_HitAndMissEmitted(t *testing.T) {
	bus := events.NewBus()
	c := newTestCache(t, Config{Bus: bus})
	ctx := context.Background()

	var got []events.Type
	bus.Subscribe(func(ev events.Event) {
		got = append(got, ev.Type)
	}, events.CacheHit, events.CacheMiss)

	c.Set(ctx, "ava", "hello", []byte("x"))
	c.Get(ctx, "ava", "hello")
	c.Get(ctx, "ava", "missing")

	want := []events.Type{events.CacheHit, events.CacheMiss}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestGet_ReturnsIndependentCopy(t *testing.T) {
	c := newTestCache(t, Config{})
	ctx := context.Background()

	c.Set(ctx, "ava", "please hold on", []byte("pcm-data"))

	first, ok := c.Get(ctx, "ava", "please hold on")
	if !ok {
		t.Fatal("Get = miss, want hit")
	}
	for i := range first {
		first[i] = 0xFF
	}

	second, ok := c.Get(ctx, "ava", "please hold on")
	if !ok {
		t.Fatal("second Get = miss, want hit")
	}
	if !bytes.Equal(second, []byte("pcm-data")) {
		t.Errorf("stored audio = %q after mutating a returned slice, want %q", second, "pcm-data")
	}
}
