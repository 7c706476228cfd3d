package prefs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sotto-voice/sotto/internal/calibration"
	"github.com/sotto-voice/sotto/pkg/store/mem"
)

// syncServer records every sync request and serves a canned response.
type syncServer struct {
	mu       sync.Mutex
	requests []syncRequest
	respond  func() syncResponse

	srv *httptest.Server
}

func newSyncServer(t *testing.T) *syncServer {
	t.Helper()
	s := &syncServer{
		respond: func() syncResponse { return syncResponse{Success: true} },
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req syncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode sync request: %v", err)
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		resp := s.respond()
		s.mu.Unlock()
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *syncServer) recorded() []syncRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]syncRequest(nil), s.requests...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewStore_StartsFromDefaults(t *testing.T) {
	s := NewStore(context.Background(), mem.New(), "user-1", Config{})
	defer s.Close()

	p := s.Get()
	want := Defaults()
	if p.VADSensitivity != want.VADSensitivity || p.InterruptionMode != want.InterruptionMode {
		t.Errorf("Get() = %+v, want defaults %+v", p, want)
	}
	if !p.AdaptiveLearning {
		t.Error("AdaptiveLearning should default on")
	}
}

func TestUpdate_PersistsAcrossReload(t *testing.T) {
	kv := mem.New()
	ctx := context.Background()

	s := NewStore(ctx, kv, "user-1", Config{})
	s.Update(ctx, func(p *UserPreferences) {
		p.VADSensitivity = 0.7
		p.PreferredLanguage = "de"
	})
	s.Close()

	reloaded := NewStore(ctx, kv, "user-1", Config{})
	defer reloaded.Close()
	p := reloaded.Get()
	if p.VADSensitivity != 0.7 {
		t.Errorf("VADSensitivity = %v, want 0.7", p.VADSensitivity)
	}
	if p.PreferredLanguage != "de" {
		t.Errorf("PreferredLanguage = %q, want de", p.PreferredLanguage)
	}
	if p.LastUpdatedMs == 0 {
		t.Error("LastUpdatedMs not stamped")
	}
}

func TestUpdate_CorruptRecordDiscarded(t *testing.T) {
	kv := mem.New()
	ctx := context.Background()
	kv.Put(ctx, "prefs/user-1", "preferences", []byte("{not json"))

	s := NewStore(ctx, kv, "user-1", Config{})
	defer s.Close()
	if got := s.Get().VADSensitivity; got != Defaults().VADSensitivity {
		t.Errorf("VADSensitivity = %v, want default after corrupt load", got)
	}
}

func TestAppendCalibration_CapsHistory(t *testing.T) {
	ctx := context.Background()
	s := NewStore(ctx, mem.New(), "user-1", Config{MaxCalibrationHistory: 3})
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.AppendCalibration(ctx, calibration.Result{ID: string(rune('a' + i))})
	}
	hist := s.Get().CalibrationHistory
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	if hist[0].ID != "c" || hist[2].ID != "e" {
		t.Errorf("history = %v, want newest three kept", hist)
	}
}

func TestSync_DebouncedChangedKeys(t *testing.T) {
	srv := newSyncServer(t)
	ctx := context.Background()
	s := NewStore(ctx, mem.New(), "user-1", Config{
		SyncEndpoint: srv.srv.URL,
		SyncDebounce: 20 * time.Millisecond,
	})
	defer s.Close()

	// Two quick updates must collapse into a single push.
	s.Update(ctx, func(p *UserPreferences) { p.VADSensitivity = 0.6 })
	s.Update(ctx, func(p *UserPreferences) { p.SilenceThreshold = 0.4 })

	waitFor(t, time.Second, func() bool { return len(srv.recorded()) == 1 })
	req := srv.recorded()[0]
	if req.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", req.UserID)
	}
	want := []string{"silence_threshold", "vad_sensitivity"}
	if len(req.ChangedKeys) != 2 || req.ChangedKeys[0] != want[0] || req.ChangedKeys[1] != want[1] {
		t.Errorf("ChangedKeys = %v, want %v", req.ChangedKeys, want)
	}
	if req.Preferences.VADSensitivity != 0.6 {
		t.Errorf("pushed VADSensitivity = %v, want 0.6", req.Preferences.VADSensitivity)
	}
}

func TestSync_MergesNewerRemote(t *testing.T) {
	srv := newSyncServer(t)
	ctx := context.Background()
	s := NewStore(ctx, mem.New(), "user-1", Config{
		SyncEndpoint: srv.srv.URL,
		SyncDebounce: 10 * time.Millisecond,
	})
	defer s.Close()

	remote := Defaults()
	remote.VADSensitivity = 0.9
	remote.LastUpdatedMs = time.Now().Add(time.Hour).UnixMilli()
	srv.mu.Lock()
	srv.respond = func() syncResponse {
		return syncResponse{Success: true, Preferences: &remote}
	}
	srv.mu.Unlock()

	s.Update(ctx, func(p *UserPreferences) { p.PreferredLanguage = "fr" })
	waitFor(t, time.Second, func() bool { return s.Get().VADSensitivity == 0.9 })

	if got := s.Get().LastUpdatedMs; got != remote.LastUpdatedMs {
		t.Errorf("LastUpdatedMs = %d, want remote %d", got, remote.LastUpdatedMs)
	}
}

func TestSync_IgnoresStaleRemote(t *testing.T) {
	srv := newSyncServer(t)
	ctx := context.Background()
	s := NewStore(ctx, mem.New(), "user-1", Config{
		SyncEndpoint: srv.srv.URL,
		SyncDebounce: 10 * time.Millisecond,
	})
	defer s.Close()

	stale := Defaults()
	stale.VADSensitivity = 0.1
	stale.LastUpdatedMs = 1 // far in the past
	srv.mu.Lock()
	srv.respond = func() syncResponse {
		return syncResponse{Success: true, Preferences: &stale}
	}
	srv.mu.Unlock()

	s.Update(ctx, func(p *UserPreferences) { p.VADSensitivity = 0.8 })
	waitFor(t, time.Second, func() bool { return len(srv.recorded()) == 1 })

	// Give any erroneous merge a moment to land.
	time.Sleep(30 * time.Millisecond)
	if got := s.Get().VADSensitivity; got != 0.8 {
		t.Errorf("VADSensitivity = %v, want local 0.8 to win over stale remote", got)
	}
}

func TestClose_FlushesPendingSync(t *testing.T) {
	srv := newSyncServer(t)
	ctx := context.Background()
	s := NewStore(ctx, mem.New(), "user-1", Config{
		SyncEndpoint: srv.srv.URL,
		SyncDebounce: time.Hour, // never fires on its own
	})

	s.Update(ctx, func(p *UserPreferences) { p.InterruptionMode = "aggressive" })
	s.Close()

	reqs := srv.recorded()
	if len(reqs) != 1 {
		t.Fatalf("sync requests after Close = %d, want 1", len(reqs))
	}
	if len(reqs[0].ChangedKeys) != 1 || reqs[0].ChangedKeys[0] != "interruption_mode" {
		t.Errorf("ChangedKeys = %v, want [interruption_mode]", reqs[0].ChangedKeys)
	}
}

func TestClose_Idempotent(t *testing.T) {
	s := NewStore(context.Background(), mem.New(), "user-1", Config{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
