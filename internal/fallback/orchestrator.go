package fallback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sotto-voice/sotto/internal/events"
	"github.com/sotto-voice/sotto/internal/observe"
	"github.com/sotto-voice/sotto/internal/ttscache"
	"github.com/sotto-voice/sotto/internal/vad"
)

// Mode is the operating mode derived from network observations.
type Mode string

const (
	// ModeNormal uses the network for detection and synthesis.
	ModeNormal Mode = "normal"

	// ModeLowLatency keeps the network but moves detection on-device to hide
	// round-trip cost.
	ModeLowLatency Mode = "low-latency"

	// ModeOffline serves cached responses with fully on-device detection.
	ModeOffline Mode = "offline"
)

// State is a snapshot of the orchestrator.
type State struct {
	NetworkStatus           NetworkStatus
	Mode                    Mode
	UsingCachedResponses    bool
	UsingOnDeviceDetection  bool
	LastSuccessfulRequestMs int64
	CurrentLatencyMs        int64
	ConsecutiveFailures     int
}

// Config tunes the orchestrator. Zero values take defaults.
type Config struct {
	// ProbeInterval is the period between automatic probes. Default 30s.
	ProbeInterval time.Duration

	// RecoveryDelay is how long the network must stay online before the
	// orchestrator leaves offline mode. A flapping connection should not flap
	// the mode. Default 5s.
	RecoveryDelay time.Duration

	// Metrics, when set, records mode changes.
	Metrics *observe.Metrics
}

// Orchestrator owns the on-device detector and the response cache and decides
// when they take over from the network. Safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	prober   Prober
	detector *vad.Detector
	cache    *ttscache.Cache
	bus      *events.Bus

	mu          sync.Mutex
	state       State
	forced      *Mode
	probing     bool
	onlineSince time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	now func() time.Time
}

// NewOrchestrator wires the prober, detector, and cache together on bus. The
// initial state is unknown network in normal mode; the first probe decides
// the rest.
func NewOrchestrator(cfg Config, prober Prober, detector *vad.Detector, cache *ttscache.Cache, bus *events.Bus) *Orchestrator {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = 5 * time.Second
	}
	return &Orchestrator{
		cfg:      cfg,
		prober:   prober,
		detector: detector,
		cache:    cache,
		bus:      bus,
		state: State{
			NetworkStatus: StatusUnknown,
			Mode:          ModeNormal,
		},
		done: make(chan struct{}),
		now:  time.Now,
	}
}

// Bus returns the event bus shared by the orchestrator and its components.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Detector returns the on-device detector.
func (o *Orchestrator) Detector() *vad.Detector { return o.detector }

// Cache returns the response cache.
func (o *Orchestrator) Cache() *ttscache.Cache { return o.cache }

// GetState returns a snapshot of the current state.
func (o *Orchestrator) GetState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start probes immediately and then on every ProbeInterval tick until Close.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.ProbeNow(ctx)

		ticker := time.NewTicker(o.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.ProbeNow(ctx)
			case <-o.done:
				return
			}
		}
	}()
}

// ProbeNow runs one probe-and-evaluate cycle synchronously. When a cycle is
// already in progress the call is dropped — overlapping probes never run.
func (o *Orchestrator) ProbeNow(ctx context.Context) {
	o.mu.Lock()
	if o.probing {
		o.mu.Unlock()
		return
	}
	o.probing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.probing = false
		o.mu.Unlock()
	}()

	o.apply(ctx, o.prober.Probe(ctx))
}

// apply folds one observation into the state and emits whatever changed.
func (o *Orchestrator) apply(ctx context.Context, obs Observation) {
	o.mu.Lock()
	prev := o.state

	o.state.NetworkStatus = obs.Status
	o.state.CurrentLatencyMs = obs.Latency.Milliseconds()
	switch obs.Status {
	case StatusOnline, StatusSlow:
		o.state.LastSuccessfulRequestMs = o.now().UnixMilli()
		o.state.ConsecutiveFailures = 0
	case StatusOffline:
		o.state.ConsecutiveFailures++
	}

	// Recovery bookkeeping: track how long the network has been continuously
	// online.
	if obs.Status == StatusOnline {
		if o.onlineSince.IsZero() {
			o.onlineSince = o.now()
		}
	} else {
		o.onlineSince = time.Time{}
	}

	o.state.Mode = o.deriveModeLocked(prev.Mode)
	o.syncModeFlagsLocked()
	cur := o.state
	o.mu.Unlock()

	o.announce(ctx, prev, cur)
}

// deriveModeLocked maps network status to mode, honoring a forced override
// and the recovery delay. Called with o.mu held.
func (o *Orchestrator) deriveModeLocked(prevMode Mode) Mode {
	if o.forced != nil {
		return *o.forced
	}
	switch o.state.NetworkStatus {
	case StatusOffline:
		return ModeOffline
	case StatusSlow:
		return ModeLowLatency
	case StatusOnline:
		if prevMode == ModeOffline {
			// Leaving offline requires the network to hold for RecoveryDelay.
			if o.onlineSince.IsZero() || o.now().Sub(o.onlineSince) < o.cfg.RecoveryDelay {
				return ModeOffline
			}
		}
		return ModeNormal
	default:
		return prevMode
	}
}

// syncModeFlagsLocked keeps the derived booleans in step with the mode.
// Called with o.mu held.
func (o *Orchestrator) syncModeFlagsLocked() {
	o.state.UsingCachedResponses = o.state.Mode == ModeOffline
	o.state.UsingOnDeviceDetection = o.state.Mode != ModeNormal
}

// announce emits events and metrics for whatever changed between two
// snapshots. Runs without the lock.
func (o *Orchestrator) announce(ctx context.Context, prev, cur State) {
	if prev.NetworkStatus != cur.NetworkStatus {
		slog.Info("fallback: network status changed",
			"from", prev.NetworkStatus, "to", cur.NetworkStatus,
			"latency_ms", cur.CurrentLatencyMs)
		o.bus.Emit(events.Event{Type: events.NetworkChange, Payload: cur})
	}
	if prev.Mode != cur.Mode {
		slog.Info("fallback: mode changed", "from", prev.Mode, "to", cur.Mode)
		o.bus.Emit(events.Event{Type: events.ModeChange, Payload: cur})
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.RecordModeChange(ctx, string(prev.Mode), string(cur.Mode))
		}
	}
	if prev.UsingOnDeviceDetection != cur.UsingOnDeviceDetection {
		o.bus.Emit(events.Event{Type: events.VADSwitch, Payload: cur.UsingOnDeviceDetection})
	}
}

// SetMode forces an operating mode, overriding automatic detection until
// [Orchestrator.ForceNetwork] clears it.
func (o *Orchestrator) SetMode(ctx context.Context, mode Mode) {
	o.mu.Lock()
	prev := o.state
	m := mode
	o.forced = &m
	o.state.Mode = mode
	o.syncModeFlagsLocked()
	cur := o.state
	o.mu.Unlock()

	o.announce(ctx, prev, cur)
}

// ForceOffline forces offline mode regardless of network status.
func (o *Orchestrator) ForceOffline(ctx context.Context) {
	o.SetMode(ctx, ModeOffline)
}

// ForceNetwork clears a forced mode and re-derives it from the last observed
// network status.
func (o *Orchestrator) ForceNetwork(ctx context.Context) {
	o.mu.Lock()
	prev := o.state
	o.forced = nil
	o.state.Mode = o.deriveModeLocked(prev.Mode)
	o.syncModeFlagsLocked()
	cur := o.state
	o.mu.Unlock()

	o.announce(ctx, prev, cur)
}

// RecordRequestResult feeds the outcome of an application network request
// into the state, between probes. Failures accumulate; a success resets the
// counter.
func (o *Orchestrator) RecordRequestResult(success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if success {
		o.state.LastSuccessfulRequestMs = o.now().UnixMilli()
		o.state.ConsecutiveFailures = 0
	} else {
		o.state.ConsecutiveFailures++
	}
}

// Close stops probing and shuts components down in reverse-acquisition
// order: probe loop first, then the detector. The cache needs no teardown.
// Safe to call more than once.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		close(o.done)
		o.wg.Wait()
		if o.detector != nil {
			o.detector.Stop()
		}
	})
	return nil
}
