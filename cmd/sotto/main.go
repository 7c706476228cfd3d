// Command sotto runs the offline voice subsystem daemon: on-device voice
// activity detection, the synthesized-response cache, network fallback
// orchestration, and preference personalization.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sotto-voice/sotto/internal/behavior"
	"github.com/sotto-voice/sotto/internal/calibration"
	"github.com/sotto-voice/sotto/internal/config"
	"github.com/sotto-voice/sotto/internal/events"
	"github.com/sotto-voice/sotto/internal/fallback"
	"github.com/sotto-voice/sotto/internal/health"
	"github.com/sotto-voice/sotto/internal/observe"
	"github.com/sotto-voice/sotto/internal/personalize"
	"github.com/sotto-voice/sotto/internal/prefs"
	"github.com/sotto-voice/sotto/internal/prosody"
	"github.com/sotto-voice/sotto/internal/ttscache"
	"github.com/sotto-voice/sotto/internal/vad"
	"github.com/sotto-voice/sotto/pkg/audio"
	"github.com/sotto-voice/sotto/pkg/audio/wavfile"
	"github.com/sotto-voice/sotto/pkg/store"
	"github.com/sotto-voice/sotto/pkg/store/mem"
	"github.com/sotto-voice/sotto/pkg/store/sqlite"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	inputPath := flag.String("input", "", "WAV file to use as the audio capture source")
	opsAddr := flag.String("ops", "127.0.0.1:8090", "listen address for /healthz, /readyz, /status and /metrics (empty disables)")
	calibrate := flag.Bool("calibrate", false, "run a guided calibration session against -input, print the result, and exit")
	flag.Parse()

	// ── Configuration: initial load + hot reload ──────────────────────────────
	levelVar := new(slog.LevelVar)

	var detectorRef atomic.Pointer[vad.Detector] // set below; read by the reload callback

	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(config.Diff(old, new), levelVar, detectorRef.Load())
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sotto: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sotto: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar.Set(slogLevel(cfg.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	slog.Info("sotto starting",
		"config", *configPath,
		"log_level", cfg.LogLevel,
		"storage", cfg.Storage.Path,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "sotto"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Storage ───────────────────────────────────────────────────────────────
	var kv store.KV
	if cfg.Storage.Path != "" {
		kv, err = sqlite.Open(cfg.Storage.Path)
		if err != nil {
			slog.Error("failed to open storage", "path", cfg.Storage.Path, "err", err)
			return 1
		}
	} else {
		kv = mem.New()
	}
	defer kv.Close()

	// ── Audio source ──────────────────────────────────────────────────────────
	var device audio.Device
	if *inputPath != "" {
		frameDur := 40 * time.Millisecond
		if cfg.Detector.FrameMs > 0 {
			frameDur = time.Duration(cfg.Detector.FrameMs) * time.Millisecond
		}
		device = wavfile.New(*inputPath, wavfile.WithFrameDuration(frameDur))
	}

	// ── Detection pipeline ────────────────────────────────────────────────────
	bus := events.NewBus()
	detectorCfg := detectorConfig(cfg.Detector)
	detectorCfg.Metrics = metrics
	detector := vad.NewDetector(detectorCfg, bus)
	detectorRef.Store(detector)

	// ── Personalization ───────────────────────────────────────────────────────
	userID := cfg.Personalization.UserID
	if userID == "" {
		userID = "local"
	}
	manager := personalize.NewManager(ctx, device, kv, userID, personalize.Config{
		Calibration: calibration.Config{
			NoiseDuration: cfg.Calibration.NoiseDuration,
			VoiceDuration: cfg.Calibration.VoiceDuration,
			SpeechWait:    cfg.Calibration.SpeechWait,
			SampleRate:    cfg.Calibration.SampleRate,
		},
		Behavior: behavior.Config{
			MaxEvents: cfg.Personalization.MaxBehaviorEvents,
		},
		Prefs: prefs.Config{
			SyncEndpoint:          cfg.Personalization.SyncEndpoint,
			SyncDebounce:          cfg.Personalization.SyncDebounce,
			MaxCalibrationHistory: cfg.Personalization.MaxCalibrationHistory,
		},
	})
	defer func() {
		if err := manager.Close(); err != nil {
			slog.Warn("personalization close error", "err", err)
		}
	}()

	// ── Calibration mode ──────────────────────────────────────────────────────
	if *calibrate {
		if device == nil {
			fmt.Fprintln(os.Stderr, "sotto: -calibrate requires -input")
			return 1
		}
		return runCalibration(ctx, manager)
	}

	// Detection gets the personalized threshold once preferences are loaded.
	// Preferences carry a 0–1 sensitivity value, not an energy; convert it
	// before handing it to the detector.
	detector.SetEnergyThreshold(vad.EnergyThresholdForSensitivity(manager.RecommendedThreshold()))

	// ── Response cache ────────────────────────────────────────────────────────
	cache := ttscache.New(ctx, ttscache.Config{
		MaxBytes:     cfg.Cache.MaxBytes,
		MaxAge:       cfg.Cache.MaxAge,
		AccessWeight: cfg.Cache.AccessWeight.Milliseconds(),
		KV:           kv,
		Bus:          bus,
		Metrics:      metrics,
	})
	if len(cfg.Cache.PreloadPhrases) > 0 {
		// Preloading needs a synthesizer, which the embedding application
		// provides. Standalone, the phrases are only reported.
		slog.Info("cache preload deferred until a synthesizer is attached",
			"phrases", len(cfg.Cache.PreloadPhrases))
	}

	// ── Fallback orchestration ────────────────────────────────────────────────
	prober := fallback.NewHTTPProber(fallback.ProbeConfig{
		HealthEndpoint: cfg.Fallback.HealthEndpoint,
		PingEndpoints:  cfg.Fallback.PingEndpoints,
		Timeout:        cfg.Fallback.ProbeTimeout,
		SlowThreshold:  cfg.Fallback.SlowThreshold,
		Metrics:        metrics,
	})
	orch := fallback.NewOrchestrator(fallback.Config{
		ProbeInterval: cfg.Fallback.ProbeInterval,
		RecoveryDelay: cfg.Fallback.RecoveryDelay,
		Metrics:       metrics,
	}, prober, detector, cache, bus)
	orch.Start(ctx)
	defer func() {
		if err := orch.Close(); err != nil {
			slog.Warn("orchestrator close error", "err", err)
		}
	}()

	// ── Live detection ────────────────────────────────────────────────────────
	if device != nil {
		source, err := device.Open(ctx)
		if err != nil {
			slog.Error("failed to open audio source", "input", *inputPath, "err", err)
			return 1
		}
		defer func() {
			if err := source.Close(); err != nil {
				slog.Warn("audio source close error", "err", err)
			}
		}()
		extractor := prosody.NewExtractor(prosody.Config{
			SampleRate:  source.SampleRate(),
			MinActivity: cfg.Prosody.MinActivity,
			MinPitchHz:  cfg.Prosody.MinPitchHz,
			MaxPitchHz:  cfg.Prosody.MaxPitchHz,
		})
		go runDetection(source, detector, extractor)
		slog.Info("detection running", "input", *inputPath)
	} else {
		slog.Info("no audio source configured; running probe and cache services only")
	}

	// ── Ops server ────────────────────────────────────────────────────────────
	var ops *health.Server
	if *opsAddr != "" {
		handler := health.New(
			health.Checker{Name: "storage", Check: func(ctx context.Context) error {
				_, err := kv.List(ctx, "prefs", "")
				return err
			}},
		)
		ops = health.NewServer(*opsAddr, handler, func() any {
			return snapshot(orch, cache)
		})
		ops.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ops.Shutdown(shutdownCtx); err != nil {
				slog.Warn("ops server shutdown error", "err", err)
			}
		}()
	}

	slog.Info("sotto ready — press Ctrl+C to shut down")
	<-ctx.Done()
	slog.Info("shutdown signal received, stopping")
	return 0
}

// runDetection drains the capture stream through the detector and prosody
// extractor. Speech frames get prosodic analysis so turn-taking cues surface
// alongside segment events; non-speech frames advance the extractor's
// inactivity tracking instead. Returns when the source's frame channel closes.
func runDetection(source audio.Source, detector *vad.Detector, extractor *prosody.Extractor) {
	for frame := range source.Frames() {
		ts := uint64(frame.Timestamp.Milliseconds())
		feature := detector.ProcessFrame(frame.Samples, ts, uint64(frame.FrameDuration().Milliseconds()))
		if !feature.IsSpeech {
			extractor.MarkInactive(ts)
			continue
		}
		if f, ok := extractor.Analyze(frame.Samples, ts); ok && (f.IsEnding || f.IsQuestion) {
			slog.Debug("turn cue",
				"ending", f.IsEnding,
				"question", f.IsQuestion,
				"pitch_hz", f.PitchHz,
				"contour", f.PitchContour,
			)
		}
	}
}

// runCalibration drives a single guided calibration session and prints the
// resulting environment profile.
func runCalibration(ctx context.Context, manager *personalize.Manager) int {
	result, err := manager.RunCalibration(ctx, func(state calibration.State, fraction float64) {
		fmt.Printf("\r%-24s %3.0f%%", state, fraction*100)
	})
	fmt.Println()
	if err != nil {
		slog.Error("calibration failed", "err", err)
		return 1
	}

	fmt.Printf("background noise : %.1f dB\n", result.BackgroundNoiseLevelDb)
	fmt.Printf("voice energy     : %.4f\n", result.VoiceEnergyLevel)
	fmt.Printf("vad threshold    : %.4f\n", result.RecommendedVadThreshold)
	fmt.Printf("quality score    : %.2f\n", result.QualityScore)
	fmt.Printf("environment      : %s\n", result.Environment)
	return 0
}

// statusSnapshot is the /status response body.
type statusSnapshot struct {
	Network fallback.State `json:"network"`
	Cache   ttscache.Stats `json:"cache"`
}

func snapshot(orch *fallback.Orchestrator, cache *ttscache.Cache) statusSnapshot {
	return statusSnapshot{
		Network: orch.GetState(),
		Cache:   cache.Stats(),
	}
}

// applyReload applies the hot-reloadable parts of a config change.
func applyReload(d config.DiffResult, levelVar *slog.LevelVar, detector *vad.Detector) {
	if !d.Any() {
		return
	}
	if d.LogLevelChanged {
		levelVar.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DetectorChanged && detector != nil && d.NewDetector.EnergyThreshold > 0 {
		detector.SetEnergyThreshold(d.NewDetector.EnergyThreshold)
		slog.Info("detector threshold changed", "energy_threshold", d.NewDetector.EnergyThreshold)
	}
	if d.CacheChanged || d.FallbackChanged {
		slog.Info("cache/fallback config changed; restart to apply")
	}
}

// detectorConfig maps the file schema onto a detector config: a mode preset
// with optional per-field overrides.
func detectorConfig(dc config.DetectorConfig) vad.Config {
	cfg := vad.ConfigForMode(vadMode(dc.Mode))
	if dc.EnergyThreshold > 0 {
		cfg.EnergyThreshold = dc.EnergyThreshold
	}
	if dc.ZCRThreshold > 0 {
		cfg.ZCRThreshold = dc.ZCRThreshold
	}
	return cfg
}

func vadMode(m config.DetectorMode) vad.Mode {
	switch m {
	case config.DetectorQuality:
		return vad.ModeQuality
	case config.DetectorLowLatency:
		return vad.ModeLowLatency
	case config.DetectorAggressive:
		return vad.ModeAggressive
	default:
		return vad.ModeBalanced
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
