package calibration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sotto-voice/sotto/pkg/audio/mock"
)

const (
	testRate = 16000
	frameLen = 640 // 40 ms
)

// scenarioSource builds a stream of noiseFrames background frames followed by
// voiceFrames frames of a 200 Hz tone.
func scenarioSource(noiseFrames, voiceFrames int, noiseAmp, voiceAmp float64) *mock.Source {
	src := mock.NewSource(testRate, frameLen)
	noise := mock.Noise(frameLen, noiseAmp, 42)
	for i := 0; i < noiseFrames; i++ {
		src.Push(noise)
	}
	voice := mock.Sine(frameLen, voiceAmp, 200, testRate)
	for i := 0; i < voiceFrames; i++ {
		src.Push(voice)
	}
	src.Finish()
	return src
}

func TestRun_EndToEnd(t *testing.T) {
	// ~0.01 RMS noise for 3 s, ~0.11 RMS voice for 5 s.
	src := scenarioSource(75, 125, 0.0173, 0.16)
	dev := &mock.Device{OpenRawResult: src}
	s := NewSession(dev, Config{SampleRate: testRate})

	var states []State
	res, err := s.Run(context.Background(), func(st State, _ float64) {
		states = append(states, st)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []State{StatePreparing, StateMeasuringNoise, StateWaitingSpeech, StateMeasuringVoice, StateAnalyzing, StateComplete}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}

	if res.QualityScore <= 0.5 {
		t.Errorf("QualityScore = %v, want > 0.5", res.QualityScore)
	}
	// SNR ≈ 10 falls in the 0.5 tier.
	if res.RecommendedVadThreshold != 0.5 {
		t.Errorf("RecommendedVadThreshold = %v, want 0.5 for SNR ≈ 10", res.RecommendedVadThreshold)
	}
	if res.RecommendedSilenceThreshold < 0.2 || res.RecommendedSilenceThreshold > 0.5 {
		t.Errorf("RecommendedSilenceThreshold = %v, want within [0.2, 0.5]", res.RecommendedSilenceThreshold)
	}
	if res.Environment != EnvModerate {
		t.Errorf("Environment = %v, want moderate for -40 dB noise", res.Environment)
	}
	if res.PitchRange.MeanHz < 180 || res.PitchRange.MeanHz > 220 {
		t.Errorf("PitchRange.MeanHz = %v, want ≈200", res.PitchRange.MeanHz)
	}
	if res.ID == "" || res.TimestampMs == 0 {
		t.Error("result missing ID or timestamp")
	}
	if res.DurationMs < 7000 {
		t.Errorf("DurationMs = %d, want ≥ ~8000 (3 s noise + 5 s voice)", res.DurationMs)
	}
	if src.CallCountClose == 0 {
		t.Error("audio source was not closed after success")
	}
	if s.State() != StateComplete {
		t.Errorf("final state = %v, want complete", s.State())
	}
}

func TestRun_SpeechTimeout(t *testing.T) {
	// Background noise only — the user never speaks.
	src := scenarioSource(150, 0, 0.0173, 0)
	dev := &mock.Device{OpenRawResult: src}
	s := NewSession(dev, Config{SampleRate: testRate})

	_, err := s.Run(context.Background(), nil)
	if !errors.Is(err, ErrSpeechTimeout) {
		t.Fatalf("err = %v, want ErrSpeechTimeout", err)
	}
	if s.State() != StateIdle {
		t.Errorf("state after timeout = %v, want idle (ready for retry)", s.State())
	}
	if src.CallCountClose == 0 {
		t.Error("audio source was not closed after timeout")
	}
}

func TestRun_StreamEndsDuringNoise(t *testing.T) {
	src := scenarioSource(10, 0, 0.0173, 0) // well short of 3 s
	dev := &mock.Device{OpenRawResult: src}
	s := NewSession(dev, Config{SampleRate: testRate})

	_, err := s.Run(context.Background(), nil)
	if !errors.Is(err, ErrStreamEnded) {
		t.Errorf("err = %v, want ErrStreamEnded", err)
	}
}

func TestRun_AudioAccessErrorSurfaced(t *testing.T) {
	accessErr := errors.New("permission denied")
	dev := &mock.Device{OpenRawError: accessErr, OpenError: accessErr}
	s := NewSession(dev, Config{SampleRate: testRate})

	_, err := s.Run(context.Background(), nil)
	if !errors.Is(err, accessErr) {
		t.Errorf("err = %v, want wrapped %v", err, accessErr)
	}
	if s.State() != StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
}

func TestRun_FallsBackToProcessedStream(t *testing.T) {
	src := scenarioSource(75, 130, 0.0173, 0.1414)
	dev := &mock.Device{
		OpenRawError: errors.New("raw capture unsupported"),
		OpenResult:   src,
	}
	s := NewSession(dev, Config{SampleRate: testRate})

	if _, err := s.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dev.CallCountOpenRaw != 1 || dev.CallCountOpen != 1 {
		t.Errorf("call counts raw=%d open=%d, want 1 and 1", dev.CallCountOpenRaw, dev.CallCountOpen)
	}
}

func TestRun_SingleFlight(t *testing.T) {
	// A source that never delivers frames keeps the first run in flight.
	src := mock.NewSource(testRate, frameLen)
	dev := &mock.Device{OpenRawResult: src}
	s := NewSession(dev, Config{SampleRate: testRate})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx, nil)
		done <- err
	}()

	// Wait for the first run to claim the session.
	deadline := time.After(2 * time.Second)
	for s.State() == StateIdle {
		select {
		case <-deadline:
			t.Fatal("first run never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if _, err := s.Run(context.Background(), nil); !errors.Is(err, ErrSessionActive) {
		t.Errorf("concurrent Run err = %v, want ErrSessionActive", err)
	}

	cancel()
	if err := <-done; err == nil {
		t.Error("cancelled run returned nil error")
	}
	if src.CallCountClose == 0 {
		t.Error("audio source leaked after cancellation")
	}
}

func TestRun_Cancellation(t *testing.T) {
	src := mock.NewSource(testRate, frameLen)
	src.Push(mock.Noise(frameLen, 0.0173, 1)) // one frame, then silence forever
	dev := &mock.Device{OpenRawResult: src}
	s := NewSession(dev, Config{SampleRate: testRate})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := s.Run(ctx, nil)
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if s.State() != StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
}

func TestThresholdForSNR_Tiers(t *testing.T) {
	tests := []struct {
		snr  float64
		want float64
	}{
		{25, 0.4},
		{20, 0.4},
		{12, 0.5},
		{7, 0.6},
		{2, 0.7},
	}
	for _, tt := range tests {
		if got := thresholdForSNR(tt.snr); got != tt.want {
			t.Errorf("thresholdForSNR(%v) = %v, want %v", tt.snr, got, tt.want)
		}
	}
}

func TestClassifyEnvironment(t *testing.T) {
	tests := []struct {
		db   float64
		want Environment
	}{
		{-60, EnvQuiet},
		{-45, EnvModerate},
		{-30, EnvNoisy},
		{-10, EnvOutdoor},
	}
	for _, tt := range tests {
		if got := classifyEnvironment(tt.db); got != tt.want {
			t.Errorf("classifyEnvironment(%v) = %v, want %v", tt.db, got, tt.want)
		}
	}
}
