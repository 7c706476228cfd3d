package prosody

import (
	"math"
	"testing"

	"github.com/sotto-voice/sotto/pkg/audio/mock"
)

const (
	testRate = 16000
	frameLen = 640 // 40 ms — enough samples for 50 Hz autocorrelation lags
)

func TestEstimatePitch_Sine(t *testing.T) {
	tests := []struct {
		freq float64
	}{
		{100}, {220}, {330}, {440},
	}
	for _, tt := range tests {
		samples := mock.Sine(frameLen, 0.5, tt.freq, testRate)
		got := EstimatePitch(samples, testRate, 50, 500, 0.3)
		// Lag quantization limits resolution at higher frequencies.
		if math.Abs(got-tt.freq) > tt.freq*0.05 {
			t.Errorf("EstimatePitch(%v Hz sine) = %v, want within 5%%", tt.freq, got)
		}
	}
}

func TestEstimatePitch_SilenceIsUnvoiced(t *testing.T) {
	if got := EstimatePitch(mock.Silence(frameLen), testRate, 50, 500, 0.3); got != 0 {
		t.Errorf("EstimatePitch(silence) = %v, want 0", got)
	}
}

func TestEstimatePitch_NoiseIsUnvoiced(t *testing.T) {
	if got := EstimatePitch(mock.Noise(frameLen, 0.5, 7), testRate, 50, 500, 0.5); got != 0 {
		t.Errorf("EstimatePitch(noise) = %v, want 0 (no periodic structure)", got)
	}
}

func TestAnalyze_SuppressesLowActivity(t *testing.T) {
	e := NewExtractor(Config{SampleRate: testRate})
	// Amplitude 0.01 → RMS ≈ 0.007, activity ≈ 0.07 < default MinActivity 0.2.
	_, ok := e.Analyze(mock.Sine(frameLen, 0.01, 220, testRate), 0)
	if ok {
		t.Error("low-activity frame was not suppressed")
	}
}

func TestAnalyze_VoicedFrame(t *testing.T) {
	e := NewExtractor(Config{SampleRate: testRate})
	f, ok := e.Analyze(mock.Sine(frameLen, 0.5, 220, testRate), 40)
	if !ok {
		t.Fatal("voiced frame was suppressed")
	}
	if math.Abs(f.PitchHz-220) > 15 {
		t.Errorf("PitchHz = %v, want ≈220", f.PitchHz)
	}
	if f.VoiceActivity < 0.9 {
		t.Errorf("VoiceActivity = %v, want ≥0.9 for loud frame", f.VoiceActivity)
	}
	if f.TimestampMs != 40 {
		t.Errorf("TimestampMs = %d, want 40", f.TimestampMs)
	}
}

func TestAnalyze_RisingContourAndQuestion(t *testing.T) {
	e := NewExtractor(Config{SampleRate: testRate})

	var last Features
	freq := 150.0
	for i := 0; i < 8; i++ {
		f, ok := e.Analyze(mock.Sine(frameLen, 0.5, freq, testRate), uint64(i*40))
		if !ok {
			t.Fatalf("frame %d suppressed", i)
		}
		last = f
		freq += 30
	}

	if last.PitchContour != ContourRising {
		t.Errorf("PitchContour = %v, want rising", last.PitchContour)
	}
	if !last.IsQuestion {
		t.Error("IsQuestion = false, want true for steadily rising pitch")
	}
	if last.PitchVariation == 0 {
		t.Error("PitchVariation = 0, want > 0 across a pitch sweep")
	}
}

func TestAnalyze_FallingContour(t *testing.T) {
	e := NewExtractor(Config{SampleRate: testRate})

	var last Features
	freq := 400.0
	for i := 0; i < 8; i++ {
		f, ok := e.Analyze(mock.Sine(frameLen, 0.5, freq, testRate), uint64(i*40))
		if !ok {
			t.Fatalf("frame %d suppressed", i)
		}
		last = f
		freq -= 30
	}

	if last.PitchContour != ContourFalling {
		t.Errorf("PitchContour = %v, want falling", last.PitchContour)
	}
	if last.IsQuestion {
		t.Error("IsQuestion = true on a falling contour")
	}
}

func TestAnalyze_FlatContour(t *testing.T) {
	e := NewExtractor(Config{SampleRate: testRate})

	var last Features
	for i := 0; i < 6; i++ {
		last, _ = e.Analyze(mock.Sine(frameLen, 0.5, 200, testRate), uint64(i*40))
	}
	if last.PitchContour != ContourFlat {
		t.Errorf("PitchContour = %v, want flat", last.PitchContour)
	}
}

func TestAnalyze_EnergyDecayAndEnding(t *testing.T) {
	e := NewExtractor(Config{SampleRate: testRate, MinActivity: 0.02})

	var last Features
	amp := 0.8
	for i := 0; i < 10; i++ {
		f, ok := e.Analyze(mock.Sine(frameLen, amp, 200, testRate), uint64(i*40))
		if !ok {
			t.Fatalf("frame %d suppressed (amp %v)", i, amp)
		}
		last = f
		amp *= 0.6
	}

	if last.EnergyDecay >= 0 {
		t.Errorf("EnergyDecay = %v, want negative for fading amplitude", last.EnergyDecay)
	}
	if !last.IsEnding {
		t.Errorf("IsEnding = false with decay %v, want true", last.EnergyDecay)
	}
}

func TestAnalyze_SpeakingRate(t *testing.T) {
	e := NewExtractor(Config{SampleRate: testRate})

	voiced := mock.Sine(frameLen, 0.5, 200, testRate)
	ts := uint64(0)
	// Alternate bursts of activity and marked inactivity over 2 seconds.
	var last Features
	for burst := 0; burst < 5; burst++ {
		for i := 0; i < 5; i++ {
			last, _ = e.Analyze(voiced, ts)
			ts += 40
		}
		for i := 0; i < 5; i++ {
			e.MarkInactive(ts)
			ts += 40
		}
	}

	// 5 bursts → ~10 transitions over ~2 s → ≈5/s.
	if last.SpeakingRate <= 0 {
		t.Errorf("SpeakingRate = %v, want > 0", last.SpeakingRate)
	}
}

func TestReset(t *testing.T) {
	e := NewExtractor(Config{SampleRate: testRate})
	for i := 0; i < 5; i++ {
		e.Analyze(mock.Sine(frameLen, 0.5, 200+30*float64(i), testRate), uint64(i*40))
	}
	e.Reset()

	f, ok := e.Analyze(mock.Sine(frameLen, 0.5, 200, testRate), 0)
	if !ok {
		t.Fatal("frame suppressed after Reset")
	}
	if f.PitchVariation != 0 {
		t.Errorf("PitchVariation = %v after Reset, want 0 (history cleared)", f.PitchVariation)
	}
	if f.PitchContour != ContourFlat {
		t.Errorf("PitchContour = %v after Reset, want flat", f.PitchContour)
	}
}

func TestNormalizedSlope_Clamped(t *testing.T) {
	// Steeply growing values: slope/mean can exceed 1 and must clamp.
	got := normalizedSlope([]float64{0.001, 1000})
	if got != 1 {
		t.Errorf("normalizedSlope = %v, want clamped to 1", got)
	}
}
