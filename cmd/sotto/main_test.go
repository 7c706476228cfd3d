package main

import (
	"testing"

	"github.com/sotto-voice/sotto/internal/config"
	"github.com/sotto-voice/sotto/internal/events"
	"github.com/sotto-voice/sotto/internal/prosody"
	"github.com/sotto-voice/sotto/internal/vad"
	"github.com/sotto-voice/sotto/pkg/audio/mock"
)

const (
	testRate      = 16000
	testFrameSize = 320 // 20 ms at 16 kHz
)

func TestRunDetection_SegmentsAndTurnCues(t *testing.T) {
	bus := events.NewBus()
	starts, ends := 0, 0
	bus.Subscribe(func(ev events.Event) {
		switch ev.Type {
		case events.SpeechStart:
			starts++
		case events.SpeechEnd:
			ends++
		}
	}, events.SpeechStart, events.SpeechEnd)

	detector := vad.NewDetector(vad.Config{
		EnergyThreshold:  0.3,
		MinSpeechFrames:  3,
		MinSilenceFrames: 4,
	}, bus)
	extractor := prosody.NewExtractor(prosody.Config{SampleRate: testRate})

	source := mock.NewSource(testRate, testFrameSize)
	go func() {
		source.PushRepeated(mock.Sine(testFrameSize, 0.5, 200, testRate), 10)
		source.PushRepeated(mock.Silence(testFrameSize), 10)
		source.Finish()
	}()

	// Returns once the source's frame channel drains, so all bus events have
	// been delivered by the time it does.
	runDetection(source, detector, extractor)

	if starts != 1 {
		t.Errorf("speech_start events = %d, want 1", starts)
	}
	if ends != 1 {
		t.Errorf("speech_end events = %d, want 1", ends)
	}
}

func TestRunDetection_SilenceOnlyEmitsNothing(t *testing.T) {
	bus := events.NewBus()
	segments := 0
	bus.Subscribe(func(events.Event) { segments++ }, events.SpeechStart, events.SpeechEnd)

	detector := vad.NewDetector(vad.Config{MinSpeechFrames: 2, MinSilenceFrames: 3}, bus)
	extractor := prosody.NewExtractor(prosody.Config{SampleRate: testRate})

	source := mock.NewSource(testRate, testFrameSize)
	go func() {
		source.PushRepeated(mock.Silence(testFrameSize), 20)
		source.Finish()
	}()
	runDetection(source, detector, extractor)

	if segments != 0 {
		t.Errorf("segment events = %d, want 0 for silence-only input", segments)
	}
}

func TestDetectorConfig_PresetWithOverrides(t *testing.T) {
	base := detectorConfig(config.DetectorConfig{Mode: config.DetectorBalanced})
	want := vad.ConfigForMode(vad.ModeBalanced)
	if base.EnergyThreshold != want.EnergyThreshold || base.ZCRThreshold != want.ZCRThreshold {
		t.Errorf("balanced preset = %+v, want %+v", base, want)
	}

	over := detectorConfig(config.DetectorConfig{
		Mode:            config.DetectorBalanced,
		EnergyThreshold: 0.04,
		ZCRThreshold:    0.22,
	})
	if over.EnergyThreshold != 0.04 {
		t.Errorf("EnergyThreshold = %v, want override 0.04", over.EnergyThreshold)
	}
	if over.ZCRThreshold != 0.22 {
		t.Errorf("ZCRThreshold = %v, want override 0.22", over.ZCRThreshold)
	}
}
