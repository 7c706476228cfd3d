// Package mock provides in-memory mock implementations of the [audio.Device]
// and [audio.Source] interfaces for use in unit tests, plus helpers that
// generate synthetic sample buffers (silence, sine tones, white noise).
//
// All mocks are safe for concurrent use. They record method calls so that
// tests can assert on call counts, and they expose exported fields the test
// can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource(16000, 320)
//	src.Push(mock.Sine(320, 0.5, 440, 16000))
//	src.Push(mock.Silence(320))
//	src.Finish()
//	dev := &mock.Device{OpenResult: src, OpenRawResult: src}
package mock

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sotto-voice/sotto/pkg/audio"
)

// Device is a mock implementation of [audio.Device].
// Set the exported Result/Error fields before use; inspect the Call* fields after.
type Device struct {
	mu sync.Mutex

	// OpenResult is returned by [Device.Open].
	OpenResult audio.Source

	// OpenError is returned by [Device.Open]. Takes precedence over OpenResult.
	OpenError error

	// OpenRawResult is returned by [Device.OpenRaw].
	OpenRawResult audio.Source

	// OpenRawError is returned by [Device.OpenRaw]. Takes precedence over OpenRawResult.
	OpenRawError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountOpenRaw records how many times OpenRaw was called.
	CallCountOpenRaw int
}

// Open implements [audio.Device].
func (d *Device) Open(_ context.Context) (audio.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	return d.OpenResult, nil
}

// OpenRaw implements [audio.Device].
func (d *Device) OpenRaw(_ context.Context) (audio.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpenRaw++
	if d.OpenRawError != nil {
		return nil, d.OpenRawError
	}
	return d.OpenRawResult, nil
}

// Source is a scripted implementation of [audio.Source]. Frames pushed via
// [Source.Push] are delivered in order on the Frames channel with synthetic
// timestamps advancing by the frame duration.
type Source struct {
	sampleRate int
	frameSize  int

	mu        sync.Mutex
	frames    chan audio.Frame
	elapsed   time.Duration
	closeOnce sync.Once

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSource creates a scripted Source delivering frames of frameSize samples
// at the given rate. The internal channel is buffered generously so tests can
// Push a whole scenario before the consumer starts.
func NewSource(sampleRate, frameSize int) *Source {
	return &Source{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		frames:     make(chan audio.Frame, 1024),
	}
}

// Push queues one frame built from samples.
func (s *Source) Push(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames <- audio.Frame{
		Samples:    samples,
		SampleRate: s.sampleRate,
		Timestamp:  s.elapsed,
	}
	s.elapsed += time.Duration(len(samples)) * time.Second / time.Duration(s.sampleRate)
}

// PushRepeated queues n copies of samples.
func (s *Source) PushRepeated(samples []float32, n int) {
	for i := 0; i < n; i++ {
		s.Push(samples)
	}
}

// Finish closes the frames channel, signalling end of stream to the consumer.
func (s *Source) Finish() {
	s.closeOnce.Do(func() { close(s.frames) })
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.Frame { return s.frames }

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int { return s.sampleRate }

// Close implements [audio.Source]. Ends the stream.
func (s *Source) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	s.Finish()
	return nil
}

// Silence returns n zero samples.
func Silence(n int) []float32 {
	return make([]float32, n)
}

// Sine returns n samples of a sine tone at freq Hz with the given peak
// amplitude, sampled at sampleRate.
func Sine(n int, amplitude float64, freq float64, sampleRate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

// Noise returns n samples of uniform white noise with the given peak
// amplitude. The rng seed is fixed so tests are deterministic.
func Noise(n int, amplitude float64, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * (2*rng.Float64() - 1))
	}
	return out
}
