// Package audio defines the interfaces and types for delivering audio frames
// to the sotto detection pipeline.
//
// The two abstractions are:
//
//   - [Device] — opens capture streams on the local machine and returns a [Source].
//   - [Source] — an open capture stream delivering fixed-size frames of
//     normalized float32 samples at a negotiated sample rate.
//
// Implementations of these interfaces are provided by platform-specific
// adapter packages (ALSA, CoreAudio, a WAV-file replayer, ...). The interfaces
// are intentionally narrow so that the detector, prosody extractor, and
// calibration session stay decoupled from capture details.
//
// This package lives under pkg/ because external code (third-party capture
// adapters) is expected to implement [Device] and [Source].
package audio

import (
	"context"
	"time"
)

// Frame is a single fixed-duration chunk of captured audio.
// Frames are the atomic unit of the pipeline — the detector, prosody
// extractor, and calibration session all consume exactly one Frame at a time.
type Frame struct {
	// Samples holds normalized PCM samples in [-1, 1]. The slice length is
	// fixed for the lifetime of a [Source] (sample rate × frame duration).
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for detection, 48000 for playback capture).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// FrameDuration returns the wall-clock duration covered by the frame's samples.
func (f Frame) FrameDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Source is an open audio capture stream.
//
// The frames channel is closed when the stream ends or [Source.Close] is
// called. A Source is single-consumer: only one goroutine should range over
// Frames at a time.
type Source interface {
	// Frames returns the channel delivering captured frames in capture order.
	// The channel is closed on stream end or Close.
	Frames() <-chan Frame

	// SampleRate returns the negotiated capture rate in Hz.
	SampleRate() int

	// Close releases the underlying capture resources. It is safe to call
	// Close more than once; subsequent calls are no-ops and return nil.
	Close() error
}

// Device opens capture streams. Implementations wrap an OS audio API or a
// test fixture and must be safe for concurrent use.
type Device interface {
	// Open starts a processed capture stream (echo cancellation, AGC — whatever
	// the platform applies by default). The supplied ctx governs the lifetime
	// of the open attempt only.
	Open(ctx context.Context) (Source, error)

	// OpenRaw starts an unprocessed capture stream. Calibration requires raw
	// samples so that the measured noise floor reflects the real environment
	// rather than the platform's noise suppression.
	//
	// Returns an error if the platform cannot disable its processing chain;
	// callers may fall back to Open.
	OpenRaw(ctx context.Context) (Source, error)
}
