// Package wavfile implements [audio.Device] on top of a RIFF/WAVE file.
//
// The device replays the file's PCM content as a stream of fixed-duration
// [audio.Frame] values, which makes any recording usable as a capture source:
// for the detection pipeline in development, for calibration walkthroughs, and
// for reproducing field recordings that triggered bad detector behavior.
//
// Only 16-bit PCM is supported. Multi-channel files are down-mixed to mono by
// averaging, since the detection pipeline is mono throughout.
package wavfile

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sotto-voice/sotto/pkg/audio"
)

// ErrNotWAV is returned by [Device.Open] when the file is not a valid
// RIFF/WAVE container.
var ErrNotWAV = errors.New("wavfile: not a RIFF/WAVE file")

// Device replays a WAV file as an audio capture stream. Each call to Open or
// OpenRaw starts a fresh replay from the beginning of the file.
//
// Safe for concurrent use; every open stream is independent.
type Device struct {
	path     string
	frameDur time.Duration
	realtime bool
}

// Option configures a [Device].
type Option func(*Device)

// WithFrameDuration sets the duration of each emitted frame.
// The default is 40ms.
func WithFrameDuration(d time.Duration) Option {
	return func(dev *Device) {
		if d > 0 {
			dev.frameDur = d
		}
	}
}

// WithRealtime makes the replay pace frames at capture speed instead of
// delivering them as fast as the consumer reads.
func WithRealtime() Option {
	return func(dev *Device) {
		dev.realtime = true
	}
}

// New creates a replay device for the WAV file at path. The file is not
// touched until [Device.Open] is called.
func New(path string, opts ...Option) *Device {
	dev := &Device{
		path:     path,
		frameDur: 40 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(dev)
	}
	return dev
}

// Open starts a replay stream from the beginning of the file.
func (d *Device) Open(ctx context.Context) (audio.Source, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: read %q: %w", d.path, err)
	}

	info, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	samples := pcmToMono(data[info.dataOffset:info.dataOffset+info.dataLen], info.channels)

	s := &source{
		frames:     make(chan audio.Frame),
		sampleRate: info.sampleRate,
		done:       make(chan struct{}),
	}
	go s.replay(ctx, samples, d.frameDur, d.realtime)
	return s, nil
}

// OpenRaw is identical to [Device.Open]: file content went through whatever
// processing chain produced the recording, and replay cannot undo it.
func (d *Device) OpenRaw(ctx context.Context) (audio.Source, error) {
	return d.Open(ctx)
}

// source is one replay stream over a decoded sample buffer.
type source struct {
	frames     chan audio.Frame
	sampleRate int

	closeOnce sync.Once
	done      chan struct{}
}

func (s *source) Frames() <-chan audio.Frame { return s.frames }

func (s *source) SampleRate() int { return s.sampleRate }

func (s *source) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// replay chunks samples into frames and delivers them until the buffer is
// exhausted, the source is closed, or ctx is cancelled. The frames channel is
// closed on exit so consumers ranging over it terminate cleanly.
func (s *source) replay(ctx context.Context, samples []float32, frameDur time.Duration, realtime bool) {
	defer close(s.frames)

	frameLen := int(int64(s.sampleRate) * int64(frameDur) / int64(time.Second))
	if frameLen <= 0 {
		frameLen = 1
	}

	var ticker *time.Ticker
	if realtime {
		ticker = time.NewTicker(frameDur)
		defer ticker.Stop()
	}

	var elapsed time.Duration
	for off := 0; off < len(samples); off += frameLen {
		end := off + frameLen
		if end > len(samples) {
			// Drop the trailing partial frame; the pipeline expects a fixed
			// frame length for the lifetime of a source.
			return
		}

		frame := audio.Frame{
			Samples:    samples[off:end],
			SampleRate: s.sampleRate,
			Timestamp:  elapsed,
		}
		elapsed += frameDur

		if realtime {
			select {
			case <-ticker.C:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case s.frames <- frame:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// headerInfo holds the format metadata extracted from a RIFF/WAVE header.
type headerInfo struct {
	dataOffset int
	dataLen    int
	sampleRate int
	channels   int
}

// parseHeader walks the RIFF chunks in data and returns the location of the
// PCM payload and the format from the "fmt " sub-chunk. Walking the chunks is
// more robust than assuming a fixed 44-byte header because the fmt chunk size
// varies between encoders.
func parseHeader(data []byte) (headerInfo, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return headerInfo{}, ErrNotWAV
	}

	var info headerInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || offset+8+16 > len(data) {
				return headerInfo{}, errors.New("wavfile: truncated fmt chunk")
			}
			fmtData := data[offset+8:]
			if format := binary.LittleEndian.Uint16(fmtData[0:2]); format != 1 {
				return headerInfo{}, fmt.Errorf("wavfile: unsupported audio format %d (want 1, PCM)", format)
			}
			if bits := binary.LittleEndian.Uint16(fmtData[14:16]); bits != 16 {
				return headerInfo{}, fmt.Errorf("wavfile: unsupported bit depth %d (want 16)", bits)
			}
			info.channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
			info.sampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return headerInfo{}, errors.New("wavfile: data chunk before fmt chunk")
			}
			info.dataOffset = offset + 8
			info.dataLen = chunkSize
			if info.dataOffset+info.dataLen > len(data) {
				info.dataLen = len(data) - info.dataOffset
			}
			return info, nil
		}

		// Chunks are word-aligned: pad by one byte when the size is odd.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return headerInfo{}, errors.New("wavfile: missing data chunk")
}

// pcmToMono converts 16-bit little-endian PCM to float32 samples in [-1, 1],
// averaging all channels into mono.
func pcmToMono(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	perChannel := len(pcm) / (2 * channels)
	mono := make([]float32, perChannel)
	for i := 0; i < perChannel; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			idx := (i*channels + ch) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[idx:idx+2]))) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
