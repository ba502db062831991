// Package audio carries raw 16-bit little-endian PCM between the local
// microphone, the speech engines and the speaker.
//
// [Capture] reads frames from an input stream and hands them to exactly one
// subscriber at a time (the wake-word spotter or the recognizer, never both).
// [WriterSink] plays PCM paced to real time so that callers blocking on a
// write finish when the sound has actually been heard.
package audio

import (
	"fmt"
	"time"
)

// bytesPerSample is the width of one int16 sample.
const bytesPerSample = 2

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate reports a non-positive rate or channel count.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channel count must be positive, got %d", f.Channels)
	}
	return nil
}

// BytesPerSecond returns the PCM data rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * bytesPerSample
}

// FrameBytes returns the size of a d-long frame, rounded down to whole
// sample frames.
func (f Format) FrameBytes(d time.Duration) int {
	frame := f.Channels * bytesPerSample
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%frame
}

// Duration returns how long n bytes of f take to play.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Frame is one chunk of captured or synthesised PCM.
type Frame struct {
	Data       []byte
	SampleRate int
	Channels   int

	// Timestamp is the offset of the frame from the start of the stream.
	Timestamp time.Duration
}

// Format returns the frame's format.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Drain discards everything from ch until it is closed, so the producer
// goroutine can finish.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
