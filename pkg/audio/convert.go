package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// FormatConverter converts frames to Target. The first mismatch and the
// first corrupt frame are logged once. Use one converter per stream.
type FormatConverter struct {
	Target Format

	mismatch sync.Once
	corrupt  sync.Once
}

// Convert returns frame in the target format. Frames that already match are
// returned as is. Frames whose data is not whole int16 samples are dropped
// (empty Data). Resampling happens before channel conversion, so a stereo
// source going to mono is mixed down at the target rate.
func (c *FormatConverter) Convert(frame Frame) Frame {
	if len(frame.Data)%bytesPerSample != 0 {
		c.corrupt.Do(func() {
			slog.Warn("audio: dropping frame with odd byte count",
				"bytes", len(frame.Data),
				"format", frame.Format().String(),
			)
		})
		return Frame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if frame.Format() == c.Target {
		return frame
	}
	c.mismatch.Do(func() {
		slog.Info("audio: converting stream", "from", frame.Format().String(), "to", c.Target.String())
	})

	pcm := Resample(frame.Data, frame.Channels, frame.SampleRate, c.Target.SampleRate)
	switch {
	case frame.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case frame.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return Frame{Data: pcm, SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
}

// ConvertStream converts every frame of in on its own goroutine. The
// returned channel has the same capacity as in and is closed after in.
// Dropped frames are skipped.
func ConvertStream(in <-chan Frame, target Format) <-chan Frame {
	out := make(chan Frame, cap(in))
	go func() {
		defer close(out)
		conv := FormatConverter{Target: target}
		for f := range in {
			if c := conv.Convert(f); len(c.Data) > 0 {
				out <- c
			}
		}
	}()
	return out
}

func sample(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
}

func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*bytesPerSample:], uint16(v))
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}

// MonoToStereo copies each mono sample to both channels.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / bytesPerSample
	out := make([]byte, n*2*bytesPerSample)
	for i := range n {
		s := sample(pcm, i)
		putSample(out, 2*i, s)
		putSample(out, 2*i+1, s)
	}
	return out
}

// StereoToMono averages left and right.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / (2 * bytesPerSample)
	out := make([]byte, n*bytesPerSample)
	for i := range n {
		l, r := int32(sample(pcm, 2*i)), int32(sample(pcm, 2*i+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// Resample converts interleaved PCM with the given channel count from
// srcRate to dstRate by linear interpolation. Equal or invalid rates return
// pcm unchanged.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	frameSize := channels * bytesPerSample
	srcFrames := len(pcm) / frameSize
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameSize)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			a := float64(sample(pcm, idx*channels+ch))
			b := float64(sample(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(a+(b-a)*frac))
		}
	}
	return out
}

// ResampleMono16 resamples mono PCM.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return Resample(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples interleaved stereo PCM.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return Resample(pcm, 2, srcRate, dstRate)
}
