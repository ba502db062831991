package speak

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/cue"
)

// note is one sine segment of a cue.
type note struct {
	freq float64
	dur  time.Duration
}

// cues maps each tone to its melody.
var cues = map[cue.Tone][]note{
	cue.ToneWake:    {{880, 90 * time.Millisecond}, {1320, 90 * time.Millisecond}},
	cue.ToneAck:     {{660, 70 * time.Millisecond}},
	cue.ToneExit:    {{660, 90 * time.Millisecond}, {440, 140 * time.Millisecond}},
	cue.ToneTurnEnd: {{520, 60 * time.Millisecond}},
}

// fade is the linear ramp applied to both ends of every note to avoid
// clicks.
const fade = 5 * time.Millisecond

// TonePlayer implements [cue.Player] by rendering short sine melodies to a
// sink. The PCM is generated once per tone.
type TonePlayer struct {
	sink   audio.Sink
	volume float64
	pcm    map[cue.Tone][]byte
}

var _ cue.Player = (*TonePlayer)(nil)

// NewTonePlayer returns a TonePlayer at volume (0..1] of full scale.
func NewTonePlayer(sink audio.Sink, volume float64) *TonePlayer {
	if volume <= 0 || volume > 1 {
		volume = 0.3
	}
	p := &TonePlayer{sink: sink, volume: volume, pcm: make(map[cue.Tone][]byte, len(cues))}
	for tone, melody := range cues {
		p.pcm[tone] = render(melody, sink.Format(), volume)
	}
	return p
}

// Play implements [cue.Player].
func (p *TonePlayer) Play(ctx context.Context, t cue.Tone) error {
	pcm, ok := p.pcm[t]
	if !ok {
		return fmt.Errorf("speak: no cue for tone %s", t)
	}
	return p.sink.Play(ctx, pcm)
}

// render synthesises melody as 16-bit PCM in f.
func render(melody []note, f audio.Format, volume float64) []byte {
	var out []byte
	for _, n := range melody {
		samples := int(int64(f.SampleRate) * int64(n.dur) / int64(time.Second))
		ramp := int(int64(f.SampleRate) * int64(fade) / int64(time.Second))
		buf := make([]byte, samples*f.Channels*2)
		for i := range samples {
			gain := volume
			if edge := min(i, samples-1-i); edge < ramp {
				gain *= float64(edge) / float64(ramp)
			}
			v := int16(gain * 32767 * math.Sin(2*math.Pi*n.freq*float64(i)/float64(f.SampleRate)))
			for ch := range f.Channels {
				binary.LittleEndian.PutUint16(buf[(i*f.Channels+ch)*2:], uint16(v))
			}
		}
		out = append(out, buf...)
	}
	return out
}
