package streaming

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/smazurov/castnode/internal/media"
)

// TrackMix controls how one audio track contributes to the stream.
type TrackMix struct {
	Volume float64 `json:"volume" doc:"Linear gain, 1 keeps the level"`
	Muted  bool    `json:"muted"`
	// ChannelMap[i] is the input channel feeding output channel i. The last
	// entry repeats for the remaining output channels. Empty maps one to one.
	ChannelMap []int `json:"channel_map,omitempty"`
}

// DefaultTrackMix passes a track through unchanged.
var DefaultTrackMix = TrackMix{Volume: 1}

// MaxVolume bounds TrackMix.Volume.
const MaxVolume = 4

func (t TrackMix) validate() error {
	if t.Volume < 0 || t.Volume > MaxVolume || math.IsNaN(t.Volume) {
		return fmt.Errorf("%w: volume %v", ErrInvalidMix, t.Volume)
	}
	for _, ch := range t.ChannelMap {
		if ch < 0 {
			return fmt.Errorf("%w: channel %d", ErrInvalidMix, ch)
		}
	}
	return nil
}

// inputChannel returns the input channel feeding output channel out, or -1 for silence.
func (t TrackMix) inputChannel(out, inputs int) int {
	ch := out
	if n := len(t.ChannelMap); n > 0 {
		ch = t.ChannelMap[min(out, n-1)]
	} else if ch >= inputs {
		ch = inputs - 1
	}
	if ch >= inputs {
		return -1
	}
	return ch
}

// pcmChunk is interleaved s16 audio placed on the output clock.
type pcmChunk struct {
	start    int64
	channels int
	data     []int16
}

func (c *pcmChunk) frames() int64 { return int64(len(c.data) / c.channels) }
func (c *pcmChunk) end() int64    { return c.start + c.frames() }

type pcmTrack struct {
	mix TrackMix
	// gain is applied on top of mix and survives mix changes.
	gain   float64
	chunks []*pcmChunk
	// head is the end of the latest chunk ever pushed.
	head int64
	live bool
}

// dropBefore discards audio that ends before frame.
func (t *pcmTrack) dropBefore(frame int64) {
	i := 0
	for i < len(t.chunks) && t.chunks[i].end() <= frame {
		i++
	}
	t.chunks = t.chunks[i:]
}

func (t *pcmTrack) lastEnd() (int64, bool) {
	if len(t.chunks) == 0 {
		return 0, false
	}
	return t.chunks[len(t.chunks)-1].end(), true
}

// pcmMixer sums audio tracks onto one output clock. The main track drives the
// clock while it delivers; when it falls more than idle frames behind, any
// other track that is part of the mix drives it instead. Output is held back
// by delay frames so late tracks can still contribute.
type pcmMixer struct {
	format     media.PCMFormat
	main       int
	multiTrack bool
	delay      int64
	idle       int64
	maxGap     int64
	maxBuffer  int64
	tracks     map[int]*pcmTrack

	started bool
	cursor  int64
}

func newPCMMixer(format media.PCMFormat, delay time.Duration) *pcmMixer {
	rate := int64(format.SampleRate)
	d := int64(delay.Seconds() * float64(rate))
	return &pcmMixer{
		format:    format,
		delay:     d,
		idle:      max(2*d, rate/10),
		maxGap:    5 * rate,
		maxBuffer: 2 * rate,
		tracks:    make(map[int]*pcmTrack),
	}
}

func (m *pcmMixer) track(n int) *pcmTrack {
	t, ok := m.tracks[n]
	if !ok {
		t = &pcmTrack{mix: DefaultTrackMix, gain: 1}
		m.tracks[n] = t
	}
	return t
}

func (m *pcmMixer) setMix(n int, mix TrackMix) {
	m.track(n).mix = mix
}

func (m *pcmMixer) setGain(n int, gain float64) {
	m.track(n).gain = gain
}

// mixed reports whether track n is part of the output.
func (m *pcmMixer) mixed(n int, t *pcmTrack) bool {
	return (n == m.main || m.multiTrack) && !t.mix.Muted
}

// drives reports whether a chunk ending at end on track n advances the output clock.
func (m *pcmMixer) drives(n int, t *pcmTrack, end int64) bool {
	if n == m.main {
		return true
	}
	if !m.mixed(n, t) {
		return false
	}
	main, ok := m.tracks[m.main]
	return !ok || !main.live || end-main.head > m.idle
}

// push adds a chunk of s16le audio and returns any output that became complete.
func (m *pcmMixer) push(n int, pts media.Time, data []byte, frames int) []byte {
	if frames <= 0 || len(data) < 2*frames {
		return nil
	}
	channels := len(data) / 2 / frames
	chunk := &pcmChunk{
		start:    pts.Rescale(int64(m.format.SampleRate)),
		channels: channels,
		data:     make([]int16, frames*channels),
	}
	for i := range chunk.data {
		chunk.data[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}

	t := m.track(n)
	if end, ok := t.lastEnd(); ok && chunk.start < end {
		// overlapping audio keeps the earlier chunk
		skip := end - chunk.start
		if skip >= chunk.frames() {
			return nil
		}
		chunk.data = chunk.data[skip*int64(channels):]
		chunk.start = end
	}
	t.chunks = append(t.chunks, chunk)
	t.head = max(t.head, chunk.end())
	t.live = true

	if !m.drives(n, t, chunk.end()) {
		if m.started {
			t.dropBefore(m.cursor)
		}
		if end, ok := t.lastEnd(); ok && end-t.chunks[0].start > m.maxBuffer {
			t.dropBefore(end - m.maxBuffer)
		}
		return nil
	}

	if !m.started || chunk.start-m.cursor > m.maxGap {
		m.started = true
		m.cursor = chunk.start
		if n != m.main {
			// the buffered audio of this track starts the timeline
			m.cursor = t.chunks[0].start
		}
	}
	return m.mixTo(chunk.end() - m.delay)
}

// flush mixes everything buffered on the tracks that are part of the output.
func (m *pcmMixer) flush() []byte {
	if !m.started {
		return nil
	}
	limit, ok := int64(0), false
	for n, t := range m.tracks {
		if !m.mixed(n, t) {
			continue
		}
		if end, has := t.lastEnd(); has && (!ok || end > limit) {
			limit, ok = end, true
		}
	}
	if !ok {
		return nil
	}
	return m.mixTo(limit)
}

func (m *pcmMixer) mixTo(limit int64) []byte {
	if limit <= m.cursor {
		return nil
	}
	outCh := m.format.Channels
	n := limit - m.cursor
	acc := make([]int32, n*int64(outCh))

	for id, t := range m.tracks {
		if !m.mixed(id, t) {
			t.dropBefore(limit)
			continue
		}
		gain := t.mix.Volume * t.gain
		for _, c := range t.chunks {
			from := max(c.start, m.cursor)
			to := min(c.end(), limit)
			for f := from; f < to; f++ {
				src := (f - c.start) * int64(c.channels)
				dst := (f - m.cursor) * int64(outCh)
				for oc := range outCh {
					ic := t.mix.inputChannel(oc, c.channels)
					if ic < 0 {
						continue
					}
					acc[dst+int64(oc)] += int32(float64(c.data[src+int64(ic)]) * gain)
				}
			}
		}
		t.dropBefore(limit)
	}

	out := make([]byte, len(acc)*2)
	for i, v := range acc {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(clip16(v)))
	}
	m.cursor = limit
	return out
}

func clip16(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
