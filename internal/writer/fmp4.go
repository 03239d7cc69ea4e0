package writer

import (
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/pkg/formats/fmp4/seekablebuffer"

	"github.com/smazurov/castnode/internal/media"
	"github.com/smazurov/castnode/internal/metrics"
)

const videoTimeScale = 90000

// maxFragmentFactor forces a flush when no keyframe arrives for this many fragment durations.
const maxFragmentFactor = 4

// An audio chunk off the track end by up to audioJitter ticks is laid end to end.
const audioJitter = 2

// maxSilenceSeconds bounds the silence written into an audio gap. A longer gap
// closes the track's run and the next chunk starts a new one at its own time.
const maxSilenceSeconds = 1

// muxTrack accumulates the samples of one track for the next fragment.
type muxTrack struct {
	id        int
	kind      media.Kind
	timeScale uint32
	codec     fmp4.Codec

	samples  []*fmp4.PartSample
	baseTime uint64
	nextDTS  uint64

	// video samples wait for their successor to learn their duration
	pending    *fmp4.PartSample
	pendingDTS uint64
	// for audio, nextDTS survives flushes once set
	havePrev bool
}

func (t *muxTrack) span() uint64 {
	if len(t.samples) == 0 {
		return 0
	}
	return t.nextDTS - t.baseTime
}

func (t *muxTrack) push(dts uint64, s *fmp4.PartSample) {
	if len(t.samples) == 0 {
		t.baseTime = dts
		t.nextDTS = dts
	}
	t.samples = append(t.samples, s)
	t.nextDTS += uint64(s.Duration)
}

// fmp4Muxer writes a fragmented MP4 stream: one init segment followed by
// moof/mdat fragments cut at video keyframes.
type fmp4Muxer struct {
	w        io.Writer
	codec    media.VideoCodec
	video    *muxTrack
	audio    []*muxTrack
	fragment uint64 // in video ticks, or audio ticks for audio-only files

	initWritten bool
	seq         uint32
	buf         seekablebuffer.Buffer
	written     int64
}

func newFMP4Muxer(w io.Writer, video *VideoParams, audio AudioParams, fragmentTicks func(timeScale uint32) uint64) *fmp4Muxer {
	m := &fmp4Muxer{w: w}
	id := 1
	if video != nil {
		m.codec = video.Codec
		m.video = &muxTrack{id: id, kind: media.KindVideo, timeScale: videoTimeScale}
		m.fragment = fragmentTicks(videoTimeScale)
		id++
	}
	for _, kind := range audio.kinds() {
		format := audio.formatFor(kind)
		m.audio = append(m.audio, &muxTrack{
			id:        id,
			kind:      kind,
			timeScale: uint32(format.SampleRate),
			codec: &fmp4.CodecLPCM{
				LittleEndian: true,
				BitDepth:     16,
				SampleRate:   format.SampleRate,
				ChannelCount: format.Channels,
			},
		})
		id++
	}
	if m.video == nil && len(m.audio) > 0 {
		m.fragment = fragmentTicks(m.audio[0].timeScale)
	}
	return m
}

func (m *fmp4Muxer) audioTrack(kind media.Kind) *muxTrack {
	for _, t := range m.audio {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// writeVideo adds one access unit at rel seconds after the anchor.
func (m *fmp4Muxer) writeVideo(rel media.Time, data []byte) error {
	au, err := media.ParseAccessUnit(m.codec, data)
	if err != nil {
		return err
	}
	t := m.video

	if t.codec == nil {
		if !au.Keyframe {
			return nil
		}
		ps, err := media.ExtractParameterSets(m.codec, au.NALUs)
		if err != nil {
			return err
		}
		if m.codec == media.VideoH265 {
			t.codec = &fmp4.CodecH265{VPS: ps.VPS, SPS: ps.SPS, PPS: ps.PPS}
		} else {
			t.codec = &fmp4.CodecH264{SPS: ps.SPS, PPS: ps.PPS}
		}
		if err := m.writeInit(); err != nil {
			return err
		}
	}

	dts := uint64(rel.Rescale(videoTimeScale))
	if t.havePrev && dts <= t.pendingDTS {
		return nil
	}

	sample, err := fmp4.NewPartSampleH26x(0, au.Keyframe, stripDelimiters(m.codec, au.NALUs))
	if err != nil {
		return err
	}

	if t.pending != nil {
		t.pending.Duration = uint32(dts - t.pendingDTS)
		t.push(t.pendingDTS, t.pending)
	}

	if au.Keyframe && t.span() >= m.fragment || t.span() >= m.fragment*maxFragmentFactor {
		if err := m.flush(); err != nil {
			return err
		}
	}

	t.pending = sample
	t.pendingDTS = dts
	t.havePrev = true
	return nil
}

// writeAudio adds one PCM chunk of frames frames.
func (m *fmp4Muxer) writeAudio(kind media.Kind, rel media.Time, data []byte, frames int) error {
	t := m.audioTrack(kind)
	if t == nil {
		return fmt.Errorf("no %s track", kind)
	}
	if m.video == nil && !m.initWritten {
		if err := m.writeInit(); err != nil {
			return err
		}
	}

	if frames <= 0 {
		return nil
	}
	frameSize := len(data) / frames

	dts := uint64(rel.Rescale(int64(t.timeScale)))
	if t.havePrev {
		switch {
		case dts+uint64(frames) <= t.nextDTS:
			return nil
		case dts+audioJitter < t.nextDTS:
			skip := int(t.nextDTS - dts)
			data = data[skip*frameSize:]
			frames -= skip
			dts = t.nextDTS
		case dts > t.nextDTS+audioJitter:
			if err := m.fillGap(t, dts, frameSize); err != nil {
				return err
			}
		}
	}
	t.push(dts, &fmp4.PartSample{Duration: uint32(frames), Payload: data})
	t.havePrev = true

	if m.video == nil && t.span() >= m.fragment {
		return m.flush()
	}
	return nil
}

// fillGap pads an audio track with silence up to dts, or cuts the track's
// run when the gap is too long to pad.
func (m *fmp4Muxer) fillGap(t *muxTrack, dts uint64, frameSize int) error {
	gap := dts - t.nextDTS
	if gap <= uint64(t.timeScale)*maxSilenceSeconds {
		metrics.AddWriterSilenceFrames(t.kind.String(), int(gap))
		t.push(t.nextDTS, &fmp4.PartSample{Duration: uint32(gap), Payload: make([]byte, int(gap)*frameSize)})
		return nil
	}
	if !m.initWritten {
		t.samples = nil
		return nil
	}
	return m.flushTracks(t)
}

func (m *fmp4Muxer) writeInit() error {
	init := &fmp4.Init{}
	if m.video != nil {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        m.video.id,
			TimeScale: m.video.timeScale,
			Codec:     m.video.codec,
		})
	}
	for _, t := range m.audio {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{ID: t.id, TimeScale: t.timeScale, Codec: t.codec})
	}

	m.buf.Reset()
	if err := init.Marshal(&m.buf); err != nil {
		return fmt.Errorf("marshal init: %w", err)
	}
	if err := m.emit(); err != nil {
		return err
	}
	m.initWritten = true
	return nil
}

// flush writes every completed sample as one fragment.
func (m *fmp4Muxer) flush() error {
	tracks := m.audio
	if m.video != nil {
		tracks = append([]*muxTrack{m.video}, m.audio...)
	}
	return m.flushTracks(tracks...)
}

func (m *fmp4Muxer) flushTracks(tracks ...*muxTrack) error {
	if !m.initWritten {
		return nil
	}

	part := &fmp4.Part{SequenceNumber: m.seq}
	for _, t := range tracks {
		if len(t.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{ID: t.id, BaseTime: t.baseTime, Samples: t.samples})
		t.samples = nil
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	m.buf.Reset()
	if err := part.Marshal(&m.buf); err != nil {
		return fmt.Errorf("marshal fragment: %w", err)
	}
	m.seq++
	metrics.IncrementWriterFragments()
	return m.emit()
}

// close flushes the pending video sample with a nominal duration and the remaining fragment.
func (m *fmp4Muxer) close(frameTicks uint32) error {
	if t := m.video; t != nil && t.pending != nil {
		t.pending.Duration = frameTicks
		t.push(t.pendingDTS, t.pending)
		t.pending = nil
	}
	return m.flush()
}

func (m *fmp4Muxer) emit() error {
	n, err := m.w.Write(m.buf.Bytes())
	m.written += int64(n)
	metrics.AddWriterBytes(n)
	return err
}

func stripDelimiters(codec media.VideoCodec, nalus [][]byte) [][]byte {
	out := nalus[:0:0]
	for _, n := range nalus {
		if codec == media.VideoH265 {
			if h265.NALUType((n[0]>>1)&0b111111) == h265.NALUType_AUD_NUT {
				continue
			}
		} else if h264.NALUType(n[0]&0x1F) == h264.NALUTypeAccessUnitDelimiter {
			continue
		}
		out = append(out, n)
	}
	return out
}
