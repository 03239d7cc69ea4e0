package mic

import (
	"errors"
	"io"

	"github.com/smazurov/castnode/internal/media"
)

// pcmReader cuts a raw s16le stream into samples of frameSize frames.
type pcmReader struct {
	format    media.PCMFormat
	frameSize int
	kind      media.Kind
	gate      Gate
	clock     *media.SampleClock
	deliver   Deliver

	// dropped counts chunks discarded by the gate
	dropped int
}

func newPCMReader(format media.PCMFormat, frameSize int, gate Gate, clock media.Clock, deliver Deliver) *pcmReader {
	return &pcmReader{
		format:    format,
		frameSize: frameSize,
		kind:      media.KindMicrophone,
		gate:      gate,
		clock:     media.NewSampleClock(clock, format.SampleRate),
		deliver:   deliver,
	}
}

// run reads until EOF. A trailing partial chunk is discarded.
func (p *pcmReader) run(r io.Reader) error {
	size := p.frameSize * p.format.BytesPerFrame()
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}

		pts := p.clock.Stamp(p.frameSize)
		if p.gate != nil && !p.gate.Accepting() {
			p.dropped++
			continue
		}
		p.deliver(&media.Sample{
			Kind:     p.kind,
			PTS:      pts,
			Duration: p.format.FrameDuration(p.frameSize),
			Data:     buf,
			Frames:   p.frameSize,
		})
	}
}
