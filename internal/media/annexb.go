package media

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"
)

// ErrNoParameterSets is returned when an access unit lacks the SPS/PPS needed to describe a track.
var ErrNoParameterSets = errors.New("parameter sets not found")

// AccessUnitSplitter returns a bufio.SplitFunc that cuts an Annex-B byte stream into access units.
// The stream must carry access unit delimiters (ffmpeg: -bsf:v h264_metadata=aud=insert).
func AccessUnitSplitter(codec VideoCodec) func(data []byte, atEOF bool) (int, []byte, error) {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}

		first := nextDelimiter(codec, data, 0)
		if first < 0 {
			if atEOF {
				return len(data), nil, nil
			}
			return 0, nil, nil
		}

		// search for the following delimiter past the first start code
		next := nextDelimiter(codec, data, first+3)
		if next >= 0 {
			return next, data[first:next], nil
		}
		if atEOF {
			return len(data), data[first:], nil
		}
		return 0, nil, nil
	}
}

// nextDelimiter returns the index of the start code preceding the next AUD NAL unit at or after from.
func nextDelimiter(codec VideoCodec, data []byte, from int) int {
	for i := from; i+3 < len(data); {
		j := bytes.Index(data[i:], []byte{0, 0, 1})
		if j < 0 || i+j+3 >= len(data) {
			return -1
		}
		pos := i + j
		if isAUD(codec, data[pos+3]) {
			if pos > 0 && data[pos-1] == 0 {
				return pos - 1
			}
			return pos
		}
		i = pos + 3
	}
	return -1
}

func isAUD(codec VideoCodec, header byte) bool {
	if codec == VideoH265 {
		return h265.NALUType((header>>1)&0b111111) == h265.NALUType_AUD_NUT
	}
	return h264.NALUType(header&0x1F) == h264.NALUTypeAccessUnitDelimiter
}

// AccessUnit is a parsed video access unit.
type AccessUnit struct {
	NALUs    [][]byte
	Keyframe bool
}

// ParseAccessUnit decodes an Annex-B access unit into NAL units and detects random access points.
func ParseAccessUnit(codec VideoCodec, buf []byte) (*AccessUnit, error) {
	nalus, err := h264.AnnexBUnmarshal(buf)
	if err != nil {
		return nil, fmt.Errorf("annex-b: %w", err)
	}

	au := &AccessUnit{NALUs: make([][]byte, 0, len(nalus))}
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		au.NALUs = append(au.NALUs, n)
	}

	if codec == VideoH265 {
		au.Keyframe = h265.IsRandomAccess(au.NALUs)
	} else {
		au.Keyframe = h264.IDRPresent(au.NALUs)
	}
	return au, nil
}

// ParameterSets holds the out-of-band codec configuration of a video track.
type ParameterSets struct {
	VPS []byte
	SPS []byte
	PPS []byte
}

// Complete reports whether all sets required by the codec are present.
func (p ParameterSets) Complete(codec VideoCodec) bool {
	if codec == VideoH265 {
		return p.VPS != nil && p.SPS != nil && p.PPS != nil
	}
	return p.SPS != nil && p.PPS != nil
}

// ExtractParameterSets collects VPS/SPS/PPS from the NAL units of an access unit.
func ExtractParameterSets(codec VideoCodec, nalus [][]byte) (ParameterSets, error) {
	var ps ParameterSets
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		if codec == VideoH265 {
			switch h265.NALUType((n[0] >> 1) & 0b111111) {
			case h265.NALUType_VPS_NUT:
				ps.VPS = n
			case h265.NALUType_SPS_NUT:
				ps.SPS = n
			case h265.NALUType_PPS_NUT:
				ps.PPS = n
			}
			continue
		}
		switch h264.NALUType(n[0] & 0x1F) {
		case h264.NALUTypeSPS:
			ps.SPS = n
		case h264.NALUTypePPS:
			ps.PPS = n
		}
	}
	if !ps.Complete(codec) {
		return ps, ErrNoParameterSets
	}
	return ps, nil
}
