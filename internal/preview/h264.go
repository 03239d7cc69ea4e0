package preview

import (
	"encoding/base64"
	"strings"

	"github.com/AlexxIT/go2rtc/pkg/core"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/pion/rtp"
)

const (
	rtpSTAPA = 24
	rtpFUA   = 28
)

// paramSetInjector forwards H.264 RTP packets untouched and puts SPS and PPS
// from the SDP in front of every IDR that did not carry them in-band, so a
// viewer joining mid-GOP (or recovering from loss) can start decoding.
type paramSetInjector struct {
	out      func(*rtp.Packet)
	sps, pps []byte
	pt       uint8
	inBand   bool
}

func newParamSetInjector(codec *core.Codec, out func(*rtp.Packet)) *paramSetInjector {
	sps, pps := spropParameterSets(codec.FmtpLine)
	return &paramSetInjector{out: out, sps: sps, pps: pps, pt: codec.PayloadType}
}

func (p *paramSetInjector) handle(pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}

	switch typ := pkt.Payload[0] & 0x1F; typ {
	case byte(h264.NALUTypeSPS), byte(h264.NALUTypePPS):
		p.inBand = true
	case rtpSTAPA:
		if stapCarriesParams(pkt.Payload) {
			p.inBand = true
		}
	case byte(h264.NALUTypeIDR):
		p.beforeIDR(pkt)
	case rtpFUA:
		if len(pkt.Payload) > 1 {
			fu := pkt.Payload[1]
			if fu&0x80 != 0 && h264.NALUType(fu&0x1F) == h264.NALUTypeIDR {
				p.beforeIDR(pkt)
			}
		}
	}

	p.out(pkt)
}

func (p *paramSetInjector) beforeIDR(idr *rtp.Packet) {
	if !p.inBand {
		for _, nal := range [][]byte{p.sps, p.pps} {
			if len(nal) == 0 {
				continue
			}
			p.out(&rtp.Packet{
				Header: rtp.Header{
					Version:     2,
					PayloadType: p.pt,
					Timestamp:   idr.Timestamp,
					SSRC:        idr.SSRC,
				},
				Payload: nal,
			})
		}
	}
	p.inBand = false
}

// stapCarriesParams walks the aggregation units of a STAP-A payload.
func stapCarriesParams(payload []byte) bool {
	for off := 1; off+2 <= len(payload); {
		size := int(payload[off])<<8 | int(payload[off+1])
		off += 2
		if size == 0 || off+size > len(payload) {
			return false
		}
		switch h264.NALUType(payload[off] & 0x1F) {
		case h264.NALUTypeSPS, h264.NALUTypePPS:
			return true
		}
		off += size
	}
	return false
}

// spropParameterSets decodes sprop-parameter-sets from an fmtp line.
func spropParameterSets(fmtp string) (sps, pps []byte) {
	for _, param := range strings.Split(fmtp, ";") {
		value, ok := strings.CutPrefix(strings.TrimSpace(param), "sprop-parameter-sets=")
		if !ok {
			continue
		}
		first, second, ok := strings.Cut(value, ",")
		if !ok {
			return nil, nil
		}
		sps, _ = base64.StdEncoding.DecodeString(first)
		pps, _ = base64.StdEncoding.DecodeString(second)
		return sps, pps
	}
	return nil, nil
}
