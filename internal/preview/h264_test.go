package preview

import (
	"testing"

	"github.com/AlexxIT/go2rtc/pkg/core"
	"github.com/pion/rtp"
)

const testFmtp = "profile-level-id=42e01f;packetization-mode=1;sprop-parameter-sets=Z0IAKeKQFAe2AtwEBAaQeJEV,aM48gA=="

func TestSpropParameterSets(t *testing.T) {
	tests := []struct {
		name    string
		fmtp    string
		wantSPS bool
	}{
		{name: "present", fmtp: testFmtp, wantSPS: true},
		{name: "first param", fmtp: "sprop-parameter-sets=Z0IAKeKQFAe2AtwEBAaQeJEV,aM48gA==;packetization-mode=1", wantSPS: true},
		{name: "missing", fmtp: "packetization-mode=1"},
		{name: "no pps", fmtp: "sprop-parameter-sets=Z0IAKeKQFAe2AtwEBAaQeJEV"},
		{name: "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sps, pps := spropParameterSets(tt.fmtp)
			if !tt.wantSPS {
				if sps != nil || pps != nil {
					t.Fatalf("expected no parameter sets, got %x %x", sps, pps)
				}
				return
			}
			if len(sps) == 0 || sps[0]&0x1F != 7 {
				t.Errorf("SPS = %x, want NAL type 7", sps)
			}
			if len(pps) == 0 || pps[0]&0x1F != 8 {
				t.Errorf("PPS = %x, want NAL type 8", pps)
			}
		})
	}
}

func collect(t *testing.T) (*paramSetInjector, *[]*rtp.Packet) {
	t.Helper()
	var got []*rtp.Packet
	codec := &core.Codec{Name: core.CodecH264, PayloadType: 96, FmtpLine: testFmtp}
	inj := newParamSetInjector(codec, func(pkt *rtp.Packet) {
		c := *pkt
		c.Payload = append([]byte(nil), pkt.Payload...)
		got = append(got, &c)
	})
	return inj, &got
}

func nalTypes(pkts []*rtp.Packet) []byte {
	types := make([]byte, len(pkts))
	for i, p := range pkts {
		types[i] = p.Payload[0] & 0x1F
	}
	return types
}

func TestParamSetInjector(t *testing.T) {
	idr := []byte{0x65, 0x88, 0x84}
	fuaIDRStart := []byte{0x7C, 0x85, 0x88}
	fuaIDRMiddle := []byte{0x7C, 0x05, 0x88}
	stapWithParams := []byte{0x78, 0x00, 0x02, 0x67, 0x42, 0x00, 0x02, 0x68, 0xCE}
	stapWithoutParams := []byte{0x78, 0x00, 0x02, 0x06, 0x05}

	tests := []struct {
		name     string
		payloads [][]byte
		want     []byte
	}{
		{
			name:     "non-idr passes through",
			payloads: [][]byte{{0x41, 0x9A}},
			want:     []byte{1},
		},
		{
			name:     "idr gets parameter sets",
			payloads: [][]byte{idr},
			want:     []byte{7, 8, 5},
		},
		{
			name:     "every idr gets parameter sets",
			payloads: [][]byte{idr, {0x41, 0x9A}, idr},
			want:     []byte{7, 8, 5, 1, 7, 8, 5},
		},
		{
			name:     "in-band parameter sets skip injection once",
			payloads: [][]byte{{0x67, 0x42}, {0x68, 0xCE}, idr, idr},
			want:     []byte{7, 8, 5, 7, 8, 5},
		},
		{
			name:     "fu-a start of idr",
			payloads: [][]byte{fuaIDRStart, fuaIDRMiddle},
			want:     []byte{7, 8, rtpFUA, rtpFUA},
		},
		{
			name:     "stap-a with parameter sets",
			payloads: [][]byte{stapWithParams, idr},
			want:     []byte{rtpSTAPA, 5},
		},
		{
			name:     "stap-a without parameter sets",
			payloads: [][]byte{stapWithoutParams, idr},
			want:     []byte{rtpSTAPA, 7, 8, 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inj, got := collect(t)
			for i, payload := range tt.payloads {
				inj.handle(&rtp.Packet{
					Header:  rtp.Header{PayloadType: 96, SequenceNumber: uint16(i), Timestamp: 3000, SSRC: 42},
					Payload: payload,
				})
			}
			if types := nalTypes(*got); string(types) != string(tt.want) {
				t.Errorf("NAL types = %v, want %v", types, tt.want)
			}
		})
	}
}

func TestParamSetInjectorHeaders(t *testing.T) {
	inj, got := collect(t)
	inj.handle(&rtp.Packet{
		Header:  rtp.Header{PayloadType: 96, Timestamp: 9000, SSRC: 7, Marker: true},
		Payload: []byte{0x65, 0x88},
	})

	pkts := *got
	if len(pkts) != 3 {
		t.Fatalf("got %d packets, want 3", len(pkts))
	}
	for i, p := range pkts[:2] {
		if p.Timestamp != 9000 || p.SSRC != 7 || p.PayloadType != 96 {
			t.Errorf("packet %d header = %+v, want the IDR's timestamp and SSRC", i, p.Header)
		}
		if p.Marker {
			t.Errorf("packet %d carries the marker bit", i)
		}
	}
	if !pkts[2].Marker {
		t.Error("IDR lost its marker bit")
	}
}

func TestParamSetInjectorDropsEmpty(t *testing.T) {
	inj, got := collect(t)
	inj.handle(&rtp.Packet{})
	if len(*got) != 0 {
		t.Errorf("empty payload forwarded: %d packets", len(*got))
	}
}
