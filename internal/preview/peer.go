package preview

import (
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/report"
	"github.com/pion/interceptor/pkg/twcc"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
)

// nackBufferSize covers about 1.5s of a 40 Mbit/s screen capture at ~1400
// byte packets; browsers keep asking for retransmits well past the pion
// default of 64 packets.
const nackBufferSize = 8192

// srtpReplayWindow must not be smaller than nackBufferSize.
const srtpReplayWindow = 10000

// h264Profiles are the profile-level-ids offered for the preview, baseline
// first. The publisher encodes high profile; browsers without it fall back.
var h264Profiles = []string{"42001f", "42e01f", "4d001f", "64001f", "640028", "640032", "640034"}

var videoFeedback = []pion.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

func newPeerAPI(path string) (*pion.API, error) {
	m := &pion.MediaEngine{}
	if err := registerCodecs(m); err != nil {
		return nil, err
	}

	reg := &interceptor.Registry{}
	if err := registerInterceptors(m, reg); err != nil {
		return nil, err
	}
	reg.Add(&feedbackCounterFactory{path: path})

	se := pion.SettingEngine{}
	se.SetDTLSInsecureSkipHelloVerify(true)
	se.SetSRTPReplayProtectionWindow(srtpReplayWindow)

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(reg),
		pion.WithSettingEngine(se),
	), nil
}

func registerCodecs(m *pion.MediaEngine) error {
	opus := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opus, pion.RTPCodecTypeAudio); err != nil {
		return err
	}

	pt := pion.PayloadType(96)
	for _, profile := range h264Profiles {
		c := pion.RTPCodecParameters{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:     pion.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=" + profile,
				RTCPFeedback: videoFeedback,
			},
			PayloadType: pt,
		}
		if err := m.RegisterCodec(c, pion.RTPCodecTypeVideo); err != nil {
			return err
		}
		pt++
	}

	hevc := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeH265,
			ClockRate:    90000,
			RTCPFeedback: videoFeedback,
		},
		PayloadType: pt,
	}
	return m.RegisterCodec(hevc, pion.RTPCodecTypeVideo)
}

func registerInterceptors(m *pion.MediaEngine, reg *interceptor.Registry) error {
	responder, err := nack.NewResponderInterceptor(nack.ResponderSize(nackBufferSize))
	if err != nil {
		return err
	}
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return err
	}
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack"}, pion.RTPCodecTypeVideo)
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack", Parameter: "pli"}, pion.RTPCodecTypeVideo)
	reg.Add(responder)
	reg.Add(generator)

	receiverReports, err := report.NewReceiverInterceptor()
	if err != nil {
		return err
	}
	senderReports, err := report.NewSenderInterceptor()
	if err != nil {
		return err
	}
	reg.Add(receiverReports)
	reg.Add(senderReports)

	m.RegisterFeedback(pion.RTCPFeedback{Type: pion.TypeRTCPFBTransportCC}, pion.RTPCodecTypeVideo)
	m.RegisterFeedback(pion.RTCPFeedback{Type: pion.TypeRTCPFBTransportCC}, pion.RTPCodecTypeAudio)
	twccSender, err := twcc.NewSenderInterceptor()
	if err != nil {
		return err
	}
	reg.Add(twccSender)
	return nil
}

// feedbackCounterFactory counts the RTCP feedback viewers send back.
type feedbackCounterFactory struct {
	path string
}

func (f *feedbackCounterFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return &feedbackCounter{path: f.path}, nil
}

type feedbackCounter struct {
	interceptor.NoOp
	path string
}

func (c *feedbackCounter) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attrs, err := reader.Read(b, a)
		if err != nil {
			return n, attrs, err
		}
		if pkts, perr := rtcp.Unmarshal(b[:n]); perr == nil {
			countFeedback(c.path, pkts)
		}
		return n, attrs, nil
	})
}

func countFeedback(path string, pkts []rtcp.Packet) {
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.TransportLayerNack:
			lost := 0
			for _, pair := range p.Nacks {
				lost += len(pair.PacketList())
			}
			recordFeedback(path, "nack", lost)
		case *rtcp.PictureLossIndication:
			recordFeedback(path, "pli", 1)
		case *rtcp.FullIntraRequest:
			recordFeedback(path, "fir", 1)
		}
	}
}
