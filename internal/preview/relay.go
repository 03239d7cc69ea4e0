// Package preview relays the publisher's local RTSP tee to browsers over
// WebRTC, so the operator can watch what is being streamed without pulling
// it back from the remote endpoint.
package preview

import (
	"errors"
	"slices"
	"sync"

	"github.com/AlexxIT/go2rtc/pkg/core"
	"github.com/AlexxIT/go2rtc/pkg/rtsp"
	"github.com/AlexxIT/go2rtc/pkg/webrtc"
	"github.com/pion/rtp"
	"github.com/smazurov/castnode/internal/logging"
)

// ErrNotLive is returned when nothing publishes on the requested path.
var ErrNotLive = errors.New("preview is not live")

// Relay holds the RTSP producers pushed by the publisher, keyed by path.
type Relay struct {
	mu        sync.RWMutex
	producers map[string]*rtsp.Conn
	onChange  func(path string)
	logger    logging.Logger
}

// NewRelay creates an empty relay.
func NewRelay(logger logging.Logger) *Relay {
	if logger == nil {
		logger = logging.GetLogger("preview")
	}
	return &Relay{
		producers: make(map[string]*rtsp.Conn),
		logger:    logger,
	}
}

// OnChange registers fn to run when the producer on a path goes away or is
// replaced; attached viewers are stale at that point.
func (r *Relay) OnChange(fn func(path string)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Relay) publish(path string, conn *rtsp.Conn) {
	r.mu.Lock()
	prev := r.producers[path]
	r.producers[path] = conn
	notify := r.onChange
	r.mu.Unlock()

	r.logger.Info("Preview producer attached", "path", path)
	if prev != nil {
		_ = prev.Stop()
		if notify != nil {
			go notify(path)
		}
	}
}

// unpublish removes conn only while it is still the producer on path; a
// publisher reconnect may already have replaced it.
func (r *Relay) unpublish(path string, conn *rtsp.Conn) {
	r.mu.Lock()
	if r.producers[path] != conn {
		r.mu.Unlock()
		return
	}
	delete(r.producers, path)
	notify := r.onChange
	r.mu.Unlock()

	_ = conn.Stop()
	r.logger.Info("Preview producer detached", "path", path)
	if notify != nil {
		go notify(path)
	}
}

// Live reports whether a producer publishes on path.
func (r *Relay) Live(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.producers[path] != nil
}

// Paths lists the live paths in order.
func (r *Relay) Paths() []string {
	r.mu.RLock()
	paths := make([]string, 0, len(r.producers))
	for p := range r.producers {
		paths = append(paths, p)
	}
	r.mu.RUnlock()
	slices.Sort(paths)
	return paths
}

// attach feeds the producer's tracks on path into cons. RTSP players that
// did not negotiate media get every track; WebRTC peers get the tracks
// whose codec they offered.
func (r *Relay) attach(path string, cons core.Consumer) error {
	r.mu.RLock()
	prod := r.producers[path]
	r.mu.RUnlock()
	if prod == nil {
		return ErrNotLive
	}

	offered := cons.GetMedias()
	if len(offered) == 0 {
		for _, recv := range prod.Receivers {
			m := &core.Media{
				Kind:      core.GetKind(recv.Codec.Name),
				Direction: core.DirectionRecvonly,
				Codecs:    []*core.Codec{recv.Codec},
			}
			if err := cons.AddTrack(m, recv.Codec, recv); err != nil {
				r.logger.Warn("Preview track not added", "path", path, "error", err)
			}
		}
		return nil
	}

	peer, isPeer := cons.(*webrtc.Conn)
	for _, recv := range prod.Receivers {
		m, codec := matchOffer(offered, recv.Codec)
		if codec == nil {
			r.logger.Debug("Viewer did not offer codec", "path", path, "codec", recv.Codec.Name)
			continue
		}

		var before int
		if isPeer {
			before = len(peer.Senders)
		}
		if err := cons.AddTrack(m, codec, recv); err != nil {
			r.logger.Warn("Preview track not added", "path", path, "error", err)
			continue
		}

		// forward H.264 RTP as-is instead of depacketizing and repacketizing
		if !isPeer || recv.Codec.Name != core.CodecH264 || !recv.Codec.IsRTP() || len(peer.Senders) == before {
			continue
		}
		track := peer.GetSenderTrack(m.ID)
		if track == nil {
			continue
		}
		pt := codec.PayloadType
		inj := newParamSetInjector(recv.Codec, func(pkt *rtp.Packet) {
			n := pkt.MarshalSize()
			peer.Send += n
			recordSent(path, n)
			_ = track.WriteRTP(pt, pkt)
		})
		peer.Senders[len(peer.Senders)-1].Handler = inj.handle
	}
	return nil
}

// matchOffer finds the sendonly media of the same kind and the offered codec
// with the producer codec's name.
func matchOffer(offered []*core.Media, src *core.Codec) (*core.Media, *core.Codec) {
	kind := core.GetKind(src.Name)
	for _, m := range offered {
		if m.Kind != kind || m.Direction != core.DirectionSendonly {
			continue
		}
		for _, c := range m.Codecs {
			if c.Name == src.Name {
				return m, c
			}
		}
		return m, nil
	}
	return nil, nil
}

func (r *Relay) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p, conn := range r.producers {
		_ = conn.Stop()
		delete(r.producers, p)
	}
}
