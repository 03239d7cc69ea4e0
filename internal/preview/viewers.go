package preview

import (
	"sync"

	"github.com/AlexxIT/go2rtc/pkg/core"
	"github.com/AlexxIT/go2rtc/pkg/webrtc"
	pion "github.com/pion/webrtc/v4"
	"github.com/smazurov/castnode/internal/logging"
)

type viewer struct {
	path string
	conn *webrtc.Conn
}

// Viewers tracks the WebRTC peers watching relay paths.
type Viewers struct {
	relay      *Relay
	iceServers []pion.ICEServer
	logger     logging.Logger

	mu    sync.Mutex
	peers map[string]viewer
}

// NewViewers creates a viewer registry on relay. Peers of a path are closed
// when its producer changes so browsers reconnect to the new feed. Empty
// iceServers restricts viewers to the local network.
func NewViewers(relay *Relay, iceServers []pion.ICEServer, logger logging.Logger) *Viewers {
	if logger == nil {
		logger = logging.GetLogger("preview")
	}
	v := &Viewers{
		relay:      relay,
		iceServers: iceServers,
		logger:     logger,
		peers:      make(map[string]viewer),
	}
	relay.OnChange(v.Drop)
	return v
}

// Offer answers a browser SDP offer for path.
func (v *Viewers) Offer(path, offer string) (string, error) {
	if !v.relay.Live(path) {
		return "", ErrNotLive
	}

	api, err := newPeerAPI(path)
	if err != nil {
		return "", err
	}
	pc, err := api.NewPeerConnection(pion.Configuration{ICEServers: v.iceServers})
	if err != nil {
		return "", err
	}

	conn := webrtc.NewConn(pc)
	conn.Mode = core.ModePassiveConsumer
	if err := conn.SetOffer(offer); err != nil {
		_ = pc.Close()
		return "", err
	}
	if err := v.relay.attach(path, conn); err != nil {
		_ = pc.Close()
		return "", err
	}
	answer, err := conn.GetCompleteAnswer(nil, nil)
	if err != nil {
		_ = pc.Close()
		return "", err
	}

	id := core.RandString(8, 10)
	v.mu.Lock()
	v.peers[id] = viewer{path: path, conn: conn}
	n := len(v.peers)
	v.mu.Unlock()
	setViewers(n)
	v.logger.Debug("Viewer joined", "path", path, "peer", id, "viewers", n)

	conn.Listen(func(msg any) {
		state, ok := msg.(pion.PeerConnectionState)
		if !ok {
			return
		}
		switch state {
		case pion.PeerConnectionStateConnected:
			// interceptors only see NACK and PLI while someone drains RTCP
			for _, sender := range pc.GetSenders() {
				go drainRTCP(sender)
			}
		case pion.PeerConnectionStateDisconnected, pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
			_ = conn.Stop()
			v.remove(id, state)
		}
	})

	return answer, nil
}

func drainRTCP(sender *pion.RTPSender) {
	for {
		if _, _, err := sender.ReadRTCP(); err != nil {
			return
		}
	}
}

func (v *Viewers) remove(id string, state pion.PeerConnectionState) {
	v.mu.Lock()
	p, ok := v.peers[id]
	delete(v.peers, id)
	n := len(v.peers)
	v.mu.Unlock()
	if !ok {
		return
	}
	setViewers(n)
	v.logger.Debug("Viewer left", "path", p.path, "peer", id, "state", state.String(), "viewers", n)
}

// Count returns the number of connected viewers.
func (v *Viewers) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.peers)
}

// Drop closes every viewer of path.
func (v *Viewers) Drop(path string) {
	v.mu.Lock()
	var stale []*webrtc.Conn
	for _, p := range v.peers {
		if p.path == path {
			stale = append(stale, p.conn)
		}
	}
	v.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	v.logger.Info("Closing preview viewers", "path", path, "count", len(stale))
	for _, c := range stale {
		_ = c.Stop()
	}
}

// Close disconnects all viewers.
func (v *Viewers) Close() {
	v.mu.Lock()
	peers := v.peers
	v.peers = make(map[string]viewer)
	v.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Stop()
	}
	setViewers(0)
}
