package preview

import (
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/AlexxIT/go2rtc/pkg/rtsp"
	"github.com/smazurov/castnode/internal/logging"
)

// Listener accepts the publisher's RTSP ANNOUNCE and local RTSP players on
// one TCP port.
type Listener struct {
	relay  *Relay
	logger logging.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewListener creates a listener feeding relay.
func NewListener(relay *Relay, logger logging.Logger) *Listener {
	if logger == nil {
		logger = logging.GetLogger("preview")
	}
	return &Listener{relay: relay, logger: logger, conns: make(map[net.Conn]struct{})}
}

// Listen binds addr and serves connections in the background.
func (l *Listener) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.ln = ln
	l.closed = false
	l.mu.Unlock()

	l.logger.Info("Preview RTSP listener started", "addr", ln.Addr().String())
	l.wg.Add(1)
	go l.serve(ln)
	return nil
}

// Addr returns the bound address, nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) serve(ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			l.logger.Warn("Preview accept failed", "error", err)
			continue
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			_ = conn.Close()
			return
		}
		l.conns[conn] = struct{}{}
		l.mu.Unlock()

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(conn)
			l.mu.Lock()
			delete(l.conns, conn)
			l.mu.Unlock()
		}()
	}
}

func (l *Listener) handle(nc net.Conn) {
	conn := rtsp.NewServer(nc)
	var published string

	conn.Listen(func(msg any) {
		path := pathOf(conn)
		if path == "" {
			return
		}
		switch msg {
		case rtsp.MethodAnnounce:
			published = path
			l.relay.publish(path, conn)
		case rtsp.MethodDescribe:
			if err := l.relay.attach(path, conn); err != nil {
				l.logger.Debug("RTSP player rejected", "path", path, "error", err)
				return
			}
			l.logger.Info("RTSP player attached", "path", path, "remote", nc.RemoteAddr().String())
		}
	})

	if err := conn.Accept(); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			l.logger.Debug("RTSP handshake failed", "error", err)
		}
		return
	}
	if err := conn.Handle(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.logger.Debug("RTSP connection ended", "error", err)
	}

	if published != "" {
		l.relay.unpublish(published, conn)
	}
}

func pathOf(conn *rtsp.Conn) string {
	if conn.URL == nil {
		return ""
	}
	return strings.TrimPrefix(conn.URL.Path, "/")
}

// Close stops accepting, waits for open connections and drops all producers.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	ln := l.ln
	for c := range l.conns {
		_ = c.Close()
	}
	l.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	l.relay.close()
	l.wg.Wait()
	l.logger.Info("Preview RTSP listener stopped")
	return err
}
