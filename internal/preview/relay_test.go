package preview

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/AlexxIT/go2rtc/pkg/rtsp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pipeConn(t *testing.T) *rtsp.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return rtsp.NewServer(a)
}

func TestRelayPublish(t *testing.T) {
	r := NewRelay(testLogger())
	if r.Live("preview") {
		t.Fatal("empty relay reports live")
	}

	first := pipeConn(t)
	r.publish("preview", first)
	r.publish("camera", pipeConn(t))

	if !r.Live("preview") {
		t.Error("preview not live after publish")
	}
	if got := r.Paths(); !slices.Equal(got, []string{"camera", "preview"}) {
		t.Errorf("Paths() = %v", got)
	}

	r.unpublish("preview", first)
	if r.Live("preview") {
		t.Error("preview still live after unpublish")
	}
}

func TestRelayUnpublishReplaced(t *testing.T) {
	r := NewRelay(testLogger())
	changed := make(chan string, 4)
	r.OnChange(func(path string) { changed <- path })

	old := pipeConn(t)
	r.publish("preview", old)
	r.publish("preview", pipeConn(t))

	select {
	case p := <-changed:
		if p != "preview" {
			t.Errorf("change for %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("replacing a producer did not notify")
	}

	// the replaced connection ending must not remove its successor
	r.unpublish("preview", old)
	if !r.Live("preview") {
		t.Error("stale unpublish removed the live producer")
	}
	select {
	case p := <-changed:
		t.Errorf("unexpected change for %q", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelayAttachNotLive(t *testing.T) {
	r := NewRelay(testLogger())
	if err := r.attach("preview", pipeConn(t)); !errors.Is(err, ErrNotLive) {
		t.Errorf("attach() error = %v, want ErrNotLive", err)
	}

	v := NewViewers(r, nil, testLogger())
	if _, err := v.Offer("preview", "v=0"); !errors.Is(err, ErrNotLive) {
		t.Errorf("Offer() error = %v, want ErrNotLive", err)
	}
	if v.Count() != 0 {
		t.Errorf("Count() = %d", v.Count())
	}
}

func TestRelayAttachPlayer(t *testing.T) {
	r := NewRelay(testLogger())
	prod := pipeConn(t)
	r.publish("preview", prod)

	// a producer without tracks leaves an RTSP player with nothing to add
	if err := r.attach("preview", pipeConn(t)); err != nil {
		t.Errorf("attach() error = %v", err)
	}
}

func TestListener(t *testing.T) {
	r := NewRelay(testLogger())
	l := NewListener(r, testLogger())
	if l.Addr() != nil {
		t.Fatal("Addr() before Listen")
	}
	if err := l.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	r.publish("preview", pipeConn(t))
	if err := l.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if r.Live("preview") {
		t.Error("Close() left producers behind")
	}
}
