package streaming

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/castnode/internal/media"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	connectErr error
	gate       chan struct{} // when set, writes block until closed

	mu     sync.Mutex
	video  [][]byte
	audio  []byte
	closed bool

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{done: make(chan struct{})}
}

func (f *fakeTransport) Start() error { return nil }

func (f *fakeTransport) WaitConnected(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	return ctx.Err()
}

func (f *fakeTransport) WriteVideo(au []byte) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.video = append(f.video, au)
	return nil
}

func (f *fakeTransport) WriteAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, pcm...)
	return nil
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }
func (f *fakeTransport) Err() error            { return f.err }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.drop(nil)
	return nil
}

func (f *fakeTransport) drop(err error) {
	f.doneOnce.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *fakeTransport) snapshot() ([][]byte, []byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.video), slices.Clone(f.audio), f.closed
}

func newTestMixer(t *testing.T, tr *fakeTransport) *Mixer {
	t.Helper()
	m := NewMixer(testLogger())
	m.MixDelay = 0
	m.Dial = func(PublishConfig) (Transport, error) { return tr, nil }
	return m
}

func configureBoth(t *testing.T, m *Mixer) {
	t.Helper()
	if _, err := m.ConfigureVideo(VideoConfig{Codec: media.VideoH264, CaptureWidth: 1920, CaptureHeight: 1080, FPS: 30}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ConfigureAudio(AudioConfig{Codec: media.AudioAAC}); err != nil {
		t.Fatal(err)
	}
}

func waitResult(t *testing.T, results <-chan error) error {
	t.Helper()
	select {
	case err := <-results:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect result")
		return nil
	}
}

func waitClosed(t *testing.T, results <-chan error) {
	t.Helper()
	select {
	case _, ok := <-results:
		if ok {
			t.Fatal("unexpected extra result")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("results channel not closed")
	}
}

func TestMixerConnectAndDisconnect(t *testing.T) {
	tr := newFakeTransport()
	m := newTestMixer(t, tr)
	configureBoth(t, m)
	if err := m.SetMainTrack(1); err != nil {
		t.Fatal(err)
	}

	if m.Append(&media.Sample{Kind: media.KindVideo, Keyframe: true}, 0) {
		t.Error("append before connect accepted")
	}

	results := m.Connect(context.Background(), Endpoint{URL: "rtmp://live/app", StreamKey: "secret"})
	if err := waitResult(t, results); err != nil {
		t.Fatalf("connect result = %v", err)
	}
	if !m.Connected() {
		t.Error("Connected() = false after success")
	}

	video := []*media.Sample{
		{Kind: media.KindVideo, Data: []byte("delta-before-key")},
		{Kind: media.KindVideo, Data: []byte("key"), Keyframe: true},
		{Kind: media.KindVideo, Data: []byte("delta")},
	}
	for _, s := range video {
		if !m.Append(s, 0) {
			t.Fatal("video append rejected")
		}
	}
	if !m.Append(&media.Sample{Kind: media.KindSystemAudio, PTS: at(0), Data: pcm(5, 6, 7, 8), Frames: 2}, 1) {
		t.Fatal("audio append rejected")
	}

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	waitClosed(t, results)

	gotVideo, gotAudio, closed := tr.snapshot()
	if !closed {
		t.Error("transport not closed")
	}
	if len(gotVideo) != 2 || string(gotVideo[0]) != "key" || string(gotVideo[1]) != "delta" {
		t.Errorf("video written = %q, want key then delta", gotVideo)
	}
	if got, want := decode(gotAudio), []int16{5, 6, 7, 8}; !slices.Equal(got, want) {
		t.Errorf("audio written = %v, want %v", got, want)
	}
	if m.Connected() {
		t.Error("Connected() = true after disconnect")
	}
	if err := m.Disconnect(); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
}

func TestMixerConnectFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.connectErr = errors.New("connection refused")
	m := newTestMixer(t, tr)
	configureBoth(t, m)

	results := m.Connect(context.Background(), Endpoint{URL: "rtmp://down/app"})
	err := waitResult(t, results)
	if !errors.Is(err, ErrConnect) || !errors.Is(err, tr.connectErr) {
		t.Fatalf("connect result = %v, want ErrConnect wrapping cause", err)
	}
	waitClosed(t, results)

	if m.Append(&media.Sample{Kind: media.KindVideo, Keyframe: true}, 0) {
		t.Error("append accepted after failed connect")
	}

	// a new attempt is possible
	m.Dial = func(PublishConfig) (Transport, error) { return newFakeTransport(), nil }
	results = m.Connect(context.Background(), Endpoint{URL: "rtmp://up/app"})
	if err := waitResult(t, results); err != nil {
		t.Errorf("retry result = %v", err)
	}
	_ = m.Disconnect()
}

func TestMixerDialFailure(t *testing.T) {
	m := newTestMixer(t, nil)
	configureBoth(t, m)
	m.Dial = func(PublishConfig) (Transport, error) { return nil, errors.New("no ffmpeg") }

	if err := waitResult(t, m.Connect(context.Background(), Endpoint{URL: "rtmp://a/b"})); !errors.Is(err, ErrConnect) {
		t.Errorf("connect result = %v, want ErrConnect", err)
	}
}

func TestMixerConnectPreconditions(t *testing.T) {
	m := newTestMixer(t, newFakeTransport())
	if err := waitResult(t, m.Connect(context.Background(), Endpoint{URL: "rtmp://a/b"})); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("unconfigured connect = %v, want ErrNotConfigured", err)
	}

	configureBoth(t, m)
	first := m.Connect(context.Background(), Endpoint{URL: "rtmp://a/b"})
	if err := waitResult(t, first); err != nil {
		t.Fatal(err)
	}
	if err := waitResult(t, m.Connect(context.Background(), Endpoint{URL: "rtmp://a/b"})); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second connect = %v, want ErrAlreadyConnected", err)
	}
	_ = m.Disconnect()
}

func TestMixerConnectionLost(t *testing.T) {
	tr := newFakeTransport()
	m := newTestMixer(t, tr)
	configureBoth(t, m)

	results := m.Connect(context.Background(), Endpoint{URL: "rtmp://a/b"})
	if err := waitResult(t, results); err != nil {
		t.Fatal(err)
	}

	cause := errors.New("broken pipe")
	tr.drop(cause)
	if err := waitResult(t, results); !errors.Is(err, ErrConnectionLost) || !errors.Is(err, cause) {
		t.Errorf("drop result = %v, want ErrConnectionLost wrapping cause", err)
	}
	waitClosed(t, results)
	if m.Connected() {
		t.Error("Connected() = true after drop")
	}
}

func TestMixerAppendNeverBlocks(t *testing.T) {
	tr := newFakeTransport()
	tr.gate = make(chan struct{})
	m := newTestMixer(t, tr)
	m.TrackQueueSize = 1
	configureBoth(t, m)

	if err := waitResult(t, m.Connect(context.Background(), Endpoint{URL: "rtmp://a/b"})); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	dropped := 0
	for range 20 {
		if !m.Append(&media.Sample{Kind: media.KindVideo, Keyframe: true, Data: []byte{1}}, 0) {
			dropped++
		}
	}
	if time.Since(start) > time.Second {
		t.Error("Append blocked on a stalled transport")
	}
	if dropped == 0 {
		t.Error("expected drops with a full track queue")
	}

	if m.Append(&media.Sample{Kind: media.KindMicrophone}, MaxTracks) {
		t.Error("append to unknown track accepted")
	}

	close(tr.gate)
	_ = m.Disconnect()
}

func TestMixerVideoRestartsAtKeyframeAfterDrop(t *testing.T) {
	tr := newFakeTransport()
	tr.gate = make(chan struct{})
	m := newTestMixer(t, tr)
	m.TrackQueueSize = 1
	configureBoth(t, m)

	if err := waitResult(t, m.Connect(context.Background(), Endpoint{URL: "rtmp://a/b"})); err != nil {
		t.Fatal(err)
	}

	m.Append(&media.Sample{Kind: media.KindVideo, Keyframe: true, Data: []byte{1}}, 0)
	dropped := false
	for i := 2; i < 20 && !dropped; i++ {
		dropped = !m.Append(&media.Sample{Kind: media.KindVideo, Data: []byte{byte(i)}}, 0)
	}
	if !dropped {
		t.Fatal("expected a drop with a stalled transport")
	}
	close(tr.gate)

	key := &media.Sample{Kind: media.KindVideo, Keyframe: true, Data: []byte{99}}
	deadline := time.Now().Add(2 * time.Second)
	for !m.Append(key, 0) {
		if time.Now().After(deadline) {
			t.Fatal("keyframe never accepted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = m.Disconnect()

	video, _, _ := tr.snapshot()
	want := [][]byte{{1}, {99}}
	if !slices.EqualFunc(video, want, bytes.Equal) {
		t.Errorf("video written = %v, want %v", video, want)
	}
}

func audioWritten(tr *fakeTransport) int {
	_, audio, _ := tr.snapshot()
	return len(audio)
}

func TestMixerSystemAudioWithoutMainTrack(t *testing.T) {
	tr := newFakeTransport()
	m := newTestMixer(t, tr)
	configureBoth(t, m)
	m.SetMultiTrack(true)

	if err := waitResult(t, m.Connect(context.Background(), Endpoint{URL: "rtmp://a/b"})); err != nil {
		t.Fatal(err)
	}

	const chunks, frames = 100, 1024
	chunk := make([]byte, frames*4)
	for i := range int64(chunks) {
		s := &media.Sample{Kind: media.KindSystemAudio, PTS: at(i * frames), Data: chunk, Frames: frames}
		if !m.Append(s, 1) {
			t.Fatalf("append %d rejected", i)
		}
		want := int(i+1) * len(chunk)
		deadline := time.Now().Add(2 * time.Second)
		for audioWritten(tr) < want {
			if time.Now().After(deadline) {
				t.Fatalf("audio written = %d bytes after chunk %d, want %d", audioWritten(tr), i, want)
			}
			time.Sleep(time.Millisecond)
		}
	}

	if err := m.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if got, want := audioWritten(tr), chunks*len(chunk); got != want {
		t.Errorf("audio written = %d bytes, want %d", got, want)
	}
}

func TestMixerDuckingSurvivesTrackMix(t *testing.T) {
	tr := newFakeTransport()
	m := newTestMixer(t, tr)
	configureBoth(t, m)
	m.SetMultiTrack(true)

	if err := m.SetDucking(1, 0.5); err != nil {
		t.Fatal(err)
	}
	if err := m.SetTrackMix(1, TrackMix{Volume: 1}); err != nil {
		t.Fatal(err)
	}
	if err := m.SetDucking(1, 1.5); !errors.Is(err, ErrInvalidMix) {
		t.Errorf("SetDucking(1.5) = %v, want ErrInvalidMix", err)
	}
	if got := m.Ducking(1); got != 0.5 {
		t.Errorf("Ducking(1) = %v, want 0.5", got)
	}
	if got := m.TrackMixes()[1].Volume; got != 1 {
		t.Errorf("track volume = %v, ducking must not change the mix", got)
	}

	if err := waitResult(t, m.Connect(context.Background(), Endpoint{URL: "rtmp://a/b"})); err != nil {
		t.Fatal(err)
	}
	m.Append(&media.Sample{Kind: media.KindSystemAudio, PTS: at(0), Data: pcm(100, -100), Frames: 1}, 1)
	if err := m.Disconnect(); err != nil {
		t.Fatal(err)
	}

	_, audio, _ := tr.snapshot()
	if got, want := decode(audio), []int16{50, -50}; !slices.Equal(got, want) {
		t.Errorf("audio written = %v, want %v", got, want)
	}
}

func TestMixerTrackSettings(t *testing.T) {
	m := newTestMixer(t, newFakeTransport())

	if err := m.SetTrackMix(0, TrackMix{Volume: 1, ChannelMap: []int{0}}); err != nil {
		t.Errorf("SetTrackMix() error = %v", err)
	}
	if err := m.SetTrackMix(MaxTracks, DefaultTrackMix); !errors.Is(err, ErrInvalidMix) {
		t.Errorf("SetTrackMix(out of range) = %v, want ErrInvalidMix", err)
	}
	if err := m.SetTrackMix(1, TrackMix{Volume: -1}); !errors.Is(err, ErrInvalidMix) {
		t.Errorf("SetTrackMix(negative volume) = %v, want ErrInvalidMix", err)
	}
	if err := m.SetMainTrack(-1); !errors.Is(err, ErrInvalidMix) {
		t.Errorf("SetMainTrack(-1) = %v, want ErrInvalidMix", err)
	}

	mixes := m.TrackMixes()
	if len(mixes) != 1 || !slices.Equal(mixes[0].ChannelMap, []int{0}) {
		t.Errorf("TrackMixes() = %+v", mixes)
	}
}

func TestConfigureVideo(t *testing.T) {
	m := newTestMixer(t, nil)

	s, err := m.ConfigureVideo(VideoConfig{Codec: media.VideoH264, CaptureWidth: 2560, CaptureHeight: 1600, FPS: 30})
	if err != nil {
		t.Fatal(err)
	}
	if s.Resolution.Name != "1440p" || s.BitrateKbps != DefaultHeuristics.BitrateKbps(2560, 1440, 30, media.VideoH264, false) {
		t.Errorf("derived settings = %+v", s)
	}
	if s.KeyframeInterval != 2*time.Second || s.KeyframeFrames != 60 || s.BFrames != 0 {
		t.Errorf("keyframe settings = %+v", s)
	}

	s, err = m.ConfigureVideo(VideoConfig{Codec: media.VideoH264, CaptureWidth: 1920, CaptureHeight: 1080, FPS: 60, HDR: true, BitrateKbps: 9000})
	if err != nil {
		t.Fatal(err)
	}
	if s.Codec != media.VideoH265 || s.BitrateKbps != 9000 {
		t.Errorf("hdr settings = %+v", s)
	}

	s, err = m.ConfigureVideo(VideoConfig{Codec: media.VideoH264, CaptureWidth: 1366, CaptureHeight: 768, FPS: 30, Passthrough: true})
	if err != nil {
		t.Fatal(err)
	}
	if s.Resolution.Width != 1366 || s.BitrateKbps != 0 {
		t.Errorf("passthrough settings = %+v", s)
	}

	if _, err := m.ConfigureVideo(VideoConfig{Codec: "vp8", CaptureWidth: 2, CaptureHeight: 2, FPS: 1}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("vp8 = %v, want ErrUnsupported", err)
	}
	if _, err := m.ConfigureVideo(VideoConfig{Codec: media.VideoH264}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("missing size = %v, want ErrUnsupported", err)
	}
}

func TestConfigureAudio(t *testing.T) {
	m := newTestMixer(t, nil)

	s, err := m.ConfigureAudio(AudioConfig{Codec: media.AudioOpus, Quality: AudioHigh})
	if err != nil {
		t.Fatal(err)
	}
	if s.BitrateKbps != 256 || s.Format != media.DefaultPCM {
		t.Errorf("settings = %+v", s)
	}

	if _, err := m.ConfigureAudio(AudioConfig{Codec: media.AudioOpus, Format: media.PCMFormat{SampleRate: 44100, Channels: 2}}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("opus at 44.1k = %v, want ErrUnsupported", err)
	}
	if _, err := m.ConfigureAudio(AudioConfig{Codec: "mp3"}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("mp3 = %v, want ErrUnsupported", err)
	}
}

func TestEndpointURL(t *testing.T) {
	ep := Endpoint{URL: "rtmp://live.example.com/app/", StreamKey: "abc"}
	if got := ep.FullURL(); got != "rtmp://live.example.com/app/abc" {
		t.Errorf("FullURL() = %q", got)
	}
	if got := ep.Redacted(); got != "rtmp://live.example.com/app/****" {
		t.Errorf("Redacted() = %q", got)
	}
	if got := (Endpoint{URL: "srt://host:9000"}).FullURL(); got != "srt://host:9000" {
		t.Errorf("FullURL() without key = %q", got)
	}
}
