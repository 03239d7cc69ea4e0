package api

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/gorilla/websocket"
	"github.com/smazurov/castnode/internal/api/models"
	"github.com/smazurov/castnode/internal/capture"
	"github.com/smazurov/castnode/internal/config"
	"github.com/smazurov/castnode/internal/events"
	"github.com/smazurov/castnode/internal/media"
	"github.com/smazurov/castnode/internal/pipeline"
	"github.com/smazurov/castnode/internal/preview"
	"github.com/smazurov/castnode/internal/streaming"
)

const (
	testUser = "admin"
	testPass = "secret"
)

type idleSource struct {
	mu      sync.Mutex
	started bool
}

func (s *idleSource) Start(context.Context, capture.Handler) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *idleSource) Stop() error                  { return nil }
func (s *idleSource) OnError(capture.ErrorHandler) {}

// sourceOnlyBuilder builds sessions with neither writer nor mixer.
func sourceOnlyBuilder(id string, cfg config.SessionConfig, _ time.Time) (pipeline.Settings, pipeline.Components, error) {
	settings := pipeline.Settings{
		ID:              id,
		VideoCodec:      media.VideoH264,
		FinalizeTimeout: time.Second,
	}
	comps := pipeline.Components{
		Source: func(media.Clock) (capture.Source, error) { return &idleSource{}, nil },
	}
	return settings, comps, nil
}

type testServer struct {
	*Server
	bus     *events.Bus
	manager *pipeline.Manager
}

func newTestServer(t *testing.T, withPreview bool) *testServer {
	t.Helper()
	bus := events.New()
	cfg := config.DefaultSessionConfig()
	cfg.Recording.Enabled = false
	cfg.Streaming.Enabled = false
	manager := pipeline.NewManager(cfg, sourceOnlyBuilder, bus, nil)
	t.Cleanup(manager.Shutdown)

	opts := &Options{
		AuthUsername: testUser,
		AuthPassword: testPass,
		Manager:      manager,
		EventBus:     bus,
	}
	if withPreview {
		relay := preview.NewRelay(nil)
		opts.PreviewRelay = relay
		opts.PreviewViewers = preview.NewViewers(relay, nil, nil)
	}
	return &testServer{Server: NewServer(opts), bus: bus, manager: manager}
}

func basicAuth() string {
	return base64.StdEncoding.EncodeToString([]byte(testUser + ":" + testPass))
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Basic "+basicAuth())
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestPublicRoutes(t *testing.T) {
	ts := newTestServer(t, false)
	for _, path := range []string{"/api/health", "/api/version"} {
		rec := httptest.NewRecorder()
		ts.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if health := decode[models.HealthData](t, rec); health.Session != "idle" || health.Status != "ok" {
		t.Errorf("health = %+v, want ok and idle", health)
	}

	rec = httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/docs" {
		t.Errorf("GET / = %d to %q, want redirect to /docs", rec.Code, rec.Header().Get("Location"))
	}
}

func TestBasicAuth(t *testing.T) {
	ts := newTestServer(t, false)
	encode := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Bearer abc", want: http.StatusUnauthorized},
		{name: "not base64", header: "Basic !!!", want: http.StatusUnauthorized},
		{name: "no colon", header: "Basic " + encode("admin"), want: http.StatusUnauthorized},
		{name: "wrong password", header: "Basic " + encode("admin:nope"), want: http.StatusUnauthorized},
		{name: "header", header: "Basic " + basicAuth(), want: http.StatusOK},
		{name: "query fallback", query: basicAuth(), want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api/session/config"
			if tt.query != "" {
				target += "?auth=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			ts.mux.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") != authRealm {
				t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestSessionConfigIsRedacted(t *testing.T) {
	ts := newTestServer(t, false)
	cfg := ts.manager.Config()
	cfg.Upload.SecretAccessKey = "hunter2"
	ts.manager.ApplyConfig(cfg)

	rec := ts.do(t, http.MethodGet, "/api/session/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Errorf("secret leaked: %s", rec.Body.String())
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, false)

	if rec := ts.do(t, http.MethodGet, "/api/session", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("GET /api/session before start = %d, want 404", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/session/pause", ""); rec.Code != http.StatusConflict {
		t.Fatalf("pause without session = %d, want 409", rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/api/session/start", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body.String())
	}
	status := decode[pipeline.Status](t, rec)
	if status.Phase != pipeline.PhaseRunning || status.ID == "" {
		t.Errorf("started status = %+v", status)
	}

	if rec := ts.do(t, http.MethodPost, "/api/session/start", ""); rec.Code != http.StatusConflict {
		t.Errorf("second start = %d, want 409", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/session/pause", "")
	if rec.Code != http.StatusOK || !decode[pipeline.Status](t, rec).Paused {
		t.Errorf("pause = %d: %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/session/resume", "")
	if rec.Code != http.StatusOK || decode[pipeline.Status](t, rec).Paused {
		t.Errorf("resume = %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/api/session/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[pipeline.Status](t, rec).Phase; got != pipeline.PhaseStopped {
		t.Errorf("phase after stop = %s", got)
	}
	if rec := ts.do(t, http.MethodPost, "/api/session/stop", ""); rec.Code != http.StatusConflict {
		t.Errorf("second stop = %d, want 409", rec.Code)
	}

	// the last session stays visible
	if rec := ts.do(t, http.MethodGet, "/api/session", ""); rec.Code != http.StatusOK {
		t.Errorf("GET /api/session after stop = %d", rec.Code)
	}
}

func TestSessionFlags(t *testing.T) {
	ts := newTestServer(t, false)

	if rec := ts.do(t, http.MethodPut, "/api/session/flags", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty flags = %d, want 400", rec.Code)
	}

	changed := make(chan any, 4)
	defer events.SubscribeToChannel[events.FlagsChangedEvent](ts.bus, changed)()

	// without a session only the next session's configuration changes
	rec := ts.do(t, http.MethodPut, "/api/session/flags", `{"recording":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("flags = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[struct{ Recording, Streaming bool }](t, rec); !got.Recording || got.Streaming {
		t.Errorf("flags = %+v", got)
	}
	if !ts.manager.Config().Recording.Enabled {
		t.Error("configuration not updated")
	}

	select {
	case ev := <-changed:
		if e := ev.(events.FlagsChangedEvent); e.Source != "api" || !e.Recording {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no flags event")
	}

	// streaming cannot be enabled on a session built without a mixer
	ts.do(t, http.MethodPut, "/api/session/flags", `{"recording":false}`)
	if rec := ts.do(t, http.MethodPost, "/api/session/start", ""); rec.Code != http.StatusCreated {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodPut, "/api/session/flags", `{"streaming":true}`); rec.Code != http.StatusConflict {
		t.Errorf("enable streaming without mixer = %d, want 409", rec.Code)
	}
}

func TestTrackMixWithoutStreaming(t *testing.T) {
	ts := newTestServer(t, false)
	if rec := ts.do(t, http.MethodGet, "/api/session/mix", ""); rec.Code != http.StatusConflict {
		t.Errorf("mix without session = %d, want 409", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/session/start", ""); rec.Code != http.StatusCreated {
		t.Fatalf("start = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/session/mix/system_audio", ""); rec.Code != http.StatusConflict {
		t.Errorf("mix without mixer = %d, want 409", rec.Code)
	}
	if rec := ts.do(t, http.MethodPut, "/api/session/mix/system_audio", `{"volume":0.5,"muted":false}`); rec.Code != http.StatusConflict {
		t.Errorf("set mix without mixer = %d, want 409", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/session/mix/drums", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown track = %d, want 422", rec.Code)
	}
}

func TestSnapshotWithoutFrames(t *testing.T) {
	ts := newTestServer(t, false)
	if rec := ts.do(t, http.MethodGet, "/api/session/snapshot", ""); rec.Code != http.StatusConflict {
		t.Errorf("snapshot without session = %d, want 409", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/session/start", ""); rec.Code != http.StatusCreated {
		t.Fatalf("start = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/session/snapshot", ""); rec.Code != http.StatusNotFound {
		t.Errorf("snapshot before the first frame = %d, want 404", rec.Code)
	}
}

func TestMapSessionError(t *testing.T) {
	s := &Server{}
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid state", pipeline.NewError(pipeline.ErrCodeInvalidState, "busy", nil), http.StatusConflict},
		{"unsupported", pipeline.NewError(pipeline.ErrCodeUnsupportedConfiguration, "bad", nil), http.StatusBadRequest},
		{"capture", pipeline.NewError(pipeline.ErrCodeCaptureSourceFailure, "gone", errors.New("exit 1")), http.StatusBadGateway},
		{"connect", pipeline.NewError(pipeline.ErrCodeStreamingConnectFailure, "refused", nil), http.StatusBadGateway},
		{"sink not ready", pipeline.NewError(pipeline.ErrCodeSinkNotReady, "later", nil), http.StatusServiceUnavailable},
		{"timing", pipeline.NewError(pipeline.ErrCodeTimingAdjustmentSkipped, "skip", nil), http.StatusInternalServerError},
		{"invalid mix", streaming.ErrInvalidMix, http.StatusBadRequest},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var se huma.StatusError
			if !errors.As(s.mapSessionError(tt.err), &se) {
				t.Fatalf("mapSessionError(%v) is not a status error", tt.err)
			}
			if se.GetStatus() != tt.want {
				t.Errorf("status = %d, want %d", se.GetStatus(), tt.want)
			}
		})
	}
}

func TestPreviewRoutes(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, http.MethodGet, "/api/preview", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/preview = %d", rec.Code)
	}
	got := decode[struct {
		Live    bool   `json:"live"`
		Path    string `json:"path"`
		Viewers int    `json:"viewers"`
	}](t, rec)
	if got.Live || got.Path != "preview" || got.Viewers != 0 {
		t.Errorf("preview = %+v", got)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/preview/webrtc", strings.NewReader("v=0\r\n"))
	req.Header.Set("Authorization", "Basic "+basicAuth())
	req.Header.Set("Content-Type", "application/sdp")
	rec = httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("offer while not live = %d, want 404", rec.Code)
	}

	noPreview := newTestServer(t, false)
	if rec := noPreview.do(t, http.MethodGet, "/api/preview", ""); rec.Code != http.StatusNotFound {
		t.Errorf("preview route registered without a relay: %d", rec.Code)
	}
}

func TestSSEEvents(t *testing.T) {
	ts := newTestServer(t, false)
	srv := httptest.NewServer(ts.mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?auth="+basicAuth(), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitFor := func(prefix, contains string) {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed waiting for %q", contains)
				}
				if strings.HasPrefix(line, prefix) && strings.Contains(line, contains) {
					return
				}
			case <-timeout:
				t.Fatalf("timeout waiting for %s %q", prefix, contains)
			}
		}
	}

	waitFor("event:", "session-status")
	ts.bus.Publish(events.SessionStateEvent{SessionID: "20250127-103000", State: "paused"})
	waitFor("event:", "session-state")
	waitFor("data:", "20250127-103000")
}

func TestWebSocketEvents(t *testing.T) {
	ts := newTestServer(t, false)
	srv := httptest.NewServer(ts.mux)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated dial: err=%v resp=%v", err, resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?auth="+basicAuth(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() wsMessage {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	if msg := read(); msg.Event != "session-status" {
		t.Fatalf("first message = %+v", msg)
	}

	ts.bus.Publish(events.StreamingConnectEvent{SessionID: "s1", Endpoint: "rtmp://live/app/****", Connected: true})
	msg := read()
	if msg.Event != "streaming-connect" {
		t.Fatalf("message = %+v", msg)
	}
	data, _ := msg.Data.(map[string]any)
	if data["endpoint"] != "rtmp://live/app/****" || data["connected"] != true {
		t.Errorf("data = %+v", msg.Data)
	}
}

func TestEventNames(t *testing.T) {
	for name, v := range sessionEventTypes() {
		if got := eventName(v); got != name {
			t.Errorf("eventName(%T) = %q, want %q", v, got, name)
		}
	}
	if got := eventName("unknown"); got != "" {
		t.Errorf("eventName(string) = %q", got)
	}
}
