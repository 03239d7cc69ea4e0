package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/smazurov/castnode/internal/api/models"
	"github.com/smazurov/castnode/internal/events"
	"github.com/smazurov/castnode/internal/ffmpeg"
	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/pipeline"
	"github.com/smazurov/castnode/internal/preview"
	"github.com/smazurov/castnode/internal/version"
)

const authRealm = `Basic realm="castnode"`

// Server is the HTTP control surface of the capture node.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	manager    *pipeline.Manager
	eventBus   *events.Bus
	viewers    *preview.Viewers
	relay      *preview.Relay
	options    *Options
	logger     *slog.Logger
}

// Options wires the server to the rest of the process.
type Options struct {
	AuthUsername      string
	AuthPassword      string
	AllowOrigin       string
	Manager           *pipeline.Manager
	EventBus          *events.Bus
	PreviewRelay      *preview.Relay   // optional
	PreviewViewers    *preview.Viewers // optional
	PreviewPath       string
	PrometheusHandler http.Handler // optional
}

// basicAuthMiddleware enforces HTTP basic auth on operations that declare
// security. EventSource and WebSocket clients cannot set headers, so the
// base64 credentials are also accepted in the auth query parameter.
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if op := ctx.Operation(); op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		user, pass, msg := credentials(ctx.Header("Authorization"), ctx.Query("auth"))
		if msg == "" && !validCredentials(user, pass, username, password) {
			msg = "Invalid credentials"
		}
		if msg != "" {
			ctx.SetHeader("WWW-Authenticate", authRealm)
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, msg)
			return
		}
		next(ctx)
	}
}

// credentials extracts user and password from a Basic Authorization header
// or the auth query fallback. msg is non-empty when nothing usable was sent.
func credentials(header, query string) (user, pass, msg string) {
	var encoded string
	switch {
	case header != "":
		rest, ok := strings.CutPrefix(header, "Basic ")
		if !ok {
			return "", "", "Invalid authentication type"
		}
		encoded = rest
	case query != "":
		encoded = query
	default:
		return "", "", "Authentication required"
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", "Invalid credentials format"
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", "Invalid credentials format"
	}
	return user, pass, ""
}

func validCredentials(user, pass, wantUser, wantPass string) bool {
	u := subtle.ConstantTimeCompare([]byte(user), []byte(wantUser))
	p := subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass))
	return u&p == 1
}

// NewServer creates the API server and registers every route.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	if opts.AllowOrigin != "" {
		corsConfig.AllowOrigin = opts.AllowOrigin
	}
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig(version.Name+" API", version.Get().Version)
	config.Info.Description = "Screen and audio capture with local recording and live streaming"
	// relative paths work behind any host
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	server := &Server{
		api:      api,
		mux:      mux,
		manager:  opts.Manager,
		eventBus: opts.EventBus,
		relay:    opts.PreviewRelay,
		viewers:  opts.PreviewViewers,
		options:  opts,
		logger:   logging.GetLogger("api"),
	}
	if opts.PreviewPath == "" {
		opts.PreviewPath = "preview"
	}

	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		api.UseMiddleware(server.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	// scraped without auth
	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	server.registerRoutes()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/docs", http.StatusFound)
	})

	return server
}

// GetMux returns the underlying HTTP ServeMux for additional setup
func (s *Server) GetMux() *http.ServeMux {
	return s.mux
}

// GetAPI returns the Huma API instance
func (s *Server) GetAPI() huma.API {
	return s.api
}

// Start serves on addr until Stop.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting castnode API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s.httpServer.ListenAndServe()
}

// Stop closes the listener and open connections; SSE streams would otherwise
// hold a graceful shutdown open.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Liveness and the phase of the current capture session",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		health := models.HealthData{Status: "ok", Session: "idle"}
		if sess := s.manager.Current(); sess != nil {
			st := sess.Status()
			health.Session = string(st.Phase)
			health.Paused = st.Paused
		}
		return &models.HealthResponse{Body: health}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(ctx context.Context, input *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Name:      version.Name,
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				Modified:  info.Modified,
				GoVersion: info.GoVersion,
				Platform:  info.Platform,
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-capture-options",
		Method:      http.MethodGet,
		Path:        "/api/options",
		Summary:     "Capture Options",
		Description: "List the FFmpeg input options accepted in capture.ffmpeg_options",
		Tags:        []string{"configuration"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.OptionsResponse, error) {
		return &models.OptionsResponse{
			Body: models.OptionsData{Options: ffmpeg.AllOptions, Defaults: ffmpeg.GetDefaultOptions()},
		}, nil
	})

	s.registerSessionRoutes()
	s.registerPreviewRoutes()
	s.registerSSERoutes()
	s.registerWebSocketRoutes()
	s.registerMetricsRoutes()
	s.registerLogRoutes()
}

// withAuth returns security requirement for basic auth
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
