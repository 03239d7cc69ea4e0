package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/castnode/cmd"
	"github.com/smazurov/castnode/internal/api"
	"github.com/smazurov/castnode/internal/config"
	"github.com/smazurov/castnode/internal/events"
	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/metrics/exporters"
	"github.com/smazurov/castnode/internal/pipeline"
	"github.com/smazurov/castnode/internal/preview"
	"github.com/smazurov/castnode/internal/upload"
)

// Options for the CLI - flat structure with toml mapping. The same file
// carries the [capture], [recording], [streaming], [mic], [mix] and
// [upload] session sections.
type Options struct {
	Config string `help:"Path to configuration file (TOML or YAML)" short:"c" default:"castnode.toml"`

	// Server settings
	Port        string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`
	AllowOrigin string `help:"CORS allowed origin" default:"*" toml:"server.allow_origin" env:"SERVER_ALLOW_ORIGIN"`
	AutoStart   bool   `help:"Start a session as soon as the server is up" default:"false" toml:"server.auto_start" env:"SERVER_AUTO_START"`

	// Preview settings
	PreviewEnabled  bool   `help:"Run the local RTSP/WebRTC preview relay" default:"true" toml:"preview.enabled" env:"PREVIEW_ENABLED"`
	PreviewRTSPAddr string `help:"Preview RTSP listen address" default:"127.0.0.1:8554" toml:"preview.rtsp_addr" env:"PREVIEW_RTSP_ADDR"`
	PreviewPath     string `help:"Preview stream path" default:"preview" toml:"preview.path" env:"PREVIEW_PATH"`

	// Metrics settings
	MetricsSSEEnabled bool `help:"Publish ffmpeg progress on /api/metrics" default:"true" toml:"metrics.sse_enabled" env:"METRICS_SSE_ENABLED"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings
	LoggingLevel    string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat   string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingPipeline string `help:"Pipeline logging level" default:"info" toml:"logging.pipeline" env:"LOGGING_PIPELINE"`
	LoggingCapture  string `help:"Capture logging level" default:"info" toml:"logging.capture" env:"LOGGING_CAPTURE"`
	LoggingWriter   string `help:"Writer logging level" default:"info" toml:"logging.writer" env:"LOGGING_WRITER"`
	LoggingMixer    string `help:"Mixer logging level" default:"info" toml:"logging.mixer" env:"LOGGING_MIXER"`
	LoggingMic      string `help:"Microphone logging level" default:"info" toml:"logging.mic" env:"LOGGING_MIC"`
	LoggingPreview  string `help:"Preview logging level" default:"info" toml:"logging.preview" env:"LOGGING_PREVIEW"`
	LoggingAPI      string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingUpload   string `help:"Upload logging level" default:"info" toml:"logging.upload" env:"LOGGING_UPLOAD"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"pipeline": opts.LoggingPipeline,
				"capture":  opts.LoggingCapture,
				"writer":   opts.LoggingWriter,
				"mixer":    opts.LoggingMixer,
				"mic":      opts.LoggingMic,
				"preview":  opts.LoggingPreview,
				"api":      opts.LoggingAPI,
				"upload":   opts.LoggingUpload,
			},
		})
		logger := logging.GetLogger("main")

		eventBus := events.New()

		// log entries reach /api/logs/stream through the bus
		logging.SetLogCallback(func(entry logging.LogEntry) {
			eventBus.Publish(events.LogEntryEvent{
				Seq:        entry.Seq,
				Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
				Level:      entry.Level,
				Module:     entry.Module,
				Message:    entry.Message,
				Attributes: entry.Attributes,
			})
		})

		previewURL := ""
		if opts.PreviewEnabled {
			previewURL = "rtsp://" + opts.PreviewRTSPAddr + "/" + opts.PreviewPath
		}
		loadSession := func(path string) (config.SessionConfig, error) {
			cfg, err := config.LoadSessionConfig(path)
			if err == nil && cfg.Streaming.PreviewURL == "" {
				cfg.Streaming.PreviewURL = previewURL
			}
			return cfg, err
		}

		sessionCfg, err := loadSession(opts.Config)
		if err != nil {
			logger.Error("Failed to load session config", "config", opts.Config, "error", err)
			os.Exit(1)
		}
		if err := sessionCfg.Validate(); err != nil {
			logger.Warn("Session config is incomplete, sessions will fail to start until fixed", "error", err)
		}

		manager := pipeline.NewManager(sessionCfg, pipeline.Build, eventBus, logging.GetLogger("pipeline"))

		watcher := config.NewConfigWatcher(opts.Config, sessionCfg, loadSession, logging.GetLogger("config"),
			config.WithDebounce[config.SessionConfig](1500*time.Millisecond))
		watcher.OnReload(manager.ApplyConfig)

		var (
			relay    *preview.Relay
			listener *preview.Listener
			viewers  *preview.Viewers
		)
		if opts.PreviewEnabled {
			previewLogger := logging.GetLogger("preview")
			relay = preview.NewRelay(previewLogger)
			listener = preview.NewListener(relay, previewLogger)
			viewers = preview.NewViewers(relay, nil, previewLogger)
		}

		server := api.NewServer(&api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			AllowOrigin:       opts.AllowOrigin,
			Manager:           manager,
			EventBus:          eventBus,
			PreviewRelay:      relay,
			PreviewViewers:    viewers,
			PreviewPath:       opts.PreviewPath,
			PrometheusHandler: exporters.HTTPHandler(),
		})

		var sseExporter *exporters.SSEExporter
		if opts.MetricsSSEEnabled {
			sseExporter = exporters.NewSSEExporter(eventBus)
		}

		ctx, cancel := context.WithCancel(context.Background())
		stopUpload := func() {}

		hooks.OnStart(func() {
			// the preview listener must be up before the publisher tees into it
			if listener != nil {
				if err := listener.Listen(opts.PreviewRTSPAddr); err != nil {
					logger.Error("Failed to start preview listener", "addr", opts.PreviewRTSPAddr, "error", err)
					os.Exit(1)
				}
			}

			if err := watcher.Start(); err != nil {
				logger.Warn("Failed to start config watcher, hot-reload disabled", "error", err)
			}

			stop, err := upload.Start(ctx, sessionCfg.Upload, eventBus, logging.GetLogger("upload"))
			if err != nil {
				logger.Warn("Recording upload disabled", "error", err)
			} else {
				stopUpload = stop
			}

			if sseExporter != nil {
				sseExporter.Start(ctx)
			}

			if opts.AutoStart {
				if _, err := manager.Start(ctx); err != nil {
					logger.Error("Auto start failed", "error", err)
				}
			}

			logger.Info("Starting HTTP server", "port", opts.Port)
			if err := server.Start(opts.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", err)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			if err := server.Stop(); err != nil {
				logger.Error("Error stopping HTTP server", "error", err)
			}

			// finalizes the recording before the uploader is closed
			manager.Shutdown()
			stopUpload()

			_ = watcher.Stop()
			if sseExporter != nil {
				sseExporter.Stop()
			}
			if viewers != nil {
				viewers.Close()
			}
			if listener != nil {
				if err := listener.Close(); err != nil {
					logger.Warn("Error stopping preview listener", "error", err)
				}
			}
			cancel()
		})
	})

	cli.Root().Use = "castnode"
	cli.Root().Short = "Screen, system audio and microphone capture to file and live stream"
	cli.Root().AddCommand(cmd.CreateRecordCmd())
	cli.Root().AddCommand(cmd.CreatePlanCmd())

	cli.Run()
}
