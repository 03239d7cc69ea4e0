package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smazurov/castnode/internal/config"
	"github.com/smazurov/castnode/internal/events"
	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/pipeline"
	"github.com/smazurov/castnode/internal/upload"
	"github.com/spf13/cobra"
)

// CreateRecordCmd creates the record command.
func CreateRecordCmd() *cobra.Command {
	var configFile string
	var duration time.Duration
	var noStream, noRecord, logJSON bool

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Run one capture session without the HTTP API",
		Long: `Starts a session from the configuration file and runs it until interrupted, until ` +
			`--duration elapses or until the capture fails. The recording is finalized on exit.`,
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			loggingConfig := config.LoadLoggingConfig(configFile)
			if logJSON {
				loggingConfig.Format = "json"
			}
			logging.Initialize(loggingConfig)
			logger := logging.GetLogger("record")

			cfg, err := config.LoadSessionConfig(configFile)
			if err != nil {
				logger.Error("Failed to load session config", "config", configFile, "error", err)
				os.Exit(1)
			}
			if noStream {
				cfg.Streaming.Enabled = false
			}
			if noRecord {
				cfg.Recording.Enabled = false
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bus := events.New()
			stopped := make(chan any, 1)
			defer events.SubscribeToChannel[events.SessionStoppedEvent](bus, stopped)()

			stopUpload, err := upload.Start(ctx, cfg.Upload, bus, logging.GetLogger("upload"))
			if err != nil {
				logger.Warn("Recording upload disabled", "error", err)
				stopUpload = func() {}
			}

			manager := pipeline.NewManager(cfg, pipeline.Build, bus, logging.GetLogger("pipeline"))
			sess, err := manager.Start(ctx)
			if err != nil {
				logger.Error("Failed to start session", "error", err)
				os.Exit(1)
			}
			logger.Info("Recording", "session", sess.Status().ID, "config", cfg.Redacted())

			var timeout <-chan time.Time
			if duration > 0 {
				timer := time.NewTimer(duration)
				defer timer.Stop()
				timeout = timer.C
			}

			select {
			case <-ctx.Done():
				logger.Info("Interrupted, stopping")
			case <-timeout:
				logger.Info("Duration reached, stopping", "duration", duration)
			case <-sess.Done():
			}
			if err := manager.Stop(pipeline.ReasonUser); err != nil {
				logger.Debug("Session already stopped", "error", err)
			}

			exitCode := 0
			select {
			case ev := <-stopped:
				e := ev.(events.SessionStoppedEvent)
				logger.Info("Session stopped", "reason", e.Reason, "recording", e.RecordingPath, "error", e.Error)
				if e.Reason == pipeline.ReasonCaptureFailure {
					exitCode = 1
				}
			case <-time.After(cfg.Recording.FinalizeTimeout() + 5*time.Second):
				logger.Warn("No stop event received")
			}

			// waits for the upload of the finalized recording
			stopUpload()
			os.Exit(exitCode)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "castnode.toml", "Configuration file (TOML or YAML)")
	flags.DurationVarP(&duration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	flags.BoolVar(&noStream, "no-stream", false, "Disable streaming for this run")
	flags.BoolVar(&noRecord, "no-record", false, "Disable the local recording for this run")
	flags.BoolVar(&logJSON, "log-json", false, "Log as JSON")

	return cmd
}
