// Package logging provides module loggers with per-module levels.
//
// Every record goes to stdout (text or json) when stdout is usable, to the
// systemd journal when journald is reachable, and to an in-memory ring
// buffer that backs the /api/logs/stream endpoint.
//
// Initialize once at startup, then ask for a logger per module:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"pipeline":  "debug",
//			"streaming": "warn",
//		},
//	})
//
//	logger := logging.GetLogger("pipeline").With("session", id)
//	logger.Info("Session started")
//
// Loggers obtained before Initialize keep working; Initialize re-levels
// them and swaps in the full handler chain.
//
// Components accept the Logger interface rather than *slog.Logger so tests
// can pass a discarding logger.
//
// Journal entries carry SYSLOG_IDENTIFIER=castnode and one upper-case field
// per attribute:
//
//	journalctl -t castnode -f
//	journalctl -t castnode MODULE=streaming -p warning
package logging
