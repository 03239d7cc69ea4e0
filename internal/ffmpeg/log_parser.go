package ffmpeg

import (
	"log/slog"
	"strings"
)

// ffmpeg level tags as printed with -loglevel level+...
var logLevels = map[string]slog.Level{
	"quiet":   slog.LevelDebug,
	"panic":   slog.LevelError,
	"fatal":   slog.LevelError,
	"error":   slog.LevelError,
	"warning": slog.LevelWarn,
	"info":    slog.LevelInfo,
	"verbose": slog.LevelDebug,
	"debug":   slog.LevelDebug,
	"trace":   slog.LevelDebug,
}

// ParseLogLevel maps a line printed with LogLevelArgs to a slog level.
// Lines look like "[level] msg" or "[component @ 0x...] [level] msg"; the
// level tag is removed and the component kept. Untagged lines are info.
func ParseLogLevel(line string) (slog.Level, string) {
	tag, rest, ok := leadingTag(line)
	if !ok {
		return slog.LevelInfo, line
	}
	if level, known := logLevels[tag]; known {
		return demote(level, rest), rest
	}

	component := line[:len(line)-len(rest)]
	tag, msg, ok := leadingTag(rest)
	if !ok {
		return slog.LevelInfo, line
	}
	level, known := logLevels[tag]
	if !known {
		return slog.LevelInfo, line
	}
	return demote(level, msg), component + msg
}

// leadingTag splits "[tag] rest".
func leadingTag(s string) (tag, rest string, ok bool) {
	if !strings.HasPrefix(s, "[") {
		return "", s, false
	}
	end := strings.Index(s, "] ")
	if end < 1 {
		return "", s, false
	}
	return s[1:end], s[end+2:], true
}

// demote lowers warnings ffmpeg repeats for every frame of a live capture.
func demote(level slog.Level, msg string) slog.Level {
	if level != slog.LevelWarn {
		return level
	}
	switch {
	case strings.HasPrefix(msg, "Last message repeated"),
		strings.HasPrefix(msg, "Past duration"),
		strings.Contains(msg, "Non-monotonic DTS"):
		return slog.LevelDebug
	}
	return level
}
