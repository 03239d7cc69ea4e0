package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

type testOptions struct {
	Config string `help:"Config file path"`

	Port       string        `toml:"server.port" env:"SERVER_PORT"`
	AutoStart  bool          `toml:"server.auto_start" env:"SERVER_AUTO_START"`
	QueueSize  int           `toml:"pipeline.queue_size" env:"PIPELINE_QUEUE_SIZE"`
	Gain       float64       `toml:"mix.gain" env:"MIX_GAIN"`
	Finalize   time.Duration `toml:"recording.finalize_timeout" env:"RECORDING_FINALIZE_TIMEOUT"`
	Origins    []string      `toml:"server.origins" env:"SERVER_ORIGINS"`
	LoggingMic string        `toml:"logging.mic" env:"LOGGING_MIC"`
	FileOnly   string        `toml:"preview.path"`
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleTOML = `
[server]
port = ":9000"
auto_start = true
origins = ["http://a", "http://b"]

[pipeline]
queue_size = 64

[mix]
gain = 2

[recording]
finalize_timeout = "8s"

[logging]
mic = "debug"

[preview]
path = "desk"
`

func TestLoadConfigFromFile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"toml", "castnode.toml", sampleTOML},
		{"yaml", "castnode.yaml", `
server:
  port: ":9000"
  auto_start: true
  origins: [http://a, http://b]
pipeline:
  queue_size: 64
mix:
  gain: 2
recording:
  finalize_timeout: 8s
logging:
  mic: debug
preview:
  path: desk
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := &testOptions{Config: writeConfig(t, tt.file, tt.content)}
			if err := LoadConfig(opts, nil); err != nil {
				t.Fatalf("LoadConfig() error = %v", err)
			}
			want := testOptions{
				Config:     opts.Config,
				Port:       ":9000",
				AutoStart:  true,
				QueueSize:  64,
				Gain:       2,
				Finalize:   8 * time.Second,
				Origins:    []string{"http://a", "http://b"},
				LoggingMic: "debug",
				FileOnly:   "desk",
			}
			if !reflect.DeepEqual(*opts, want) {
				t.Errorf("options = %+v\nwant %+v", *opts, want)
			}
		})
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := writeConfig(t, "castnode.toml", sampleTOML)
	t.Setenv(EnvPrefix+"SERVER_PORT", ":7000")
	t.Setenv(EnvPrefix+"PIPELINE_QUEUE_SIZE", "128")
	t.Setenv(EnvPrefix+"SERVER_ORIGINS", " http://c , http://d ")
	t.Setenv(EnvPrefix+"MIX_GAIN", "")

	opts := &testOptions{Config: path}
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVar(&opts.Port, "port", ":8090", "")
	cmd.Flags().IntVar(&opts.QueueSize, "queue-size", 32, "")
	if err := cmd.Flags().Parse([]string{"--port", ":6000"}); err != nil {
		t.Fatal(err)
	}

	if err := LoadConfig(opts, cmd); err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if opts.Port != ":6000" {
		t.Errorf("Port = %q, a changed flag must win", opts.Port)
	}
	if opts.QueueSize != 128 {
		t.Errorf("QueueSize = %d, env must override the file", opts.QueueSize)
	}
	if !reflect.DeepEqual(opts.Origins, []string{"http://c", "http://d"}) {
		t.Errorf("Origins = %q", opts.Origins)
	}
	if opts.Gain != 2 {
		t.Errorf("Gain = %v, an empty env var must not override", opts.Gain)
	}
}

func TestLoadConfigInvalidValues(t *testing.T) {
	path := writeConfig(t, "castnode.toml", "[pipeline]\nqueue_size = \"many\"\n[mix]\ngain = 0.5\n")
	t.Setenv(EnvPrefix+"SERVER_AUTO_START", "sometimes")

	opts := &testOptions{Config: path, QueueSize: 32}
	err := LoadConfig(opts, nil)
	if err == nil {
		t.Fatal("LoadConfig() accepted bad values")
	}
	for _, want := range []string{"QueueSize", "AutoStart"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not name %s", err, want)
		}
	}
	if opts.QueueSize != 32 || opts.AutoStart {
		t.Errorf("bad values changed fields: %+v", opts)
	}
	if opts.Gain != 0.5 {
		t.Errorf("Gain = %v, good values must still apply", opts.Gain)
	}
}

func TestLoadConfigMissingAndBrokenFiles(t *testing.T) {
	if err := LoadConfig(&testOptions{Config: filepath.Join(t.TempDir(), "absent.toml")}, nil); err != nil {
		t.Errorf("missing file: %v", err)
	}
	broken := writeConfig(t, "castnode.toml", "[server\nport = ")
	if err := LoadConfig(&testOptions{Config: broken}, nil); err == nil {
		t.Error("broken TOML accepted")
	}
	brokenYAML := writeConfig(t, "castnode.yml", "server: [unclosed")
	if err := LoadConfig(&testOptions{Config: brokenYAML}, nil); err == nil {
		t.Error("broken YAML accepted")
	}
}

func TestLookup(t *testing.T) {
	data := map[string]any{
		"server": map[string]any{"port": ":8090", "tls": map[string]any{"cert": "a.pem"}},
		"root":   "value",
	}
	tests := []struct {
		key  string
		want any
		ok   bool
	}{
		{"root", "value", true},
		{"server.port", ":8090", true},
		{"server.tls.cert", "a.pem", true},
		{"server.missing", nil, false},
		{"root.child", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		got, ok := lookup(data, tt.key)
		if got != tt.want || ok != tt.ok {
			t.Errorf("lookup(%q) = %v, %v; want %v, %v", tt.key, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFlagName(t *testing.T) {
	tests := map[string]string{
		"Port":              "port",
		"LoggingLevel":      "logging-level",
		"PreviewRTSPAddr":   "preview-rtsp-addr",
		"MetricsSSEEnabled": "metrics-sse-enabled",
		"AuthAPIKey":        "auth-api-key",
	}
	for in, want := range tests {
		if got := flagName(in); got != want {
			t.Errorf("flagName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadLoggingConfig(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    map[string]string
		level   string
		format  string
	}{
		{"toml", "castnode.toml", "[logging]\nlevel = \"debug\"\nformat = \"json\"\nmixer = \"warn\"\n",
			map[string]string{"mixer": "warn"}, "debug", "json"},
		{"yaml", "castnode.yml", "logging:\n  level: warn\n  capture: debug\n",
			map[string]string{"capture": "debug"}, "warn", "text"},
		{"no section", "castnode.toml", "[server]\nport = \":1\"\n", map[string]string{}, "info", "text"},
		{"broken", "castnode.toml", "[logging\n", map[string]string{}, "info", "text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadLoggingConfig(writeConfig(t, tt.file, tt.content))
			if cfg.Level != tt.level || cfg.Format != tt.format || !reflect.DeepEqual(cfg.Modules, tt.want) {
				t.Errorf("LoadLoggingConfig() = %+v", cfg)
			}
		})
	}
	if cfg := LoadLoggingConfig(""); cfg.Level != "info" {
		t.Errorf("empty path level = %q", cfg.Level)
	}
}
