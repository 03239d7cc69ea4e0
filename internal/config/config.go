package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/castnode/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to the env tag of every option.
const EnvPrefix = "CASTNODE_"

var durationType = reflect.TypeFor[time.Duration]()

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// unmarshalFile decodes data as YAML or TOML depending on the extension of path.
func unmarshalFile(path string, data []byte, v any) error {
	if isYAML(path) {
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
		return nil
	}
	if err := toml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse TOML config: %w", err)
	}
	return nil
}

// option is one field of a flat options struct.
type option struct {
	name  string
	value reflect.Value
	flag  string
	key   string // dotted path in the config file
	env   string
}

func (o option) set(raw any) error {
	if err := assign(o.value, raw); err != nil {
		return fmt.Errorf("%s: %w", o.name, err)
	}
	return nil
}

// collectOptions lists the tagged fields of the struct opts points to and
// returns the value of its Config field.
func collectOptions(opts any) (string, []option) {
	v := reflect.ValueOf(opts).Elem()
	var path string
	var out []option
	for _, f := range reflect.VisibleFields(v.Type()) {
		field := v.FieldByIndex(f.Index)
		if f.Name == "Config" && field.Kind() == reflect.String {
			path = field.String()
			continue
		}
		if !f.IsExported() {
			continue
		}
		out = append(out, option{
			name:  f.Name,
			value: field,
			flag:  flagName(f.Name),
			key:   f.Tag.Get("toml"),
			env:   f.Tag.Get("env"),
		})
	}
	return path, out
}

// LoadConfig fills the flat options struct opts from its Config file and
// the environment. Precedence is CLI flag > CASTNODE_* env var > file; a
// flag cmd reports as changed is left alone. The file is YAML for .yaml or
// .yml and TOML otherwise; the toml tag's dotted path addresses a value in
// either format. A missing file is not an error. Values that do not fit
// their field are reported together and leave the field unchanged.
func LoadConfig(opts any, cmd *cobra.Command) error {
	path, fields := collectOptions(opts)

	changed := make(map[string]bool)
	if cmd != nil {
		cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })
	}

	var file map[string]any
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := unmarshalFile(path, data, &file); err != nil {
				return err
			}
		}
	}

	var errs []error
	for _, o := range fields {
		if changed[o.flag] {
			continue
		}
		if raw, ok := lookup(file, o.key); ok {
			errs = append(errs, o.set(raw))
		}
		if o.env == "" {
			continue
		}
		if raw, ok := os.LookupEnv(EnvPrefix + o.env); ok && raw != "" {
			errs = append(errs, o.set(raw))
		}
	}
	return errors.Join(errs...)
}

// flagName converts a field name to the kebab-case flag humacli derives
// from it: "LoggingLevel" -> "logging-level", "PreviewRTSPAddr" ->
// "preview-rtsp-addr".
func flagName(field string) string {
	runes := []rune(field)
	var b strings.Builder
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if !unicode.IsUpper(prev) || nextLower {
				b.WriteByte('-')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// lookup resolves a dotted key such as "server.port" in a decoded file.
func lookup(data map[string]any, key string) (any, bool) {
	if data == nil || key == "" {
		return nil, false
	}
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := data[part].(map[string]any)
		if !ok {
			return nil, false
		}
		data = next
	}
	v, ok := data[parts[len(parts)-1]]
	return v, ok && v != nil
}

// assign stores raw into field. raw is a decoded file value or, for env
// vars, a string; strings are parsed into the field's kind, a comma
// separated list for []string.
func assign(field reflect.Value, raw any) error {
	if !field.CanSet() {
		return errors.New("field cannot be set")
	}

	if list, ok := raw.([]any); ok {
		if field.Kind() != reflect.Slice || field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("list given for %s", field.Type())
		}
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		field.Set(reflect.ValueOf(out))
		return nil
	}

	s, ok := raw.(string)
	if !ok {
		s = fmt.Sprint(raw)
	}

	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
	case field.Kind() == reflect.String:
		field.SetString(s)
	case field.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case field.CanInt():
		i, err := strconv.ParseInt(s, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(i)
	case field.CanFloat():
		f, err := strconv.ParseFloat(s, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported type %s", field.Type())
	}
	return nil
}

// LoadLoggingConfig reads the [logging] section of a TOML or YAML file:
// level and format, every other key a module level. A missing or broken
// file yields info level text output.
func LoadLoggingConfig(configPath string) logging.Config {
	cfg := logging.Config{
		Level:   "info",
		Format:  "text",
		Modules: make(map[string]string),
	}
	if configPath == "" {
		return cfg
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg
	}

	var raw struct {
		Logging map[string]string `toml:"logging" yaml:"logging"`
	}
	if err := unmarshalFile(configPath, data, &raw); err != nil {
		return cfg
	}
	for key, value := range raw.Logging {
		switch key {
		case "level":
			cfg.Level = value
		case "format":
			cfg.Format = value
		default:
			cfg.Modules[key] = value
		}
	}
	return cfg
}
