package ffmpeg

import (
	"fmt"
	"slices"
	"strings"
)

// OptionType names a capture input flag set, as written in capture.ffmpeg_options.
type OptionType string

// Capture input flags
const (
	OptionGeneratePTS        OptionType = "genpts"
	OptionIgnoreDTS          OptionType = "igndts"
	OptionIgnoreErrors       OptionType = "ignore_err"
	OptionWallclockTimestamp OptionType = "wallclock_ts"
	OptionThreadQueue1024    OptionType = "thread_queue_1024"
	OptionThreadQueue4096    OptionType = "thread_queue_4096"
	OptionLowLatency         OptionType = "low_latency"
)

// Base returns the ffmpeg invocation every command starts with.
func Base() string {
	return "ffmpeg -hide_banner"
}

// ExclusiveGroup is a set of options of which at most one may be chosen.
type ExclusiveGroup string

// GroupThreadQueue holds the input queue sizes.
const GroupThreadQueue ExclusiveGroup = "thread_queue"

// Option describes one input flag set for the options endpoint and validation.
type Option struct {
	Key            OptionType      `json:"key"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	AppDefault     bool            `json:"app_default"`
	ExclusiveGroup *ExclusiveGroup `json:"exclusive_group,omitempty"`
	ConflictsWith  []OptionType    `json:"conflicts_with,omitempty"`

	// fflags are merged into a single -fflags argument
	fflags []string
	args   []string
}

func group(g ExclusiveGroup) *ExclusiveGroup { return &g }

// AllOptions lists every capture input flag set in the order they are applied.
var AllOptions = []Option{
	{
		Key:           OptionGeneratePTS,
		Name:          "Generate PTS",
		Description:   "Generate missing presentation timestamps",
		ConflictsWith: []OptionType{OptionWallclockTimestamp},
		fflags:        []string{"+genpts"},
	},
	{
		Key:         OptionIgnoreDTS,
		Name:        "Ignore DTS",
		Description: "Ignore decode timestamps of the capture device",
		fflags:      []string{"+igndts"},
	},
	{
		Key:         OptionIgnoreErrors,
		Name:        "Ignore Errors",
		Description: "Keep capturing through decode errors",
		args:        []string{"-err_detect", "ignore_err"},
	},
	{
		Key:           OptionWallclockTimestamp,
		Name:          "Wallclock Timestamps",
		Description:   "Stamp captured frames with the wall clock so screen and audio share a time base",
		AppDefault:    true,
		ConflictsWith: []OptionType{OptionGeneratePTS},
		args:          []string{"-use_wallclock_as_timestamps", "1"},
	},
	{
		Key:            OptionThreadQueue1024,
		Name:           "Large Thread Queue",
		Description:    "Use a 1024 packet input queue",
		AppDefault:     true,
		ExclusiveGroup: group(GroupThreadQueue),
		args:           []string{"-thread_queue_size", "1024"},
	},
	{
		Key:            OptionThreadQueue4096,
		Name:           "Extra Large Thread Queue",
		Description:    "Use a 4096 packet input queue when the encoder falls behind the grabber",
		ExclusiveGroup: group(GroupThreadQueue),
		args:           []string{"-thread_queue_size", "4096"},
	},
	{
		Key:         OptionLowLatency,
		Name:        "Low Latency Mode",
		Description: "Flush packets immediately and disable input buffering",
		fflags:      []string{"+nobuffer"},
		args:        []string{"-flags", "+low_delay"},
	},
}

// GetOptionByKey returns the option named key, or nil.
func GetOptionByKey(key OptionType) *Option {
	i := slices.IndexFunc(AllOptions, func(o Option) bool { return o.Key == key })
	if i < 0 {
		return nil
	}
	return &AllOptions[i]
}

// ValidateOptions rejects unknown keys, two options of one exclusive group
// and options that conflict with each other.
func ValidateOptions(selected []OptionType) error {
	groups := make(map[ExclusiveGroup]*Option)
	for _, key := range selected {
		opt := GetOptionByKey(key)
		if opt == nil {
			return fmt.Errorf("unknown option %q", key)
		}
		if g := opt.ExclusiveGroup; g != nil {
			if prev, taken := groups[*g]; taken && prev.Key != opt.Key {
				return fmt.Errorf("multiple options from exclusive group '%s' selected: %s, %s", *g, prev.Name, opt.Name)
			}
			groups[*g] = opt
		}
		for _, other := range opt.ConflictsWith {
			if slices.Contains(selected, other) {
				return fmt.Errorf("option '%s' conflicts with '%s'", opt.Name, GetOptionByKey(other).Name)
			}
		}
	}
	return nil
}

// GetDefaultOptions returns the options a new session config starts with.
func GetDefaultOptions() []OptionType {
	var defaults []OptionType
	for _, o := range AllOptions {
		if o.AppDefault {
			defaults = append(defaults, o.Key)
		}
	}
	return defaults
}

// ApplyOptionsToCommand appends the input arguments of options to cmd and
// returns the keys it applied; unknown keys are skipped. Arguments follow
// the order of AllOptions, not of options.
func ApplyOptionsToCommand(options []OptionType, cmd *strings.Builder) []OptionType {
	var applied []OptionType
	var fflags []string
	for _, o := range AllOptions {
		if !slices.Contains(options, o.Key) {
			continue
		}
		fflags = append(fflags, o.fflags...)
		for _, arg := range o.args {
			cmd.WriteString(" " + arg)
		}
		applied = append(applied, o.Key)
	}
	if len(fflags) > 0 {
		cmd.WriteString(" -fflags " + strings.Join(fflags, ""))
	}
	return applied
}

var hardwareEncoders = []string{"nvenc", "amf", "vaapi", "qsv", "videotoolbox", "rkmpp", "v4l2m2m"}

// isHardwareEncoder reports whether an encoder name such as h264_vaapi runs on a GPU.
func isHardwareEncoder(encoder string) bool {
	return slices.ContainsFunc(hardwareEncoders, func(hw string) bool {
		return strings.Contains(encoder, hw)
	})
}
