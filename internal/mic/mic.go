// Package mic captures the microphone through an external recorder and
// delivers PCM samples on the session timeline.
package mic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smazurov/castnode/internal/ffmpeg"
	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/media"
)

// Strategy names.
const (
	StrategyEchoCancel = "echo_cancel"
	StrategyTap        = "tap"
)

// TapFrameSize is the number of frames the tap strategy reads at once.
const TapFrameSize = 1024

var (
	// ErrUnknownStrategy is returned for an unrecognized strategy name.
	ErrUnknownStrategy = errors.New("unknown microphone strategy")
	// ErrAlreadyStarted is returned by Start on a running strategy.
	ErrAlreadyStarted = errors.New("microphone already started")
)

// Deliver receives microphone samples. It is called from the reader goroutine.
type Deliver func(s *media.Sample)

// Strategy is one way of capturing the microphone.
type Strategy interface {
	Start(ctx context.Context, deliver Deliver) error
	Stop() error
	Name() string
}

// Gate reports whether delivered audio has a timeline to land on. Samples
// read while it returns false are discarded.
type Gate interface {
	Accepting() bool
}

// Ducker is implemented by strategies that lower other audio while the
// microphone is active. The returned gain applies to the system audio track.
type Ducker interface {
	DuckingGain() float64
}

// DuckingLevel is how strongly other audio is lowered under the microphone.
type DuckingLevel string

const (
	DuckingLow  DuckingLevel = "low"
	DuckingMid  DuckingLevel = "mid"
	DuckingHigh DuckingLevel = "high"
)

// ParseDuckingLevel accepts low, mid and high, plus the min and max aliases. Empty is mid.
func ParseDuckingLevel(s string) (DuckingLevel, error) {
	switch strings.ToLower(s) {
	case "low", "min":
		return DuckingLow, nil
	case "", "mid":
		return DuckingMid, nil
	case "high", "max":
		return DuckingHigh, nil
	}
	return "", fmt.Errorf("unknown ducking level %q", s)
}

// Gain is the linear gain applied to other audio.
func (l DuckingLevel) Gain() float64 {
	switch l {
	case DuckingLow:
		return 0.7
	case DuckingHigh:
		return 0.15
	default:
		return 0.35
	}
}

// Config selects and parameterizes a strategy.
type Config struct {
	Strategy string
	// Device is the PipeWire node for echo cancel, or the pulse/alsa device for the tap.
	Device string
	// Backend is the ffmpeg input format of the tap, pulse or alsa.
	Backend string
	Format  media.PCMFormat
	Ducking DuckingLevel
	Options []ffmpeg.OptionType
}

// New builds the strategy named by cfg.
func New(cfg Config, gate Gate, clock media.Clock, logger logging.Logger) (Strategy, error) {
	if cfg.Format == (media.PCMFormat{}) {
		cfg.Format = media.DefaultPCM
	}
	if !cfg.Format.Valid() {
		return nil, fmt.Errorf("invalid microphone format %+v", cfg.Format)
	}

	switch cfg.Strategy {
	case StrategyEchoCancel, "":
		return NewEchoCancelStrategy(cfg, gate, clock, logger), nil
	case StrategyTap:
		return NewTapStrategy(cfg, gate, clock, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.Strategy)
	}
}
