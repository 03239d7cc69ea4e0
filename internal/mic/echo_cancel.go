package mic

import (
	"context"
	"fmt"

	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/media"
)

// DefaultEchoCancelSource is the node created by PipeWire's echo-cancel module.
const DefaultEchoCancelSource = "echo-cancel-source"

// echoCancelFrameSize is the latency requested from PipeWire, in frames.
const echoCancelFrameSize = 480

// EchoCancelStrategy records the echo-cancelled source of PipeWire with
// pw-record. Other audio is ducked by the configured level.
type EchoCancelStrategy struct {
	recorder
	ducking DuckingLevel
}

// NewEchoCancelStrategy records cfg.Device, or the default echo-cancel source.
func NewEchoCancelStrategy(cfg Config, gate Gate, clock media.Clock, logger logging.Logger) *EchoCancelStrategy {
	source := cfg.Device
	if source == "" {
		source = DefaultEchoCancelSource
	}
	ducking := cfg.Ducking
	if ducking == "" {
		ducking = DuckingMid
	}
	command := fmt.Sprintf("pw-record --target %s --rate %d --channels %d --format s16 --latency %d --raw -",
		source, cfg.Format.SampleRate, cfg.Format.Channels, echoCancelFrameSize)

	return &EchoCancelStrategy{
		recorder: recorder{
			id:        "mic-" + StrategyEchoCancel,
			command:   command,
			format:    cfg.Format,
			frameSize: echoCancelFrameSize,
			gate:      gate,
			clock:     clock,
			logger:    logger,
		},
		ducking: ducking,
	}
}

func (s *EchoCancelStrategy) Start(ctx context.Context, deliver Deliver) error {
	return s.start(ctx, deliver)
}

func (s *EchoCancelStrategy) Stop() error { return s.stop() }

func (s *EchoCancelStrategy) Name() string { return StrategyEchoCancel }

// DuckingGain returns the gain for other audio while this strategy runs.
func (s *EchoCancelStrategy) DuckingGain() float64 { return s.ducking.Gain() }

// Command returns the recorder command line.
func (s *EchoCancelStrategy) Command() string { return s.command }
