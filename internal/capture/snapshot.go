package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/smazurov/castnode/internal/ffmpeg"
	"github.com/smazurov/castnode/internal/media"
)

// SnapshotTimeout bounds a single frame decode.
const SnapshotTimeout = 10 * time.Second

// ErrNoFrame is returned when there is no video sample to render.
var ErrNoFrame = errors.New("no video frame available")

// SnapshotOptions controls the rendered still.
type SnapshotOptions struct {
	Codec   media.VideoCodec
	Width   int // 0 keeps the capture size
	Quality int
}

// Snapshot decodes one access unit to JPEG. The access unit must be a
// keyframe carrying its parameter sets.
func Snapshot(ctx context.Context, sample *media.Sample, opts SnapshotOptions) ([]byte, error) {
	if sample == nil || len(sample.Data) == 0 {
		return nil, ErrNoFrame
	}

	cmdStr, err := ffmpeg.BuildSnapshotCommand(&ffmpeg.SnapshotParams{
		Codec:      string(opts.Codec),
		InputPath:  "-",
		OutputPath: "-",
		Width:      opts.Width,
		Quality:    opts.Quality,
	})
	if err != nil {
		return nil, fmt.Errorf("error building snapshot command: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, SnapshotTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdStr)
	cmd.Stdin = bytes.NewReader(sample.Data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("snapshot timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("error rendering snapshot: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, ErrNoFrame
	}
	return stdout.Bytes(), nil
}
