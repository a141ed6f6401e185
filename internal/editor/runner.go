package editor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrFFmpeg = errors.New("ffmpeg failed")

const outputTail = 2048

// Runner executes one ffmpeg invocation.
type Runner interface {
	Run(ctx context.Context, args []string) error
}

type FFmpeg struct {
	Path string
	log  *zap.Logger
}

func NewFFmpeg(path string, logger *zap.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpeg{Path: path, log: logger.Named("ffmpeg")}
}

func (f *FFmpeg) Run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, f.Path, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	f.log.Debug("ffmpeg exec", zap.Strings("args", args), zap.Duration("took", time.Since(start)), zap.Error(err))
	if err != nil {
		tail := strings.TrimSpace(out.String())
		if len(tail) > outputTail {
			tail = tail[len(tail)-outputTail:]
		}
		if tail == "" {
			return fmt.Errorf("%w: %w", ErrFFmpeg, err)
		}
		return fmt.Errorf("%w: %w: %s", ErrFFmpeg, err, tail)
	}
	return nil
}
