package editor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"loraframe/studio/internal/config"
	"loraframe/studio/internal/telemetry"
)

// Downloader fetches remote media.
type Downloader interface {
	Download(ctx context.Context, mediaURL string, w io.Writer) (string, error)
}

type Result struct {
	Path     string
	Filename string
	MimeType string
	dir      string
}

// Cleanup removes the export's scratch directory, output included.
func (r Result) Cleanup() error {
	if r.dir == "" {
		return nil
	}
	return os.RemoveAll(r.dir)
}

type Editor struct {
	dl      Downloader
	run     Runner
	workDir string
	font    string
	metrics *telemetry.Metrics
	log     *zap.Logger
}

func New(dl Downloader, run Runner, cfg config.EditorConfig, metrics *telemetry.Metrics, logger *zap.Logger) *Editor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Editor{
		dl:      dl,
		run:     run,
		workDir: cfg.WorkDir,
		font:    cfg.FontFile,
		metrics: metrics,
		log:     logger.Named("editor"),
	}
}

// Export renders source with spec. source is an http(s) URL, downloaded into
// a scratch directory, or a local file path. An empty spec media type is
// inferred from the source. Callers own the result and must Cleanup it.
func (e *Editor) Export(ctx context.Context, source string, spec EditSpec) (res Result, err error) {
	dir, err := os.MkdirTemp(e.workDir, "export-*")
	if err != nil {
		return Result{}, fmt.Errorf("create export dir: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
		e.count(spec.MediaType, err)
	}()

	input, contentType, err := e.stage(ctx, dir, source)
	if err != nil {
		return Result{}, err
	}
	if spec.MediaType == "" {
		spec.MediaType = inferMediaType(contentType, input)
	}
	if err := spec.Validate(); err != nil {
		return Result{}, err
	}

	music := ""
	if spec.MediaType == MediaVideo && spec.MusicFile != "" {
		if _, statErr := os.Stat(spec.MusicFile); statErr != nil {
			return Result{}, fmt.Errorf("%w: music file: %w", ErrInvalidSpec, statErr)
		}
		music = spec.MusicFile
	}

	name, mimeType := OutputName(spec.MediaType)
	output := filepath.Join(dir, name)
	args := BuildArgs(spec, input, music, output, e.font)

	e.log.Info("export started", zap.String("source", source), zap.String("media_type", string(spec.MediaType)))
	if err := e.run.Run(ctx, args); err != nil {
		return Result{}, err
	}
	if _, err := os.Stat(output); err != nil {
		return Result{}, fmt.Errorf("%w: no output produced: %w", ErrFFmpeg, err)
	}
	return Result{Path: output, Filename: name, MimeType: mimeType, dir: dir}, nil
}

func (e *Editor) stage(ctx context.Context, dir, source string) (string, string, error) {
	if !isRemote(source) {
		if _, err := os.Stat(source); err != nil {
			return "", "", fmt.Errorf("open source: %w", err)
		}
		return source, mime.TypeByExtension(filepath.Ext(source)), nil
	}

	ext := ""
	if u, err := url.Parse(source); err == nil {
		ext = path.Ext(u.Path)
	}
	tmp := filepath.Join(dir, "input.download")
	f, err := os.Create(tmp)
	if err != nil {
		return "", "", fmt.Errorf("create input file: %w", err)
	}
	contentType, err := e.dl.Download(ctx, source, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", "", fmt.Errorf("download source: %w", err)
	}

	if ext == "" {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	if ext == "" {
		ext = ".bin"
	}
	input := filepath.Join(dir, "input"+ext)
	if err := os.Rename(tmp, input); err != nil {
		return "", "", fmt.Errorf("stage input: %w", err)
	}
	return input, contentType, nil
}

func (e *Editor) count(mt MediaType, err error) {
	if e.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case errors.Is(err, ErrInvalidSpec):
		outcome = "invalid"
	case errors.Is(err, ErrFFmpeg):
		outcome = "ffmpeg_error"
	case err != nil:
		outcome = "error"
	}
	if mt == "" {
		mt = "unknown"
	}
	e.metrics.Exports.WithLabelValues(string(mt), outcome).Inc()
}

func isRemote(source string) bool {
	lower := strings.ToLower(source)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func inferMediaType(contentType, name string) MediaType {
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(name))
	}
	if strings.HasPrefix(contentType, "image/") {
		return MediaImage
	}
	return MediaVideo
}
