package payload

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"github.com/kdimtricp/raqa/internal/models"
)

type Mode string

const (
	// ModeChunked inlines the base64 video in one or more scripts.
	ModeChunked Mode = "chunked"
	// ModeURL binds the page to a host URL that streams the file.
	ModeURL Mode = "url"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeChunked:
		return ModeChunked, nil
	case ModeURL:
		return ModeURL, nil
	}
	return "", fmt.Errorf("unknown delivery mode %q", s)
}

type Evaluator interface {
	Eval(ctx context.Context, script string) error
}

// Transcoder converts a staged video into something the page can play.
type Transcoder interface {
	Prepare(ctx context.Context, path string) (string, error)
}

// MediaLinker publishes a staged file under a URL the page can fetch.
type MediaLinker func(path string) (string, error)

type InjectorConfig struct {
	Mode       Mode
	ChunkSize  int
	MaxBytes   int64
	Transcoder Transcoder
	Link       MediaLinker
	Logger     *slog.Logger
}

type Injector struct {
	viewer Evaluator
	cfg    InjectorConfig
	logger *slog.Logger
}

func NewInjector(viewer Evaluator, cfg InjectorConfig) *Injector {
	if cfg.Mode == "" {
		cfg.Mode = ModeChunked
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{viewer: viewer, cfg: cfg, logger: logger}
}

func (in *Injector) InjectReference(ctx context.Context, seq models.ReferenceSequence) error {
	script, err := ReferenceScript(seq)
	if err != nil {
		return err
	}
	if err := in.viewer.Eval(ctx, script); err != nil {
		return fmt.Errorf("inject reference sequence: %w", err)
	}
	in.logger.Debug("reference sequence injected", "frames", len(seq))
	return nil
}

// DeliverVideo sends the staged file to the page. Read and encode problems
// are reported as ErrEncodingFailure.
func (in *Injector) DeliverVideo(ctx context.Context, stagedPath string) error {
	path := models.LocalPath(stagedPath)

	if in.cfg.Transcoder != nil {
		prepared, err := in.cfg.Transcoder.Prepare(ctx, path)
		if err != nil {
			return fmt.Errorf("%w: transcode: %v", ErrEncodingFailure, err)
		}
		path = prepared
	}

	if in.cfg.Mode == ModeURL {
		if in.cfg.Link == nil {
			return fmt.Errorf("url delivery requires a media linker")
		}
		url, err := in.cfg.Link(path)
		if err != nil {
			return fmt.Errorf("link media: %w", err)
		}
		if err := in.viewer.Eval(ctx, VideoURLScript(url)); err != nil {
			return fmt.Errorf("inject video url: %w", err)
		}
		in.logger.Info("video bound by url", "path", path)
		return nil
	}

	encoded, err := EncodeFile(path, in.cfg.MaxBytes)
	if err != nil {
		return err
	}

	scripts := VideoScripts(encoded, MimeType(path), in.cfg.ChunkSize)
	for i, script := range scripts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := in.viewer.Eval(ctx, script); err != nil {
			return fmt.Errorf("inject video chunk %d/%d: %w", i+1, len(scripts), err)
		}
	}
	in.logger.Info("video injected", "path", path, "encoded_bytes", len(encoded), "chunks", len(scripts))
	return nil
}

func MimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "video/mp4"
}
