// Package media wraps ffmpeg/ffprobe for the few video operations the host
// needs before handing a file to the analysis page.
package media

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

type Transcoder struct {
	ffmpegPath  string
	ffprobePath string
	outDir      string
	logger      *slog.Logger
}

// NewTranscoder locates ffmpeg in PATH. ffprobe is optional; without it the
// duration is parsed from ffmpeg's own output.
func NewTranscoder(outDir string, logger *slog.Logger) (*Transcoder, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ffprobePath, _ := exec.LookPath("ffprobe")

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcode directory: %w", err)
	}

	logger.Info("ffmpeg found", "ffmpeg", ffmpegPath, "ffprobe", ffprobePath)
	return &Transcoder{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		outDir:      outDir,
		logger:      logger,
	}, nil
}

// NeedsTranscode reports whether Chrome cannot be relied on to play the file
// as is.
func NeedsTranscode(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v", ".webm":
		return false
	}
	return true
}

// Prepare returns a path the page can play: the input itself when no
// conversion is needed, otherwise an H.264 mp4 next to the other staged files.
func (t *Transcoder) Prepare(ctx context.Context, path string) (string, error) {
	if d, err := t.Duration(ctx, path); err == nil {
		t.logger.Debug("video probed", "path", path, "duration_s", d)
	}

	if !NeedsTranscode(path) {
		return path, nil
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(t.outDir, base+".transcoded.mp4")

	cmd := exec.CommandContext(ctx, t.ffmpegPath, transcodeArgs(path, out)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(out)
		t.logger.Warn("ffmpeg failed", "path", path, "stderr", lastLines(stderr.String(), 5))
		return "", fmt.Errorf("transcode %s: %w", path, err)
	}

	t.logger.Info("video transcoded", "from", path, "to", out)
	return out, nil
}

// Duration returns the length of the video in seconds.
func (t *Transcoder) Duration(ctx context.Context, path string) (float64, error) {
	if t.ffprobePath != "" {
		cmd := exec.CommandContext(ctx, t.ffprobePath,
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			path)

		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		if err := cmd.Run(); err == nil {
			d, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
			if err == nil && d > 0 {
				return d, nil
			}
		}
	}

	cmd := exec.CommandContext(ctx, t.ffmpegPath, "-i", path, "-f", "null", "-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	_ = cmd.Run()

	return parseDuration(stderr.String())
}

func transcodeArgs(in, out string) []string {
	return []string{
		"-y",
		"-i", in,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-an",
		out,
	}
}

// parseDuration extracts "Duration: HH:MM:SS.ss" from ffmpeg's banner.
func parseDuration(output string) (float64, error) {
	const prefix = "Duration: "
	start := strings.Index(output, prefix)
	if start == -1 {
		return 0, fmt.Errorf("duration not found in ffmpeg output")
	}
	start += len(prefix)

	end := strings.Index(output[start:], ",")
	if end == -1 {
		return 0, fmt.Errorf("invalid duration format")
	}

	raw := output[start : start+end]
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid duration format: %s", raw)
	}

	var total float64
	for i, mul := range []float64{3600, 60, 1} {
		v, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration format: %s", raw)
		}
		total += v * mul
	}
	return total, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
