// Command analyze runs one analysis session against a local video and prints
// the distance to the reference stroke.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/lmittmann/tint"

	"github.com/kdimtricp/raqa/internal/assets"
	"github.com/kdimtricp/raqa/internal/media"
	"github.com/kdimtricp/raqa/internal/models"
	"github.com/kdimtricp/raqa/internal/payload"
	"github.com/kdimtricp/raqa/internal/processor"
	"github.com/kdimtricp/raqa/internal/storage"
	"github.com/kdimtricp/raqa/internal/viewer"
)

func main() {
	var (
		video     = flag.String("video", "", "Path to the video to analyze")
		dataDir   = flag.String("data", "", "Private working directory (empty uses a fresh temp dir)")
		pageDir   = flag.String("page", os.Getenv("PAGE_DIR"), "Directory with the analysis page and its scripts (empty uses the bundled page)")
		chrome    = flag.String("chrome", os.Getenv("CHROME_URL"), "DevTools URL of a running Chrome (empty launches one)")
		timeout   = flag.Duration("timeout", 2*time.Minute, "Give up after this long")
		transcode = flag.Bool("transcode", false, "Convert non-mp4 input with ffmpeg first")
		asJSON    = flag.Bool("json", false, "Print the session snapshot as JSON")
		verbose   = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: "15:04:05"}))
	slog.SetDefault(logger)

	if *video == "" {
		fmt.Fprintln(os.Stderr, "Please provide a video with -video")
		os.Exit(2)
	}

	os.Exit(run(logger, options{
		video:     *video,
		dataDir:   *dataDir,
		pageDir:   *pageDir,
		chrome:    *chrome,
		timeout:   *timeout,
		transcode: *transcode,
		asJSON:    *asJSON,
	}))
}

type options struct {
	video     string
	dataDir   string
	pageDir   string
	chrome    string
	timeout   time.Duration
	transcode bool
	asJSON    bool
}

func run(logger *slog.Logger, opts options) int {
	if opts.dataDir == "" {
		dir, err := os.MkdirTemp("", "raqa-*")
		if err != nil {
			logger.Error("working directory", "error", err)
			return 1
		}
		defer os.RemoveAll(dir)
		opts.dataDir = dir
	}

	private, err := storage.NewLocalStorage(opts.dataDir)
	if err != nil {
		logger.Error("storage", "error", err)
		return 1
	}

	var transcoder payload.Transcoder
	if opts.transcode {
		t, err := media.NewTranscoder(private.Dir(), logger)
		if err != nil {
			logger.Error("transcoder", "error", err)
			return 1
		}
		transcoder = t
	}

	browser := viewer.NewBrowser(viewer.Config{RemoteURL: opts.chrome, Logger: logger})
	defer browser.Close()

	svc, err := processor.NewService(
		assets.NewStager(assets.StagerConfig{PrivateDir: private.Dir(), PageDir: opts.pageDir, Logger: logger}),
		private,
		browser,
		nil,
		nil,
		processor.Config{SessionTimeout: opts.timeout, Transcoder: transcoder, Logger: logger},
	)
	if err != nil {
		logger.Error("service", "error", err)
		return 1
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	session, err := svc.StartSession(ctx, opts.video)
	if err != nil {
		logger.Error("start session", "error", err)
		return 1
	}

	go func() {
		<-ctx.Done()
		svc.StopSession(session.ID)
	}()

	for update := range session.Updates {
		logger.Debug("update", "type", update.Type, "data", update.Data)
	}

	snap := session.Snapshot()
	if opts.asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(snap)
	} else if snap.Result != nil {
		if snap.Result.Kind == models.ResultDistance {
			fmt.Printf("DTW distance: %.4f\n", snap.Result.Value)
		} else {
			fmt.Printf("Analysis error: %s\n", snap.Result.Message)
		}
	}

	if snap.Status != processor.StatusComplete {
		if snap.Failure != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", snap.Failure.Condition, snap.Failure.Message)
		}
		return 1
	}
	return 0
}
