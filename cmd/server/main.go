package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/kdimtricp/raqa/internal/api"
	"github.com/kdimtricp/raqa/internal/assets"
	"github.com/kdimtricp/raqa/internal/authclient"
	"github.com/kdimtricp/raqa/internal/config"
	"github.com/kdimtricp/raqa/internal/credentials"
	"github.com/kdimtricp/raqa/internal/database"
	"github.com/kdimtricp/raqa/internal/media"
	"github.com/kdimtricp/raqa/internal/payload"
	"github.com/kdimtricp/raqa/internal/processor"
	"github.com/kdimtricp/raqa/internal/storage"
	"github.com/kdimtricp/raqa/internal/viewer"
)

func main() {
	configPath := flag.String("config", os.Getenv("RAQA_CONFIG"), "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.Level(),
		TimeFormat: "15:04:05",
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	uploads, err := storage.NewLocalStorage(cfg.Storage.UploadDir)
	if err != nil {
		return err
	}
	privateDir := filepath.Join(cfg.Storage.DataDir, "private")
	private, err := storage.NewLocalStorage(privateDir)
	if err != nil {
		return err
	}

	db, err := database.NewDB(cfg.DB())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		return err
	}
	results := database.NewResultRepository(db)

	browser := viewer.NewBrowser(viewer.Config{
		RemoteURL:   cfg.Browser.Remote,
		Bin:         cfg.Browser.Bin,
		LoadTimeout: cfg.Browser.LoadTimeout,
		Logger:      logger,
	})
	defer browser.Close()

	var transcoder payload.Transcoder
	if cfg.Analysis.Transcode {
		t, err := media.NewTranscoder(private.Dir(), logger)
		if err != nil {
			logger.Warn("transcoding disabled", "error", err)
		} else {
			transcoder = t
		}
	}

	mode := cfg.Analysis.Mode
	publicURL := cfg.Analysis.PublicURL
	if publicURL == "" {
		publicURL = "http://localhost:" + cfg.Server.Port
	}

	stager := assets.NewStager(assets.StagerConfig{
		PrivateDir:  private.Dir(),
		FallbackURL: cfg.Analysis.AssetFallbackURL,
		PageDir:     cfg.Analysis.PageDir,
		Logger:      logger,
	})
	tokens := storage.NewMediaTokens()

	svc, err := processor.NewService(stager, private, browser, results, tokens, processor.Config{
		SessionTimeout: cfg.Analysis.SessionTimeout,
		Retention:      cfg.Analysis.Retention,
		Delivery:       mode,
		ChunkSize:      cfg.Analysis.ChunkSize,
		MaxBytes:       cfg.Analysis.MaxVideoBytes,
		PublicURL:      publicURL,
		Transcoder:     transcoder,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	var auth *authclient.Client
	if cfg.Auth.TokenSecret != "" {
		store, err := credentials.NewFileStore(cfg.Auth.CredentialsPath, []byte(cfg.Auth.TokenSecret))
		if err != nil {
			return err
		}
		auth = authclient.New(cfg.Auth.APIURL, store, nil, logger)
	} else {
		logger.Warn("TOKEN_SECRET not set, auth endpoints disabled")
	}

	app := &api.App{
		Uploads:       uploads,
		Private:       private,
		Sessions:      svc,
		Results:       results,
		Tokens:        tokens,
		PagePath:      stager.TargetPath(),
		SourceRoots:   cfg.Storage.SourceRoots,
		Auth:          auth,
		MaxUploadSize: cfg.Server.MaxUploadSize,
		Logger:        logger,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"port", cfg.Server.Port,
			"upload_dir", uploads.Dir(),
			"private_dir", private.Dir(),
			"db", cfg.Database.Type,
			"delivery", mode,
			"page_dir", cfg.Analysis.PageDir,
			"source_roots", cfg.Storage.SourceRoots,
			"max_video_bytes", cfg.Analysis.MaxVideoBytes)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
