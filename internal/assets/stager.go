package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultMaxAssetBytes caps a remote page download.
const DefaultMaxAssetBytes int64 = 8 << 20

// ViewerDir is the subdirectory of the private directory the page and its
// companion files are staged into, apart from staged videos.
const ViewerDir = "viewer"

type StagerConfig struct {
	// PrivateDir holds the ViewerDir the page is written to. Required.
	PrivateDir string
	// FallbackURL is fetched when the bundled page cannot be read. Only
	// http and https URLs are tried.
	FallbackURL string
	// PageDir is a directory holding PageName and the scripts it loads,
	// staged instead of the bundle.
	PageDir string
	// Assets overrides the bundled file system. PageDir wins when both are set.
	Assets     fs.FS
	HTTPClient *http.Client
	MaxBytes   int64
	Logger     *slog.Logger
}

type Stager struct {
	assets      fs.FS
	dir         string
	target      string
	fallbackURL string
	client      *http.Client
	maxBytes    int64
	logger      *slog.Logger
}

func NewStager(cfg StagerConfig) *Stager {
	if cfg.PageDir != "" {
		cfg.Assets = os.DirFS(cfg.PageDir)
	}
	if cfg.Assets == nil {
		cfg.Assets = Bundle
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxAssetBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Stager{
		assets:      cfg.Assets,
		dir:         filepath.Join(cfg.PrivateDir, ViewerDir),
		target:      filepath.Join(cfg.PrivateDir, ViewerDir, StagedPageName),
		fallbackURL: cfg.FallbackURL,
		client:      cfg.HTTPClient,
		maxBytes:    cfg.MaxBytes,
		logger:      cfg.Logger,
	}
}

// TargetPath is the fixed location the page is staged to.
func (s *Stager) TargetPath() string {
	return s.target
}

// Stage writes the analysis page to TargetPath, replacing any previous copy
// atomically, together with the other files next to the page in the asset
// tree. When neither the assets nor the fallback yield a page nothing is
// written and ErrAssetUnavailable is returned.
func (s *Stager) Stage(ctx context.Context) (string, error) {
	content, err := fs.ReadFile(s.assets, PageName)
	fromAssets := err == nil
	if err != nil {
		s.logger.Warn("bundled analysis page unreadable", "error", err)

		content, err = s.fetchFallback(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrAssetUnavailable, err)
		}
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("create page directory: %w", err)
	}
	if fromAssets {
		if err := s.stageCompanions(); err != nil {
			return "", err
		}
	}
	if err := writeAtomic(s.target, content); err != nil {
		return "", fmt.Errorf("write analysis page: %w", err)
	}

	s.logger.Debug("analysis page staged", "path", s.target, "bytes", len(content))
	return s.target, nil
}

// stageCompanions copies the regular files beside the page, such as the
// analyzer script, so relative references from the page resolve.
func (s *Stager) stageCompanions() error {
	entries, err := fs.ReadDir(s.assets, ".")
	if err != nil {
		s.logger.Warn("listing page assets failed", "error", err)
		return nil
	}
	for _, e := range entries {
		name := e.Name()
		if name == PageName || name == StagedPageName || !e.Type().IsRegular() {
			continue
		}
		data, err := fs.ReadFile(s.assets, name)
		if err != nil {
			s.logger.Warn("page asset unreadable", "name", name, "error", err)
			continue
		}
		if int64(len(data)) > s.maxBytes {
			s.logger.Warn("page asset too large, skipped", "name", name, "bytes", len(data))
			continue
		}
		if err := writeAtomic(filepath.Join(s.dir, name), data); err != nil {
			return fmt.Errorf("write page asset %s: %w", name, err)
		}
	}
	return nil
}

// writeAtomic replaces path through a temp file and rename, so a reader sees
// either the old or the new content.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func (s *Stager) fetchFallback(ctx context.Context) ([]byte, error) {
	if !remoteScheme(s.fallbackURL) {
		return nil, errors.New("no usable fallback url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.fallbackURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build fallback request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch fallback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch fallback: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read fallback: %w", err)
	}
	if int64(len(body)) > s.maxBytes {
		return nil, fmt.Errorf("fallback page exceeds %d bytes", s.maxBytes)
	}
	if len(body) == 0 {
		return nil, errors.New("fallback page is empty")
	}

	s.logger.Info("analysis page fetched from fallback", "url", s.fallbackURL)
	return body, nil
}

func remoteScheme(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
