package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local headless Chrome.
	RemoteURL string
	// Bin overrides the Chrome binary used for a local launch.
	Bin string
	// LoadTimeout bounds navigation plus the load event. Default: 30s.
	LoadTimeout time.Duration
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Browser owns a Chrome process (or a remote connection) and hands out
// one tab per viewer.
type Browser struct {
	cfg     Config
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

func NewBrowser(cfg Config) *Browser {
	cfg.defaults()
	return &Browser{cfg: cfg}
}

// Start launches or connects to Chrome. It is safe to call more than once.
func (b *Browser) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("viewer: browser is closed")
	}
	if b.browser != nil {
		return nil
	}

	log := b.cfg.Logger
	wsURL := b.cfg.RemoteURL

	if wsURL != "" {
		log.Info("viewer: connecting to remote chrome", "url", wsURL)
	} else {
		l := launcher.New().
			Headless(true).
			Set("allow-file-access-from-files").
			Set("autoplay-policy", "no-user-gesture-required")
		if b.cfg.Bin != "" {
			l = l.Bin(b.cfg.Bin)
		}

		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("viewer: launch chrome: %w", err)
		}
		wsURL = u
		b.lnch = l
		log.Info("viewer: launched local chrome", "url", wsURL)
	}

	rb := rod.New().ControlURL(wsURL)
	if err := rb.Connect(); err != nil {
		b.killLocked()
		return fmt.Errorf("viewer: connect: %w", err)
	}
	b.browser = rb
	return nil
}

// Open creates a new tab with the postMessage shim installed.
func (b *Browser) Open(ctx context.Context) (Viewer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.Start(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	rb := b.browser
	b.mu.Unlock()

	page, err := rb.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("viewer: create tab: %w", err)
	}

	v, err := newRodViewer(page, b.cfg.LoadTimeout, b.cfg.Logger)
	if err != nil {
		page.Close()
		return nil, err
	}
	return v, nil
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	b.killLocked()
	return err
}

func (b *Browser) killLocked() {
	if b.lnch != nil {
		b.lnch.Kill()
		b.lnch.Cleanup()
		b.lnch = nil
	}
}
