package viewer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

const bindingName = "__raqaPost"

// bridgeJS runs before any page script so the page sees the same
// postMessage surface it gets inside a mobile webview.
const bridgeJS = `window.ReactNativeWebView = {
	postMessage: function (msg) { window.` + bindingName + `(String(msg)); }
};`

const messageBuffer = 64

type rodViewer struct {
	page        *rod.Page
	loadTimeout time.Duration
	logger      *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	messages chan string
	done     chan struct{}
	once     sync.Once
}

func newRodViewer(page *rod.Page, loadTimeout time.Duration, logger *slog.Logger) (*rodViewer, error) {
	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		return nil, fmt.Errorf("viewer: add binding: %w", err)
	}
	if _, err := page.EvalOnNewDocument(bridgeJS); err != nil {
		return nil, fmt.Errorf("viewer: install bridge: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	v := &rodViewer{
		page:        page,
		loadTimeout: loadTimeout,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		messages:    make(chan string, messageBuffer),
		done:        make(chan struct{}),
	}

	wait := page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		select {
		case v.messages <- e.Payload:
		case <-ctx.Done():
		}
	})
	go func() {
		defer close(v.done)
		defer close(v.messages)
		wait()
	}()

	return v, nil
}

func (v *rodViewer) Load(ctx context.Context, pageURL string) error {
	navCtx, cancel := context.WithTimeout(ctx, v.loadTimeout)
	defer cancel()

	p := v.page.Context(navCtx)
	if err := p.Navigate(pageURL); err != nil {
		return fmt.Errorf("viewer: navigate %s: %w", pageURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		v.logger.Warn("viewer: wait load", "url", pageURL, "error", err)
	}
	return nil
}

func (v *rodViewer) Eval(ctx context.Context, script string) error {
	if _, err := v.page.Context(ctx).Eval(script); err != nil {
		return fmt.Errorf("viewer: eval: %w", err)
	}
	return nil
}

func (v *rodViewer) Messages() <-chan string {
	return v.messages
}

func (v *rodViewer) Close() error {
	var err error
	v.once.Do(func() {
		v.cancel()
		err = v.page.Close()
		<-v.done
	})
	return err
}
