// Package viewer drives the embedded analysis page in a headless Chrome tab.
//
// The page talks back through window.ReactNativeWebView.postMessage, which is
// shimmed onto a CDP runtime binding so every posted string arrives on
// Messages in order.
package viewer

import (
	"context"
	"net/url"
	"path/filepath"
)

// Viewer is one loaded page.
type Viewer interface {
	Load(ctx context.Context, pageURL string) error
	Eval(ctx context.Context, script string) error
	// Messages yields every string the page posts. It is closed when the
	// viewer is closed.
	Messages() <-chan string
	Close() error
}

// Factory opens fresh viewers, one per analysis session.
type Factory interface {
	Open(ctx context.Context) (Viewer, error)
}

// FileURL turns a local path into a file:// URL the browser can navigate to.
func FileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String()
}
