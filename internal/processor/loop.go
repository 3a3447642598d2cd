package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kdimtricp/raqa/internal/handshake"
	"github.com/kdimtricp/raqa/internal/models"
	"github.com/kdimtricp/raqa/internal/payload"
	"github.com/kdimtricp/raqa/internal/protocol"
	"github.com/kdimtricp/raqa/internal/storage"
	"github.com/kdimtricp/raqa/internal/viewer"
)

type eventKind int

const (
	evPageStaged eventKind = iota
	evVideoStaged
	evViewerLoaded
	evDelivered
)

type event struct {
	kind eventKind
	path string
	err  error
}

// sessionRun is the state owned by a session's event loop goroutine. Only
// the loop touches it, apart from tokens which the delivery goroutine
// appends to.
type sessionRun struct {
	svc *Service
	s   *Session
	log *slog.Logger

	ctx      context.Context
	opCtx    context.Context
	opCancel context.CancelFunc

	events   chan event
	group    errgroup.Group
	hs       *handshake.Controller
	view     viewer.Viewer
	messages <-chan string
	injector *payload.Injector

	// pending counts staging tasks that have not reported; inflight counts
	// viewer operations running off the loop.
	pending  int
	inflight int
	finished bool

	tokensMu sync.Mutex
	tokens   []string
	revoked  bool
}

func (svc *Service) run(ctx context.Context, s *Session) {
	opCtx, opCancel := context.WithCancel(ctx)
	r := &sessionRun{
		svc:      svc,
		s:        s,
		log:      svc.logger.With("session", s.ID),
		ctx:      ctx,
		opCtx:    opCtx,
		opCancel: opCancel,
		events:   make(chan event, 4),
		hs:       handshake.New(),
		pending:  2,
	}
	defer r.cleanup()

	source := s.sourceURI()

	r.group.Go(func() error {
		path, err := svc.stager.Stage(ctx)
		r.post(event{kind: evPageStaged, path: path, err: err})
		return nil
	})
	r.group.Go(func() error {
		staged, err := svc.storage.Materialize(source)
		r.post(event{kind: evVideoStaged, path: staged, err: err})
		return nil
	})

	s.setStatus(StatusWaiting)
	r.loop()
}

func (r *sessionRun) loop() {
	for {
		if r.finished && r.pending == 0 && r.inflight == 0 {
			return
		}

		select {
		case <-r.ctx.Done():
			r.interrupted()
			return

		case ev := <-r.events:
			r.handleEvent(ev)

		case text, ok := <-r.messages:
			if !ok {
				r.messages = nil
				if !r.finished {
					r.failWith(CondViewerFailure, errors.New("viewer closed unexpectedly"))
				}
				continue
			}
			r.handleMessage(text)
		}
	}
}

// post hands an I/O completion to the loop. It gives up once the session
// context is done, at which point the loop is gone.
func (r *sessionRun) post(ev event) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

func (r *sessionRun) handleEvent(ev event) {
	switch ev.kind {
	case evPageStaged:
		r.pending--
		if r.finished {
			return
		}
		if ev.err != nil {
			r.failWith(CondAssetUnavailable, ev.err)
			return
		}
		r.openViewer(ev.path)

	case evVideoStaged:
		r.pending--
		if ev.err != nil {
			if r.finished {
				r.log.Warn("video staging failed after session end", "error", ev.err)
				return
			}
			cond := CondCopyFailure
			if errors.Is(ev.err, storage.ErrSourceVideoMissing) {
				cond = CondSourceVideoMissing
			}
			r.failWith(cond, ev.err)
			return
		}
		// The staged uri is published even when the page failed; only
		// the handshake is skipped.
		if err := r.s.stage(ev.path); err != nil {
			r.log.Warn("ignoring second staged uri", "uri", ev.path, "error", err)
			return
		}
		r.log.Info("video staged", "uri", ev.path)
		r.emit(UpdateStaged, map[string]string{"staged_uri": ev.path})
		if !r.finished {
			r.signal(handshake.VideoReady)
		}

	case evViewerLoaded:
		r.inflight--
		if r.finished {
			return
		}
		if ev.err != nil {
			r.failWith(CondViewerFailure, ev.err)
			return
		}
		r.emit(UpdateViewerLoaded, map[string]string{"page": ev.path})

	case evDelivered:
		r.inflight--
		if r.finished {
			return
		}
		if ev.err != nil {
			cond := CondViewerFailure
			if errors.Is(ev.err, payload.ErrEncodingFailure) {
				cond = CondEncodingFailure
			}
			r.failWith(cond, ev.err)
			return
		}
		r.s.setStatus(StatusDelivered)
		r.emit(UpdateDelivered, map[string]string{"staged_uri": r.s.stagedURI()})
	}
}

func (r *sessionRun) openViewer(pagePath string) {
	v, err := r.svc.viewers.Open(r.opCtx)
	if err != nil {
		r.failWith(CondViewerFailure, err)
		return
	}
	r.view = v
	r.messages = v.Messages()
	r.injector = payload.NewInjector(v, payload.InjectorConfig{
		Mode:       r.svc.cfg.Delivery,
		ChunkSize:  r.svc.cfg.ChunkSize,
		MaxBytes:   r.svc.cfg.MaxBytes,
		Transcoder: r.svc.cfg.Transcoder,
		Link:       r.link,
		Logger:     r.log,
	})

	pageURL := viewer.FileURL(pagePath)
	r.inflight++
	go func() {
		err := v.Load(r.opCtx, pageURL)
		r.post(event{kind: evViewerLoaded, path: pagePath, err: err})
	}()
}

func (r *sessionRun) handleMessage(text string) {
	msg := protocol.Parse(text)
	if r.finished && msg.Kind != protocol.KindUnknown {
		r.log.Debug("message after session end", "kind", msg.Kind)
		return
	}

	switch msg.Kind {
	case protocol.KindReady:
		r.signal(handshake.ViewerReady)

	case protocol.KindDistance:
		result, _ := msg.Result()
		r.record(result)
		r.s.complete(result)
		r.log.Info("analysis result", "kind", result.Kind, "distance", result.Value, "message", result.Message)
		r.emit(UpdateResult, result)
		r.finish()

	case protocol.KindViewerError:
		result, _ := msg.Result()
		r.record(result)
		r.log.Error("analysis page failed", "error", msg.Err())
		f := Failure{Condition: CondViewerReportedError, Message: msg.Error}
		r.s.fail(StatusFailed, f)
		r.emit(UpdateViewerError, f)
		r.finish()

	default:
		r.log.Debug("dropping unrecognised message", "raw", truncate(text, 120))
	}
}

func (r *sessionRun) signal(sig handshake.Signal) {
	t := r.hs.Signal(sig)
	r.s.setHandshake(t.To)
	r.log.Debug("handshake", "signal", sig, "from", t.From, "to", t.To, "deliver", t.Deliver)

	if sig == handshake.ViewerReady && t.First {
		r.emit(UpdateViewerReady, map[string]string{"handshake": t.To.String()})
		if err := r.injector.InjectReference(r.opCtx, r.svc.reference); err != nil {
			r.failWith(CondViewerFailure, err)
			return
		}
	}

	if t.Deliver {
		r.deliver()
	}
}

func (r *sessionRun) deliver() {
	staged := r.s.stagedURI()
	r.inflight++
	go func() {
		err := r.injector.DeliverVideo(r.opCtx, staged)
		r.post(event{kind: evDelivered, err: err})
	}()
}

// link publishes path under a media token that lives as long as the session.
func (r *sessionRun) link(path string) (string, error) {
	r.tokensMu.Lock()
	defer r.tokensMu.Unlock()

	if r.revoked {
		return "", errors.New("session ended")
	}
	token := r.svc.tokens.Issue(path)
	r.tokens = append(r.tokens, token)
	return r.svc.mediaURL(token), nil
}

func (r *sessionRun) record(result models.AnalysisResult) {
	if r.svc.journal == nil {
		return
	}
	rec := models.NewResultRecord(r.s.ID, r.s.sourceURI(), result)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.svc.journal.Insert(ctx, rec); err != nil {
		r.log.Warn("failed to journal result", "error", err)
	}
}

func (r *sessionRun) failWith(cond string, err error) {
	r.log.Error("session failed", "condition", cond, "error", err)
	f := Failure{Condition: cond, Message: err.Error()}
	r.s.fail(StatusFailed, f)
	r.emit(UpdateFailed, f)
	r.finish()
}

func (r *sessionRun) finish() {
	r.finished = true
	r.opCancel()
}

func (r *sessionRun) interrupted() {
	if r.finished {
		return
	}
	if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
		f := Failure{Condition: CondTimeout, Message: fmt.Sprintf("no result within %s", r.svc.cfg.SessionTimeout)}
		r.log.Warn("session timed out")
		r.s.fail(StatusTimedOut, f)
		r.emit(UpdateFailed, f)
		return
	}
	r.log.Info("session cancelled")
	r.s.setStatus(StatusCancelled)
}

func (r *sessionRun) cleanup() {
	r.opCancel()
	r.s.cancel()

	if r.view != nil {
		if err := r.view.Close(); err != nil {
			r.log.Debug("closing viewer", "error", err)
		}
	}
	r.group.Wait()

	r.tokensMu.Lock()
	r.revoked = true
	for _, t := range r.tokens {
		r.svc.tokens.Revoke(t)
	}
	r.tokensMu.Unlock()

	r.s.finish()
	r.emit(UpdateDone, map[string]string{"status": string(r.s.Status())})
	close(r.s.Updates)
	close(r.s.done)

	r.svc.evictLater(r.s.ID)
	r.log.Info("session ended", "status", r.s.Status(), "elapsed", time.Since(r.s.StartedAt).Round(time.Millisecond))
}

func (r *sessionRun) emit(typ string, data interface{}) {
	select {
	case r.s.Updates <- SessionUpdate{Type: typ, Data: data}:
	default:
		r.log.Warn("update dropped, no reader", "type", typ)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
