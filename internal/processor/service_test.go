package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kdimtricp/raqa/internal/assets"
	"github.com/kdimtricp/raqa/internal/models"
	"github.com/kdimtricp/raqa/internal/payload"
	"github.com/kdimtricp/raqa/internal/storage"
	"github.com/kdimtricp/raqa/internal/viewer"
)

type mockStager struct {
	path string
	err  error
	gate chan struct{}
}

func (m *mockStager) Stage(ctx context.Context) (string, error) {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.path, m.err
}

type mockStorage struct {
	staged string
	err    error
	gate   chan struct{}
}

func (m *mockStorage) Materialize(sourceURI string) (string, error) {
	if m.gate != nil {
		<-m.gate
	}
	return m.staged, m.err
}

type mockViewer struct {
	mu      sync.Mutex
	evals   []string
	loaded  []string
	closed  bool
	msgs    chan string
	onLoad  []string
	respond func(script string) []string
}

func newMockViewer() *mockViewer {
	return &mockViewer{msgs: make(chan string, 32)}
}

func (v *mockViewer) Load(ctx context.Context, url string) error {
	v.mu.Lock()
	v.loaded = append(v.loaded, url)
	v.mu.Unlock()
	for _, m := range v.onLoad {
		v.post(m)
	}
	return nil
}

func (v *mockViewer) Eval(ctx context.Context, script string) error {
	v.mu.Lock()
	v.evals = append(v.evals, script)
	respond := v.respond
	v.mu.Unlock()
	if respond == nil {
		return nil
	}
	// The page answers asynchronously, after the eval has returned.
	if replies := respond(script); len(replies) > 0 {
		time.AfterFunc(20*time.Millisecond, func() {
			for _, m := range replies {
				v.post(m)
			}
		})
	}
	return nil
}

func (v *mockViewer) Messages() <-chan string { return v.msgs }

func (v *mockViewer) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.closed = true
		close(v.msgs)
	}
	return nil
}

func (v *mockViewer) post(msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.msgs <- msg
	}
}

func (v *mockViewer) count(substr string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, e := range v.evals {
		if strings.Contains(e, substr) {
			n++
		}
	}
	return n
}

func (v *mockViewer) script(substr string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, e := range v.evals {
		if strings.Contains(e, substr) {
			return e
		}
	}
	return ""
}

type mockFactory struct {
	v      *mockViewer
	opened int
	mu     sync.Mutex
}

func (f *mockFactory) Open(ctx context.Context) (viewer.Viewer, error) {
	f.mu.Lock()
	f.opened++
	f.mu.Unlock()
	return f.v, nil
}

func (f *mockFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

type mockJournal struct {
	mu      sync.Mutex
	records []*models.ResultRecord
}

func (j *mockJournal) Insert(ctx context.Context, rec *models.ResultRecord) error {
	j.mu.Lock()
	j.records = append(j.records, rec)
	j.mu.Unlock()
	return nil
}

func (j *mockJournal) all() []*models.ResultRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*models.ResultRecord(nil), j.records...)
}

const (
	videoMarker     = "handleVideoUri"
	referenceMarker = "referenceSequence"
)

var testReference = models.ReferenceSequence{{{X: 0.5, Y: 0.5, Z: 0, Visibility: 1}}}

func answerDistance(script string) []string {
	if strings.Contains(script, videoMarker) {
		return []string{`{"type":"dtw","distance":12.5}`}
	}
	return nil
}

func writeVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forehand.mp4")
	if err := os.WriteFile(path, []byte("fake mp4 payload bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

type fixture struct {
	stager  *mockStager
	storage *mockStorage
	viewer  *mockViewer
	factory *mockFactory
	journal *mockJournal
	tokens  *storage.MediaTokens
	cfg     Config
}

func newFixture(t *testing.T) *fixture {
	v := newMockViewer()
	v.onLoad = []string{"pageReady"}
	v.respond = answerDistance
	return &fixture{
		stager:  &mockStager{path: "/private/mediapipe-analysis.html"},
		storage: &mockStorage{staged: writeVideo(t)},
		viewer:  v,
		factory: &mockFactory{v: v},
		journal: &mockJournal{},
		tokens:  storage.NewMediaTokens(),
		cfg:     Config{SessionTimeout: 5 * time.Second, Reference: testReference},
	}
}

func (f *fixture) service(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(f.stager, f.storage, f.factory, f.journal, f.tokens, f.cfg)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func waitDone(t *testing.T, s *Session) []SessionUpdate {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish, status %s", s.ID, s.Status())
	}
	var updates []SessionUpdate
	for u := range s.Updates {
		updates = append(updates, u)
	}
	return updates
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func updateTypes(updates []SessionUpdate) []string {
	types := make([]string, len(updates))
	for i, u := range updates {
		types[i] = u.Type
	}
	return types
}

func findUpdate(updates []SessionUpdate, typ string) (SessionUpdate, bool) {
	for _, u := range updates {
		if u.Type == typ {
			return u, true
		}
	}
	return SessionUpdate{}, false
}

func TestSession_ViewerReadyBeforeVideo(t *testing.T) {
	f := newFixture(t)
	f.storage.gate = make(chan struct{})
	svc := f.service(t)

	s, err := svc.StartSession(context.Background(), "/camera/forehand.mp4")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	waitFor(t, "reference injection", func() bool { return f.viewer.count(referenceMarker) == 1 })
	if n := f.viewer.count(videoMarker); n != 0 {
		t.Fatalf("video delivered before it was staged (%d scripts)", n)
	}
	if got := s.Snapshot().Handshake; got != "waiting_for_both" {
		t.Errorf("expected waiting_for_both, got %s", got)
	}

	close(f.storage.gate)
	updates := waitDone(t, s)

	if n := f.viewer.count(videoMarker); n != 1 {
		t.Errorf("expected exactly one delivery, got %d", n)
	}
	snap := s.Snapshot()
	if snap.Status != StatusComplete {
		t.Fatalf("expected complete, got %s (%+v)", snap.Status, snap.Failure)
	}
	if snap.Result == nil || snap.Result.Kind != models.ResultDistance || snap.Result.Value != 12.5 {
		t.Errorf("unexpected result %+v", snap.Result)
	}
	if snap.Handshake != "delivered" {
		t.Errorf("expected delivered handshake, got %s", snap.Handshake)
	}
	if snap.Video.StagedURI != f.storage.staged {
		t.Errorf("expected staged uri %s, got %s", f.storage.staged, snap.Video.StagedURI)
	}

	want := []string{UpdateViewerReady, UpdateStaged, UpdateResult, UpdateDone}
	for _, typ := range want {
		if _, ok := findUpdate(updates, typ); !ok {
			t.Errorf("missing %s update in %v", typ, updateTypes(updates))
		}
	}
	if last := updates[len(updates)-1]; last.Type != UpdateDone {
		t.Errorf("expected done last, got %s", last.Type)
	}

	records := f.journal.all()
	if len(records) != 1 || records[0].SessionID != s.ID || *records[0].Distance != 12.5 {
		t.Errorf("unexpected journal %+v", records)
	}
	if records[0].SourceURI != "/camera/forehand.mp4" {
		t.Errorf("journal should keep the source uri, got %s", records[0].SourceURI)
	}
}

func TestSession_VideoReadyBeforeViewer(t *testing.T) {
	f := newFixture(t)
	f.stager.gate = make(chan struct{})
	svc := f.service(t)

	s, _ := svc.StartSession(context.Background(), "/camera/serve.mp4")

	waitFor(t, "video staged", func() bool { return s.Snapshot().Video.StagedURI != "" })
	if f.factory.openCount() != 0 {
		t.Fatal("viewer opened before the page was staged")
	}

	close(f.stager.gate)
	waitDone(t, s)

	if s.Status() != StatusComplete {
		t.Errorf("expected complete, got %s", s.Status())
	}
	if n := f.viewer.count(videoMarker); n != 1 {
		t.Errorf("expected one delivery, got %d", n)
	}
}

func TestSession_RepeatedPageReady(t *testing.T) {
	f := newFixture(t)
	f.viewer.onLoad = []string{"pageReady", "pageReady", "pageReady"}
	f.viewer.respond = nil
	svc := f.service(t)

	s, _ := svc.StartSession(context.Background(), "/camera/forehand.mp4")

	waitFor(t, "delivery", func() bool { return s.Status() == StatusDelivered })
	f.viewer.post("pageReady")
	f.viewer.post(`{"type":"dtw","distance":3.25}`)
	updates := waitDone(t, s)

	if n := f.viewer.count(videoMarker); n != 1 {
		t.Errorf("expected exactly one delivery, got %d", n)
	}
	if n := f.viewer.count(referenceMarker); n != 1 {
		t.Errorf("expected reference injected once, got %d", n)
	}
	ready := 0
	for _, u := range updates {
		if u.Type == UpdateViewerReady {
			ready++
		}
	}
	if ready != 1 {
		t.Errorf("expected one viewer_ready update, got %d", ready)
	}
	if snap := s.Snapshot(); snap.Result == nil || snap.Result.Value != 3.25 {
		t.Errorf("unexpected result %+v", snap.Result)
	}
}

func TestSession_UnrecognisedMessagesDropped(t *testing.T) {
	f := newFixture(t)
	f.viewer.onLoad = []string{"hello", `{"type":"progress","pct":10}`, "pageReady"}
	svc := f.service(t)

	s, _ := svc.StartSession(context.Background(), "/camera/forehand.mp4")
	updates := waitDone(t, s)

	if s.Status() != StatusComplete {
		t.Errorf("expected complete, got %s", s.Status())
	}
	if _, ok := findUpdate(updates, UpdateFailed); ok {
		t.Errorf("unrecognised messages must not fail the session: %v", updateTypes(updates))
	}
}

func TestSession_SourceVideoMissing(t *testing.T) {
	f := newFixture(t)
	local, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	svc, err := NewService(f.stager, local, f.factory, f.journal, f.tokens, f.cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)

	s, _ := svc.StartSession(context.Background(), filepath.Join(t.TempDir(), "gone.mp4"))
	updates := waitDone(t, s)

	u, ok := findUpdate(updates, UpdateFailed)
	if !ok {
		t.Fatalf("expected failed update, got %v", updateTypes(updates))
	}
	if cond := u.Data.(Failure).Condition; cond != CondSourceVideoMissing {
		t.Errorf("expected %s, got %s", CondSourceVideoMissing, cond)
	}
	if s.Status() != StatusFailed {
		t.Errorf("expected failed, got %s", s.Status())
	}
	if f.viewer.count(videoMarker) != 0 {
		t.Error("nothing should be delivered without a staged video")
	}
	if s.Snapshot().Video.StagedURI != "" {
		t.Error("staged uri must stay empty")
	}
}

func TestSession_AssetUnavailable(t *testing.T) {
	f := newFixture(t)
	f.stager.err = assets.ErrAssetUnavailable
	svc := f.service(t)

	s, _ := svc.StartSession(context.Background(), "/camera/forehand.mp4")
	updates := waitDone(t, s)

	u, ok := findUpdate(updates, UpdateFailed)
	if !ok || u.Data.(Failure).Condition != CondAssetUnavailable {
		t.Fatalf("expected AssetUnavailable failure, got %v", updates)
	}
	if f.factory.openCount() != 0 {
		t.Error("viewer must not be opened without a page")
	}
	if _, ok := findUpdate(updates, UpdateStaged); !ok {
		t.Error("video staging should still complete when the page fails")
	}
}

func TestSession_EncodingFailure(t *testing.T) {
	f := newFixture(t)
	f.storage.staged = filepath.Join(t.TempDir(), "vanished.mp4")
	svc := f.service(t)

	s, _ := svc.StartSession(context.Background(), "/camera/forehand.mp4")
	updates := waitDone(t, s)

	u, ok := findUpdate(updates, UpdateFailed)
	if !ok || u.Data.(Failure).Condition != CondEncodingFailure {
		t.Fatalf("expected EncodingFailure, got %v", updates)
	}
}

func TestSession_ViewerReportedError(t *testing.T) {
	f := newFixture(t)
	f.viewer.respond = func(script string) []string {
		if strings.Contains(script, videoMarker) {
			return []string{"Error in video injection: decode failed"}
		}
		return nil
	}
	svc := f.service(t)

	s, _ := svc.StartSession(context.Background(), "/camera/forehand.mp4")
	updates := waitDone(t, s)

	u, ok := findUpdate(updates, UpdateViewerError)
	if !ok {
		t.Fatalf("expected viewer_error update, got %v", updateTypes(updates))
	}
	f2 := u.Data.(Failure)
	if f2.Condition != CondViewerReportedError || f2.Message != "Error in video injection: decode failed" {
		t.Errorf("unexpected failure %+v", f2)
	}
	if s.Status() != StatusFailed {
		t.Errorf("expected failed, got %s", s.Status())
	}
	records := f.journal.all()
	if len(records) != 1 || records[0].Kind != models.ResultError {
		t.Errorf("expected one error record, got %+v", records)
	}
}

func TestSession_URLDelivery(t *testing.T) {
	f := newFixture(t)
	f.cfg.Delivery = payload.ModeURL
	f.cfg.PublicURL = "http://raqa.local:8080/"
	f.viewer.respond = nil
	svc := f.service(t)

	s, _ := svc.StartSession(context.Background(), "/camera/forehand.mp4")
	waitFor(t, "delivery", func() bool { return s.Status() == StatusDelivered })

	script := f.viewer.script(videoMarker)
	i := strings.Index(script, "http://raqa.local:8080/media/")
	if i < 0 {
		t.Fatalf("expected media url in script, got %s", script)
	}
	token := script[i+len("http://raqa.local:8080/media/"):]
	token = token[:strings.IndexAny(token, `"'`)]

	path, ok := f.tokens.Resolve(token)
	if !ok || path != f.storage.staged {
		t.Fatalf("token %q should resolve to the staged file, got %q", token, path)
	}

	f.viewer.post(`{"type":"dtw","distance":1}`)
	waitDone(t, s)

	if _, ok := f.tokens.Resolve(token); ok {
		t.Error("token should be revoked when the session ends")
	}
}

func TestService_StopSession(t *testing.T) {
	f := newFixture(t)
	f.stager.gate = make(chan struct{})
	f.storage.gate = make(chan struct{})
	svc := f.service(t)

	s, _ := svc.StartSession(context.Background(), "/camera/forehand.mp4")
	if got, ok := svc.GetSession(s.ID); !ok || got != s {
		t.Fatal("session not registered")
	}
	if err := svc.StopSession(s.ID); err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	close(f.storage.gate)
	updates := waitDone(t, s)

	if s.Status() != StatusCancelled {
		t.Errorf("expected cancelled, got %s", s.Status())
	}
	if last := updates[len(updates)-1]; last.Type != UpdateDone {
		t.Errorf("expected done update, got %v", updateTypes(updates))
	}
	if s.Snapshot().CompletedAt == nil {
		t.Error("completed_at should be set")
	}

	if err := svc.StopSession("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestService_Timeout(t *testing.T) {
	f := newFixture(t)
	f.cfg.SessionTimeout = 50 * time.Millisecond
	f.viewer.onLoad = nil
	svc := f.service(t)

	s, _ := svc.StartSession(context.Background(), "/camera/forehand.mp4")
	updates := waitDone(t, s)

	if s.Status() != StatusTimedOut {
		t.Errorf("expected timed_out, got %s", s.Status())
	}
	u, ok := findUpdate(updates, UpdateFailed)
	if !ok || u.Data.(Failure).Condition != CondTimeout {
		t.Errorf("expected Timeout failure, got %v", updates)
	}
}

func TestService_ListAndEvict(t *testing.T) {
	f := newFixture(t)
	f.cfg.Retention = 20 * time.Millisecond
	svc := f.service(t)

	if _, err := svc.StartSession(context.Background(), " "); err == nil {
		t.Error("expected error for empty video uri")
	}

	s, _ := svc.StartSession(context.Background(), "/camera/forehand.mp4")
	if list := svc.ListSessions(); len(list) != 1 || list[0].ID != s.ID {
		t.Fatalf("unexpected session list %+v", list)
	}
	waitDone(t, s)

	waitFor(t, "eviction", func() bool {
		_, ok := svc.GetSession(s.ID)
		return !ok
	})
}

func TestNewService_URLModeNeedsPublicURL(t *testing.T) {
	f := newFixture(t)
	f.cfg.Delivery = payload.ModeURL
	if _, err := NewService(f.stager, f.storage, f.factory, nil, f.tokens, f.cfg); err == nil {
		t.Error("expected error without public url")
	}
}
