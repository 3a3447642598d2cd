package processor

import (
	"sync"
	"time"

	"github.com/kdimtricp/raqa/internal/handshake"
	"github.com/kdimtricp/raqa/internal/models"
)

type Status string

const (
	StatusStarting  Status = "starting"
	StatusWaiting   Status = "waiting"
	StatusDelivered Status = "delivered"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

func (s Status) Finished() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Update types sent on Session.Updates.
const (
	UpdateStaged       = "staged"
	UpdateViewerLoaded = "viewer_loaded"
	UpdateViewerReady  = "viewer_ready"
	UpdateDelivered    = "delivered"
	UpdateResult       = "result"
	UpdateViewerError  = "viewer_error"
	UpdateFailed       = "failed"
	UpdateDone         = "done"
)

// Failure conditions reported in failed and viewer_error updates.
const (
	CondAssetUnavailable    = "AssetUnavailable"
	CondSourceVideoMissing  = "SourceVideoMissing"
	CondCopyFailure         = "CopyFailure"
	CondEncodingFailure     = "EncodingFailure"
	CondViewerReportedError = "ViewerReportedError"
	CondViewerFailure       = "ViewerFailure"
	CondTimeout             = "Timeout"
)

type SessionUpdate struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type Failure struct {
	Condition string `json:"condition"`
	Message   string `json:"message"`
}

// Session is one analysis run over one video. Its mutable fields are written
// by the session's event loop and read through Snapshot.
type Session struct {
	ID        string
	StartedAt time.Time
	Updates   chan SessionUpdate

	mu          sync.RWMutex
	video       models.VideoReference
	status      Status
	handshake   handshake.State
	result      *models.AnalysisResult
	failure     *Failure
	completedAt *time.Time

	cancel func()
	done   chan struct{}
}

// SessionSnapshot is a point-in-time copy of a session, safe to serialize.
type SessionSnapshot struct {
	ID          string                 `json:"id"`
	Video       models.VideoReference  `json:"video"`
	Status      Status                 `json:"status"`
	Handshake   string                 `json:"handshake"`
	Result      *models.AnalysisResult `json:"result,omitempty"`
	Failure     *Failure               `json:"failure,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := SessionSnapshot{
		ID:          s.ID,
		Video:       s.video,
		Status:      s.status,
		Handshake:   s.handshake.String(),
		Failure:     s.failure,
		StartedAt:   s.StartedAt,
		CompletedAt: s.completedAt,
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	return snap
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Done is closed once the event loop has exited and Updates is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) setHandshake(st handshake.State) {
	s.mu.Lock()
	s.handshake = st
	s.mu.Unlock()
}

func (s *Session) stage(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video.Stage(uri)
}

func (s *Session) stagedURI() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.video.StagedURI
}

func (s *Session) sourceURI() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.video.SourceURI
}

func (s *Session) complete(result models.AnalysisResult) {
	s.mu.Lock()
	s.result = &result
	s.status = StatusComplete
	s.mu.Unlock()
}

func (s *Session) fail(st Status, f Failure) {
	s.mu.Lock()
	s.failure = &f
	s.status = st
	s.mu.Unlock()
}

func (s *Session) finish() {
	now := time.Now()
	s.mu.Lock()
	s.completedAt = &now
	if !s.status.Finished() {
		s.status = StatusCancelled
	}
	s.mu.Unlock()
}
