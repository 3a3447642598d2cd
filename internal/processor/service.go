// Package processor runs analysis sessions: it stages the analysis page and
// the video, waits for both the page and the video to be ready, delivers the
// video and surfaces the result the page reports.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kdimtricp/raqa/internal/assets"
	"github.com/kdimtricp/raqa/internal/handshake"
	"github.com/kdimtricp/raqa/internal/models"
	"github.com/kdimtricp/raqa/internal/payload"
	"github.com/kdimtricp/raqa/internal/storage"
	"github.com/kdimtricp/raqa/internal/viewer"
)

var ErrSessionNotFound = errors.New("session not found")

// PageStager writes the analysis page somewhere the viewer can load it.
type PageStager interface {
	Stage(ctx context.Context) (string, error)
}

// Materializer makes a source video available in private storage.
type Materializer interface {
	Materialize(sourceURI string) (string, error)
}

// ResultJournal records results surfaced by sessions.
type ResultJournal interface {
	Insert(ctx context.Context, rec *models.ResultRecord) error
}

type Config struct {
	SessionTimeout time.Duration
	// Retention is how long a finished session stays queryable.
	Retention time.Duration
	Delivery  payload.Mode
	ChunkSize int
	MaxBytes  int64
	// PublicURL is the base URL the viewer uses to fetch media in url mode.
	PublicURL  string
	Transcoder payload.Transcoder
	Reference  models.ReferenceSequence
	Logger     *slog.Logger
}

type Service struct {
	stager    PageStager
	storage   Materializer
	viewers   viewer.Factory
	journal   ResultJournal
	tokens    *storage.MediaTokens
	cfg       Config
	logger    *slog.Logger
	reference models.ReferenceSequence

	sessions   map[string]*Session
	sessionsMu sync.RWMutex
	wg         sync.WaitGroup
}

// NewService wires the pipeline. journal and tokens may be nil; tokens is
// required for url delivery.
func NewService(
	stager PageStager,
	store Materializer,
	viewers viewer.Factory,
	journal ResultJournal,
	tokens *storage.MediaTokens,
	cfg Config,
) (*Service, error) {
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 5 * time.Minute
	}
	if cfg.Retention == 0 {
		cfg.Retention = 30 * time.Minute
	}
	if cfg.Delivery == "" {
		cfg.Delivery = payload.ModeChunked
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Delivery == payload.ModeURL && (tokens == nil || cfg.PublicURL == "") {
		return nil, errors.New("url delivery needs media tokens and a public url")
	}

	reference := cfg.Reference
	if reference == nil {
		var err error
		reference, err = assets.LoadReference()
		if err != nil {
			return nil, fmt.Errorf("load reference sequence: %w", err)
		}
	}

	return &Service{
		stager:    stager,
		storage:   store,
		viewers:   viewers,
		journal:   journal,
		tokens:    tokens,
		cfg:       cfg,
		logger:    cfg.Logger,
		reference: reference,
		sessions:  make(map[string]*Session),
	}, nil
}

// StartSession begins analysing the video at videoURI. The session runs in
// the background; follow it through Updates or GetSession.
func (s *Service) StartSession(ctx context.Context, videoURI string) (*Session, error) {
	if strings.TrimSpace(videoURI) == "" {
		return nil, errors.New("video uri is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.SessionTimeout)

	session := &Session{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
		Updates:   make(chan SessionUpdate, 100),
		video:     *models.NewVideoReference(videoURI),
		status:    StatusStarting,
		handshake: handshake.Init,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.sessionsMu.Lock()
	s.sessions[session.ID] = session
	s.sessionsMu.Unlock()

	s.logger.Info("session started", "session", session.ID, "video", videoURI)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(loopCtx, session)
	}()

	return session, nil
}

func (s *Service) GetSession(id string) (*Session, bool) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	session, ok := s.sessions[id]
	return session, ok
}

// ListSessions returns every retained session, newest first.
func (s *Service) ListSessions() []SessionSnapshot {
	s.sessionsMu.RLock()
	list := make([]SessionSnapshot, 0, len(s.sessions))
	for _, session := range s.sessions {
		list = append(list, session.Snapshot())
	}
	s.sessionsMu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].StartedAt.After(list[j].StartedAt)
	})
	return list
}

// StopSession cancels a running session. Stopping a finished session is a
// no-op.
func (s *Service) StopSession(id string) error {
	session, ok := s.GetSession(id)
	if !ok {
		return ErrSessionNotFound
	}

	s.logger.Info("stopping session", "session", id)
	session.cancel()
	return nil
}

// Close stops every session and waits for their loops to exit.
func (s *Service) Close() {
	s.sessionsMu.RLock()
	for _, session := range s.sessions {
		session.cancel()
	}
	s.sessionsMu.RUnlock()

	s.wg.Wait()
}

func (s *Service) evictLater(id string) {
	time.AfterFunc(s.cfg.Retention, func() {
		s.sessionsMu.Lock()
		delete(s.sessions, id)
		s.sessionsMu.Unlock()
		s.logger.Debug("session evicted", "session", id)
	})
}

func (s *Service) mediaURL(token string) string {
	return strings.TrimRight(s.cfg.PublicURL, "/") + "/media/" + url.PathEscape(token)
}
