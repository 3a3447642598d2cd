package api

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kdimtricp/raqa/internal/assets"
	"github.com/kdimtricp/raqa/internal/database"
	"github.com/kdimtricp/raqa/internal/models"
	"github.com/kdimtricp/raqa/internal/processor"
	"github.com/kdimtricp/raqa/internal/storage"
	"github.com/kdimtricp/raqa/internal/viewer"
)

// pageViewer behaves like the analysis page: it reports ready on load and
// answers a delivered video with a distance.
type pageViewer struct {
	mu     sync.Mutex
	msgs   chan string
	closed bool
}

func (v *pageViewer) Load(ctx context.Context, url string) error {
	v.post("pageReady")
	return nil
}

func (v *pageViewer) Eval(ctx context.Context, script string) error {
	if strings.Contains(script, "handleVideoUri") {
		time.AfterFunc(10*time.Millisecond, func() { v.post(`{"type":"dtw","distance":42}`) })
	}
	return nil
}

func (v *pageViewer) Messages() <-chan string { return v.msgs }

func (v *pageViewer) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.closed = true
		close(v.msgs)
	}
	return nil
}

func (v *pageViewer) post(m string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.msgs <- m
	}
}

type pageFactory struct{}

func (pageFactory) Open(ctx context.Context) (viewer.Viewer, error) {
	return &pageViewer{msgs: make(chan string, 16)}, nil
}

type TestServer struct {
	Server     *httptest.Server
	App        *App
	DB         *database.DB
	Results    *database.ResultRepository
	PrivateDir string
	SourceDir  string
}

func setupTestServer(t *testing.T) *TestServer {
	t.Helper()
	tempDir := t.TempDir()

	uploads, err := storage.NewLocalStorage(filepath.Join(tempDir, "uploads"))
	if err != nil {
		t.Fatalf("Failed to create upload storage: %v", err)
	}
	privateDir := filepath.Join(tempDir, "private")
	private, err := storage.NewLocalStorage(privateDir)
	if err != nil {
		t.Fatalf("Failed to create private storage: %v", err)
	}

	sourceDir := filepath.Join(tempDir, "sources")
	if err := os.MkdirAll(sourceDir, 0755); err != nil {
		t.Fatalf("Failed to create source dir: %v", err)
	}

	db, err := database.NewDB(database.Config{Type: "sqlite", SQLitePath: filepath.Join(tempDir, "test.db")})
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	results := database.NewResultRepository(db)

	stager := assets.NewStager(assets.StagerConfig{PrivateDir: privateDir})
	tokens := storage.NewMediaTokens()

	svc, err := processor.NewService(stager, private, pageFactory{}, results, tokens, processor.Config{
		SessionTimeout: 5 * time.Second,
		Reference:      models.ReferenceSequence{{{X: 1, Y: 1}}},
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}

	app := &App{
		Uploads:       uploads,
		Private:       private,
		Sessions:      svc,
		Results:       results,
		Tokens:        tokens,
		PagePath:      stager.TargetPath(),
		SourceRoots:   []string{sourceDir},
		MaxUploadSize: 10 * 1024 * 1024,
	}

	server := httptest.NewServer(NewRouter(app))
	t.Cleanup(func() {
		server.Close()
		svc.Close()
		db.Close()
	})

	return &TestServer{
		Server:     server,
		App:        app,
		DB:         db,
		Results:    results,
		PrivateDir: privateDir,
		SourceDir:  sourceDir,
	}
}

func (ts *TestServer) waitSession(t *testing.T, id string) *processor.Session {
	t.Helper()
	session, ok := ts.App.Sessions.GetSession(id)
	if !ok {
		t.Fatalf("session %s not found", id)
	}
	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish", id)
	}
	return session
}

func createMultipartUpload(filename, contentType string, content []byte) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header["Content-Disposition"] = []string{`form-data; name="video"; filename="` + filename + `"`}
	header["Content-Type"] = []string{contentType}

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, bytes.NewReader(content)); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

// testContext stands in for testing.T.Context (Go 1.24+): a context that is
// canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
