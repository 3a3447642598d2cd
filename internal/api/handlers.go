package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kdimtricp/raqa/internal/authclient"
	"github.com/kdimtricp/raqa/internal/models"
	"github.com/kdimtricp/raqa/internal/payload"
	"github.com/kdimtricp/raqa/internal/processor"
	"github.com/kdimtricp/raqa/internal/storage"
)

// ResultLister reads the result journal.
type ResultLister interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.ResultRecord, error)
	ListRecent(ctx context.Context, limit int) ([]models.ResultRecord, error)
}

type App struct {
	// Uploads receives files posted to /upload.
	Uploads storage.Storage
	// Private holds staged videos served under /media.
	Private  storage.Storage
	Sessions *processor.Service
	Results  ResultLister
	Tokens   *storage.MediaTokens
	// PagePath is where the analysis page is staged.
	PagePath string
	// SourceRoots are the host directories POST /sessions may read videos
	// from. Empty means the upload directory only.
	SourceRoots   []string
	Auth          *authclient.Client
	MaxUploadSize int64
	Logger        *slog.Logger
}

func (app *App) logger() *slog.Logger {
	if app.Logger != nil {
		return app.Logger
	}
	return slog.Default()
}

func PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

func (app *App) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, app.MaxUploadSize)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "File too large")
		return
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to get file")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "video/") && contentType != "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(header.Filename)) {
		case ".mp4", ".mov", ".webm", ".m4v":
			contentType = payload.MimeType(header.Filename)
		default:
			writeError(w, http.StatusBadRequest, "Only video files are allowed")
			return
		}
	}

	filename, err := app.Uploads.SaveFile(file, storage.FileInfo{
		Filename:    header.Filename,
		ContentType: contentType,
		Size:        header.Size,
	})
	if err != nil {
		app.logger().Error("saving upload", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save file")
		return
	}

	videoURI := app.Uploads.FilePath(filename)
	session, err := app.Sessions.StartSession(r.Context(), videoURI)
	if err != nil {
		app.Uploads.DeleteFile(filename)
		writeError(w, http.StatusInternalServerError, "Failed to start analysis")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": session.ID,
		"video_uri":  videoURI,
	})
}

// MediaHandler streams a staged video to the viewer. Tokens are issued per
// session and resolve only to files in private storage.
func (app *App) MediaHandler(w http.ResponseWriter, r *http.Request) {
	path, ok := app.Tokens.Resolve(chi.URLParam(r, "token"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	file, err := app.Private.OpenFile(path)
	if err != nil {
		http.Error(w, "Video file not found", http.StatusNotFound)
		return
	}
	defer file.Close()

	stat, err := file.(interface{ Stat() (os.FileInfo, error) }).Stat()
	if err != nil {
		http.Error(w, "Error accessing video file", http.StatusInternalServerError)
		return
	}

	// The page is loaded from file://, so the fetch is cross-origin.
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", payload.MimeType(path))
	http.ServeContent(w, r, filepath.Base(path), stat.ModTime(), file)
}

func (app *App) ViewerPageHandler(w http.ResponseWriter, r *http.Request) {
	if app.PagePath == "" {
		http.NotFound(w, r)
		return
	}
	if _, err := os.Stat(app.PagePath); err != nil {
		http.Error(w, "Analysis page not staged", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeFile(w, r, app.PagePath)
}

func (app *App) RecentResultsHandler(w http.ResponseWriter, r *http.Request) {
	if app.Results == nil {
		writeError(w, http.StatusServiceUnavailable, "Result journal not configured")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	records, err := app.Results.ListRecent(r.Context(), limit)
	if err != nil {
		app.logger().Error("listing results", "error", err)
		writeError(w, http.StatusInternalServerError, "Error loading results")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}
