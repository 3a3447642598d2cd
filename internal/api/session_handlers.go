package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kdimtricp/raqa/internal/models"
	"github.com/kdimtricp/raqa/internal/processor"
)

type startSessionRequest struct {
	VideoURI string `json:"video_uri"`
}

func (app *App) StartSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.VideoURI) == "" {
		writeError(w, http.StatusBadRequest, "video_uri is required")
		return
	}
	if !app.sourceAllowed(req.VideoURI) {
		app.logger().Warn("rejected video source", "video_uri", req.VideoURI)
		writeError(w, http.StatusForbidden, "video_uri is outside the allowed source directories")
		return
	}

	session, err := app.Sessions.StartSession(r.Context(), req.VideoURI)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start analysis: %v", err))
		return
	}

	writeJSON(w, http.StatusAccepted, session.Snapshot())
}

// sourceAllowed reports whether uri names a local file under one of the
// source roots, after resolving symlinks.
func (app *App) sourceAllowed(uri string) bool {
	roots := app.SourceRoots
	if len(roots) == 0 && app.Uploads != nil {
		roots = []string{app.Uploads.Dir()}
	}

	path := models.LocalPath(uri)
	if strings.Contains(path, "://") {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	abs = resolveLinks(abs)

	for _, root := range roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(resolveLinks(rootAbs), abs)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return true
	}
	return false
}

func resolveLinks(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}

func (app *App) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.Sessions.ListSessions())
}

func (app *App) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := app.Sessions.GetSession(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

func (app *App) StopSessionHandler(w http.ResponseWriter, r *http.Request) {
	err := app.Sessions.StopSession(chi.URLParam(r, "id"))
	if errors.Is(err, processor.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SessionEventsHandler streams session updates as Server-Sent Events until
// the session ends or the client goes away. Updates are consumed, so only
// one stream per session sees each of them.
func (app *App) SessionEventsHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := app.Sessions.GetSession(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	clientGone := r.Context().Done()

	for {
		select {
		case update, ok := <-session.Updates:
			if !ok {
				return
			}

			data, err := json.Marshal(update.Data)
			if err != nil {
				app.logger().Warn("marshaling update", "type", update.Type, "error", err)
				continue
			}

			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", update.Type, data)
			flusher.Flush()

		case <-clientGone:
			return
		}
	}
}

func (app *App) SessionResultsHandler(w http.ResponseWriter, r *http.Request) {
	if app.Results == nil {
		writeError(w, http.StatusServiceUnavailable, "Result journal not configured")
		return
	}

	records, err := app.Results.ListBySession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		app.logger().Error("listing session results", "error", err)
		writeError(w, http.StatusInternalServerError, "Error loading results")
		return
	}
	writeJSON(w, http.StatusOK, records)
}
