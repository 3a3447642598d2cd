package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ping", PingHandler)
	r.Post("/upload", app.UploadHandler)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", app.StartSessionHandler)
		r.Get("/", app.ListSessionsHandler)
		r.Get("/{id}", app.GetSessionHandler)
		r.Delete("/{id}", app.StopSessionHandler)
		r.Get("/{id}/events", app.SessionEventsHandler)
		r.Get("/{id}/results", app.SessionResultsHandler)
	})
	r.Get("/results", app.RecentResultsHandler)

	r.Get("/media/{token}", app.MediaHandler)
	r.Get("/viewer/page", app.ViewerPageHandler)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", app.LoginHandler)
		r.Post("/logout", app.LogoutHandler)
		r.Get("/status", app.AuthStatusHandler)
		r.Post("/signup", app.SignupHandler)
		r.Post("/send-code", app.SendCodeHandler)
		r.Post("/verify-code", app.VerifyCodeHandler)
		r.Post("/reset-password", app.ResetPasswordHandler)
	})

	return r
}
