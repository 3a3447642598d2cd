package api

import (
	"errors"
	"net/http"

	"github.com/kdimtricp/raqa/internal/authclient"
)

type credentialsRequest struct {
	Name        string `json:"name,omitempty"`
	Email       string `json:"email"`
	Password    string `json:"password,omitempty"`
	Code        string `json:"code,omitempty"`
	NewPassword string `json:"new_password,omitempty"`
}

func (app *App) LoginHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := app.authRequest(w, r)
	if !ok {
		return
	}
	tok, err := app.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		app.authError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logged_in":  true,
		"token_type": tok.TokenType,
	})
}

func (app *App) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if app.Auth == nil {
		writeError(w, http.StatusServiceUnavailable, "Auth not configured")
		return
	}
	if err := app.Auth.Logout(); err != nil {
		app.authError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"logged_in": false})
}

func (app *App) AuthStatusHandler(w http.ResponseWriter, r *http.Request) {
	if app.Auth == nil {
		writeError(w, http.StatusServiceUnavailable, "Auth not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"logged_in": app.Auth.LoggedIn()})
}

func (app *App) SignupHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := app.authRequest(w, r)
	if !ok {
		return
	}
	if err := app.Auth.Signup(r.Context(), req.Name, req.Email, req.Password); err != nil {
		app.authError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message": "User created"})
}

func (app *App) SendCodeHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := app.authRequest(w, r)
	if !ok {
		return
	}
	if err := app.Auth.SendCode(r.Context(), req.Email); err != nil {
		app.authError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Code sent"})
}

func (app *App) VerifyCodeHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := app.authRequest(w, r)
	if !ok {
		return
	}
	if err := app.Auth.VerifyCode(r.Context(), req.Email, req.Code); err != nil {
		app.authError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Code verified"})
}

func (app *App) ResetPasswordHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := app.authRequest(w, r)
	if !ok {
		return
	}
	if err := app.Auth.ResetPassword(r.Context(), req.Email, req.NewPassword); err != nil {
		app.authError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password reset"})
}

func (app *App) authRequest(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	var req credentialsRequest
	if app.Auth == nil {
		writeError(w, http.StatusServiceUnavailable, "Auth not configured")
		return req, false
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

// authError passes account API errors through with their status; anything
// else means the API could not be reached.
func (app *App) authError(w http.ResponseWriter, err error) {
	var apiErr *authclient.APIError
	if errors.As(err, &apiErr) {
		writeError(w, apiErr.Status, apiErr.Detail)
		return
	}
	app.logger().Error("auth request failed", "error", err)
	writeError(w, http.StatusBadGateway, "Auth service unavailable")
}
