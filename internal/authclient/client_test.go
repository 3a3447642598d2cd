package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kdimtricp/raqa/internal/credentials"
)

type fakeAPI struct {
	mu       sync.Mutex
	requests map[string]map[string]string
}

func (a *fakeAPI) field(path, key string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[path][key]
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	api := &fakeAPI{requests: make(map[string]map[string]string)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		api.mu.Lock()
		api.requests[r.URL.Path] = body
		api.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/login":
			if body["password"] != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"detail":"Invalid email or password"}`))
				return
			}
			w.Write([]byte(`{"access_token":"jwt-abc","token_type":"bearer"}`))
		case "/signup":
			if body["email"] == "taken@example.com" {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"detail":"Email already registered"}`))
				return
			}
			w.Write([]byte(`{"message":"User created!"}`))
		case "/send-code", "/verify-code", "/reset-password":
			if body["email"] == "" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				w.Write([]byte(`{"detail":[{"loc":["body","email"],"msg":"field required"}]}`))
				return
			}
			w.Write([]byte(`{"message":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return api, srv
}

func TestLoginLogout(t *testing.T) {
	api, srv := newFakeAPI(t)
	store := credentials.NewMemoryStore()
	c := New(srv.URL+"/", store, nil, nil)
	ctx := context.Background()

	if c.LoggedIn() {
		t.Fatal("should not be logged in initially")
	}

	tok, err := c.Login(ctx, "  Player@Example.com ", "secret")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if tok.AccessToken != "jwt-abc" || tok.TokenType != "bearer" {
		t.Errorf("unexpected token %+v", tok)
	}
	if api.field("/login", "email") != "player@example.com" {
		t.Errorf("email not normalized: %q", api.field("/login", "email"))
	}
	if stored, _ := store.Get(credentials.AccessTokenKey); stored != "jwt-abc" {
		t.Errorf("token not stored, got %q", stored)
	}
	if !c.LoggedIn() {
		t.Error("expected LoggedIn after login")
	}

	if err := c.Logout(); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if c.LoggedIn() {
		t.Error("expected logged out after Logout")
	}
}

func TestLogin_Unauthorized(t *testing.T) {
	_, srv := newFakeAPI(t)
	store := credentials.NewMemoryStore()
	c := New(srv.URL, store, nil, nil)

	_, err := c.Login(context.Background(), "a@b.c", "wrong")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Detail != "Invalid email or password" {
		t.Errorf("unexpected error %+v", apiErr)
	}
	if _, err := store.Get(credentials.AccessTokenKey); !errors.Is(err, credentials.ErrNotFound) {
		t.Error("failed login must not store a token")
	}
}

func TestAccountFlows(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := New(srv.URL, credentials.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		call       func() error
		path       string
		wantStatus int
		wantDetail string
	}{
		{name: "signup", call: func() error { return c.Signup(ctx, " Ana ", "ana@example.com", "secret1") }, path: "/signup"},
		{name: "signup taken", call: func() error { return c.Signup(ctx, "Bo", "taken@example.com", "secret1") }, path: "/signup",
			wantStatus: 400, wantDetail: "Email already registered"},
		{name: "send code", call: func() error { return c.SendCode(ctx, "ana@example.com") }, path: "/send-code"},
		{name: "verify code", call: func() error { return c.VerifyCode(ctx, "ana@example.com", " 123456 ") }, path: "/verify-code"},
		{name: "reset", call: func() error { return c.ResetPassword(ctx, "ana@example.com", "newpass") }, path: "/reset-password"},
		{name: "validation error", call: func() error { return c.SendCode(ctx, "  ") }, path: "/send-code",
			wantStatus: 422, wantDetail: `[{"loc":["body","email"],"msg":"field required"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if tt.wantStatus == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.Status != tt.wantStatus || apiErr.Detail != tt.wantDetail {
				t.Errorf("got %d %q, want %d %q", apiErr.Status, apiErr.Detail, tt.wantStatus, tt.wantDetail)
			}
		})
	}

	if got := api.field("/verify-code", "code"); got != "123456" {
		t.Errorf("code not trimmed: %q", got)
	}
	if got := api.field("/reset-password", "new_password"); got != "newpass" {
		t.Errorf("new_password not sent: %q", got)
	}
	if got := api.field("/signup", "name"); got != "Bo" {
		t.Errorf("last signup name %q", got)
	}
}

func TestParseDetail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"detail":"nope"}`, "nope"},
		{`{"detail":[1,2]}`, "[1,2]"},
		{`plain text`, "plain text"},
		{``, "500 Internal Server Error"},
	}
	for _, tt := range tests {
		if got := parseDetail([]byte(tt.in), "500 Internal Server Error"); got != tt.want {
			t.Errorf("parseDetail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
