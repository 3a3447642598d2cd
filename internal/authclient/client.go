// Package authclient talks to the account API that issues access tokens.
// The token it obtains is kept in a credentials.Store and never leaves it
// except as a bearer header.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kdimtricp/raqa/internal/credentials"
)

// APIError is a non-2xx answer from the account API.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth api: %d: %s", e.Status, e.Detail)
}

type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type Client struct {
	baseURL string
	http    *http.Client
	store   credentials.Store
	logger  *slog.Logger
}

func New(baseURL string, store credentials.Store, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		store:   store,
		logger:  logger,
	}
}

// Login exchanges credentials for a token and stores it.
func (c *Client) Login(ctx context.Context, email, password string) (*Token, error) {
	var tok Token
	err := c.post(ctx, "/login", map[string]string{
		"email":    normalizeEmail(email),
		"password": password,
	}, &tok)
	if err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, errors.New("auth api: login response has no access token")
	}
	if err := c.store.Set(credentials.AccessTokenKey, tok.AccessToken); err != nil {
		return nil, fmt.Errorf("store access token: %w", err)
	}
	c.logger.Info("logged in", "email", normalizeEmail(email))
	return &tok, nil
}

func (c *Client) Signup(ctx context.Context, name, email, password string) error {
	return c.post(ctx, "/signup", map[string]string{
		"name":     strings.TrimSpace(name),
		"email":    normalizeEmail(email),
		"password": password,
	}, nil)
}

// SendCode asks the API to mail a password reset code.
func (c *Client) SendCode(ctx context.Context, email string) error {
	return c.post(ctx, "/send-code", map[string]string{"email": normalizeEmail(email)}, nil)
}

func (c *Client) VerifyCode(ctx context.Context, email, code string) error {
	return c.post(ctx, "/verify-code", map[string]string{
		"email": normalizeEmail(email),
		"code":  strings.TrimSpace(code),
	}, nil)
}

func (c *Client) ResetPassword(ctx context.Context, email, newPassword string) error {
	return c.post(ctx, "/reset-password", map[string]string{
		"email":        normalizeEmail(email),
		"new_password": newPassword,
	}, nil)
}

// Logout forgets the stored token.
func (c *Client) Logout() error {
	if err := c.store.Delete(credentials.AccessTokenKey); err != nil {
		return fmt.Errorf("delete access token: %w", err)
	}
	return nil
}

func (c *Client) LoggedIn() bool {
	tok, err := c.store.Get(credentials.AccessTokenKey)
	return err == nil && tok != ""
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("auth api %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Detail: parseDetail(data, resp.Status)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// parseDetail reads FastAPI's {"detail": ...}. Validation errors carry a
// list there; it is returned as raw JSON.
func parseDetail(data []byte, fallback string) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err != nil || len(body.Detail) == 0 {
		if s := strings.TrimSpace(string(data)); s != "" {
			return s
		}
		return fallback
	}

	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		return s
	}
	return string(body.Detail)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
