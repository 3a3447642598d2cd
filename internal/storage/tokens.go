package storage

import (
	"sync"

	"github.com/google/uuid"
)

// MediaTokens hands out opaque tokens that let the viewer fetch a staged
// video over HTTP without learning its path. A token stays valid until it
// is revoked.
type MediaTokens struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewMediaTokens() *MediaTokens {
	return &MediaTokens{tokens: make(map[string]string)}
}

func (m *MediaTokens) Issue(path string) string {
	token := uuid.New().String()
	m.mu.Lock()
	m.tokens[token] = path
	m.mu.Unlock()
	return token
}

func (m *MediaTokens) Resolve(token string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	path, ok := m.tokens[token]
	return path, ok
}

func (m *MediaTokens) Revoke(token string) {
	m.mu.Lock()
	delete(m.tokens, token)
	m.mu.Unlock()
}
