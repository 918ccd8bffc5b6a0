// Package session holds the bearer credential of each signed-in user on the device.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoCredential indicates the user has no stored credential.
	ErrNoCredential = errors.New("session: no credential")
	// ErrCredentialExpired indicates the stored credential is past its expiry.
	ErrCredentialExpired = errors.New("session: credential expired")
)

// Credential is a bearer token with an optional expiry. A zero ExpiresAt never expires.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Store keeps credentials in memory keyed by user id.
type Store struct {
	mu          sync.RWMutex
	credentials map[string]Credential
	clock       func() time.Time
}

// NewStore constructs an empty Store. A nil clock uses time.Now.
func NewStore(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{credentials: make(map[string]Credential), clock: clock}
}

// Login records the credential for userID, replacing any previous one.
func (s *Store) Login(userID string, credential Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[userID] = credential
}

// Logout forgets the credential for userID.
func (s *Store) Logout(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, userID)
}

// Token returns the bearer token for userID.
func (s *Store) Token(userID string) (string, error) {
	s.mu.RLock()
	credential, ok := s.credentials[userID]
	s.mu.RUnlock()
	if !ok || strings.TrimSpace(credential.Token) == "" {
		return "", ErrNoCredential
	}
	if !credential.ExpiresAt.IsZero() && !s.clock().Before(credential.ExpiresAt) {
		return "", ErrCredentialExpired
	}
	return credential.Token, nil
}
