package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/devherd/herd/pkg/types"
)

// TokenManager manages bearer credentials for devices
type TokenManager struct {
	tokens map[string]*Credential
	mu     sync.RWMutex
}

// Credential represents an issued device bearer token
type Credential struct {
	Token     string
	DeviceID  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTokenManager creates a new token manager
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*Credential),
	}
}

// Issue generates a new credential for a device. Any previous credentials for
// the same device are revoked so a re-register supersedes the old token.
func (tm *TokenManager) Issue(deviceID string, duration time.Duration) (*Credential, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}

	token := hex.EncodeToString(bytes)

	cred := &Credential{
		Token:     token,
		DeviceID:  deviceID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(duration),
	}

	tm.mu.Lock()
	for t, existing := range tm.tokens {
		if existing.DeviceID == deviceID {
			delete(tm.tokens, t)
		}
	}
	tm.tokens[token] = cred
	tm.mu.Unlock()

	return cred, nil
}

// Validate checks a bearer token and returns the device it belongs to
func (tm *TokenManager) Validate(token string) (string, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	cred, exists := tm.tokens[token]
	if !exists {
		return "", fmt.Errorf("invalid token: %w", types.ErrUnauthorized)
	}

	if time.Now().After(cred.ExpiresAt) {
		return "", fmt.Errorf("token expired: %w", types.ErrUnauthorized)
	}

	return cred.DeviceID, nil
}

// Owner returns the device a token was issued to, even when the token has
// already expired. Used to tear down the channel of a device whose
// credential lapsed mid-session.
func (tm *TokenManager) Owner(token string) (string, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	cred, exists := tm.tokens[token]
	if !exists {
		return "", false
	}
	return cred.DeviceID, true
}

// Revoke revokes a single token
func (tm *TokenManager) Revoke(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// CleanupExpired removes expired tokens
func (tm *TokenManager) CleanupExpired() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for token, cred := range tm.tokens {
		if now.After(cred.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}
