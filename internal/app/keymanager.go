// Package app implements application-level services for the Nexus LLM gateway.
package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
	"github.com/jrmatherly/nexus-sub002/internal/storage"
	"github.com/google/uuid"
)

// KeyManager handles API key lifecycle (create, delete).
type KeyManager struct {
	store storage.APIKeyStore
}

// NewKeyManager returns a KeyManager backed by store.
func NewKeyManager(store storage.APIKeyStore) *KeyManager {
	return &KeyManager{store: store}
}

// CreateKeyOpts configures a newly minted API key. OrgID is required; every
// other field is optional and falls back to a sane default.
type CreateKeyOpts struct {
	OrgID         string
	UserID        string
	TeamID        string
	Role          string // defaults to "member"
	AllowedModels []string
	RPMLimit      *int64
	TPMLimit      *int64
	MaxBudget     *float64
	ExpiresAt     *time.Time
}

// CreateKey generates a new API key for the given org, stores its hash,
// and returns the plaintext (shown once) along with the persisted APIKey record.
func (km *KeyManager) CreateKey(ctx context.Context, opts CreateKeyOpts) (string, *gateway.APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}

	role := opts.Role
	if role == "" {
		role = "member"
	}

	plaintext := gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	hash := gateway.HashKey(plaintext)

	key := &gateway.APIKey{
		ID:            uuid.New().String(),
		KeyHash:       hash,
		KeyPrefix:     plaintext[:8],
		UserID:        opts.UserID,
		TeamID:        opts.TeamID,
		OrgID:         opts.OrgID,
		Role:          role,
		AllowedModels: opts.AllowedModels,
		RPMLimit:      opts.RPMLimit,
		TPMLimit:      opts.TPMLimit,
		MaxBudget:     opts.MaxBudget,
		ExpiresAt:     opts.ExpiresAt,
		CreatedAt:     time.Now().UTC(),
	}

	if err := km.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}

	return plaintext, key, nil
}

// DeleteKey removes the API key with the given ID.
func (km *KeyManager) DeleteKey(ctx context.Context, id string) error {
	return km.store.DeleteKey(ctx, id)
}
