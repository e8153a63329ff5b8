package secrets

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

// KeyProvider hands out per-organization encryption keys. In production this
// is backed by the key-management collaborator; key material never lands in
// our own tables.
type KeyProvider interface {
	OrgKey(ctx context.Context, orgID uuid.UUID) ([]byte, error)
}

// StaticKeyProvider derives org keys from a single master secret with
// argon2id, org id as salt. Derived keys are cached per org.
type StaticKeyProvider struct {
	master []byte
	cache  sync.Map // orgID -> []byte
}

func NewStaticKeyProvider(master string) (*StaticKeyProvider, error) {
	if master == "" {
		return nil, errors.New("master key must not be empty")
	}
	return &StaticKeyProvider{master: []byte(master)}, nil
}

func (p *StaticKeyProvider) OrgKey(_ context.Context, orgID uuid.UUID) ([]byte, error) {
	if k, ok := p.cache.Load(orgID); ok {
		return k.([]byte), nil
	}
	key := argon2.IDKey(p.master, orgID[:], 1, 64*1024, 1, 32)
	p.cache.Store(orgID, key)
	return key, nil
}
