package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"warden/internal/models"
)

// memStore keeps gateway records under one mutex, which makes the
// revoke-then-resolve ordering trivially linearizable: once Revoke returns,
// every Get sees the flag.
type memStore struct {
	mu  sync.Mutex
	gws map[uuid.UUID]*models.Gateway
}

// NewMemoryStore returns an in-memory Store for the no-DB mode and tests.
func NewMemoryStore() Store {
	return &memStore{gws: make(map[uuid.UUID]*models.Gateway)}
}

func (m *memStore) Create(_ context.Context, gw *models.Gateway) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.gws {
		if existing.IdentityID == gw.IdentityID && !existing.Revoked() && !existing.DeletedAt.Valid {
			return ErrDuplicateRegistration
		}
	}
	now := time.Now().UTC()
	gw.CreatedAt, gw.UpdatedAt = now, now
	live := true
	gw.Live = &live
	cp := *gw
	m.gws[gw.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*models.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw, ok := m.gws[id]
	if !ok || gw.DeletedAt.Valid {
		return nil, ErrNotFound
	}
	cp := *gw
	return &cp, nil
}

func (m *memStore) ReplaceCertificate(_ context.Context, id uuid.UUID, upd CertUpdate) (*models.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw, ok := m.gws[id]
	if !ok || gw.DeletedAt.Valid {
		return nil, ErrNotFound
	}
	gw.OrgRootCaID = upd.OrgRootCaID
	gw.SerialNumber = upd.SerialNumber
	gw.KeyAlgorithm = upd.KeyAlgorithm
	gw.IssuedAt = upd.IssuedAt
	gw.Expiration = upd.Expiration
	gw.CertificatePEM = upd.CertificatePEM
	gw.RotationStalledAt = nil
	gw.RotationStallReason = ""
	gw.UpdatedAt = time.Now().UTC()
	cp := *gw
	return &cp, nil
}

func (m *memStore) Revoke(_ context.Context, id uuid.UUID, at time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw, ok := m.gws[id]
	if !ok {
		return ErrNotFound
	}
	if gw.Revoked() {
		return nil
	}
	gw.RevokedAt = &at
	gw.RevokedReason = reason
	gw.Live = nil
	gw.UpdatedAt = at
	return nil
}

func (m *memStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw, ok := m.gws[id]
	if !ok || gw.DeletedAt.Valid {
		return ErrNotFound
	}
	gw.DeletedAt = gorm.DeletedAt{Time: time.Now().UTC(), Valid: true}
	gw.Live = nil
	return nil
}

func (m *memStore) ListByIdentity(_ context.Context, identityID uuid.UUID) ([]models.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Gateway
	for _, gw := range m.gws {
		if gw.IdentityID == identityID && !gw.DeletedAt.Valid {
			out = append(out, *gw)
		}
	}
	return out, nil
}

func (m *memStore) ListExpiring(_ context.Context, before time.Time) ([]models.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Gateway
	for _, gw := range m.gws {
		if gw.DeletedAt.Valid || gw.Revoked() {
			continue
		}
		if gw.Expiration.Before(before) {
			out = append(out, *gw)
		}
	}
	return out, nil
}

func (m *memStore) MarkStalled(_ context.Context, id uuid.UUID, at time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw, ok := m.gws[id]
	if !ok || gw.DeletedAt.Valid {
		return ErrNotFound
	}
	gw.RotationStalledAt = &at
	gw.RotationStallReason = reason
	gw.UpdatedAt = at
	return nil
}
