package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"warden/internal/models"
)

var ErrNotFound = errors.New("identity not found")

// Directory is the boundary to the machine-identity subsystem. Gateways
// derive their trust from it: an inactive identity means revoked gateways,
// regardless of certificate validity.
type Directory interface {
	Create(ctx context.Context, orgID uuid.UUID, name string) (*models.Identity, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Identity, error)
	IsActive(ctx context.Context, id uuid.UUID) (bool, error)
	Deactivate(ctx context.Context, id uuid.UUID) (*models.Identity, error)
}

type memDirectory struct {
	mu  sync.RWMutex
	ids map[uuid.UUID]*models.Identity
	now func() time.Time
}

// NewMemoryDirectory returns an in-memory Directory for the no-DB mode.
func NewMemoryDirectory() Directory {
	return &memDirectory{ids: make(map[uuid.UUID]*models.Identity), now: time.Now}
}

func (m *memDirectory) Create(_ context.Context, orgID uuid.UUID, name string) (*models.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	id := &models.Identity{ID: uuid.New(), OrgID: orgID, Name: name, CreatedAt: now, UpdatedAt: now}
	m.ids[id.ID] = id
	cp := *id
	return &cp, nil
}

func (m *memDirectory) Get(_ context.Context, id uuid.UUID) (*models.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ident, ok := m.ids[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ident
	return &cp, nil
}

func (m *memDirectory) IsActive(ctx context.Context, id uuid.UUID) (bool, error) {
	ident, err := m.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return ident.Active(), nil
}

func (m *memDirectory) Deactivate(_ context.Context, id uuid.UUID) (*models.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.ids[id]
	if !ok {
		return nil, ErrNotFound
	}
	if ident.DeactivatedAt == nil {
		now := m.now().UTC()
		ident.DeactivatedAt = &now
		ident.UpdatedAt = now
	}
	cp := *ident
	return &cp, nil
}
