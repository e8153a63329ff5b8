package pki

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"warden/internal/models"
)

type memRootStore struct {
	mu    sync.Mutex
	byOrg map[uuid.UUID]*models.OrgRootCA
	byID  map[uuid.UUID]*models.OrgRootCA
}

// NewMemoryRootStore returns an in-memory RootStore for the no-DB mode.
func NewMemoryRootStore() RootStore {
	return &memRootStore{
		byOrg: make(map[uuid.UUID]*models.OrgRootCA),
		byID:  make(map[uuid.UUID]*models.OrgRootCA),
	}
}

func (m *memRootStore) EnsureCA(_ context.Context, orgID uuid.UUID, create func() (*models.OrgRootCA, error)) (*models.OrgRootCA, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ca, ok := m.byOrg[orgID]; ok {
		cp := *ca
		return &cp, nil
	}
	ca, err := create()
	if err != nil {
		return nil, err
	}
	if ca.ID == uuid.Nil {
		ca.ID = uuid.New()
	}
	m.byOrg[orgID] = ca
	m.byID[ca.ID] = ca
	cp := *ca
	return &cp, nil
}

func (m *memRootStore) GetCA(_ context.Context, id uuid.UUID) (*models.OrgRootCA, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ca, ok := m.byID[id]
	if !ok {
		return nil, ErrRootCaUnavailable
	}
	cp := *ca
	return &cp, nil
}

func (m *memRootStore) AllocateSerial(_ context.Context, caID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ca, ok := m.byID[caID]
	if !ok {
		return 0, ErrRootCaUnavailable
	}
	ca.NextSerial++
	return ca.NextSerial, nil
}
