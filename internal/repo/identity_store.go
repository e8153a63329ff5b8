package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"warden/internal/identity"
	"warden/internal/models"
)

// IdentityStore is the gorm-backed identity.Directory.
type IdentityStore struct{ db *gorm.DB }

func NewIdentityStore(db *gorm.DB) *IdentityStore { return &IdentityStore{db: db} }

func (s *IdentityStore) Create(ctx context.Context, orgID uuid.UUID, name string) (*models.Identity, error) {
	ident := &models.Identity{ID: uuid.New(), OrgID: orgID, Name: name}
	if err := s.db.WithContext(ctx).Create(ident).Error; err != nil {
		return nil, err
	}
	return ident, nil
}

func (s *IdentityStore) Get(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	var ident models.Identity
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&ident).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ident, nil
}

func (s *IdentityStore) IsActive(ctx context.Context, id uuid.UUID) (bool, error) {
	ident, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return ident.Active(), nil
}

func (s *IdentityStore) Deactivate(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&models.Identity{}).
		Where("id = ? AND deactivated_at IS NULL", id).
		Update("deactivated_at", now).Error
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}
