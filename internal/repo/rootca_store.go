package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"warden/internal/models"
	"warden/internal/pki"
)

// RootCAStore is the gorm-backed pki.RootStore.
type RootCAStore struct{ db *gorm.DB }

func NewRootCAStore(db *gorm.DB) *RootCAStore { return &RootCAStore{db: db} }

func (s *RootCAStore) EnsureCA(ctx context.Context, orgID uuid.UUID, create func() (*models.OrgRootCA, error)) (*models.OrgRootCA, error) {
	var ca models.OrgRootCA
	err := s.db.WithContext(ctx).Where("org_id = ?", orgID).First(&ca).Error
	if err == nil {
		return &ca, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	newCA, err := create()
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(newCA).Error; err != nil {
		// A concurrent bootstrap may have won the unique org_id index.
		if ferr := s.db.WithContext(ctx).Where("org_id = ?", orgID).First(&ca).Error; ferr == nil {
			return &ca, nil
		}
		return nil, err
	}
	return newCA, nil
}

func (s *RootCAStore) GetCA(ctx context.Context, id uuid.UUID) (*models.OrgRootCA, error) {
	var ca models.OrgRootCA
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&ca).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pki.ErrRootCaUnavailable
	}
	if err != nil {
		return nil, err
	}
	return &ca, nil
}

// AllocateSerial bumps the CA's serial counter inside one transaction: the
// UPDATE takes the row lock, the read-back sees our own increment, and the
// new value is durable at commit, before any certificate carries it.
func (s *RootCAStore) AllocateSerial(ctx context.Context, caID uuid.UUID) (int64, error) {
	var serial int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.OrgRootCA{}).Where("id = ?", caID).
			UpdateColumn("next_serial", gorm.Expr("next_serial + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return pki.ErrRootCaUnavailable
		}
		var ca models.OrgRootCA
		if err := tx.Select("next_serial").Where("id = ?", caID).First(&ca).Error; err != nil {
			return fmt.Errorf("serial read-back: %w", err)
		}
		serial = ca.NextSerial
		return nil
	})
	return serial, err
}
