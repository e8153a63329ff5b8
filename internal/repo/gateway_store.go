package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"warden/internal/gateway"
	"warden/internal/models"
)

// GatewayStore is the gorm-backed gateway.Store. Revocation and certificate
// replacement are single-row updates, so readers only ever see the record
// fully before or fully after a transition. The one-live-gateway-per-identity
// rule is enforced by the uniq_live_identity index, not by a read-then-insert
// check: two concurrent registrations collide on the index and exactly one
// commits, at any isolation level.
type GatewayStore struct{ db *gorm.DB }

func NewGatewayStore(db *gorm.DB) *GatewayStore { return &GatewayStore{db: db} }

func (s *GatewayStore) Create(ctx context.Context, gw *models.Gateway) error {
	live := true
	gw.Live = &live
	err := s.db.WithContext(ctx).Create(gw).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return gateway.ErrDuplicateRegistration
	}
	return err
}

func (s *GatewayStore) Get(ctx context.Context, id uuid.UUID) (*models.Gateway, error) {
	var gw models.Gateway
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&gw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &gw, nil
}

func (s *GatewayStore) ReplaceCertificate(ctx context.Context, id uuid.UUID, upd gateway.CertUpdate) (*models.Gateway, error) {
	res := s.db.WithContext(ctx).Model(&models.Gateway{}).Where("id = ?", id).
		Updates(map[string]any{
			"org_root_ca_id":        upd.OrgRootCaID,
			"serial_number":         upd.SerialNumber,
			"key_algorithm":         upd.KeyAlgorithm,
			"issued_at":             upd.IssuedAt,
			"expiration":            upd.Expiration,
			"certificate_pem":       upd.CertificatePEM,
			"rotation_stalled_at":   nil,
			"rotation_stall_reason": "",
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, gateway.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *GatewayStore) Revoke(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	// Guarded by revoked_at IS NULL: re-revoking is a no-op and the first
	// reason wins. Clearing live frees the identity's registration slot.
	return s.db.WithContext(ctx).Model(&models.Gateway{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Updates(map[string]any{"revoked_at": at, "revoked_reason": reason, "live": nil}).Error
}

func (s *GatewayStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Gateway{}).Where("id = ?", id).
			Update("live", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Gateway{}, "id = ?", id).Error
	})
}

func (s *GatewayStore) ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]models.Gateway, error) {
	var out []models.Gateway
	err := s.db.WithContext(ctx).Where("identity_id = ?", identityID).Find(&out).Error
	return out, err
}

func (s *GatewayStore) ListExpiring(ctx context.Context, before time.Time) ([]models.Gateway, error) {
	var out []models.Gateway
	err := s.db.WithContext(ctx).
		Where("revoked_at IS NULL AND expiration < ?", before).
		Find(&out).Error
	return out, err
}

func (s *GatewayStore) MarkStalled(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	res := s.db.WithContext(ctx).Model(&models.Gateway{}).Where("id = ?", id).
		Updates(map[string]any{"rotation_stalled_at": at, "rotation_stall_reason": reason})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gateway.ErrNotFound
	}
	return nil
}
