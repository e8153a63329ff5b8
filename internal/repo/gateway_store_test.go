package repo

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"warden/internal/gateway"
	"warden/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Identity{}, &models.OrgRootCA{}, &models.Gateway{}))
	return db
}

func seedGateway(identityID uuid.UUID, serial int64) *models.Gateway {
	now := time.Now().UTC()
	return &models.Gateway{
		ID:             uuid.New(),
		Name:           "gw-eu-1",
		IdentityID:     identityID,
		OrgRootCaID:    uuid.New(),
		SerialNumber:   serial,
		KeyAlgorithm:   "EC_prime256v1",
		IssuedAt:       now,
		Expiration:     now.Add(720 * time.Hour),
		RelayAddress:   []byte{0x01, 0x02, 0x03},
		CertificatePEM: []byte("-----BEGIN CERTIFICATE-----"),
	}
}

func TestCreateEnforcesOneLiveGatewayPerIdentity(t *testing.T) {
	ctx := context.Background()
	s := NewGatewayStore(openTestDB(t))
	identityID := uuid.New()

	require.NoError(t, s.Create(ctx, seedGateway(identityID, 1)))

	// The second insert collides on the (identity_id, live) unique index.
	// That holds for racing transactions too: the database arbitrates, not
	// a read-then-insert check.
	err := s.Create(ctx, seedGateway(identityID, 2))
	require.ErrorIs(t, err, gateway.ErrDuplicateRegistration)

	// A different identity is unaffected.
	require.NoError(t, s.Create(ctx, seedGateway(uuid.New(), 3)))
}

func TestCreateAllowedAfterRevoke(t *testing.T) {
	ctx := context.Background()
	s := NewGatewayStore(openTestDB(t))
	identityID := uuid.New()

	first := seedGateway(identityID, 1)
	require.NoError(t, s.Create(ctx, first))
	require.NoError(t, s.Revoke(ctx, first.ID, time.Now().UTC(), "key compromise"))

	// Revocation clears the live marker, freeing the identity's slot.
	require.NoError(t, s.Create(ctx, seedGateway(identityID, 2)))
}

func TestCreateAllowedAfterDelete(t *testing.T) {
	ctx := context.Background()
	s := NewGatewayStore(openTestDB(t))
	identityID := uuid.New()

	first := seedGateway(identityID, 1)
	require.NoError(t, s.Create(ctx, first))
	require.NoError(t, s.Delete(ctx, first.ID))

	_, err := s.Get(ctx, first.ID)
	require.ErrorIs(t, err, gateway.ErrNotFound)

	require.NoError(t, s.Create(ctx, seedGateway(identityID, 2)))
}

func TestRevokeGuardKeepsFirstReason(t *testing.T) {
	ctx := context.Background()
	s := NewGatewayStore(openTestDB(t))

	gw := seedGateway(uuid.New(), 1)
	require.NoError(t, s.Create(ctx, gw))

	at := time.Now().UTC()
	require.NoError(t, s.Revoke(ctx, gw.ID, at, "key compromise"))
	require.NoError(t, s.Revoke(ctx, gw.ID, at.Add(time.Hour), "cleanup"))

	got, err := s.Get(ctx, gw.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	assert.Equal(t, "key compromise", got.RevokedReason)
	assert.Nil(t, got.Live)
}

func TestReplaceCertificateClearsStall(t *testing.T) {
	ctx := context.Background()
	s := NewGatewayStore(openTestDB(t))

	gw := seedGateway(uuid.New(), 1)
	require.NoError(t, s.Create(ctx, gw))
	require.NoError(t, s.MarkStalled(ctx, gw.ID, time.Now().UTC(), "tunnel unreachable (after 3 attempts)"))

	now := time.Now().UTC()
	updated, err := s.ReplaceCertificate(ctx, gw.ID, gateway.CertUpdate{
		OrgRootCaID:    gw.OrgRootCaID,
		SerialNumber:   2,
		KeyAlgorithm:   gw.KeyAlgorithm,
		IssuedAt:       now,
		Expiration:     now.Add(720 * time.Hour),
		CertificatePEM: []byte("-----BEGIN CERTIFICATE-----\nrotated"),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, updated.SerialNumber)
	assert.Nil(t, updated.RotationStalledAt)
	assert.Empty(t, updated.RotationStallReason)
	assert.Equal(t, gw.RelayAddress, updated.RelayAddress)
}

func TestStoreUnknownGateway(t *testing.T) {
	ctx := context.Background()
	s := NewGatewayStore(openTestDB(t))

	_, err := s.Get(ctx, uuid.New())
	require.ErrorIs(t, err, gateway.ErrNotFound)

	_, err = s.ReplaceCertificate(ctx, uuid.New(), gateway.CertUpdate{})
	require.ErrorIs(t, err, gateway.ErrNotFound)

	err = s.MarkStalled(ctx, uuid.New(), time.Now().UTC(), "x")
	require.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestListExpiringSkipsRevoked(t *testing.T) {
	ctx := context.Background()
	s := NewGatewayStore(openTestDB(t))

	expiring := seedGateway(uuid.New(), 1)
	expiring.Expiration = time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.Create(ctx, expiring))

	revoked := seedGateway(uuid.New(), 2)
	revoked.Expiration = time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.Create(ctx, revoked))
	require.NoError(t, s.Revoke(ctx, revoked.ID, time.Now().UTC(), "key compromise"))

	due, err := s.ListExpiring(ctx, time.Now().UTC().Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, expiring.ID, due[0].ID)
}
