package repo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/models"
	"warden/internal/pki"
)

func seedCA(orgID uuid.UUID) *models.OrgRootCA {
	now := time.Now().UTC()
	return &models.OrgRootCA{
		ID:             uuid.New(),
		OrgID:          orgID,
		Status:         models.RootCAStatusActive,
		CertificatePEM: []byte("-----BEGIN CERTIFICATE-----"),
		SealedKey:      []byte{0x01, 0x02},
		NotBefore:      now,
		NotAfter:       now.Add(24 * 365 * 10 * time.Hour),
	}
}

func TestEnsureCACreatesOncePerOrg(t *testing.T) {
	ctx := context.Background()
	s := NewRootCAStore(openTestDB(t))
	orgID := uuid.New()

	var created int
	create := func() (*models.OrgRootCA, error) {
		created++
		return seedCA(orgID), nil
	}

	first, err := s.EnsureCA(ctx, orgID, create)
	require.NoError(t, err)
	second, err := s.EnsureCA(ctx, orgID, create)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, created, "create runs only for the bootstrap")
}

func TestAllocateSerialMonotonicAndDurable(t *testing.T) {
	ctx := context.Background()
	s := NewRootCAStore(openTestDB(t))
	orgID := uuid.New()

	ca, err := s.EnsureCA(ctx, orgID, func() (*models.OrgRootCA, error) { return seedCA(orgID), nil })
	require.NoError(t, err)

	for want := int64(1); want <= 5; want++ {
		got, err := s.AllocateSerial(ctx, ca.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// The counter is persisted, so the sequence continues across a fresh
	// store over the same rows.
	reread, err := s.GetCA(ctx, ca.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, reread.NextSerial)
}

func TestAllocateSerialUnknownCA(t *testing.T) {
	s := NewRootCAStore(openTestDB(t))
	_, err := s.AllocateSerial(context.Background(), uuid.New())
	require.ErrorIs(t, err, pki.ErrRootCaUnavailable)
}

func TestGetCAUnknown(t *testing.T) {
	s := NewRootCAStore(openTestDB(t))
	_, err := s.GetCA(context.Background(), uuid.New())
	require.ErrorIs(t, err, pki.ErrRootCaUnavailable)
}
