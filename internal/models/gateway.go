package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Gateway is a relay node that gives the control plane tunnel access into a
// customer network. Certificate metadata is issuance-derived and only ever
// replaced as a whole by registration or rotation.
type Gateway struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name       string    `gorm:"size:255"`
	IdentityID uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:uniq_live_identity,priority:1"` // owning machine identity, immutable
	Metadata   datatypes.JSON

	// Live is non-nil exactly while the gateway is neither revoked nor
	// deleted. The unique index over (identity_id, live) holds every
	// identity to at most one live row at the database level; dead rows
	// carry NULL, which never collides.
	Live *bool `gorm:"uniqueIndex:uniq_live_identity,priority:2"`

	// Current certificate. SerialNumber is unique within the signing CA.
	OrgRootCaID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uniq_ca_serial,priority:1"`
	SerialNumber int64     `gorm:"not null;uniqueIndex:uniq_ca_serial,priority:2"`
	KeyAlgorithm string    `gorm:"size:32"`
	IssuedAt     time.Time
	Expiration   time.Time

	// Encrypted tunnel endpoint. Never persisted or logged in plaintext.
	RelayAddress []byte `gorm:"type:bytea"`

	CertificatePEM []byte

	RevokedAt     *time.Time `gorm:"index"`
	RevokedReason string     `gorm:"size:255"`

	RotationStalledAt   *time.Time
	RotationStallReason string `gorm:"size:255"`
}

// Revoked reports whether the gateway's trust has been invalidated.
func (g *Gateway) Revoked() bool { return g.RevokedAt != nil }
