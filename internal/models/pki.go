package models

import (
	"time"

	"github.com/google/uuid"
)

const RootCAStatusActive = "active"

// OrgRootCA is the per-organization trust root that signs gateway leaf
// certificates. SealedKey holds the private key encrypted under the org
// cipher; only the issuer unseals it. NextSerial backs the per-CA serial
// sequence: incremented durably before every signature, so serials are
// never reused even across crashes (gaps are fine).
type OrgRootCA struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID     uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`
	Status    string    `gorm:"size:32;default:active"`
	CreatedAt time.Time
	UpdatedAt time.Time

	PublicKeyPEM   []byte
	CertificatePEM []byte
	SealedKey      []byte

	NotBefore  time.Time
	NotAfter   time.Time
	NextSerial int64 `gorm:"default:0"`
}
