package models

import (
	"time"

	"github.com/google/uuid"
)

// Identity is the machine identity that owns gateways. The identity
// subsystem proper is external; this record is the slice of it the
// lifecycle manager needs: org linkage and the deactivation flag.
type Identity struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID         uuid.UUID `gorm:"type:uuid;index;not null"`
	Name          string    `gorm:"size:255"`
	DeactivatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Active reports whether the identity may anchor gateway trust.
func (i *Identity) Active() bool { return i.DeactivatedAt == nil }
