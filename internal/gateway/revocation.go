package gateway

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"warden/internal/identity"
	"warden/internal/models"
)

// Gate turns lifecycle triggers into revocations. Both paths commit the
// revocation before returning, so any Resolve issued after the trigger
// completes observes the gateway as non-routable.
type Gate struct {
	Registry   *Registry
	Identities identity.Directory
	Log        logrus.FieldLogger
}

func NewGate(reg *Registry, ids identity.Directory) *Gate {
	return &Gate{Registry: reg, Identities: ids, Log: logrus.StandardLogger()}
}

// Deregister revokes the gateway and soft-deletes its record.
func (g *Gate) Deregister(ctx context.Context, gatewayID uuid.UUID) error {
	return g.Registry.Deregister(ctx, gatewayID)
}

// IdentityDeactivated deactivates the identity and revokes every gateway it
// owns. The gateways' certificates may be numerically unexpired; they are
// treated as revoked regardless.
func (g *Gate) IdentityDeactivated(ctx context.Context, identityID uuid.UUID) (*models.Identity, error) {
	ident, err := g.Identities.Deactivate(ctx, identityID)
	if err != nil {
		return nil, err
	}
	revoked, err := g.Registry.RevokeByIdentity(ctx, identityID, "identity deactivated")
	if err != nil {
		return nil, err
	}
	g.Log.WithFields(logrus.Fields{
		"identity": identityID, "revoked_gateways": len(revoked),
	}).Info("identity deactivated")
	return ident, nil
}
