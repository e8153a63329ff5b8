package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"warden/internal/models"
	"warden/internal/pki"
	"warden/internal/secrets"
)

var (
	ErrNotFound              = errors.New("gateway not found")
	ErrDuplicateRegistration = errors.New("identity already owns a live gateway")
	ErrGatewayRevoked        = errors.New("gateway revoked")
	ErrRotationStalled       = errors.New("gateway rotation stalled")
)

// CertUpdate is the atomic replacement applied on rotation: all certificate
// metadata swaps in one store update, never field by field.
type CertUpdate struct {
	OrgRootCaID    uuid.UUID
	SerialNumber   int64
	KeyAlgorithm   string
	IssuedAt       time.Time
	Expiration     time.Time
	CertificatePEM []byte
}

// Store is the registry's persistence contract. Implementations must make
// Revoke visible to every later Get (read-after-write on the revoked flag)
// and must apply ReplaceCertificate atomically.
type Store interface {
	Create(ctx context.Context, gw *models.Gateway) error
	Get(ctx context.Context, id uuid.UUID) (*models.Gateway, error)
	ReplaceCertificate(ctx context.Context, id uuid.UUID, upd CertUpdate) (*models.Gateway, error)
	Revoke(ctx context.Context, id uuid.UUID, at time.Time, reason string) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]models.Gateway, error)
	ListExpiring(ctx context.Context, before time.Time) ([]models.Gateway, error)
	MarkStalled(ctx context.Context, id uuid.UUID, at time.Time, reason string) error
}

// Issuer is the slice of the certificate issuer the registry needs.
type Issuer interface {
	Issue(ctx context.Context, identityID, orgID uuid.UUID, csrPEM []byte) (*pki.Issued, error)
}

// Registry is the authoritative record of gateways. All mutation and read
// paths go through it; certificate metadata is issuance-derived only.
type Registry struct {
	Store  Store
	Issuer Issuer
	Codec  *secrets.Codec
	Roots  pki.RootStore
	Log    logrus.FieldLogger
	Now    func() time.Time
}

func NewRegistry(store Store, issuer Issuer, codec *secrets.Codec, roots pki.RootStore) *Registry {
	return &Registry{
		Store: store, Issuer: issuer, Codec: codec, Roots: roots,
		Log: logrus.StandardLogger(), Now: time.Now,
	}
}

type RegisterInput struct {
	Name         string
	IdentityID   uuid.UUID
	OrgID        uuid.UUID
	CSRPEM       []byte
	RelayAddress string
	Metadata     datatypes.JSON
}

// Register issues the first certificate for a new gateway and persists the
// record with the relay address encrypted under the org key. One identity
// owns at most one live gateway; the store enforces that under lock, so of
// two concurrent registrations exactly one wins.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*models.Gateway, error) {
	issued, err := r.Issuer.Issue(ctx, in.IdentityID, in.OrgID, in.CSRPEM)
	if err != nil {
		return nil, err
	}
	ct, err := r.Codec.EncryptRelayAddress(ctx, in.OrgID, in.RelayAddress)
	if err != nil {
		return nil, err
	}
	gw := &models.Gateway{
		ID:             uuid.New(),
		Name:           in.Name,
		IdentityID:     in.IdentityID,
		Metadata:       in.Metadata,
		OrgRootCaID:    issued.OrgRootCaID,
		SerialNumber:   issued.SerialNumber,
		KeyAlgorithm:   issued.KeyAlgorithm,
		IssuedAt:       issued.IssuedAt,
		Expiration:     issued.Expiration,
		RelayAddress:   ct,
		CertificatePEM: issued.CertificatePEM,
	}
	if err := r.Store.Create(ctx, gw); err != nil {
		return nil, err
	}
	r.Log.WithFields(logrus.Fields{
		"gateway": gw.ID, "identity": in.IdentityID, "serial": gw.SerialNumber,
	}).Info("gateway registered")
	return gw, nil
}

// Rotate re-issues against the gateway's existing CA and identity and swaps
// the certificate metadata in one atomic update. A rotation that lands
// after expiry is still accepted; the routability gap is reported, not
// fatal.
func (r *Registry) Rotate(ctx context.Context, gatewayID uuid.UUID, csrPEM []byte) (*models.Gateway, error) {
	gw, err := r.Store.Get(ctx, gatewayID)
	if err != nil {
		return nil, err
	}
	if gw.Revoked() {
		return nil, fmt.Errorf("%w: %s", ErrGatewayRevoked, gw.RevokedReason)
	}
	ca, err := r.Roots.GetCA(ctx, gw.OrgRootCaID)
	if err != nil {
		return nil, err
	}
	issued, err := r.Issuer.Issue(ctx, gw.IdentityID, ca.OrgID, csrPEM)
	if err != nil {
		return nil, err
	}
	if r.Now().UTC().After(gw.Expiration) {
		r.Log.WithFields(logrus.Fields{
			"gateway": gw.ID, "expired_at": gw.Expiration,
		}).Warn("late rotation: gateway was non-routable since expiry")
	}
	updated, err := r.Store.ReplaceCertificate(ctx, gw.ID, CertUpdate{
		OrgRootCaID:    issued.OrgRootCaID,
		SerialNumber:   issued.SerialNumber,
		KeyAlgorithm:   issued.KeyAlgorithm,
		IssuedAt:       issued.IssuedAt,
		Expiration:     issued.Expiration,
		CertificatePEM: issued.CertificatePEM,
	})
	if err != nil {
		return nil, err
	}
	r.Log.WithFields(logrus.Fields{
		"gateway": gw.ID, "serial": updated.SerialNumber,
	}).Info("gateway certificate rotated")
	return updated, nil
}

// Resolved is what the tunnel layer gets back: the decrypted relay address
// plus the material to establish a mutually-authenticated connection.
type Resolved struct {
	Gateway        *models.Gateway
	Address        string
	CertificatePEM []byte
	CAPEM          []byte
	Routable       bool
	Reason         string
}

// Resolve returns the current record with the decrypted address. A revoked
// gateway never resolves as routable, regardless of certificate expiry; an
// expired-but-live one resolves with Routable=false and a reason.
func (r *Registry) Resolve(ctx context.Context, gatewayID uuid.UUID) (*Resolved, error) {
	gw, err := r.Store.Get(ctx, gatewayID)
	if err != nil {
		return nil, err
	}
	if gw.Revoked() {
		return nil, fmt.Errorf("%w: %s", ErrGatewayRevoked, gw.RevokedReason)
	}
	ca, err := r.Roots.GetCA(ctx, gw.OrgRootCaID)
	if err != nil {
		return nil, err
	}
	addr, err := r.Codec.DecryptRelayAddress(ctx, ca.OrgID, gw.RelayAddress)
	if err != nil {
		return nil, err
	}
	res := &Resolved{
		Gateway:        gw,
		Address:        addr,
		CertificatePEM: gw.CertificatePEM,
		CAPEM:          ca.CertificatePEM,
		Routable:       true,
	}
	if r.Now().UTC().After(gw.Expiration) {
		res.Routable = false
		res.Reason = "certificate expired"
	} else if gw.RotationStalledAt != nil {
		res.Reason = "rotation stalled: " + gw.RotationStallReason
	}
	return res, nil
}

// Revoke marks the gateway non-routable immediately. Idempotent: revoking
// an already-revoked gateway is a no-op.
func (r *Registry) Revoke(ctx context.Context, gatewayID uuid.UUID, reason string) error {
	if _, err := r.Store.Get(ctx, gatewayID); err != nil {
		return err
	}
	if err := r.Store.Revoke(ctx, gatewayID, r.Now().UTC(), reason); err != nil {
		return err
	}
	r.Log.WithFields(logrus.Fields{"gateway": gatewayID, "reason": reason}).Info("gateway revoked")
	return nil
}

// RevokeByIdentity revokes every live gateway owned by the identity.
func (r *Registry) RevokeByIdentity(ctx context.Context, identityID uuid.UUID, reason string) ([]uuid.UUID, error) {
	gws, err := r.Store.ListByIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	var revoked []uuid.UUID
	at := r.Now().UTC()
	for i := range gws {
		if gws[i].Revoked() {
			continue
		}
		if err := r.Store.Revoke(ctx, gws[i].ID, at, reason); err != nil {
			return revoked, err
		}
		revoked = append(revoked, gws[i].ID)
	}
	if len(revoked) > 0 {
		r.Log.WithFields(logrus.Fields{"identity": identityID, "count": len(revoked)}).Info("gateways revoked for identity")
	}
	return revoked, nil
}

// Deregister revokes and soft-deletes the record; audit history is kept.
func (r *Registry) Deregister(ctx context.Context, gatewayID uuid.UUID) error {
	if err := r.Revoke(ctx, gatewayID, "deregistered"); err != nil {
		return err
	}
	return r.Store.Delete(ctx, gatewayID)
}
