package gatewayapi

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"warden/internal/gateway"
	"warden/internal/models"
)

type RegisterRequest struct {
	Name         string          `json:"name"`
	IdentityID   uuid.UUID       `json:"identity_id"`
	OrgID        uuid.UUID       `json:"org_id"`
	CSR          string          `json:"csr"` // PEM certificate request
	RelayAddress string          `json:"relay_address"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

type RotateRequest struct {
	CSR string `json:"csr"`
}

type RevokeRequest struct {
	Reason string `json:"reason"`
}

type IdentityRequest struct {
	OrgID uuid.UUID `json:"org_id"`
	Name  string    `json:"name"`
}

type IdentityResponse struct {
	ID     uuid.UUID `json:"id"`
	OrgID  uuid.UUID `json:"org_id"`
	Name   string    `json:"name"`
	Active bool      `json:"active"`
}

// GatewayResponse is the record minus the ciphertext. SerialNumber goes out
// as a string, matching the stored-record wire shape consumers expect.
type GatewayResponse struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	IdentityID      uuid.UUID `json:"identity_id"`
	OrgRootCaID     uuid.UUID `json:"org_root_ca_id"`
	SerialNumber    string    `json:"serial_number"`
	KeyAlgorithm    string    `json:"key_algorithm"`
	IssuedAt        time.Time `json:"issued_at"`
	Expiration      time.Time `json:"expiration"`
	Revoked         bool      `json:"revoked"`
	RevokedReason   string    `json:"revoked_reason,omitempty"`
	RotationStalled bool      `json:"rotation_stalled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RouteResponse is the resolve result for the tunnel layer: decrypted
// address plus the material for a mutually-authenticated connection.
type RouteResponse struct {
	GatewayResponse
	RelayAddress string `json:"relay_address"`
	Certificate  string `json:"certificate"`
	CA           string `json:"ca"`
	Routable     bool   `json:"routable"`
	Reason       string `json:"reason,omitempty"`
}

func newGatewayResponse(gw *models.Gateway) GatewayResponse {
	return GatewayResponse{
		ID:              gw.ID,
		Name:            gw.Name,
		IdentityID:      gw.IdentityID,
		OrgRootCaID:     gw.OrgRootCaID,
		SerialNumber:    strconv.FormatInt(gw.SerialNumber, 10),
		KeyAlgorithm:    gw.KeyAlgorithm,
		IssuedAt:        gw.IssuedAt,
		Expiration:      gw.Expiration,
		Revoked:         gw.Revoked(),
		RevokedReason:   gw.RevokedReason,
		RotationStalled: gw.RotationStalledAt != nil,
		CreatedAt:       gw.CreatedAt,
		UpdatedAt:       gw.UpdatedAt,
	}
}

func newRouteResponse(res *gateway.Resolved) RouteResponse {
	return RouteResponse{
		GatewayResponse: newGatewayResponse(res.Gateway),
		RelayAddress:    res.Address,
		Certificate:     string(res.CertificatePEM),
		CA:              string(res.CAPEM),
		Routable:        res.Routable,
		Reason:          res.Reason,
	}
}

func newIdentityResponse(ident *models.Identity) IdentityResponse {
	return IdentityResponse{ID: ident.ID, OrgID: ident.OrgID, Name: ident.Name, Active: ident.Active()}
}
