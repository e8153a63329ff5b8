package gatewayapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"gorm.io/datatypes"

	"warden/internal/gateway"
	"warden/internal/identity"
	"warden/internal/models"
	"warden/internal/pki"
	"warden/internal/secrets"
)

type Handler struct {
	Registry   *gateway.Registry
	Gate       *gateway.Gate
	Identities identity.Directory
}

func NewHandler(reg *gateway.Registry, gate *gateway.Gate, ids identity.Directory) *Handler {
	return &Handler{Registry: reg, Gate: gate, Identities: ids}
}

func (h *Handler) CreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req IdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	if req.OrgID == uuid.Nil || req.Name == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "org_id and name required", nil)
		return
	}
	ident, err := h.Identities.Create(r.Context(), req.OrgID, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, newIdentityResponse(ident))
}

func (h *Handler) DeactivateIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ident, err := h.Gate.IdentityDeactivated(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, newIdentityResponse(ident))
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	if req.IdentityID == uuid.Nil || req.OrgID == uuid.Nil || req.CSR == "" || req.RelayAddress == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request",
			"identity_id, org_id, csr and relay_address required", nil)
		return
	}
	gw, err := h.Registry.Register(r.Context(), gateway.RegisterInput{
		Name:         req.Name,
		IdentityID:   req.IdentityID,
		OrgID:        req.OrgID,
		CSRPEM:       []byte(req.CSR),
		RelayAddress: req.RelayAddress,
		Metadata:     datatypes.JSON(req.Metadata),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, newGatewayResponse(gw))
}

func (h *Handler) Rotate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req RotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	if req.CSR == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "csr required", nil)
		return
	}
	gw, err := h.Registry.Rotate(r.Context(), id, []byte(req.CSR))
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, newGatewayResponse(gw))
}

func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "revoked by operator"
	}
	if err := h.Registry.Revoke(r.Context(), id, reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Deregister(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.Gate.Deregister(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Route(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.Registry.Resolve(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, newRouteResponse(res))
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid id", nil)
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps the domain taxonomy onto HTTP so callers can tell "no
// such gateway" from "gateway untrusted" from "CA misconfigured".
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pki.ErrUnsupportedAlgorithm), errors.Is(err, pki.ErrInvalidCSR):
		models.WriteProblem(w, http.StatusBadRequest, "Unsupported Algorithm", err.Error(), nil)
	case errors.Is(err, pki.ErrIdentityInactive):
		models.WriteProblem(w, http.StatusForbidden, "Identity Inactive", err.Error(), nil)
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, identity.ErrNotFound):
		models.WriteProblem(w, http.StatusNotFound, "Not Found", err.Error(), nil)
	case errors.Is(err, gateway.ErrDuplicateRegistration):
		models.WriteProblem(w, http.StatusConflict, "Duplicate Registration", err.Error(), nil)
	case errors.Is(err, gateway.ErrGatewayRevoked):
		models.WriteProblem(w, http.StatusGone, "Gateway Revoked", err.Error(), nil)
	case errors.Is(err, pki.ErrRootCaUnavailable):
		models.WriteProblem(w, http.StatusServiceUnavailable, "Root CA Unavailable", err.Error(), nil)
	case errors.Is(err, secrets.ErrAddressTampered):
		models.WriteProblem(w, http.StatusInternalServerError, "Relay Address Unreadable", err.Error(), nil)
	default:
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
	}
}
