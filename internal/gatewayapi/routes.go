package gatewayapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

const idPattern = "{id:[a-fA-F0-9\\-]{36}}"

// RegisterRoutes wires the administrative surface. Mutations sit behind the
// admin secret; the route (resolve) path is a separate capability gated by
// the relay secret, since it is the only way to read a decrypted address.
func RegisterRoutes(r *mux.Router, h *Handler, adminSecret, relaySecret string) {
	admin := r.PathPrefix("/api/v1").Subrouter()
	admin.Use(SharedSecretAuth(adminSecret))
	admin.HandleFunc("/identities", h.CreateIdentity).Methods(http.MethodPost)
	admin.HandleFunc("/identities/"+idPattern+"/deactivate", h.DeactivateIdentity).Methods(http.MethodPost)
	admin.HandleFunc("/gateways/register", h.Register).Methods(http.MethodPost)
	admin.HandleFunc("/gateways/"+idPattern+"/rotate", h.Rotate).Methods(http.MethodPost)
	admin.HandleFunc("/gateways/"+idPattern+"/revoke", h.Revoke).Methods(http.MethodPost)
	admin.HandleFunc("/gateways/"+idPattern, h.Deregister).Methods(http.MethodDelete)

	relay := r.PathPrefix("/api/v1").Subrouter()
	relay.Use(SharedSecretAuth(relaySecret))
	relay.HandleFunc("/gateways/"+idPattern+"/route", h.Route).Methods(http.MethodGet)
}
