package pki

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"warden/internal/identity"
	"warden/internal/models"
	"warden/internal/secrets"
)

var (
	// ErrUnsupportedAlgorithm: the CSR public key is not on the allow-list.
	ErrUnsupportedAlgorithm = errors.New("unsupported key algorithm")
	// ErrIdentityInactive: the owning identity is missing, deactivated, or
	// belongs to a different organization.
	ErrIdentityInactive = errors.New("identity inactive")
	// ErrRootCaUnavailable: no active root CA for the organization and one
	// could not be bootstrapped. Fatal to the caller, not retried here.
	ErrRootCaUnavailable = errors.New("org root CA unavailable")
	// ErrInvalidCSR: the request does not parse or its signature is bad.
	ErrInvalidCSR = errors.New("invalid certificate signing request")
)

// Allowed gateway key algorithms. Names follow the product's certificate
// key-algorithm identifiers.
const (
	AlgRSA2048 = "RSA_2048"
	AlgRSA4096 = "RSA_4096"
	AlgECP256  = "EC_prime256v1"
	AlgECP384  = "EC_secp384r1"
)

// RootStore holds per-organization root CAs and the per-CA serial sequence.
type RootStore interface {
	// EnsureCA returns the org's active root CA, creating it via create on
	// first issuance.
	EnsureCA(ctx context.Context, orgID uuid.UUID, create func() (*models.OrgRootCA, error)) (*models.OrgRootCA, error)
	// GetCA loads a CA by id; ErrRootCaUnavailable if absent.
	GetCA(ctx context.Context, id uuid.UUID) (*models.OrgRootCA, error)
	// AllocateSerial durably increments and returns the CA's serial
	// counter. Must be recorded before the certificate is handed out.
	AllocateSerial(ctx context.Context, caID uuid.UUID) (int64, error)
}

// Issued is the metadata handed back with a signed leaf certificate; it is
// exactly what the gateway record persists.
type Issued struct {
	OrgRootCaID    uuid.UUID
	SerialNumber   int64
	KeyAlgorithm   string
	IssuedAt       time.Time
	Expiration     time.Time
	CertificatePEM []byte
	CAPEM          []byte
}

// Issuer signs gateway leaf certificates. It is the only component that
// touches root CA private key material: keys live sealed in the store and
// are unsealed here, per signature, and nowhere else.
type Issuer struct {
	Roots      RootStore
	Identities identity.Directory
	Codec      *secrets.Codec
	RootTTL    time.Duration
	CertTTL    time.Duration
	Now        func() time.Time
}

func NewIssuer(roots RootStore, ids identity.Directory, codec *secrets.Codec, rootTTL, certTTL time.Duration) *Issuer {
	return &Issuer{Roots: roots, Identities: ids, Codec: codec, RootTTL: rootTTL, CertTTL: certTTL, Now: time.Now}
}

// Issue validates the identity and CSR, allocates the next serial under the
// org's root CA and signs a leaf valid for CertTTL. Serial allocation
// happens before signing, so a crash between the two burns a serial but
// never reuses one.
func (s *Issuer) Issue(ctx context.Context, identityID, orgID uuid.UUID, csrPEM []byte) (*Issued, error) {
	ident, err := s.Identities.Get(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityInactive, err)
	}
	if ident.OrgID != orgID || !ident.Active() {
		return nil, ErrIdentityInactive
	}

	csr, alg, err := ParseCSR(csrPEM)
	if err != nil {
		return nil, err
	}

	ca, err := s.ensureCA(ctx, orgID)
	if err != nil {
		return nil, err
	}

	serial, err := s.Roots.AllocateSerial(ctx, ca.ID)
	if err != nil {
		return nil, fmt.Errorf("serial allocation: %w", err)
	}

	caCert, caKey, err := s.openCA(ctx, ca)
	if err != nil {
		return nil, err
	}

	issuedAt := s.Now().UTC()
	expiration := issuedAt.Add(s.CertTTL)
	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: ident.Name, Organization: []string{orgID.String()}},
		NotBefore:    issuedAt, NotAfter: expiration,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, caCert, csr.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf: %w", err)
	}
	var certPEM bytes.Buffer
	if err := pem.Encode(&certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return nil, err
	}

	return &Issued{
		OrgRootCaID:    ca.ID,
		SerialNumber:   serial,
		KeyAlgorithm:   alg,
		IssuedAt:       issuedAt,
		Expiration:     expiration,
		CertificatePEM: certPEM.Bytes(),
		CAPEM:          ca.CertificatePEM,
	}, nil
}

// ParseCSR decodes and verifies a PEM CSR and classifies its public key
// against the algorithm allow-list.
func ParseCSR(csrPEM []byte) (*x509.CertificateRequest, string, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, "", fmt.Errorf("%w: not a PEM certificate request", ErrInvalidCSR)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}
	alg, err := classifyKey(csr.PublicKey)
	if err != nil {
		return nil, "", err
	}
	return csr, alg, nil
}

func classifyKey(pub any) (string, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		switch k.N.BitLen() {
		case 2048:
			return AlgRSA2048, nil
		case 4096:
			return AlgRSA4096, nil
		}
		return "", fmt.Errorf("%w: rsa-%d", ErrUnsupportedAlgorithm, k.N.BitLen())
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return AlgECP256, nil
		case elliptic.P384():
			return AlgECP384, nil
		}
		return "", fmt.Errorf("%w: curve %s", ErrUnsupportedAlgorithm, k.Curve.Params().Name)
	}
	return "", fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, pub)
}

func (s *Issuer) ensureCA(ctx context.Context, orgID uuid.UUID) (*models.OrgRootCA, error) {
	ca, err := s.Roots.EnsureCA(ctx, orgID, func() (*models.OrgRootCA, error) {
		return s.newRootCA(ctx, orgID)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootCaUnavailable, err)
	}
	if ca.Status != models.RootCAStatusActive {
		return nil, fmt.Errorf("%w: status %q", ErrRootCaUnavailable, ca.Status)
	}
	return ca, nil
}

// newRootCA builds a fresh self-signed org root. The private key is sealed
// with the org cipher before it ever reaches the store.
func (s *Issuer) newRootCA(ctx context.Context, orgID uuid.UUID) (*models.OrgRootCA, error) {
	nb, na := s.Now().UTC().Add(-time.Hour), s.Now().UTC().Add(s.RootTTL)
	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "Gateway Root CA " + orgID.String()},
		NotBefore:    nb, NotAfter: na,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true, IsCA: true, MaxPathLenZero: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &sk.PublicKey, sk)
	if err != nil {
		return nil, err
	}
	var certPEM, keyPEM, pubPEM bytes.Buffer
	if err := pem.Encode(&certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return nil, err
	}
	derKey, err := x509.MarshalECPrivateKey(sk)
	if err != nil {
		return nil, err
	}
	if err := pem.Encode(&keyPEM, &pem.Block{Type: "EC PRIVATE KEY", Bytes: derKey}); err != nil {
		return nil, err
	}
	derPub, err := x509.MarshalPKIXPublicKey(&sk.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := pem.Encode(&pubPEM, &pem.Block{Type: "PUBLIC KEY", Bytes: derPub}); err != nil {
		return nil, err
	}
	sealed, err := s.Codec.SealRootKey(ctx, orgID, keyPEM.Bytes())
	if err != nil {
		return nil, err
	}
	return &models.OrgRootCA{
		ID:             uuid.New(),
		OrgID:          orgID,
		Status:         models.RootCAStatusActive,
		PublicKeyPEM:   pubPEM.Bytes(),
		CertificatePEM: certPEM.Bytes(),
		SealedKey:      sealed,
		NotBefore:      nb,
		NotAfter:       na,
	}, nil
}

func (s *Issuer) openCA(ctx context.Context, ca *models.OrgRootCA) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	cb, _ := pem.Decode(ca.CertificatePEM)
	if cb == nil {
		return nil, nil, fmt.Errorf("%w: malformed CA certificate", ErrRootCaUnavailable)
	}
	cert, err := x509.ParseCertificate(cb.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRootCaUnavailable, err)
	}
	keyPEM, err := s.Codec.UnsealRootKey(ctx, ca.OrgID, ca.SealedKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRootCaUnavailable, err)
	}
	kb, _ := pem.Decode(keyPEM)
	if kb == nil {
		return nil, nil, fmt.Errorf("%w: malformed CA key", ErrRootCaUnavailable)
	}
	key, err := x509.ParseECPrivateKey(kb.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRootCaUnavailable, err)
	}
	return cert, key, nil
}
