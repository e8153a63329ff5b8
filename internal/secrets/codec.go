package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"google.golang.org/protobuf/proto"
)

// ErrAddressTampered means a ciphertext failed authentication (or is not a
// valid envelope at all). Decryption fails closed: a blob that does not
// authenticate is never treated as plaintext.
var ErrAddressTampered = errors.New("ciphertext failed authentication")

// AAD scopes. A blob sealed for one purpose does not decrypt for another.
const (
	scopeRelayAddress = "relay-address"
	scopeRootKey      = "root-ca-key"
)

// Codec is the org-scoped authenticated-encryption layer: relay addresses
// at rest and sealed root CA private keys. Ciphertexts are marshaled
// wrapping.BlobInfo envelopes, so every blob carries its key id and can be
// re-wrapped when org keys rotate.
type Codec struct {
	Keys KeyProvider
}

func NewCodec(kp KeyProvider) *Codec { return &Codec{Keys: kp} }

func (c *Codec) EncryptRelayAddress(ctx context.Context, orgID uuid.UUID, address string) ([]byte, error) {
	return c.encrypt(ctx, orgID, scopeRelayAddress, []byte(address))
}

func (c *Codec) DecryptRelayAddress(ctx context.Context, orgID uuid.UUID, blob []byte) (string, error) {
	pt, err := c.decrypt(ctx, orgID, scopeRelayAddress, blob)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func (c *Codec) SealRootKey(ctx context.Context, orgID uuid.UUID, keyPEM []byte) ([]byte, error) {
	return c.encrypt(ctx, orgID, scopeRootKey, keyPEM)
}

func (c *Codec) UnsealRootKey(ctx context.Context, orgID uuid.UUID, blob []byte) ([]byte, error) {
	return c.decrypt(ctx, orgID, scopeRootKey, blob)
}

func (c *Codec) wrapper(ctx context.Context, orgID uuid.UUID) (*aead.Wrapper, error) {
	key, err := c.Keys.OrgKey(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("org key lookup: %w", err)
	}
	w := aead.NewWrapper()
	if _, err := w.SetConfig(ctx, wrapping.WithKeyId(orgID.String())); err != nil {
		return nil, err
	}
	if err := w.SetAesGcmKeyBytes(key); err != nil {
		return nil, err
	}
	return w, nil
}

func (c *Codec) encrypt(ctx context.Context, orgID uuid.UUID, scope string, pt []byte) ([]byte, error) {
	w, err := c.wrapper(ctx, orgID)
	if err != nil {
		return nil, err
	}
	blob, err := w.Encrypt(ctx, pt, wrapping.WithAad(aad(orgID, scope)))
	if err != nil {
		return nil, err
	}
	return proto.Marshal(blob)
}

func (c *Codec) decrypt(ctx context.Context, orgID uuid.UUID, scope string, raw []byte) ([]byte, error) {
	w, err := c.wrapper(ctx, orgID)
	if err != nil {
		return nil, err
	}
	blob := new(wrapping.BlobInfo)
	if err := proto.Unmarshal(raw, blob); err != nil {
		return nil, fmt.Errorf("%s: %w", scope, ErrAddressTampered)
	}
	pt, err := w.Decrypt(ctx, blob, wrapping.WithAad(aad(orgID, scope)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", scope, ErrAddressTampered)
	}
	return pt, nil
}

func aad(orgID uuid.UUID, scope string) []byte {
	return append([]byte(scope+"|"), orgID[:]...)
}
