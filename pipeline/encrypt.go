package pipeline

import (
	"fmt"
	"io"

	"filippo.io/age"

	gateway "github.com/quarkstore/gateway"
	"github.com/quarkstore/gateway/metadata"
)

// AlgorithmAgeX25519 is the supported at-rest encryption algorithm name.
// Only the name crosses into content metadata; key material stays in tenant
// configuration.
const AlgorithmAgeX25519 = "age-x25519"

// Encryptor encrypts plaintext on its way to the backbone and decrypts it
// transparently on reads.
type Encryptor interface {
	// Algorithm returns the outward-facing algorithm name.
	Algorithm() string
	// Encrypt returns a writer that encrypts into dst. It must be closed
	// to flush the final ciphertext.
	Encrypt(dst io.Writer) (io.WriteCloser, error)
	// Decrypt returns a reader producing plaintext from ciphertext src.
	Decrypt(src io.Reader) (io.Reader, error)
}

// AgeEncryptor implements Encryptor using filippo.io/age X25519 keys.
type AgeEncryptor struct {
	recipient *age.X25519Recipient
	identity  *age.X25519Identity
}

// NewAgeEncryptor parses the tenant's recipient (public) and identity
// (private) key strings. The identity may be empty for write-only tenants;
// reads then fail with an explicit error.
func NewAgeEncryptor(recipient, identity string) (*AgeEncryptor, error) {
	e := &AgeEncryptor{}

	rec, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("parsing age recipient: %w", err)
	}
	e.recipient = rec

	if identity != "" {
		id, err := age.ParseX25519Identity(identity)
		if err != nil {
			return nil, fmt.Errorf("parsing age identity: %w", err)
		}
		e.identity = id
	}

	return e, nil
}

// Algorithm implements Encryptor.
func (e *AgeEncryptor) Algorithm() string {
	return AlgorithmAgeX25519
}

// Encrypt implements Encryptor.
func (e *AgeEncryptor) Encrypt(dst io.Writer) (io.WriteCloser, error) {
	w, err := age.Encrypt(dst, e.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	return w, nil
}

// Decrypt implements Encryptor.
func (e *AgeEncryptor) Decrypt(src io.Reader) (io.Reader, error) {
	if e.identity == nil {
		return nil, fmt.Errorf("no age identity configured for decryption")
	}
	r, err := age.Decrypt(src, e.identity)
	if err != nil {
		return nil, fmt.Errorf("creating decrypted reader: %w", err)
	}
	return r, nil
}

// ForTenant builds the tenant's encryptor from configuration. A tenant with
// no encryption algorithm returns (nil, nil).
func ForTenant(tenant metadata.Tenant) (Encryptor, error) {
	switch tenant.Encryption.Algorithm {
	case "":
		return nil, nil
	case AlgorithmAgeX25519:
		return NewAgeEncryptor(tenant.Encryption.Recipient, tenant.Encryption.Identity)
	default:
		return nil, gateway.E(gateway.KindBadRequest, "unknown encryption algorithm %q", tenant.Encryption.Algorithm)
	}
}

var _ Encryptor = (*AgeEncryptor)(nil)
