package client

import (
	"fmt"

	"Replicert/internal/encoding"
	"Replicert/internal/identity"
	"Replicert/internal/protocol"
)

// Certificate proves that every member of Identity stored the bytes hashing to Hash.
type Certificate struct {
	Hash      protocol.Hash      // Hash is the content hash and storage key
	Signature identity.Signature // Signature is the aggregate attestation
	Identity  identity.PublicKey // Identity is the availability set announced at connect time
	Size      uint64             // Size is the payload length
}

// Verify checks the aggregate signature against the retained identity.
func (c *Certificate) Verify() error {
	if _, err := identity.ParseSignature(c.Signature[:]); err != nil {
		return fmt.Errorf("%w: certificate: %v", protocol.ErrCryptoFormat, err)
	}

	if !identity.Verify(c.Identity, c.Signature, c.Hash[:]) {
		return fmt.Errorf("%w: certificate of availability does not verify against %s", protocol.ErrIntegrity, c.Identity)
	}

	return nil
}

// ParseCertificate decodes base-58 identity, hash and signature text.
func ParseCertificate(identityText, hashText, signatureText string) (*Certificate, error) {
	pk, err := encoding.FromBase58(identityText, identity.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	h, err := encoding.FromBase58(hashText, protocol.HashSize)
	if err != nil {
		return nil, fmt.Errorf("hash: %w", err)
	}

	sig, err := encoding.FromBase58(signatureText, identity.SignatureSize)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	cert := &Certificate{}
	copy(cert.Identity[:], pk)
	copy(cert.Hash[:], h)
	copy(cert.Signature[:], sig)

	return cert, nil
}
