package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"

	"Replicert/internal/encoding"
)

const (
	// PublicKeySize is the size of a compressed G2 public key in bytes.
	PublicKeySize = 96

	// SignatureSize is the size of a compressed G1 signature in bytes.
	SignatureSize = 48
)

// dst is the domain separation tag for min-signature BLS over G1.
var dst = []byte("BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_")

// PublicKey is a compressed public key as carried on the wire.
type PublicKey [PublicKeySize]byte

// Signature is a compressed signature as carried on the wire.
type Signature [SignatureSize]byte

// Bytes returns the key as a slice.
func (p PublicKey) Bytes() []byte { return p[:] }

// String returns the base-58 text of the key.
func (p PublicKey) String() string { return encoding.ToBase58(p[:]) }

// Bytes returns the signature as a slice.
func (s Signature) Bytes() []byte { return s[:] }

// String returns the base-58 text of the signature.
func (s Signature) String() string { return encoding.ToBase58(s[:]) }

// KeyPair holds a node's secret and public key. The secret never leaves the process.
type KeyPair struct {
	secret *blst.SecretKey // secret is the signing key
	public *blst.P2Affine  // public is the verification key in G2
}

// Generate creates a new key pair from a random seed.
func Generate() (*KeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return FromSeed(ikm[:])
}

// DeriveFromED25519 derives a deterministic key pair bound to a transport key.
// The seed is BLAKE3("replicert-bls-keygen" || ed25519 seed).
func DeriveFromED25519(privKey ed25519.PrivateKey) (*KeyPair, error) {
	h := blake3.New()
	h.Write([]byte("replicert-bls-keygen"))
	h.Write(privKey.Seed())

	var derived [32]byte
	h.Sum(derived[:0])

	return FromSeed(derived[:])
}

// FromSeed creates a key pair from a deterministic seed of at least 32 bytes.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &KeyPair{
		secret: secret,
		public: new(blst.P2Affine).From(secret),
	}, nil
}

// Public returns the compressed public key.
func (k *KeyPair) Public() PublicKey {
	var pk PublicKey
	copy(pk[:], k.public.Compress())

	return pk
}

// Sign signs the message with the secret key.
func (k *KeyPair) Sign(message []byte) Signature {
	var sig Signature
	copy(sig[:], new(blst.P1Affine).Sign(k.secret, message, dst).Compress())

	return sig
}

// Verify checks a signature against a message and a (possibly aggregated) public key.
// Malformed keys or signatures verify as false.
func Verify(pub PublicKey, sig Signature, message []byte) bool {
	pk := new(blst.P2Affine).Uncompress(pub[:])
	if pk == nil {
		return false
	}

	s := new(blst.P1Affine).Uncompress(sig[:])
	if s == nil {
		return false
	}

	return s.Verify(true, pk, true, message, dst)
}

// ParsePublicKey checks that the bytes decode to a valid group element.
func ParsePublicKey(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("public key size: got %d, want %d", len(b), PublicKeySize)
	}

	p := new(blst.P2Affine).Uncompress(b)
	if p == nil || !p.KeyValidate() {
		return pk, fmt.Errorf("invalid public key encoding")
	}

	copy(pk[:], b)

	return pk, nil
}

// ParseSignature checks that the bytes decode to a valid group element.
func ParseSignature(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != SignatureSize {
		return sig, fmt.Errorf("signature size: got %d, want %d", len(b), SignatureSize)
	}

	s := new(blst.P1Affine).Uncompress(b)
	if s == nil || !s.SigValidate(false) {
		return sig, fmt.Errorf("invalid signature encoding")
	}

	copy(sig[:], b)

	return sig, nil
}

// AggregatePublicKeys combines public keys into one. Order does not matter.
func AggregatePublicKeys(keys []PublicKey) (PublicKey, error) {
	var out PublicKey
	if len(keys) == 0 {
		return out, fmt.Errorf("no public keys to aggregate")
	}

	pks := make([]*blst.P2Affine, len(keys))

	for i := range keys {
		pk := new(blst.P2Affine).Uncompress(keys[i][:])
		if pk == nil {
			return out, fmt.Errorf("invalid public key at index %d", i)
		}

		pks[i] = pk
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(pks, true) {
		return out, fmt.Errorf("public key aggregation failed")
	}

	copy(out[:], agg.ToAffine().Compress())

	return out, nil
}

// AggregateSignatures combines signatures over the same message into one.
func AggregateSignatures(sigs []Signature) (Signature, error) {
	var out Signature
	if len(sigs) == 0 {
		return out, fmt.Errorf("no signatures to aggregate")
	}

	ss := make([]*blst.P1Affine, len(sigs))

	for i := range sigs {
		s := new(blst.P1Affine).Uncompress(sigs[i][:])
		if s == nil {
			return out, fmt.Errorf("invalid signature at index %d", i)
		}

		ss[i] = s
	}

	agg := new(blst.P1Aggregate)
	if !agg.Aggregate(ss, true) {
		return out, fmt.Errorf("signature aggregation failed")
	}

	copy(out[:], agg.ToAffine().Compress())

	return out, nil
}
