package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"dcol-go/internal/model"
)

// DIDPrefix is the scheme prefix for peer identifiers.
const DIDPrefix = "did:p2p:"

// MaxTimestampSkew is the largest tolerated difference between a
// signature's embedded timestamp and the verifier's wall clock.
const MaxTimestampSkew = time.Hour

var (
	ErrDIDMismatch        = errors.New("author DID does not match embedded public key")
	ErrInvalidSignature   = errors.New("signature verification failed")
	ErrTimestampSkew      = errors.New("signature timestamp outside tolerated window")
	ErrInvalidProofOfWork = errors.New("proof of work verification failed")
)

// Clock abstracts time retrieval so signing is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Identity holds a peer's signing key, derived DID, and Lamport clock.
// The Lamport clock advances on every local signature and merges with
// remote clocks as operations are observed, so the (clock, timestamp,
// DID) tuple attached to each operation defines a portable total order.
type Identity struct {
	key   *ecdsa.PrivateKey
	did   string
	clock Clock
	miner *Miner

	mu      sync.Mutex
	lamport uint64
}

// New creates an Identity from an existing key, generating a fresh ECDSA
// P-256 keypair when key is nil. The Lamport clock starts at zero.
// miner may be nil if proof-of-work signing is never requested.
func New(key *ecdsa.PrivateKey, clock Clock, miner *Miner) (*Identity, error) {
	if key == nil {
		var err error
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating keypair: %w", err)
		}
	}
	if clock == nil {
		clock = RealClock{}
	}

	did, err := DeriveDID(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("deriving DID: %w", err)
	}

	return &Identity{
		key:   key,
		did:   did,
		clock: clock,
		miner: miner,
	}, nil
}

// DID returns this peer's identifier.
func (id *Identity) DID() string { return id.did }

// Lamport returns the current Lamport clock value.
func (id *Identity) Lamport() uint64 {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.lamport
}

// MergeClock applies the standard Lamport merge on receipt of a remote
// clock value: local = max(local, received) + 1. Returns the new value.
func (id *Identity) MergeClock(received uint64) uint64 {
	id.mu.Lock()
	defer id.mu.Unlock()
	if received > id.lamport {
		id.lamport = received
	}
	id.lamport++
	return id.lamport
}

// Sign increments the Lamport clock and signs the canonical serialization
// of payload. When requirePoW is set, a proof-of-work nonce is mined on
// the shared miner before the block is returned; mining honors ctx
// cancellation and only the signer waits on it.
func (id *Identity) Sign(ctx context.Context, payload any, requirePoW bool, difficulty int) (*model.SignatureBlock, error) {
	canonical, err := model.CanonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing payload: %w", err)
	}

	id.mu.Lock()
	id.lamport++
	lamport := id.lamport
	id.mu.Unlock()

	ts := id.clock.Now().UTC()

	digest := sha256.Sum256(canonical)
	sig, err := ecdsa.SignASN1(rand.Reader, id.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing payload: %w", err)
	}

	pub, err := EncodePublicKey(&id.key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}

	block := &model.SignatureBlock{
		AuthorDID:    id.did,
		PublicKey:    pub,
		Signature:    base64.StdEncoding.EncodeToString(sig),
		LamportClock: lamport,
		Timestamp:    ts,
	}

	if requirePoW {
		if id.miner == nil {
			return nil, errors.New("proof of work requested but no miner configured")
		}
		challenge := Challenge(canonical, id.did, ts, lamport)
		pow, err := id.miner.Mine(ctx, challenge, difficulty)
		if err != nil {
			return nil, fmt.Errorf("mining proof of work: %w", err)
		}
		block.ProofOfWork = pow
	}

	return block, nil
}

// Verify checks a signature block against the payload it claims to sign.
// It recomputes the DID from the embedded public key, verifies the ECDSA
// signature over the canonical payload, independently recomputes any
// attached proof of work, and rejects timestamps more than an hour from
// now. A nil error means the block is valid.
func Verify(payload any, block *model.SignatureBlock, now time.Time) error {
	if block == nil {
		return ErrInvalidSignature
	}

	pub, err := DecodePublicKey(block.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	did, err := DeriveDID(pub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if did != block.AuthorDID {
		return ErrDIDMismatch
	}

	canonical, err := model.CanonicalJSON(payload)
	if err != nil {
		return fmt.Errorf("canonicalizing payload: %w", err)
	}

	sig, err := base64.StdEncoding.DecodeString(block.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	digest := sha256.Sum256(canonical)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return ErrInvalidSignature
	}

	if block.ProofOfWork != nil {
		challenge := Challenge(canonical, block.AuthorDID, block.Timestamp, block.LamportClock)
		if err := VerifyProofOfWork(block.ProofOfWork, challenge); err != nil {
			return err
		}
	}

	skew := now.Sub(block.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return ErrTimestampSkew
	}

	return nil
}

// DeriveDID computes the peer identifier from a public key:
// "did:p2p:" + base64url(sha256(PKIX(publicKey)))[:16].
func DeriveDID(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}
	digest := sha256.Sum256(der)
	encoded := base64.RawURLEncoding.EncodeToString(digest[:])
	return DIDPrefix + encoded[:16], nil
}

// EncodePublicKey serializes a public key for embedding in a signature
// block: base64 over the PKIX DER encoding.
func EncodePublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// DecodePublicKey reverses EncodePublicKey.
func DecodePublicKey(encoded string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ECDSA")
	}
	return pub, nil
}
