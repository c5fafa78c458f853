package identity

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// Keystore persistence modes.
const (
	KeystoreModeAge  = "age"  // private key encrypted with a passphrase (scrypt)
	KeystoreModeNone = "none" // private key stored in plaintext; tests and automation
)

// Keystore stores the signing keypair on disk. The public key is always
// plaintext PEM; the private key is either age passphrase-encrypted or,
// in "none" mode, plaintext with 0600 permissions.
type Keystore struct {
	publicKeyPath  string
	privateKeyPath string
	mode           string
}

// NewKeystore creates a keystore over the given key paths.
func NewKeystore(publicKeyPath, privateKeyPath, mode string) (*Keystore, error) {
	switch mode {
	case KeystoreModeAge, KeystoreModeNone:
	case "":
		mode = KeystoreModeAge
	default:
		return nil, fmt.Errorf("unknown keystore mode: %s", mode)
	}
	return &Keystore{
		publicKeyPath:  publicKeyPath,
		privateKeyPath: privateKeyPath,
		mode:           mode,
	}, nil
}

// IsConfigured returns true if both key files exist.
func (k *Keystore) IsConfigured() bool {
	if _, err := os.Stat(k.publicKeyPath); err != nil {
		return false
	}
	if _, err := os.Stat(k.privateKeyPath); err != nil {
		return false
	}
	return true
}

// Setup performs one-time key generation: a fresh ECDSA P-256 keypair,
// public half written as plaintext PEM, private half written according to
// the keystore mode. Returns the generated key so the caller can derive
// the DID without a second Load.
func (k *Keystore) Setup(passphrase string) (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(k.publicKeyPath), 0700); err != nil {
		return nil, fmt.Errorf("creating public key directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(k.privateKeyPath), 0700); err != nil {
		return nil, fmt.Errorf("creating private key directory: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(k.publicKeyPath, pubPEM, 0644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}

	privDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})

	if err := k.writePrivateKey(privPEM, passphrase); err != nil {
		return nil, err
	}

	return key, nil
}

// Load reads and decrypts the private key. In "none" mode the passphrase
// is ignored.
func (k *Keystore) Load(passphrase string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(k.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	if k.mode == KeystoreModeAge {
		ident, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, fmt.Errorf("creating scrypt identity: %w", err)
		}
		r, err := age.Decrypt(bytes.NewReader(data), ident)
		if err != nil {
			return nil, fmt.Errorf("decrypting private key: %w", err)
		}
		data, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("reading decrypted private key: %w", err)
		}
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("private key file is not an EC PRIVATE KEY PEM")
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return key, nil
}

// PublicKey reads the stored public half without touching the private key.
func (k *Keystore) PublicKey() (*ecdsa.PublicKey, error) {
	data, err := os.ReadFile(k.publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading public key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("public key file is not a PUBLIC KEY PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ECDSA")
	}
	return pub, nil
}

func (k *Keystore) writePrivateKey(privPEM []byte, passphrase string) error {
	f, err := os.OpenFile(k.privateKeyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating private key file: %w", err)
	}
	defer f.Close()

	if k.mode == KeystoreModeNone {
		if _, err := f.Write(privPEM); err != nil {
			return fmt.Errorf("writing private key: %w", err)
		}
		return nil
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}

	w, err := age.Encrypt(f, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(privPEM); err != nil {
		return fmt.Errorf("writing encrypted private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted private key: %w", err)
	}

	return nil
}
