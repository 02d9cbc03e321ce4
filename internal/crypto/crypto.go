// Package crypto provides all cryptographic primitives used by passdrop.
//
// Key derivation: PBKDF2-HMAC-SHA256 over the shared passphrase and a random
// salt, 600,000 iterations, producing a 32-byte key. The same derivation
// serves both the authentication key (per challenge) and the payload key
// (once per sender run).
//
// Encryption: AES-256-GCM by default, ChaCha20-Poly1305 as an alternative
// suite. Every encryption uses a fresh random 12-byte nonce under a key tied
// to a fresh salt, so a (key, nonce) pair is never reused.
//
// Proof of knowledge: HMAC-SHA256 of the server's challenge nonce under the
// authentication key, hex encoded, compared in constant time.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/merlos/passdrop/pkg/protocol"
)

const (
	// KDFIterations is the PBKDF2 iteration count.
	KDFIterations = 600_000

	// KeySize is the size in bytes of every derived key.
	KeySize = 32

	// SaltSize is the size in bytes of KDF salts.
	SaltSize = 32

	// NonceSize is the AEAD nonce size in bytes (both suites).
	NonceSize = 12

	// ChallengeNonceSize is the size of the random nonce the server asks
	// the client to prove over.
	ChallengeNonceSize = 16

	// ProofSize is the decoded size of a proof (HMAC-SHA256 output).
	ProofSize = sha256.Size
)

// Suite names an AEAD construction.
type Suite string

const (
	// SuiteAESGCM is AES-256-GCM, the default.
	SuiteAESGCM Suite = "aes-256-gcm"

	// SuiteChaCha20Poly1305 is ChaCha20-Poly1305.
	SuiteChaCha20Poly1305 Suite = "chacha20-poly1305"
)

// ParseSuite returns the Suite for name. The empty string selects SuiteAESGCM.
func ParseSuite(name string) (Suite, error) {
	switch Suite(name) {
	case "", SuiteAESGCM:
		return SuiteAESGCM, nil
	case SuiteChaCha20Poly1305:
		return SuiteChaCha20Poly1305, nil
	}
	return "", fmt.Errorf("unknown cipher suite %q (use %s or %s)", name, SuiteAESGCM, SuiteChaCha20Poly1305)
}

func (s Suite) aead(key []byte) (cipher.AEAD, error) {
	switch s {
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case SuiteAESGCM, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
	return nil, fmt.Errorf("unknown cipher suite %q", s)
}

// Seal encrypts plaintext under key with a freshly generated nonce and
// returns the nonce and ciphertext+tag.
func (s Suite) Seal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := s.aead(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating AEAD cipher: %w", err)
	}
	nonce, err = RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts ciphertext+tag. Any failure to authenticate, whether from a
// wrong key or tampered data, is reported as protocol.ErrAuthFailed with no
// further detail.
func (s Suite) Open(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := s.aead(key)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, protocol.ErrAuthFailed
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, protocol.ErrAuthFailed
	}
	return plain, nil
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over the passphrase and salt. It always
// performs the full iteration count.
func DeriveKey(p *Passphrase, salt []byte) ([]byte, error) {
	var key []byte
	err := p.use(func(secret []byte) {
		key = pbkdf2.Key(secret, salt, KDFIterations, KeySize, sha256.New)
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random nonce.
func Encrypt(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	return SuiteAESGCM.Seal(key, plaintext)
}

// Decrypt opens an AES-256-GCM ciphertext. See Suite.Open.
func Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	return SuiteAESGCM.Open(key, nonce, ciphertext)
}

// ComputeProof returns the hex-encoded HMAC-SHA256 of message under key.
func ComputeProof(key, message []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyProof reports whether proof is the proof of message under key.
// The comparison runs in constant time over the hex encodings.
func VerifyProof(key, message []byte, proof string) bool {
	expected := ComputeProof(key, message)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(proof)) == 1
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// Sealed is a payload encrypted under a passphrase-derived key, together with
// the salt needed to rederive that key.
type Sealed struct {
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// SealPayload draws a fresh salt, derives the payload key from p and
// encrypts plaintext with suite.
func SealPayload(suite Suite, p *Passphrase, plaintext []byte) (*Sealed, error) {
	salt, err := RandomBytes(SaltSize)
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(p, salt)
	if err != nil {
		return nil, fmt.Errorf("deriving payload key: %w", err)
	}
	defer clear(key)

	nonce, ct, err := suite.Seal(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}
	return &Sealed{Salt: salt, Nonce: nonce, Ciphertext: ct}, nil
}

// OpenPayload derives the payload key from p and the sealed salt and
// decrypts. A wrong passphrase yields protocol.ErrAuthFailed.
func OpenPayload(suite Suite, p *Passphrase, s *Sealed) ([]byte, error) {
	key, err := DeriveKey(p, s.Salt)
	if err != nil {
		return nil, fmt.Errorf("deriving payload key: %w", err)
	}
	defer clear(key)
	return suite.Open(key, s.Nonce, s.Ciphertext)
}

// FingerprintKey returns a short human-readable fingerprint (first 8 bytes hex)
// of a public value such as a ciphertext, used in logs to show that all
// receivers got the same payload.
func FingerprintKey(b []byte) string {
	h := sha256.Sum256(b)
	return fmt.Sprintf("%x", h[:8])
}
