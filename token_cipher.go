package securefetch

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/tink-crypto/tink-go/v2/aead/subtle"
	"golang.org/x/crypto/pbkdf2"
)

// MinSecretLength is the shortest secret accepted by ConfigureKey.
const MinSecretLength = 32

const aesKeySize = 32

// KeyDerivation parameterises PBKDF2-SHA256 key derivation.
type KeyDerivation struct {
	Salt       []byte
	Iterations int
}

// DefaultKeyDerivation returns the documented derivation parameters.
func DefaultKeyDerivation() KeyDerivation {
	return KeyDerivation{
		Salt:       []byte("securefetch/token-store/v1"),
		Iterations: 600000,
	}
}

// Sealed is an encrypted token: the nonce and the ciphertext with its
// authentication tag.
type Sealed struct {
	IV         []byte
	Ciphertext []byte
}

// TokenCipher seals and opens token plaintexts. Implementations must use a
// fresh nonce for every Seal and must authenticate aad.
type TokenCipher interface {
	Seal(plaintext, aad []byte) (Sealed, error)
	Open(sealed Sealed, aad []byte) ([]byte, error)
	// Destroy scrubs key material; later calls fail with ErrKeyNotConfigured.
	Destroy()
}

// PBKDF2Cipher is an AES-256-GCM TokenCipher keyed by PBKDF2-SHA256 over a
// caller-supplied secret.
type PBKDF2Cipher struct {
	mu  sync.Mutex
	key []byte
}

// NewPBKDF2Cipher derives a key from secret. Secrets shorter than
// MinSecretLength are rejected with ErrWeakKey.
func NewPBKDF2Cipher(secret string, params KeyDerivation) (*PBKDF2Cipher, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakKey
	}
	if params.Iterations <= 0 || len(params.Salt) == 0 {
		return nil, errors.New("key derivation requires a salt and a positive iteration count")
	}

	password := []byte(secret)
	key := pbkdf2.Key(password, params.Salt, params.Iterations, aesKeySize, sha256.New)
	clear(password)

	return &PBKDF2Cipher{key: key}, nil
}

// Seal implements TokenCipher.
func (c *PBKDF2Cipher) Seal(plaintext, aad []byte) (Sealed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key == nil {
		return Sealed{}, ErrKeyNotConfigured
	}
	aead, err := subtle.NewAESGCM(c.key)
	if err != nil {
		return Sealed{}, fmt.Errorf("init cipher: %w", err)
	}
	out, err := aead.Encrypt(plaintext, aad)
	if err != nil {
		return Sealed{}, fmt.Errorf("encrypt: %w", err)
	}
	return Sealed{
		IV:         out[:subtle.AESGCMIVSize],
		Ciphertext: out[subtle.AESGCMIVSize:],
	}, nil
}

// Open implements TokenCipher. Tampered input, a wrong key or wrong aad all
// fail authentication.
func (c *PBKDF2Cipher) Open(sealed Sealed, aad []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key == nil {
		return nil, ErrKeyNotConfigured
	}
	if len(sealed.IV) != subtle.AESGCMIVSize {
		return nil, fmt.Errorf("invalid nonce length %d", len(sealed.IV))
	}
	aead, err := subtle.NewAESGCM(c.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	combined := make([]byte, 0, len(sealed.IV)+len(sealed.Ciphertext))
	combined = append(combined, sealed.IV...)
	combined = append(combined, sealed.Ciphertext...)

	plaintext, err := aead.Decrypt(combined, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Destroy implements TokenCipher.
func (c *PBKDF2Cipher) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.key)
	c.key = nil
}
