package lockstep

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Payloads at rest are sealed with AES-256-GCM, a fresh random nonce
// prepended to each ciphertext. The key comes either raw from config or
// is derived from a password with PBKDF2; in password mode the
// derivation salt travels with the data it protects, so payloads
// written under an older salt stay readable after a restart.
const (
	// EncryptionKeySize is the raw key length, AES-256.
	EncryptionKeySize = 32
	// EncryptionSaltSize is the PBKDF2 salt length.
	EncryptionSaltSize = 32

	encNonceSize = 12
	encKDFRounds = 100000
)

var (
	errCiphertextShort = errors.New("ciphertext shorter than nonce")
	errSaltSize        = errors.New("invalid salt size")
)

// Keyring seals and opens payload ciphertexts. It holds the active
// write key plus, in password mode, one derived key per salt seen.
type Keyring struct {
	password string
	salt     []byte
	active   cipher.AEAD

	mu      sync.Mutex
	derived map[string]cipher.AEAD
}

// NewKeyring builds a keyring from the encryption config. Disabled
// config yields a nil keyring and no error.
func NewKeyring(cfg EncryptionConfig) (*Keyring, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if len(cfg.Key) > 0 {
		if len(cfg.Key) != EncryptionKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		aead, err := newPayloadAEAD(cfg.Key)
		if err != nil {
			return nil, err
		}
		return &Keyring{active: aead}, nil
	}

	if cfg.KeyPassword == "" {
		return nil, errors.New("encryption enabled but no key or password provided")
	}
	salt := make([]byte, EncryptionSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	aead, err := derivePayloadAEAD(cfg.KeyPassword, salt)
	if err != nil {
		return nil, err
	}
	return &Keyring{
		password: cfg.KeyPassword,
		salt:     salt,
		active:   aead,
		derived:  map[string]cipher.AEAD{string(salt): aead},
	}, nil
}

// Seal encrypts plaintext under the active key. The returned salt is
// non-nil only in password mode and must be stored alongside the
// ciphertext for Open to find the right key later.
func (k *Keyring) Seal(plaintext []byte) (ciphertext, salt []byte, err error) {
	nonce := make([]byte, encNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return k.active.Seal(nonce, nonce, plaintext, nil), k.salt, nil
}

// Open decrypts a ciphertext. A non-empty salt selects the key derived
// from it; an empty salt means the raw configured key.
func (k *Keyring) Open(ciphertext, salt []byte) ([]byte, error) {
	aead, err := k.aeadFor(salt)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < encNonceSize {
		return nil, errCiphertextShort
	}
	nonce, body := ciphertext[:encNonceSize], ciphertext[encNonceSize:]
	return aead.Open(nil, nonce, body, nil)
}

func (k *Keyring) aeadFor(salt []byte) (cipher.AEAD, error) {
	if len(salt) == 0 {
		return k.active, nil
	}
	if k.password == "" {
		return nil, errors.New("salted ciphertext but key is not password derived")
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if aead, ok := k.derived[string(salt)]; ok {
		return aead, nil
	}
	aead, err := derivePayloadAEAD(k.password, salt)
	if err != nil {
		return nil, err
	}
	k.derived[string(salt)] = aead
	return aead, nil
}

func derivePayloadAEAD(password string, salt []byte) (cipher.AEAD, error) {
	if len(salt) != EncryptionSaltSize {
		return nil, errSaltSize
	}
	key := pbkdf2.Key([]byte(password), salt, encKDFRounds, EncryptionKeySize, sha256.New)
	return newPayloadAEAD(key)
}

func newPayloadAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
