package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/argon2"

	xerrors "ChainPilot/internal/errors"
)

const (
	masterKeyLength = 32
	nonceLength     = 12
	tagLength       = 16
)

// keyPurpose binds ciphertexts to account-key custody so they cannot be
// replayed in a different encryption context.
var keyPurpose = []byte("chainpilot/account-key/v1")

const (
	CodeEncryptionFailed xerrors.Code = "ENCRYPTION_FAILED"
	CodeDecryptionFailed xerrors.Code = "DECRYPTION_FAILED"
)

var (
	// ErrDecryptionFailed 表示密文或认证标签校验失败，存储内容可能已被篡改。
	ErrDecryptionFailed = xerrors.New(CodeDecryptionFailed, "ciphertext authentication failed")
)

func init() {
	xerrors.Register(CodeEncryptionFailed, xerrors.Attributes{
		Message:   "private key encryption failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeDecryptionFailed, xerrors.Attributes{
		Message:   "private key decryption failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// EncryptedKey is the at-rest form of an account private key: AES-GCM
// ciphertext with its nonce and authentication tag kept separately.
type EncryptedKey struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// CiphertextHex returns the ciphertext hex-encoded for storage.
func (k EncryptedKey) CiphertextHex() string { return hex.EncodeToString(k.Ciphertext) }

// NonceHex returns the nonce hex-encoded for storage.
func (k EncryptedKey) NonceHex() string { return hex.EncodeToString(k.Nonce) }

// TagHex returns the authentication tag hex-encoded for storage.
func (k EncryptedKey) TagHex() string { return hex.EncodeToString(k.Tag) }

// ParseEncryptedKey rebuilds an EncryptedKey from its hex-encoded storage form.
func ParseEncryptedKey(ciphertextHex, nonceHex, tagHex string) (EncryptedKey, error) {
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return EncryptedKey{}, xerrors.Wrap(CodeDecryptionFailed, err, "decode ciphertext")
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return EncryptedKey{}, xerrors.Wrap(CodeDecryptionFailed, err, "decode nonce")
	}
	tag, err := hex.DecodeString(tagHex)
	if err != nil {
		return EncryptedKey{}, xerrors.Wrap(CodeDecryptionFailed, err, "decode tag")
	}
	return EncryptedKey{Ciphertext: ciphertext, Nonce: nonce, Tag: tag}, nil
}

// Custody performs authenticated encryption of account private keys for
// at-rest storage. The master key is supplied once at process start; it is
// never derived from account data.
type Custody struct {
	aead cipher.AEAD
}

// NewCustody builds a Custody from a raw 32-byte master key. A missing or
// wrongly sized key is a startup error, not a runtime one.
func NewCustody(masterKey []byte) (*Custody, error) {
	if len(masterKey) != masterKeyLength {
		return nil, xerrors.New(CodeEncryptionFailed, "master key must be exactly 32 bytes")
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, xerrors.Wrap(CodeEncryptionFailed, err, "initialise cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Wrap(CodeEncryptionFailed, err, "initialise GCM")
	}
	return &Custody{aead: aead}, nil
}

// NewCustodyFromHex builds a Custody from a hex-encoded master key.
func NewCustodyFromHex(masterKeyHex string) (*Custody, error) {
	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, xerrors.Wrap(CodeEncryptionFailed, err, "decode master key")
	}
	return NewCustody(masterKey)
}

// NewCustodyFromPassphrase derives the master key from an operator
// passphrase with argon2id. The salt must stay stable across restarts or
// previously stored keys become unreadable.
func NewCustodyFromPassphrase(passphrase string, salt []byte) (*Custody, error) {
	if passphrase == "" {
		return nil, xerrors.New(CodeEncryptionFailed, "passphrase must not be empty")
	}
	if len(salt) < 16 {
		return nil, xerrors.New(CodeEncryptionFailed, "passphrase salt must be at least 16 bytes")
	}
	masterKey := argon2.IDKey([]byte(passphrase), salt, 3, 64*1024, 4, masterKeyLength)
	return NewCustody(masterKey)
}

// Encrypt seals a plaintext private key. A fresh random nonce is used for
// every call; the GCM tag is split off so it can be stored as its own column.
func (c *Custody) Encrypt(plaintextKey string) (EncryptedKey, error) {
	if plaintextKey == "" {
		return EncryptedKey{}, xerrors.New(CodeEncryptionFailed, "plaintext key must not be empty")
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedKey{}, xerrors.Wrap(CodeEncryptionFailed, err, "generate nonce")
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintextKey), keyPurpose)
	split := len(sealed) - tagLength
	return EncryptedKey{
		Ciphertext: sealed[:split],
		Nonce:      nonce,
		Tag:        sealed[split:],
	}, nil
}

// Decrypt opens a stored key. Any corruption of the ciphertext, nonce or tag
// fails authentication and returns ErrDecryptionFailed; garbage is never
// returned silently.
func (c *Custody) Decrypt(key EncryptedKey) (string, error) {
	if len(key.Nonce) != nonceLength || len(key.Tag) != tagLength {
		return "", ErrDecryptionFailed
	}
	sealed := make([]byte, 0, len(key.Ciphertext)+tagLength)
	sealed = append(sealed, key.Ciphertext...)
	sealed = append(sealed, key.Tag...)
	plaintext, err := c.aead.Open(nil, key.Nonce, sealed, keyPurpose)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
