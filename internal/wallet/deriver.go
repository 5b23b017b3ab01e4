package wallet

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "ChainPilot/internal/errors"
)

const (
	// publicKeyLength is the uncompressed secp256k1 encoding (0x04 prefix).
	publicKeyLength = 65
	saltLength      = 32
)

var (
	// ErrInvalidKeyMaterial 表示生成的密钥无法规范化为固定宽度编码。
	ErrInvalidKeyMaterial = xerrors.New(CodeInvalidKeyMaterial, "key material does not normalize to the expected encoding")
)

const (
	CodeInvalidKeyMaterial xerrors.Code = "INVALID_KEY_MATERIAL"
	CodeDerivationFailed   xerrors.Code = "ADDRESS_DERIVATION_FAILED"
)

func init() {
	xerrors.Register(CodeInvalidKeyMaterial, xerrors.Attributes{
		Message:   "invalid key material",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeDerivationFailed, xerrors.Attributes{
		Message:   "address derivation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Material bundles everything produced for a freshly derived account: the
// key pair, the derivation inputs and the resulting deterministic address.
// The derivation inputs are persisted alongside the account so the address
// can be recomputed and verified at any later point.
type Material struct {
	PrivateKey      []byte
	PublicKey       []byte
	Salt            [saltLength]byte
	ConstructorArgs []byte
	Address         common.Address
}

// PrivateKeyHex returns the private key as a hex string, the form handed to
// the custody layer for encryption. Callers must never persist or log it.
func (m *Material) PrivateKeyHex() string {
	return hex.EncodeToString(m.PrivateKey)
}

// Derive computes the deterministic account address as a keccak-256
// commitment over the public key, the salt and the hash of the constructor
// arguments. Identical inputs always yield the identical address.
func Derive(publicKey []byte, constructorArgs []byte, salt [saltLength]byte) (common.Address, error) {
	if len(publicKey) != publicKeyLength || publicKey[0] != 0x04 {
		return common.Address{}, ErrInvalidKeyMaterial
	}
	argsHash := crypto.Keccak256(constructorArgs)
	commitment := crypto.Keccak256(publicKey, salt[:], argsHash)
	return common.BytesToAddress(commitment[12:]), nil
}

// NewAccountMaterial generates a fresh secp256k1 key pair, a random salt and
// the corresponding deterministic address in one step. The constructor
// arguments commit to the owner address derived from the new key.
func NewAccountMaterial() (*Material, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(CodeDerivationFailed, err, "generate account key")
	}

	publicKey := crypto.FromECDSAPub(&key.PublicKey)
	if len(publicKey) != publicKeyLength || publicKey[0] != 0x04 {
		return nil, ErrInvalidKeyMaterial
	}

	var salt [saltLength]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, xerrors.Wrap(CodeDerivationFailed, err, "generate address salt")
	}

	constructorArgs := crypto.PubkeyToAddress(key.PublicKey).Bytes()

	address, err := Derive(publicKey, constructorArgs, salt)
	if err != nil {
		return nil, err
	}

	return &Material{
		PrivateKey:      crypto.FromECDSA(key),
		PublicKey:       publicKey,
		Salt:            salt,
		ConstructorArgs: constructorArgs,
		Address:         address,
	}, nil
}
