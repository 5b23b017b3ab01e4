package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DeployRequest carries the derivation inputs needed to instantiate a
// previously derived address as an active on-chain account.
type DeployRequest struct {
	Address         common.Address
	PublicKey       []byte
	ConstructorArgs []byte
	Salt            [32]byte
}

// Client defines the chain access surface consumed by the provisioning
// core. Every method is a potentially slow, fallible network call; the core
// never implements chain semantics itself.
type Client interface {
	// GetBalance returns the funding-asset balance of an address in minor units.
	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)
	// IsDeployed reports whether the address already exists as an active account.
	IsDeployed(ctx context.Context, address common.Address) (bool, error)
	// Deploy submits the account deployment transaction and returns its reference.
	Deploy(ctx context.Context, req DeployRequest) (string, error)
	// Transfer moves amount from the signer-controlled account to the recipient.
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (string, error)
	// WaitForConfirmation blocks until the referenced transaction is confirmed
	// or the context is cancelled. A reverted transaction is an error.
	WaitForConfirmation(ctx context.Context, txRef string) error
	Close()
}
