// Package ledger defines the contracts the settlement core consumes from the
// ledger node and the wallet signer. Transaction composition, signing and
// broadcast live behind these ports; the core only orchestrates calls and
// owns the durable state of each in-flight settlement.
package ledger

import (
	"context"
	"errors"

	"attestor/internal/models"
)

// ErrInsufficientFunds is returned by the signer when the paying address
// cannot cover the requested outputs. The caller leaves the row retryable.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Output is a single payment output inside a ledger unit.
type Output struct {
	Address models.Address
	Asset   string // empty for the native currency
	Amount  int64
	Unit    models.UnitID
}

// AncestorInput is one hop of the transfer-input graph: Address funded
// SrcUnit, which was later spent into the unit being walked.
type AncestorInput struct {
	Address        models.Address
	SrcUnit        models.UnitID
	MainChainIndex int64
}

// ChainQuery reads payment metadata from the ledger node's store. Calls are
// synchronous within the process per the node's embedded database.
type ChainQuery interface {
	// UnitAuthors returns the addresses that signed a unit.
	UnitAuthors(ctx context.Context, unit models.UnitID) ([]models.Address, error)

	// TransferInputs returns the native-asset transfer inputs of the given
	// units, one hop up the ancestor graph.
	TransferInputs(ctx context.Context, units []models.UnitID) ([]AncestorInput, error)

	// Balance returns the spendable native-asset balance of an address.
	Balance(ctx context.Context, addr models.Address) (int64, error)
}

// Signer composes, signs and broadcasts units through the wallet.
type Signer interface {
	// IssueReceivingAddress allocates the next unused address from the
	// wallet's pool.
	IssueReceivingAddress(ctx context.Context) (models.Address, error)

	// SendPayment broadcasts the given outputs paid from one address and
	// returns the unit id. ErrInsufficientFunds when the balance is short.
	SendPayment(ctx context.Context, from models.Address, outputs []Output) (models.UnitID, error)

	// PostAttestation broadcasts an attestation message signed by the
	// attestor address and returns the claim unit id.
	PostAttestation(ctx context.Context, attestor models.Address, payload []byte) (models.UnitID, error)

	// CreateVestingContract defines a shared address releasing funds to the
	// user after vestingTS, or back to the distribution fund after
	// reclaimTS if left unclaimed.
	CreateVestingContract(ctx context.Context, user models.Address, device models.DeviceID, vestingTS, reclaimTS int64) (models.Address, error)
}
