package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Account is the ledger's account model. Oracle identity is delegated to it.
type Account = common.Address

// Contract surface of the flight surety registry consumed by the oracle daemon.
const (
	EventOracleRequest    = "OracleRequest"
	EventOracleReport     = "OracleReport"
	EventFlightStatusInfo = "FlightStatusInfo"

	MethodRegistrationFee      = "REGISTRATION_FEE"
	MethodRegisterOracle       = "registerOracle"
	MethodGetMyIndexes         = "getMyIndexes"
	MethodSubmitOracleResponse = "submitOracleResponse"
	MethodFetchFlightStatus    = "fetchFlightStatus"
)

// Event field names of OracleRequest.
const (
	FieldIndex     = "index"
	FieldAirline   = "airline"
	FieldFlight    = "flight"
	FieldTimestamp = "timestamp"
	FieldStatus    = "status"
)

// Event is a decoded contract log. Fields holds the ABI-decoded arguments keyed by name and
// may be incomplete when the log could not be decoded.
type Event struct {
	Name        string
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	Fields      map[string]any
}

// Key identifies an event within the chain.
func (e Event) Key() string {
	return fmt.Sprintf("%d/%s/%d", e.BlockNumber, e.TxHash.Hex(), e.LogIndex)
}

// SendOpts carries the transaction envelope of a Send.
type SendOpts struct {
	From     Account
	Value    *big.Int
	GasLimit uint64
}

// Receipt is the outcome of a mined transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Subscription is a cancellable, ordered event stream. Transport failures are reported on Err
// without closing Events; a closed Events channel means the stream ended and may be restarted.
type Subscription interface {
	Events() <-chan Event
	Err() <-chan error
	Unsubscribe()
}

// Gateway is the connection to the on-chain registry.
type Gateway interface {
	// Subscribe streams events named eventName starting at fromBlock.
	Subscribe(ctx context.Context, eventName string, fromBlock uint64) (Subscription, error)
	// Call performs a read-only contract call as sender and returns the decoded outputs.
	Call(ctx context.Context, method string, args []any, sender Account) ([]any, error)
	// Send submits a state-changing transaction and waits for its receipt.
	Send(ctx context.Context, method string, args []any, opts SendOpts) (*Receipt, error)
	// QueryFee returns the registration fee currently required by the registry.
	QueryFee(ctx context.Context) (*big.Int, error)
	// Accounts lists the accounts the ledger node can sign for.
	Accounts(ctx context.Context) ([]Account, error)
	// BlockNumber returns the current head.
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// TxError is returned by Send when a transaction is rejected or reverted.
type TxError struct {
	Method string
	TxHash common.Hash
	Reason string
	Err    error
}

func (e *TxError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s reverted: %s", e.Method, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("%s failed", e.Method)
}

func (e *TxError) Unwrap() error {
	return e.Err
}

// FeeFromCall converts the output of REGISTRATION_FEE into a fee.
func FeeFromCall(out []any) (*big.Int, error) {
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected %s output length: %d", MethodRegistrationFee, len(out))
	}
	fee, ok := out[0].(*big.Int)
	if !ok || fee == nil {
		return nil, fmt.Errorf("unexpected %s output type: %T", MethodRegistrationFee, out[0])
	}
	return new(big.Int).Set(fee), nil
}
