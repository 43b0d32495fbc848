package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error kinds surfaced by the ledger client and the reconciliation engine.
// Callers match them with errors.Is; every returned error wraps exactly one kind.
var (
	// ErrNetwork is a transport or RPC failure. Retryable by the caller.
	ErrNetwork = errors.New("ledger network error")
	// ErrWrongNetwork means the endpoint serves a different chain than the configured one.
	ErrWrongNetwork = errors.New("wrong network")
	// ErrFetch is a single record read failure. The scanner absorbs it.
	ErrFetch = errors.New("incident fetch failed")
	// ErrNotFound is returned for ids the ledger does not know.
	ErrNotFound = errors.New("incident not found")
	// ErrDecode is a response whose shape does not match the contract ABI.
	ErrDecode = errors.New("unexpected ledger response shape")
	// ErrInsufficientBalance halts a scan: the ledger refuses reads until it is funded.
	ErrInsufficientBalance = errors.New("insufficient ledger balance")
	// ErrUnauthorized is a verification attempted by an account other than the owner.
	ErrUnauthorized = errors.New("unauthorized: actor is not the ledger owner")
	// ErrLedgerRejected is a verification the ledger refused for any other reason.
	ErrLedgerRejected = errors.New("ledger rejected the transaction")
	// ErrAlreadyVerified short-circuits a verification of an incident that is already verified.
	ErrAlreadyVerified = errors.New("incident already verified")
	// ErrTimeout is a network call that exceeded its deadline.
	ErrTimeout = errors.New("ledger call timed out")
)

var kinds = []error{
	ErrNetwork, ErrWrongNetwork, ErrFetch, ErrNotFound, ErrDecode, ErrInsufficientBalance,
	ErrUnauthorized, ErrLedgerRejected, ErrAlreadyVerified, ErrTimeout,
}

// RPCError is an error object returned inside a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}

// Kind returns the taxonomy sentinel wrapped by err, or nil.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func hasKind(err error) bool { return Kind(err) != nil }

var kindNames = map[error]string{
	ErrNetwork:             "Network",
	ErrWrongNetwork:        "WrongNetwork",
	ErrFetch:               "Fetch",
	ErrNotFound:            "NotFound",
	ErrDecode:              "Decode",
	ErrInsufficientBalance: "InsufficientBalance",
	ErrUnauthorized:        "Unauthorized",
	ErrLedgerRejected:      "LedgerRejected",
	ErrAlreadyVerified:     "AlreadyVerified",
	ErrTimeout:             "Timeout",
}

// KindName is the stable name of the kind wrapped by err, "" when it has none.
// Names survive serialization where error chains do not.
func KindName(err error) string {
	return kindNames[Kind(err)]
}

// KindByName is the inverse of KindName.
func KindByName(name string) error {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return nil
}

// classifyTransport maps an http round-trip failure.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if hasKind(err) {
		return err
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

// classifyRead maps failures of eth_call style reads.
func classifyRead(err error) error {
	if err == nil || hasKind(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		switch {
		case insufficientBalance(msg):
			return fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
		default:
			return fmt.Errorf("%w: %w", ErrFetch, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

// classifyIncidentRead is classifyRead for getIncident, where a revert means the id is unknown.
func classifyIncidentRead(err error) error {
	if err == nil || hasKind(err) {
		return err
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && !insufficientBalance(strings.ToLower(rpcErr.Message)) && isRevert(rpcErr.Message) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return classifyRead(err)
}

// classifyWrite maps failures of the verifyIncident transaction path.
// Anything the ledger answered is a rejection; only transport failures stay retryable.
func classifyWrite(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrLedgerRejected) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %w", ErrLedgerRejected, err)
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

func insufficientBalance(msg string) bool {
	return strings.Contains(msg, "insufficient_payer_balance") ||
		strings.Contains(msg, "insufficient payer balance") ||
		strings.Contains(msg, "insufficient funds")
}

func isRevert(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "revert") || strings.Contains(msg, "does not exist") || strings.Contains(msg, "invalid incident")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
