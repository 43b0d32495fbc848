package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Account identifies a ledger participant. The ledger returns EIP-55 mixed-case
// hex, so two accounts are equal when they match case-insensitively.
type Account string

// ParseAccount validates a hex address and returns it in checksummed form.
func ParseAccount(s string) (Account, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("invalid account %q", s)
	}
	return Account(common.HexToAddress(s).Hex()), nil
}

// Equal compares two accounts ignoring case.
func (a Account) Equal(b Account) bool {
	return strings.EqualFold(strings.TrimSpace(string(a)), strings.TrimSpace(string(b)))
}

// Address converts the account into its 20 byte form.
func (a Account) Address() common.Address { return common.HexToAddress(string(a)) }

func (a Account) String() string { return string(a) }

// Incident is one record of the ledger. Everything but Verified is immutable.
type Incident struct {
	ID          uint64    `json:"id"`
	Description string    `json:"description"`
	ReportedBy  Account   `json:"reportedBy"`
	CreatedAt   time.Time `json:"createdAt"`
	Verified    bool      `json:"verified"`
}

// State is the verification state of an incident.
type State int

const (
	StatePending State = iota
	StateVerified
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// State returns the verification state of the incident.
func (i Incident) State() State {
	if i.Verified {
		return StateVerified
	}
	return StatePending
}

// Receipt describes a mined verifyIncident transaction.
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
	Success     bool   `json:"success"`
}
