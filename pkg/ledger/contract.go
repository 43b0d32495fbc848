package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Contract method names of the IncidentManager contract.
const (
	methodOwner          = "owner"
	methodLastIncidentID = "getLastIncidentId"
	methodGetIncident    = "getIncident"
	methodBalance        = "getContractBalance"
	methodRewardAmount   = "rewardAmount"
	methodVerifyIncident = "verifyIncident"
)

// IncidentManagerABI is the subset of the IncidentManager contract the engine depends on.
const IncidentManagerABI = `[
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"getLastIncidentId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getIncident","stateMutability":"view","inputs":[{"name":"_id","type":"uint256"}],
   "outputs":[{"name":"id","type":"uint256"},{"name":"description","type":"string"},{"name":"reportedBy","type":"address"},{"name":"timestamp","type":"uint256"},{"name":"verified","type":"bool"}]},
  {"type":"function","name":"getContractBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"rewardAmount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"verifyIncident","stateMutability":"nonpayable","inputs":[{"name":"_id","type":"uint256"}],"outputs":[]}
]`

// Contract packs calls to and unpacks results from the IncidentManager contract.
type Contract struct {
	Address common.Address
	abi     abi.ABI
}

// NewContract parses the contract ABI for the given deployment address.
func NewContract(address string) (*Contract, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid contract address %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(IncidentManagerABI))
	if err != nil {
		return nil, fmt.Errorf("parse incident manager abi: %w", err)
	}
	return &Contract{Address: common.HexToAddress(address), abi: parsed}, nil
}

// ABI exposes the parsed contract ABI.
func (c *Contract) ABI() abi.ABI { return c.abi }

// Pack encodes calldata for method.
func (c *Contract) Pack(method string, args ...any) ([]byte, error) {
	return c.abi.Pack(method, args...)
}

// unpack decodes a method's return data, failing closed with ErrDecode.
func (c *Contract) unpack(method string, data []byte) ([]any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty result for %s", ErrDecode, method)
	}
	out, err := c.abi.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, method, err)
	}
	return out, nil
}

func (c *Contract) unpackUint(method string, data []byte) (*big.Int, error) {
	out, err := c.unpack(method, data)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: %s returned %d values", ErrDecode, method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s returned %T", ErrDecode, method, out[0])
	}
	return v, nil
}

func (c *Contract) unpackAddress(method string, data []byte) (Account, error) {
	out, err := c.unpack(method, data)
	if err != nil {
		return "", err
	}
	if len(out) != 1 {
		return "", fmt.Errorf("%w: %s returned %d values", ErrDecode, method, len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("%w: %s returned %T", ErrDecode, method, out[0])
	}
	return Account(addr.Hex()), nil
}

// DecodeIncident turns getIncident return data into an Incident.
// Any deviation from the (uint256,string,address,uint256,bool) shape is ErrDecode.
func (c *Contract) DecodeIncident(data []byte) (*Incident, error) {
	out, err := c.unpack(methodGetIncident, data)
	if err != nil {
		return nil, err
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("%w: getIncident returned %d values", ErrDecode, len(out))
	}
	id, ok := out[0].(*big.Int)
	if !ok || id == nil || !id.IsUint64() || id.Sign() == 0 {
		return nil, fmt.Errorf("%w: incident id %v", ErrDecode, out[0])
	}
	description, ok := out[1].(string)
	if !ok {
		return nil, fmt.Errorf("%w: description %T", ErrDecode, out[1])
	}
	reporter, ok := out[2].(common.Address)
	if !ok {
		return nil, fmt.Errorf("%w: reportedBy %T", ErrDecode, out[2])
	}
	ts, ok := out[3].(*big.Int)
	if !ok || ts == nil || !ts.IsInt64() {
		return nil, fmt.Errorf("%w: timestamp %v", ErrDecode, out[3])
	}
	verified, ok := out[4].(bool)
	if !ok {
		return nil, fmt.Errorf("%w: verified %T", ErrDecode, out[4])
	}
	return &Incident{
		ID:          id.Uint64(),
		Description: description,
		ReportedBy:  Account(reporter.Hex()),
		CreatedAt:   time.Unix(ts.Int64(), 0).UTC(),
		Verified:    verified,
	}, nil
}

// EncodeIncident packs an incident the way getIncident returns it. Used by fakes and tests.
func (c *Contract) EncodeIncident(in Incident) ([]byte, error) {
	m, ok := c.abi.Methods[methodGetIncident]
	if !ok {
		return nil, fmt.Errorf("abi missing %s", methodGetIncident)
	}
	return m.Outputs.Pack(
		new(big.Int).SetUint64(in.ID),
		in.Description,
		in.ReportedBy.Address(),
		big.NewInt(in.CreatedAt.Unix()),
		in.Verified,
	)
}
