package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContract_DecodeIncidentRoundTrip(t *testing.T) {
	c, err := NewContract(testContract)
	require.NoError(t, err)

	in := Incident{
		ID:          4,
		Description: "ipfs://bafybeigdyrzt",
		ReportedBy:  "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		CreatedAt:   time.Unix(1717000000, 0).UTC(),
		Verified:    true,
	}
	data, err := c.EncodeIncident(in)
	require.NoError(t, err)

	out, err := c.DecodeIncident(data)
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}

func TestContract_DecodeIncidentFailsClosed(t *testing.T) {
	c, err := NewContract(testContract)
	require.NoError(t, err)

	_, err = c.DecodeIncident(nil)
	assert.ErrorIs(t, err, ErrDecode)

	// A uint256 alone is not an incident tuple.
	m := c.ABI().Methods[methodLastIncidentID]
	short, err := m.Outputs.Pack(big.NewInt(3))
	require.NoError(t, err)
	_, err = c.DecodeIncident(short)
	assert.ErrorIs(t, err, ErrDecode)

	// id 0 is never assigned by the ledger.
	zero, err := c.EncodeIncident(Incident{ID: 0, ReportedBy: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"})
	require.NoError(t, err)
	_, err = c.DecodeIncident(zero)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestNewContractRejectsBadAddress(t *testing.T) {
	_, err := NewContract("not-an-address")
	require.Error(t, err)
}

func TestAccountEqualIgnoresCase(t *testing.T) {
	a, err := ParseAccount("0x70997970c51812dc3a010c7d01b50e0d17dc79c8")
	require.NoError(t, err)
	assert.Equal(t, Account("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), a)
	assert.True(t, a.Equal("0x70997970C51812DC3A010C7D01B50E0D17DC79C8"))
	assert.False(t, a.Equal("0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65"))

	_, err = ParseAccount("0x123")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	rpc := func(msg string) error { return &RPCError{Code: 1, Message: msg} }

	assert.ErrorIs(t, classifyRead(rpc("actor balance: INSUFFICIENT_PAYER_BALANCE")), ErrInsufficientBalance)
	assert.ErrorIs(t, classifyRead(rpc("something odd")), ErrFetch)
	assert.ErrorIs(t, classifyRead(fmt.Errorf("dial: %w", context.DeadlineExceeded)), ErrTimeout)
	assert.ErrorIs(t, classifyRead(errors.New("connection refused")), ErrNetwork)
	assert.ErrorIs(t, classifyIncidentRead(rpc("execution reverted")), ErrNotFound)
	assert.ErrorIs(t, classifyIncidentRead(rpc("insufficient funds for gas; execution reverted")), ErrInsufficientBalance)

	assert.ErrorIs(t, classifyWrite(rpc("execution reverted: already verified")), ErrLedgerRejected)
	assert.ErrorIs(t, classifyWrite(fmt.Errorf("%w: boom", ErrNetwork)), ErrNetwork)
	assert.True(t, IsRetryable(classifyWrite(errors.New("reset by peer"))))

	assert.Equal(t, ErrTimeout, Kind(fmt.Errorf("wrapped: %w", ErrTimeout)))
	assert.Nil(t, Kind(errors.New("plain")))
}

func TestKindNames(t *testing.T) {
	for _, k := range kinds {
		name := KindName(fmt.Errorf("op: %w", k))
		require.NotEmpty(t, name)
		assert.Equal(t, k, KindByName(name))
	}
	assert.Empty(t, KindName(errors.New("plain")))
	assert.Nil(t, KindByName("Bogus"))
}

func TestNetworkConversions(t *testing.T) {
	n, err := NetworkByKey("Mainnet")
	require.NoError(t, err)
	assert.Equal(t, uint64(314), n.ChainID)

	_, err = NetworkByKey("ropsten")
	assert.Error(t, err)

	assert.True(t, n.ToNative(big.NewInt(5e16)).Equal(decimal.RequireFromString("0.05")))
	assert.True(t, n.ToNative(nil).IsZero())
	assert.Equal(t, "https://filscan.io/tx/0xabc", n.TxURL("0xabc"))
	assert.Len(t, Networks(), 2)
}
