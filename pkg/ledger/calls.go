package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

type callMsg struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Data string `json:"data"`
}

// ethCall runs a read-only contract call against the latest block.
func (c *HTTPClient) ethCall(ctx context.Context, method string, args ...any) ([]byte, error) {
	data, err := c.contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	var out hexutil.Bytes
	msg := callMsg{To: c.contract.Address.Hex(), Data: hexutil.Encode(data)}
	if err := c.call(ctx, "eth_call", []any{msg, "latest"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChainID returns the chain id served by the endpoint.
func (c *HTTPClient) ChainID(ctx context.Context) (uint64, error) {
	var id hexutil.Uint64
	if err := c.call(ctx, "eth_chainId", nil, &id); err != nil {
		return 0, classifyRead(err)
	}
	return uint64(id), nil
}

// LastIncidentID returns the highest assigned incident id (0 when empty).
func (c *HTTPClient) LastIncidentID(ctx context.Context) (uint64, error) {
	data, err := c.ethCall(ctx, methodLastIncidentID)
	if err != nil {
		return 0, classifyRead(err)
	}
	v, err := c.contract.unpackUint(methodLastIncidentID, data)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: last incident id %s overflows", ErrDecode, v)
	}
	return v.Uint64(), nil
}

// Incident fetches and decodes a single incident.
func (c *HTTPClient) Incident(ctx context.Context, id uint64) (*Incident, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: id 0", ErrNotFound)
	}
	data, err := c.ethCall(ctx, methodGetIncident, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, classifyIncidentRead(err)
	}
	incident, err := c.contract.DecodeIncident(data)
	if err != nil {
		return nil, fmt.Errorf("incident %d: %w", id, err)
	}
	if incident.ID != id {
		return nil, fmt.Errorf("%w: asked for incident %d, got %d", ErrDecode, id, incident.ID)
	}
	return incident, nil
}

// ContractBalance returns the contract's balance in the smallest unit.
func (c *HTTPClient) ContractBalance(ctx context.Context) (*big.Int, error) {
	data, err := c.ethCall(ctx, methodBalance)
	if err != nil {
		return nil, classifyRead(err)
	}
	return c.contract.unpackUint(methodBalance, data)
}

// RewardRate returns the current reward paid per verified incident, in the smallest unit.
func (c *HTTPClient) RewardRate(ctx context.Context) (*big.Int, error) {
	data, err := c.ethCall(ctx, methodRewardAmount)
	if err != nil {
		return nil, classifyRead(err)
	}
	return c.contract.unpackUint(methodRewardAmount, data)
}

// Owner returns the privileged account allowed to verify incidents.
func (c *HTTPClient) Owner(ctx context.Context) (Account, error) {
	data, err := c.ethCall(ctx, methodOwner)
	if err != nil {
		return "", classifyRead(err)
	}
	return c.contract.unpackAddress(methodOwner, data)
}

// Code returns the deployed bytecode at the contract address.
func (c *HTTPClient) Code(ctx context.Context) ([]byte, error) {
	var code hexutil.Bytes
	if err := c.call(ctx, "eth_getCode", []any{c.contract.Address.Hex(), "latest"}, &code); err != nil {
		return nil, classifyRead(err)
	}
	return code, nil
}

type rpcReceipt struct {
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
	Status          hexutil.Uint64 `json:"status"`
}

// VerifyIncident signs and submits verifyIncident(id), then waits for the receipt.
// The transition is only reported once the ledger has mined the transaction.
func (c *HTTPClient) VerifyIncident(ctx context.Context, id uint64, signer Signer) (*Receipt, error) {
	if signer == nil {
		return nil, fmt.Errorf("%w: no signer", ErrUnauthorized)
	}
	data, err := c.contract.Pack(methodVerifyIncident, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", methodVerifyIncident, err)
	}
	from := signer.Address().Address()
	to := c.contract.Address

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, classifyWrite(err)
	}

	var nonce hexutil.Uint64
	if err := c.call(ctx, "eth_getTransactionCount", []any{from.Hex(), "pending"}, &nonce); err != nil {
		return nil, classifyWrite(err)
	}
	var gasPrice hexutil.Big
	if err := c.call(ctx, "eth_gasPrice", nil, &gasPrice); err != nil {
		return nil, classifyWrite(err)
	}
	var gas hexutil.Uint64
	msg := callMsg{From: from.Hex(), To: to.Hex(), Data: hexutil.Encode(data)}
	if err := c.call(ctx, "eth_estimateGas", []any{msg}, &gas); err != nil {
		return nil, classifyWrite(err)
	}
	limit := uint64(gas) + uint64(gas)*c.gasHeadroom/100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    uint64(nonce),
		GasPrice: (*big.Int)(&gasPrice),
		Gas:      limit,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := signer.SignTx(tx, new(big.Int).SetUint64(chainID))
	if err != nil {
		return nil, fmt.Errorf("sign verifyIncident: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode verifyIncident: %w", err)
	}

	var hash common.Hash
	if err := c.call(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(raw)}, &hash); err != nil {
		return nil, classifyWrite(err)
	}

	receipt, err := c.waitReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !receipt.Success {
		return receipt, fmt.Errorf("%w: transaction %s reverted", ErrLedgerRejected, receipt.TxHash)
	}
	return receipt, nil
}

// waitReceipt polls for a transaction receipt until it is mined or ctx ends.
func (c *HTTPClient) waitReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()
	for {
		var raw json.RawMessage
		err := c.call(ctx, "eth_getTransactionReceipt", []any{hash.Hex()}, &raw)
		if err != nil && !errors.Is(err, ErrNetwork) {
			return nil, classifyWrite(err)
		}
		if err == nil && len(raw) > 0 && string(raw) != "null" {
			var r rpcReceipt
			if err := json.Unmarshal(raw, &r); err != nil {
				return nil, fmt.Errorf("%w: receipt: %w", ErrDecode, err)
			}
			return &Receipt{
				TxHash:      r.TransactionHash.Hex(),
				BlockNumber: uint64(r.BlockNumber),
				GasUsed:     uint64(r.GasUsed),
				Success:     r.Status == 1,
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: awaiting receipt for %s: %w", ErrTimeout, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
