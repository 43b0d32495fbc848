package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency describes the native token of a network.
type Currency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
}

// Network is the chain the engine is allowed to talk to.
type Network struct {
	Key         string   `json:"key"`
	ChainID     uint64   `json:"chainId"`
	Name        string   `json:"name"`
	RPCURL      string   `json:"rpcUrl"`
	ExplorerURL string   `json:"blockExplorerUrl"`
	Currency    Currency `json:"nativeCurrency"`
}

var (
	FilecoinCalibration = Network{
		Key:         "calibration",
		ChainID:     314159,
		Name:        "Filecoin Calibration Testnet",
		RPCURL:      "https://api.calibration.node.glif.io/rpc/v1",
		ExplorerURL: "https://calibration.filscan.io",
		Currency:    Currency{Name: "Testnet Filecoin", Symbol: "tFIL", Decimals: 18},
	}
	FilecoinMainnet = Network{
		Key:         "mainnet",
		ChainID:     314,
		Name:        "Filecoin Mainnet",
		RPCURL:      "https://api.node.glif.io/rpc/v1",
		ExplorerURL: "https://filscan.io",
		Currency:    Currency{Name: "Filecoin", Symbol: "FIL", Decimals: 18},
	}
)

var networks = map[string]Network{
	FilecoinCalibration.Key: FilecoinCalibration,
	FilecoinMainnet.Key:     FilecoinMainnet,
}

// DefaultNetwork is used when no network is configured.
var DefaultNetwork = FilecoinCalibration

// NetworkByKey returns a preset by key ("calibration", "mainnet").
func NetworkByKey(key string) (Network, error) {
	if key == "" {
		return DefaultNetwork, nil
	}
	n, ok := networks[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return Network{}, fmt.Errorf("unknown network %q", key)
	}
	return n, nil
}

// Networks lists all presets ordered by chain id.
func Networks() []Network {
	out := make([]Network, 0, len(networks))
	for _, n := range networks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// ToNative converts an amount in the smallest unit into the native unit.
func (n Network) ToNative(amount *big.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -n.Currency.Decimals)
}

// TxURL links a transaction on the network's explorer.
func (n Network) TxURL(hash string) string {
	if n.ExplorerURL == "" || hash == "" {
		return ""
	}
	return strings.TrimRight(n.ExplorerURL, "/") + "/tx/" + hash
}
