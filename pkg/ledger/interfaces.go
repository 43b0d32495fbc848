package ledger

import (
	"context"
	"math/big"
)

// Client is the typed capability over the remote incident ledger.
// Reads never mutate ledger state; VerifyIncident is the only write.
type Client interface {
	ChainID(ctx context.Context) (uint64, error)
	LastIncidentID(ctx context.Context) (uint64, error)
	Incident(ctx context.Context, id uint64) (*Incident, error)
	ContractBalance(ctx context.Context) (*big.Int, error)
	RewardRate(ctx context.Context) (*big.Int, error)
	Owner(ctx context.Context) (Account, error)
	Code(ctx context.Context) ([]byte, error)
	VerifyIncident(ctx context.Context, id uint64, signer Signer) (*Receipt, error)
}
