package reconcile

import "github.com/virtualvasu/saferoads-filecoin/pkg/ledger"

const (
	alice ledger.Account = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	bob   ledger.Account = "0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65"
)
