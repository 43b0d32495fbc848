package activity

import (
	"errors"

	"go.temporal.io/sdk/temporal"

	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
)

// ledgerFailure turns err into a non-retryable application error typed by its ledger kind.
func ledgerFailure(err error) error {
	kind := ledger.KindName(err)
	if kind == "" {
		kind = "Unknown"
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), kind, err)
}

// remoteError carries a ledger kind across a workflow boundary.
type remoteError struct {
	kind error
	msg  string
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.kind }

// LedgerError restores the ledger kind of an activity failure, also after it
// crossed a workflow boundary, so errors.Is works on it again. Other errors
// are returned unchanged.
func LedgerError(err error) error {
	if err == nil {
		return err
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		if kind := ledger.KindByName(appErr.Type()); kind != nil {
			return &remoteError{kind: kind, msg: appErr.Message()}
		}
	}
	return err
}
