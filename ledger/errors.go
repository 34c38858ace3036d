package ledger

import (
	"encoding/hex"
	"fmt"

	"github.com/scpchain/scpd/types"
)

// ValidationError is the single-string reason validate_tx_set returns
// for a rejected set (§4.5: "Option<String>" — None for acceptance).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func errDoubleSpend(ref types.OutputRef) error {
	return &ValidationError{Reason: fmt.Sprintf("double-spent output %s/%d", hex.EncodeToString(ref.TxHash[:]), ref.Index)}
}

func errNoSuchOutput(ref types.OutputRef) error {
	return &ValidationError{Reason: fmt.Sprintf("no such output %s/%d", hex.EncodeToString(ref.TxHash[:]), ref.Index)}
}

func errBadInputSignature(ref types.OutputRef) error {
	return &ValidationError{Reason: fmt.Sprintf("invalid input signature for %s/%d", hex.EncodeToString(ref.TxHash[:]), ref.Index)}
}

func errInsufficientInputValue() error {
	return &ValidationError{Reason: "outputs exceed inputs"}
}
