package blocksign

import "fmt"

// ValidationError mirrors the Block Signer's error taxonomy of §4.4: a
// verification failure always carries one of these reasons, rather
// than a bare boolean, so the caller can log and attribute blame.
type ValidationError struct {
	Reason    string
	Validator string
}

func (e *ValidationError) Error() string {
	if e.Validator == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Validator)
}

func errNotEnrolled(pub string) error {
	return &ValidationError{Reason: "validator is not enrolled", Validator: pub}
}

func errNoPreimages(pub string) error {
	return &ValidationError{Reason: "validator has not revealed any preimages", Validator: pub}
}

func errNoPreimageForHeight(pub string) error {
	return &ValidationError{Reason: "validator has not revealed the preimage for this block height", Validator: pub}
}

func errRMismatch() error {
	return &ValidationError{Reason: "signature.R does not match expected R"}
}

func errInvalidSignature() error {
	return &ValidationError{Reason: "signature is invalid"}
}
