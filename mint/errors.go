package mint

import (
	"errors"
	"fmt"

	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/signatory"
)

// signatoryErr maps a signatory error to the cashu protocol error a
// client should see, leaving already-typed cashu.Error values (P2PK/HTLC
// witness failures, for instance) untouched.
func signatoryErr(err error) error {
	switch {
	case errors.Is(err, signatory.ErrUnknownKeyset):
		return cashu.UnknownKeysetErr
	case errors.Is(err, signatory.ErrInactiveKeyset):
		return cashu.InactiveKeysetSignatureRequest
	case errors.Is(err, signatory.ErrInvalidProof):
		return cashu.InvalidProofErr
	case errors.Is(err, signatory.ErrSendFull), errors.Is(err, signatory.ErrRecv):
		return cashu.BuildCashuError(fmt.Sprintf("signatory unavailable: %v", err), cashu.StandardErrCode)
	default:
		switch err.(type) {
		case cashu.Error, *cashu.Error:
			return err
		}
		return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}
}
