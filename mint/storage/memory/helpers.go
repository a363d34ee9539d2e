package memory

import (
	"encoding/hex"
	"errors"

	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/crypto"
)

var (
	errTransactionDone      = errors.New("transaction already committed or rolled back")
	errMismatchedSignatures = errors.New("number of blinded messages does not match number of signatures")
)

// proofY derives a proof's primary key Y = hash_to_curve(secret).
func proofY(p cashu.Proof) (string, error) {
	Y := crypto.HashToCurve([]byte(p.Secret))
	return hex.EncodeToString(Y.SerializeCompressed()), nil
}
