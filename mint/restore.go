package mint

import (
	"fmt"
	"slices"

	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/cashu/nuts/nut07"
	"github.com/nutmint/mintd/mint/storage"
)

// ProofsStateCheck reports, for each Y, whether the mint considers the
// underlying proof spent, pending, or unspent.
func (m *Mint) ProofsStateCheck(Ys []string) ([]nut07.ProofState, error) {
	usedProofs, err := m.db.GetProofsUsed(Ys)
	if err != nil {
		errmsg := fmt.Sprintf("could not get used proofs from db: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	pendingProofs, err := m.db.GetPendingProofs(Ys)
	if err != nil {
		errmsg := fmt.Sprintf("could not get pending proofs from db: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	proofStates := make([]nut07.ProofState, len(Ys))
	for i, y := range Ys {
		state := nut07.Unspent

		if slices.ContainsFunc(usedProofs, func(proof storage.DBProof) bool { return proof.Y == y }) {
			state = nut07.Spent
		} else if slices.ContainsFunc(pendingProofs, func(proof storage.DBProof) bool { return proof.Y == y }) {
			state = nut07.Pending
		}

		proofStates[i] = nut07.ProofState{Y: y, State: state}
	}

	return proofStates, nil
}

// RestoreSignatures returns, for every blinded message the mint
// recognizes, the blinded message and signature it issued for it
// originally. Used by wallets recovering from a backup seed.
func (m *Mint) RestoreSignatures(blindedMessages cashu.BlindedMessages) (cashu.BlindedMessages, cashu.BlindedSignatures, error) {
	outputs := make(cashu.BlindedMessages, 0, len(blindedMessages))
	signatures := make(cashu.BlindedSignatures, 0, len(blindedMessages))

	for _, bm := range blindedMessages {
		sig, ok, err := m.db.GetBlindSignature(bm.B_)
		if err != nil {
			errmsg := fmt.Sprintf("could not get signature from db: %v", err)
			return nil, nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		if !ok {
			continue
		}

		outputs = append(outputs, bm)
		signatures = append(signatures, sig)
	}

	return outputs, signatures, nil
}
