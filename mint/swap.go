package mint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"

	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/cashu/nuts/nut10"
	"github.com/nutmint/mintd/cashu/nuts/nut11"
	"github.com/nutmint/mintd/crypto"
	"github.com/nutmint/mintd/mint/storage"
)

// proofYs derives Y = hash_to_curve(secret) for every proof, the key
// every storage backend indexes proofs by.
func proofYs(proofs cashu.Proofs) []string {
	ys := make([]string, len(proofs))
	for i, p := range proofs {
		Y := crypto.HashToCurve([]byte(p.Secret))
		ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}
	return ys
}

// Swap will process a request to swap tokens.
// A swap requires a set of valid proofs and blinded messages.
// If valid, the mint will sign the blindedMessages and invalidate
// the proofs that were used as input.
// It returns the BlindedSignatures.
func (m *Mint) Swap(ctx context.Context, proofs cashu.Proofs, blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	Ys := proofYs(proofs)

	var proofsAmount uint64
	for _, proof := range proofs {
		sum, overflow := overflowAddUint64(proofsAmount, proof.Amount)
		if overflow {
			return nil, cashu.InvalidProofErr
		}
		proofsAmount = sum
	}

	var blindedMessagesAmount uint64
	B_s := make([]string, len(blindedMessages))
	for i, bm := range blindedMessages {
		sum, overflow := overflowAddUint64(blindedMessagesAmount, bm.Amount)
		if overflow {
			return nil, cashu.InvalidBlindedMessageAmount
		}
		blindedMessagesAmount = sum
		B_s[i] = bm.B_
	}

	fees := m.TransactionFees(proofs)
	spendable, underflow := underflowSubUint64(proofsAmount, uint64(fees))
	if underflow || spendable != blindedMessagesAmount {
		return nil, cashu.InsufficientProofsAmount
	}

	if nut11.ProofsSigAll(proofs) {
		m.logDebugf("P2PK locked proofs have SIG_ALL flag. Verifying blinded messages")
		if err := verifyP2PKBlindedMessages(proofs, blindedMessages); err != nil {
			return nil, err
		}
	}

	tx, err := m.db.BeginTransaction()
	if err != nil {
		return nil, cashu.BuildCashuError(err.Error(), cashu.DBErrCode)
	}
	defer tx.Rollback()

	// Proof state is re-checked and invalidated inside this same
	// transaction: the per-Y lock AccessManager grants on GetProofsByY
	// is what keeps two concurrent swaps sharing an input from both
	// passing verification.
	if err := m.verifyProofs(ctx, tx, proofs, Ys); err != nil {
		return nil, err
	}

	existingSigs, err := tx.GetBlindSignatures(B_s)
	if err != nil {
		return nil, cashu.BuildCashuError(err.Error(), cashu.DBErrCode)
	}
	if len(existingSigs) > 0 {
		return nil, cashu.BlindedMessageAlreadySigned
	}

	blindedSignatures := make(cashu.BlindedSignatures, len(blindedMessages))
	for i, msg := range blindedMessages {
		sig, err := m.sig.BlindSign(ctx, msg)
		if err != nil {
			return nil, signatoryErr(err)
		}
		blindedSignatures[i] = sig
	}

	if err := tx.SaveBlindSignatures(B_s, blindedSignatures, ""); err != nil {
		return nil, cashu.BuildCashuError(err.Error(), cashu.DBErrCode)
	}
	if err := tx.SaveProofs(proofs); err != nil {
		return nil, cashu.BuildCashuError(err.Error(), cashu.DBErrCode)
	}
	if err := tx.Commit(); err != nil {
		return nil, cashu.BuildCashuError(err.Error(), cashu.DBErrCode)
	}

	return blindedSignatures, nil
}

// verifyProofs checks that proofs are not pending, not already spent,
// and not duplicated, then delegates every per-proof crypto and
// spending-condition check to the signatory. The state check reads
// through tx, so the calling transaction's per-Y proof locks cover the
// whole check-then-spend sequence: no other transaction can observe or
// flip a proof's state between this call and the caller's eventual
// SaveProofs/AddPendingProofs.
func (m *Mint) verifyProofs(ctx context.Context, tx storage.Transaction, proofs cashu.Proofs, Ys []string) error {
	if len(proofs) == 0 {
		return cashu.NoProofsProvided
	}

	if cashu.CheckDuplicateProofs(proofs) {
		return cashu.DuplicateProofs
	}

	existing, err := tx.GetProofsByY(Ys)
	if err != nil {
		return cashu.BuildCashuError(err.Error(), cashu.DBErrCode)
	}
	for _, p := range existing {
		switch p.State {
		case storage.Pending:
			return cashu.ProofPendingErr
		case storage.Spent:
			return cashu.ProofAlreadyUsedErr
		}
	}

	for _, proof := range proofs {
		if err := m.sig.VerifyProof(ctx, proof); err != nil {
			return signatoryErr(err)
		}
	}
	return nil
}

func verifyP2PKBlindedMessages(proofs cashu.Proofs, blindedMessages cashu.BlindedMessages) error {
	secret, err := nut10.DeserializeSecret(proofs[0].Secret)
	if err != nil {
		return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}
	pubkeys, err := nut11.PublicKeys(secret)
	if err != nil {
		return err
	}

	signaturesRequired := 1
	p2pkTags, err := nut11.ParseP2PKTags(secret.Tags)
	if err != nil {
		return err
	}
	if p2pkTags.NSigs > 0 {
		signaturesRequired = p2pkTags.NSigs
	}

	// Check that the conditions across all proofs are the same
	for _, proof := range proofs {
		secret, err := nut10.DeserializeSecret(proof.Secret)
		if err != nil {
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
		if !nut11.IsSigAll(secret) {
			return nut11.AllSigAllFlagsErr
		}

		currentSignaturesRequired := 1
		p2pkTags, err := nut11.ParseP2PKTags(secret.Tags)
		if err != nil {
			return err
		}
		if p2pkTags.NSigs > 0 {
			currentSignaturesRequired = p2pkTags.NSigs
		}

		currentKeys, err := nut11.PublicKeys(secret)
		if err != nil {
			return err
		}

		if !reflect.DeepEqual(pubkeys, currentKeys) {
			return nut11.SigAllKeysMustBeEqualErr
		}
		if signaturesRequired != currentSignaturesRequired {
			return nut11.NSigsMustBeEqualErr
		}
	}

	for _, bm := range blindedMessages {
		B_bytes, err := hex.DecodeString(bm.B_)
		if err != nil {
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
		hash := sha256.Sum256(B_bytes)

		var witness nut11.P2PKWitness
		err = json.Unmarshal([]byte(bm.Witness), &witness)
		if err != nil || len(witness.Signatures) < 1 {
			return nut11.EmptyWitnessErr
		}

		if !nut11.HasValidSignatures(hash[:], witness, signaturesRequired, pubkeys) {
			return nut11.NotEnoughSignaturesErr
		}
	}

	return nil
}
