package memory

import (
	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/cashu/nuts/nut04"
	"github.com/nutmint/mintd/cashu/nuts/nut05"
	"github.com/nutmint/mintd/mint/storage"
)

// memoryTransaction buffers every write in its own change-set and only
// merges it into the backing maps on Commit. Every quote and proof it
// reads or writes, and every blind signature it saves, is exclusively
// locked, via db.access, for its own lifetime; GetBlindSignatures and
// GetOutputsForQuote take no lock.
type memoryTransaction struct {
	db   *MintMemoryDatabase
	id   uint64
	done bool

	writeMQ       map[string]storage.MintQuote
	writeME       map[string]storage.MeltQuote
	writePr       map[string]storage.DBProof
	writeSg       map[string]cashu.BlindedSignature
	writeQuoteSig map[string][]string // quote id -> B_s issued against it, staged
	removePr      map[string]bool    // Ys tombstoned by RemovePendingProofs, staged
}

func (tx *memoryTransaction) lockMintQuote(id string) { tx.db.access.Lock(storage.MintQuoteLock(id), tx.id) }
func (tx *memoryTransaction) lockMeltQuote(id string) { tx.db.access.Lock(storage.MeltQuoteLock(id), tx.id) }
func (tx *memoryTransaction) lockSig(pk string)       { tx.db.access.Lock(storage.BlindSignatureLock(pk), tx.id) }
func (tx *memoryTransaction) lockProof(y string)      { tx.db.access.Lock(storage.ProofLock(y), tx.id) }

func (tx *memoryTransaction) GetMintQuote(id string) (storage.MintQuote, bool, error) {
	tx.lockMintQuote(id)
	if q, ok := tx.writeMQ[id]; ok {
		return q, true, nil
	}
	tx.db.mu.RLock()
	defer tx.db.mu.RUnlock()
	q, ok := tx.db.mintQ[id]
	return q, ok, nil
}

func (tx *memoryTransaction) GetMintQuoteByPaymentHash(hash string) (storage.MintQuote, bool, error) {
	tx.db.mu.RLock()
	var found storage.MintQuote
	ok := false
	for _, q := range tx.db.mintQ {
		if q.PaymentHash == hash {
			found, ok = q, true
			break
		}
	}
	tx.db.mu.RUnlock()
	if ok {
		tx.lockMintQuote(found.Id)
		if staged, stagedOk := tx.writeMQ[found.Id]; stagedOk {
			return staged, true, nil
		}
	}
	return found, ok, nil
}

func (tx *memoryTransaction) SaveMintQuote(q storage.MintQuote) error {
	tx.lockMintQuote(q.Id)
	tx.writeMQ[q.Id] = q
	return nil
}

func (tx *memoryTransaction) UpdateMintQuoteState(id string, state nut04.State) error {
	tx.lockMintQuote(id)
	q, _, err := tx.GetMintQuote(id)
	if err != nil {
		return err
	}
	q.State = state
	tx.writeMQ[id] = q
	return nil
}

func (tx *memoryTransaction) GetMeltQuote(id string) (storage.MeltQuote, bool, error) {
	tx.lockMeltQuote(id)
	if q, ok := tx.writeME[id]; ok {
		return q, true, nil
	}
	tx.db.mu.RLock()
	defer tx.db.mu.RUnlock()
	q, ok := tx.db.meltQ[id]
	return q, ok, nil
}

func (tx *memoryTransaction) GetMeltQuoteByPaymentRequest(request string) (storage.MeltQuote, bool, error) {
	tx.db.mu.RLock()
	var found storage.MeltQuote
	ok := false
	for _, q := range tx.db.meltQ {
		if q.InvoiceRequest == request {
			found, ok = q, true
			break
		}
	}
	tx.db.mu.RUnlock()
	if ok {
		tx.lockMeltQuote(found.Id)
		if staged, stagedOk := tx.writeME[found.Id]; stagedOk {
			return staged, true, nil
		}
	}
	return found, ok, nil
}

func (tx *memoryTransaction) SaveMeltQuote(q storage.MeltQuote) error {
	tx.lockMeltQuote(q.Id)
	tx.writeME[q.Id] = q
	return nil
}

func (tx *memoryTransaction) UpdateMeltQuote(id string, preimage string, state nut05.State) error {
	tx.lockMeltQuote(id)
	q, _, err := tx.GetMeltQuote(id)
	if err != nil {
		return err
	}
	q.State = state
	if preimage != "" {
		q.Preimage = preimage
	}
	tx.writeME[id] = q
	return nil
}

func (tx *memoryTransaction) GetProofsByY(ys []string) ([]storage.DBProof, error) {
	for _, y := range ys {
		tx.lockProof(y)
	}
	tx.db.mu.RLock()
	defer tx.db.mu.RUnlock()
	out := make([]storage.DBProof, 0, len(ys))
	for _, y := range ys {
		if tx.removePr[y] {
			continue
		}
		if p, ok := tx.writePr[y]; ok {
			out = append(out, p)
			continue
		}
		if p, ok := tx.db.proofs[y]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (tx *memoryTransaction) SaveProofs(proofs cashu.Proofs) error {
	for _, p := range proofs {
		y, err := proofY(p)
		if err != nil {
			return err
		}
		tx.lockProof(y)
		delete(tx.removePr, y)
		tx.writePr[y] = storage.DBProof{
			Amount:  p.Amount,
			Id:      p.Id,
			Secret:  p.Secret,
			Y:       y,
			C:       p.C,
			Witness: p.Witness,
			State:   storage.Spent,
		}
	}
	return nil
}

func (tx *memoryTransaction) AddPendingProofs(proofs cashu.Proofs, meltQuoteId string) error {
	for _, p := range proofs {
		y, err := proofY(p)
		if err != nil {
			return err
		}
		tx.lockProof(y)
		delete(tx.removePr, y)
		tx.writePr[y] = storage.DBProof{
			Amount:      p.Amount,
			Id:          p.Id,
			Secret:      p.Secret,
			Y:           y,
			C:           p.C,
			Witness:     p.Witness,
			State:       storage.Pending,
			MeltQuoteId: meltQuoteId,
		}
	}
	return nil
}

// RemovePendingProofs stages a tombstone for each Y rather than
// deleting from the shared store directly, so a Rollback leaves the
// committed state untouched.
func (tx *memoryTransaction) RemovePendingProofs(ys []string) error {
	for _, y := range ys {
		tx.lockProof(y)
		delete(tx.writePr, y)
		tx.removePr[y] = true
	}
	return nil
}

func (tx *memoryTransaction) SetProofsState(ys []string, state storage.ProofState) error {
	for _, y := range ys {
		tx.lockProof(y)
		if tx.removePr[y] {
			continue
		}
		p, ok := tx.writePr[y]
		if !ok {
			tx.db.mu.RLock()
			p, ok = tx.db.proofs[y]
			tx.db.mu.RUnlock()
		}
		if !ok {
			continue
		}
		p.State = state
		tx.writePr[y] = p
	}
	return nil
}

func (tx *memoryTransaction) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	tx.db.mu.RLock()
	defer tx.db.mu.RUnlock()
	out := make(cashu.BlindedSignatures, 0, len(B_s))
	for _, b := range B_s {
		if s, ok := tx.writeSg[b]; ok {
			out = append(out, s)
			continue
		}
		if s, ok := tx.db.sigs[b]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (tx *memoryTransaction) SaveBlindSignatures(B_s []string, sigs cashu.BlindedSignatures, quoteId string) error {
	if len(B_s) != len(sigs) {
		return errMismatchedSignatures
	}
	for _, b := range B_s {
		tx.lockSig(b)
	}
	for i, b := range B_s {
		tx.writeSg[b] = sigs[i]
	}
	tx.writeQuoteSig[quoteId] = append(tx.writeQuoteSig[quoteId], B_s...)
	return nil
}

// GetOutputsForQuote returns committed B_s for quoteId followed by any
// staged in this transaction's own change-set, preserving issuance
// order across the two.
func (tx *memoryTransaction) GetOutputsForQuote(quoteId string) ([]string, error) {
	tx.db.mu.RLock()
	committed := tx.db.quoteSig[quoteId]
	out := make([]string, len(committed), len(committed)+len(tx.writeQuoteSig[quoteId]))
	copy(out, committed)
	tx.db.mu.RUnlock()
	out = append(out, tx.writeQuoteSig[quoteId]...)
	return out, nil
}

func (tx *memoryTransaction) Commit() error {
	if tx.done {
		return errTransactionDone
	}
	tx.done = true
	defer tx.db.access.Release(tx.id)

	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	for id, q := range tx.writeMQ {
		tx.db.mintQ[id] = q
	}
	for id, q := range tx.writeME {
		tx.db.meltQ[id] = q
	}
	for y, p := range tx.writePr {
		tx.db.proofs[y] = p
	}
	for y := range tx.removePr {
		delete(tx.db.proofs, y)
	}
	for b, s := range tx.writeSg {
		tx.db.sigs[b] = s
	}
	for quoteId, bs := range tx.writeQuoteSig {
		tx.db.quoteSig[quoteId] = append(tx.db.quoteSig[quoteId], bs...)
	}
	return nil
}

func (tx *memoryTransaction) Rollback() error {
	if tx.done {
		return errTransactionDone
	}
	tx.done = true
	tx.db.access.Release(tx.id)
	return nil
}
