// Package memory is the reference MintDatabase backend: everything
// lives in process memory, guarded by the same exclusive per-record
// locking discipline the sqlite backend uses. It is the backend the
// state-machine tests exercise directly, since it needs no setup and
// makes lock contention easy to trigger from two goroutines.
package memory

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/mint/storage"
)

type MintMemoryDatabase struct {
	mu sync.RWMutex

	seed     []byte
	keysets  map[string]storage.DBKeyset
	proofs   map[string]storage.DBProof // keyed by Y
	mintQ    map[string]storage.MintQuote
	meltQ    map[string]storage.MeltQuote
	sigs     map[string]cashu.BlindedSignature // keyed by B_
	quoteSig map[string][]string               // quote id -> B_s issued against it

	access *storage.AccessManager
	nextId atomic.Uint64
}

func New() *MintMemoryDatabase {
	return &MintMemoryDatabase{
		keysets:  make(map[string]storage.DBKeyset),
		proofs:   make(map[string]storage.DBProof),
		mintQ:    make(map[string]storage.MintQuote),
		meltQ:    make(map[string]storage.MeltQuote),
		sigs:     make(map[string]cashu.BlindedSignature),
		quoteSig: make(map[string][]string),
		access:   storage.NewAccessManager(),
	}
}

func (db *MintMemoryDatabase) Close() error { return nil }

func (db *MintMemoryDatabase) SaveSeed(seed []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.seed = seed
	return nil
}

func (db *MintMemoryDatabase) GetSeed() ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.seed, nil
}

func (db *MintMemoryDatabase) SaveKeyset(ks storage.DBKeyset) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.keysets[ks.Id] = ks
	return nil
}

func (db *MintMemoryDatabase) GetKeysets() ([]storage.DBKeyset, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]storage.DBKeyset, 0, len(db.keysets))
	for _, ks := range db.keysets {
		out = append(out, ks)
	}
	return out, nil
}

func (db *MintMemoryDatabase) UpdateKeysetActive(id string, active bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	ks, ok := db.keysets[id]
	if !ok {
		return fmt.Errorf("unknown keyset '%v'", id)
	}
	ks.Active = active
	db.keysets[id] = ks
	return nil
}

func (db *MintMemoryDatabase) GetProofsUsed(ys []string) ([]storage.DBProof, error) {
	return db.proofsByYAndState(ys, storage.Spent)
}

func (db *MintMemoryDatabase) GetPendingProofs(ys []string) ([]storage.DBProof, error) {
	return db.proofsByYAndState(ys, storage.Pending)
}

func (db *MintMemoryDatabase) proofsByYAndState(ys []string, state storage.ProofState) ([]storage.DBProof, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]storage.DBProof, 0, len(ys))
	for _, y := range ys {
		if p, ok := db.proofs[y]; ok && p.State == state {
			out = append(out, p)
		}
	}
	return out, nil
}

func (db *MintMemoryDatabase) GetPendingProofsByQuote(meltQuoteId string) ([]storage.DBProof, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]storage.DBProof, 0)
	for _, p := range db.proofs {
		if p.State == storage.Pending && p.MeltQuoteId == meltQuoteId {
			out = append(out, p)
		}
	}
	return out, nil
}

func (db *MintMemoryDatabase) GetMintQuote(id string) (storage.MintQuote, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	q, ok := db.mintQ[id]
	return q, ok, nil
}

func (db *MintMemoryDatabase) GetMintQuoteByPaymentHash(hash string) (storage.MintQuote, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, q := range db.mintQ {
		if q.PaymentHash == hash {
			return q, true, nil
		}
	}
	return storage.MintQuote{}, false, nil
}

func (db *MintMemoryDatabase) GetMeltQuote(id string) (storage.MeltQuote, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	q, ok := db.meltQ[id]
	return q, ok, nil
}

func (db *MintMemoryDatabase) GetMeltQuoteByPaymentRequest(request string) (storage.MeltQuote, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, q := range db.meltQ {
		if q.InvoiceRequest == request {
			return q, true, nil
		}
	}
	return storage.MeltQuote{}, false, nil
}

func (db *MintMemoryDatabase) GetBlindSignature(B_ string) (cashu.BlindedSignature, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	s, ok := db.sigs[B_]
	return s, ok, nil
}

func (db *MintMemoryDatabase) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make(cashu.BlindedSignatures, 0, len(B_s))
	for _, b := range B_s {
		if s, ok := db.sigs[b]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (db *MintMemoryDatabase) GetBlindSignaturesForKeyset(keysetId string) (cashu.BlindedSignatures, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make(cashu.BlindedSignatures, 0)
	for _, s := range db.sigs {
		if s.Id == keysetId {
			out = append(out, s)
		}
	}
	return out, nil
}

func (db *MintMemoryDatabase) GetProofsByKeysetId(keysetId string) ([]storage.DBProof, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]storage.DBProof, 0)
	for _, p := range db.proofs {
		if p.Id == keysetId {
			out = append(out, p)
		}
	}
	return out, nil
}

func (db *MintMemoryDatabase) GetIssuedEcash() (map[string]uint64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	totals := make(map[string]uint64)
	for _, s := range db.sigs {
		totals[s.Id] += s.Amount
	}
	return totals, nil
}

func (db *MintMemoryDatabase) GetRedeemedEcash() (map[string]uint64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	totals := make(map[string]uint64)
	for _, p := range db.proofs {
		if p.State == storage.Spent {
			totals[p.Id] += p.Amount
		}
	}
	return totals, nil
}

func (db *MintMemoryDatabase) BeginTransaction() (storage.Transaction, error) {
	return &memoryTransaction{
		db:            db,
		id:            db.nextId.Add(1),
		writeMQ:       make(map[string]storage.MintQuote),
		writeME:       make(map[string]storage.MeltQuote),
		writePr:       make(map[string]storage.DBProof),
		writeSg:       make(map[string]cashu.BlindedSignature),
		writeQuoteSig: make(map[string][]string),
		removePr:      make(map[string]bool),
	}, nil
}
