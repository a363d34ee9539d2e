package storage

import "sync"

// LockKind identifies which kind of record a lock guards.
type LockKind int

const (
	LockMintQuote LockKind = iota
	LockMeltQuote
	LockBlindSignature
	LockProof
)

// LockId names one lockable record: a mint quote, melt quote,
// blind-signature output, or proof, identified by its own id/pubkey/Y.
// Two transactions racing on the same LockId serialize through
// AccessManager; transactions touching disjoint records never block
// each other.
type LockId struct {
	Kind LockKind
	Id   string
}

func MintQuoteLock(id string) LockId      { return LockId{Kind: LockMintQuote, Id: id} }
func MeltQuoteLock(id string) LockId      { return LockId{Kind: LockMeltQuote, Id: id} }
func BlindSignatureLock(pk string) LockId { return LockId{Kind: LockBlindSignature, Id: pk} }
func ProofLock(y string) LockId           { return LockId{Kind: LockProof, Id: y} }

// AccessManager is the exclusive per-record lock table shared by every
// Transaction opened against a backend, whether memory- or
// sqlite-backed. A record is locked for the lifetime of the
// Transaction that first touches it; a second transaction naming the
// same record blocks until the first commits or rolls back. This is
// the single source of truth for the mutual exclusion the mint
// requires, independent of whatever transactional guarantees (or lack
// of them) the underlying storage engine offers.
type AccessManager struct {
	mu      sync.Mutex
	cond    *sync.Cond
	holders map[LockId]uint64 // LockId -> owning transaction generation
}

func NewAccessManager() *AccessManager {
	am := &AccessManager{holders: make(map[LockId]uint64)}
	am.cond = sync.NewCond(&am.mu)
	return am
}

// Lock blocks until id is free, then marks it held by owner. Safe to
// call multiple times for the same (id, owner) pair (idempotent within
// one transaction).
func (am *AccessManager) Lock(id LockId, owner uint64) {
	am.mu.Lock()
	defer am.mu.Unlock()

	for {
		holder, held := am.holders[id]
		if !held || holder == owner {
			am.holders[id] = owner
			return
		}
		am.cond.Wait()
	}
}

// Release drops every lock held by owner and wakes blocked waiters.
// Called once, on commit or rollback.
func (am *AccessManager) Release(owner uint64) {
	am.mu.Lock()
	defer am.mu.Unlock()

	for id, holder := range am.holders {
		if holder == owner {
			delete(am.holders, id)
		}
	}
	am.cond.Broadcast()
}
