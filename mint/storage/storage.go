// Package storage defines the transactional persistence contract the
// mint orchestrator uses to read and update quotes, proofs, and blind
// signatures. Two things make it different from a plain database
// wrapper:
//
//   - Every write goes through a Transaction, which exclusively locks
//     each record it touches (by quote id, blinded-message pubkey, or
//     proof Y) for its own lifetime, and either merges its whole
//     change-set on Commit or discards it on Rollback.
//   - Reads that don't need a lock go through MintDatabase's own
//     methods directly, without opening a Transaction.
package storage

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/cashu/nuts/nut04"
	"github.com/nutmint/mintd/cashu/nuts/nut05"
)

// DBKeyset is the persisted form of a signatory.KeysetInfo: everything
// needed to reconstruct which keyset a row refers to and when it was
// valid, without ever touching private key material (that only ever
// lives inside the Signatory, derived fresh from the shared master seed
// plus DerivationPath/DerivationPathIdx on every process start).
type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPath    string
	DerivationPathIdx uint32
	MaxOrder          int
	InputFeePpk       uint
	ValidFrom         int64
	ValidTo           int64
}

type DBProof struct {
	Amount  uint64
	Id      string
	Secret  string
	Y       string
	C       string
	Witness string
	State   ProofState
	// MeltQuoteId is set while a proof is reserved (Pending) for an
	// in-flight melt attempt.
	MeltQuoteId string
}

// ProofState mirrors NUT-07's proof state enum.
type ProofState int

const (
	Unspent ProofState = iota
	Pending
	Spent
)

func (s ProofState) String() string {
	switch s {
	case Unspent:
		return "UNSPENT"
	case Pending:
		return "PENDING"
	case Spent:
		return "SPENT"
	default:
		return "unknown"
	}
}

type MintQuote struct {
	Id             string
	Amount         uint64
	PaymentRequest string
	PaymentHash    string
	State          nut04.State
	Expiry         uint64
	Pubkey         *secp256k1.PublicKey
}

type MeltQuote struct {
	Id             string
	InvoiceRequest string
	PaymentHash    string
	Amount         uint64
	FeeReserve     uint64
	State          nut05.State
	Expiry         uint64
	Preimage       string
	IsMpp          bool
	// AmountMsat is only meaningful when IsMpp is true.
	AmountMsat uint64
}

// Transaction is the only way to mutate mint state. Every quote and
// proof it reads or writes, and every blind signature it saves, is
// locked exclusively, for its own lifetime, against every other open
// Transaction; GetBlindSignatures and GetOutputsForQuote take no lock.
// Changes are invisible to readers until Commit; Rollback discards them
// and releases the locks. A Transaction that is neither committed nor
// rolled back keeps its locks.
type Transaction interface {
	GetMintQuote(id string) (MintQuote, bool, error)
	GetMintQuoteByPaymentHash(hash string) (MintQuote, bool, error)
	SaveMintQuote(MintQuote) error
	UpdateMintQuoteState(id string, state nut04.State) error

	GetMeltQuote(id string) (MeltQuote, bool, error)
	GetMeltQuoteByPaymentRequest(request string) (MeltQuote, bool, error)
	SaveMeltQuote(MeltQuote) error
	UpdateMeltQuote(id string, preimage string, state nut05.State) error

	GetProofsByY(ys []string) ([]DBProof, error)
	SaveProofs(cashu.Proofs) error
	AddPendingProofs(proofs cashu.Proofs, meltQuoteId string) error
	RemovePendingProofs(ys []string) error
	SetProofsState(ys []string, state ProofState) error

	GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error)
	SaveBlindSignatures(B_s []string, sigs cashu.BlindedSignatures, quoteId string) error
	// GetOutputsForQuote returns the B_ pubkeys previously signed
	// against quoteId, in the order they were issued. Used to detect
	// and replay an identical re-submission of an already-issued mint
	// quote.
	GetOutputsForQuote(quoteId string) ([]string, error)

	// Commit persists every change made through this Transaction and
	// releases its locks. It is an error to use the Transaction again
	// afterwards.
	Commit() error
	// Rollback discards every change made through this Transaction and
	// releases its locks, without persisting anything.
	Rollback() error
}

// MintDatabase is the reader-side API plus the entry point for opening
// Transactions. Its own methods use a weaker, non-exclusive access()
// primitive: they see committed state only and never block a writer.
type MintDatabase interface {
	BeginTransaction() (Transaction, error)

	SaveSeed([]byte) error
	GetSeed() ([]byte, error)

	SaveKeyset(DBKeyset) error
	GetKeysets() ([]DBKeyset, error)
	UpdateKeysetActive(keysetId string, active bool) error

	GetProofsUsed(ys []string) ([]DBProof, error)
	GetPendingProofs(ys []string) ([]DBProof, error)
	GetPendingProofsByQuote(meltQuoteId string) ([]DBProof, error)

	GetMintQuote(id string) (MintQuote, bool, error)
	GetMintQuoteByPaymentHash(hash string) (MintQuote, bool, error)

	GetMeltQuote(id string) (MeltQuote, bool, error)
	GetMeltQuoteByPaymentRequest(request string) (MeltQuote, bool, error)

	GetBlindSignature(B_ string) (cashu.BlindedSignature, bool, error)
	GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error)
	GetBlindSignaturesForKeyset(keysetId string) (cashu.BlindedSignatures, error)
	GetProofsByKeysetId(keysetId string) ([]DBProof, error)

	// GetIssuedEcash and GetRedeemedEcash return, per keyset id, the
	// total amount of blind signatures issued and spent proofs
	// redeemed — the inputs to total_issued()/total_redeemed().
	GetIssuedEcash() (map[string]uint64, error)
	GetRedeemedEcash() (map[string]uint64, error)

	Close() error
}
