package sqlite

import (
	"database/sql"
	"encoding/hex"
	"strings"

	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/cashu/nuts/nut04"
	"github.com/nutmint/mintd/cashu/nuts/nut05"
	"github.com/nutmint/mintd/mint/storage"
)

// sqliteTransaction wraps a real *sql.Tx, so reads inside it already see
// its own uncommitted writes without any extra bookkeeping. What sql.Tx
// does not give us is exclusion across transactions on the same mint
// quote, melt quote, proof, or blind signature, so every read or write
// of a quote or proof, and every save of a blind signature, takes a lock
// from the shared AccessManager; GetBlindSignatures and
// GetOutputsForQuote take no lock.
type sqliteTransaction struct {
	tx   *sql.Tx
	db   *SQLiteDB
	id   uint64
	done bool
}

func (tx *sqliteTransaction) lockMintQuote(id string) { tx.db.access.Lock(storage.MintQuoteLock(id), tx.id) }
func (tx *sqliteTransaction) lockMeltQuote(id string) { tx.db.access.Lock(storage.MeltQuoteLock(id), tx.id) }
func (tx *sqliteTransaction) lockSig(pk string)       { tx.db.access.Lock(storage.BlindSignatureLock(pk), tx.id) }
func (tx *sqliteTransaction) lockProof(y string)      { tx.db.access.Lock(storage.ProofLock(y), tx.id) }

func (tx *sqliteTransaction) GetMintQuote(id string) (storage.MintQuote, bool, error) {
	tx.lockMintQuote(id)
	return scanMintQuote(tx.tx.QueryRow("SELECT id, payment_request, payment_hash, amount, state, expiry, pubkey FROM mint_quotes WHERE id = ?", id))
}

func (tx *sqliteTransaction) GetMintQuoteByPaymentHash(hash string) (storage.MintQuote, bool, error) {
	q, ok, err := scanMintQuote(tx.tx.QueryRow("SELECT id, payment_request, payment_hash, amount, state, expiry, pubkey FROM mint_quotes WHERE payment_hash = ?", hash))
	if err == nil && ok {
		tx.lockMintQuote(q.Id)
	}
	return q, ok, err
}

func (tx *sqliteTransaction) SaveMintQuote(q storage.MintQuote) error {
	tx.lockMintQuote(q.Id)
	var pubkey string
	if q.Pubkey != nil {
		pubkey = hex.EncodeToString(q.Pubkey.SerializeCompressed())
	}
	_, err := tx.tx.Exec(
		`INSERT INTO mint_quotes (id, payment_request, payment_hash, amount, state, expiry, pubkey)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.Id, q.PaymentRequest, q.PaymentHash, q.Amount, q.State.String(), q.Expiry, pubkey,
	)
	return err
}

func (tx *sqliteTransaction) UpdateMintQuoteState(id string, state nut04.State) error {
	tx.lockMintQuote(id)
	_, err := tx.tx.Exec("UPDATE mint_quotes SET state = ? WHERE id = ?", state.String(), id)
	return err
}

func (tx *sqliteTransaction) GetMeltQuote(id string) (storage.MeltQuote, bool, error) {
	tx.lockMeltQuote(id)
	return scanMeltQuote(tx.tx.QueryRow("SELECT id, request, payment_hash, amount, fee_reserve, state, expiry, preimage, is_mpp, amount_msat FROM melt_quotes WHERE id = ?", id))
}

func (tx *sqliteTransaction) GetMeltQuoteByPaymentRequest(request string) (storage.MeltQuote, bool, error) {
	q, ok, err := scanMeltQuote(tx.tx.QueryRow("SELECT id, request, payment_hash, amount, fee_reserve, state, expiry, preimage, is_mpp, amount_msat FROM melt_quotes WHERE request = ?", request))
	if err == nil && ok {
		tx.lockMeltQuote(q.Id)
	}
	return q, ok, err
}

func (tx *sqliteTransaction) SaveMeltQuote(q storage.MeltQuote) error {
	tx.lockMeltQuote(q.Id)
	_, err := tx.tx.Exec(`
		INSERT INTO melt_quotes
		(id, request, payment_hash, amount, fee_reserve, state, expiry, preimage, is_mpp, amount_msat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.Id, q.InvoiceRequest, q.PaymentHash, q.Amount, q.FeeReserve, q.State.String(), q.Expiry, q.Preimage, q.IsMpp, q.AmountMsat,
	)
	return err
}

func (tx *sqliteTransaction) UpdateMeltQuote(id string, preimage string, state nut05.State) error {
	tx.lockMeltQuote(id)
	if preimage == "" {
		_, err := tx.tx.Exec("UPDATE melt_quotes SET state = ? WHERE id = ?", state.String(), id)
		return err
	}
	_, err := tx.tx.Exec("UPDATE melt_quotes SET state = ?, preimage = ? WHERE id = ?", state.String(), preimage, id)
	return err
}

func (tx *sqliteTransaction) GetProofsByY(ys []string) ([]storage.DBProof, error) {
	if len(ys) == 0 {
		return []storage.DBProof{}, nil
	}
	for _, y := range ys {
		tx.lockProof(y)
	}
	query := `SELECT y, amount, keyset_id, secret, c, witness, state, melt_quote_id FROM proofs WHERE y in (?` + strings.Repeat(",?", len(ys)-1) + `)`
	args := make([]any, len(ys))
	for i, y := range ys {
		args[i] = y
	}
	return queryProofs(tx.tx, query, args...)
}

func (tx *sqliteTransaction) SaveProofs(proofs cashu.Proofs) error {
	stmt, err := tx.tx.Prepare("INSERT INTO proofs (y, amount, keyset_id, secret, c, witness, state) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range proofs {
		y := proofY(p)
		tx.lockProof(y)
		if _, err := stmt.Exec(y, p.Amount, p.Id, p.Secret, p.C, p.Witness, storage.Spent.String()); err != nil {
			return err
		}
	}
	return nil
}

func (tx *sqliteTransaction) AddPendingProofs(proofs cashu.Proofs, meltQuoteId string) error {
	stmt, err := tx.tx.Prepare("INSERT INTO proofs (y, amount, keyset_id, secret, c, witness, state, melt_quote_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range proofs {
		y := proofY(p)
		tx.lockProof(y)
		if _, err := stmt.Exec(y, p.Amount, p.Id, p.Secret, p.C, p.Witness, storage.Pending.String(), meltQuoteId); err != nil {
			return err
		}
	}
	return nil
}

func (tx *sqliteTransaction) RemovePendingProofs(ys []string) error {
	stmt, err := tx.tx.Prepare("DELETE FROM proofs WHERE y = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, y := range ys {
		tx.lockProof(y)
		if _, err := stmt.Exec(y); err != nil {
			return err
		}
	}
	return nil
}

func (tx *sqliteTransaction) SetProofsState(ys []string, state storage.ProofState) error {
	stmt, err := tx.tx.Prepare("UPDATE proofs SET state = ? WHERE y = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, y := range ys {
		tx.lockProof(y)
		if _, err := stmt.Exec(state.String(), y); err != nil {
			return err
		}
	}
	return nil
}

func (tx *sqliteTransaction) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	return queryBlindSignatures(tx.tx, B_s)
}

func (tx *sqliteTransaction) SaveBlindSignatures(B_s []string, sigs cashu.BlindedSignatures, quoteId string) error {
	if len(B_s) != len(sigs) {
		return errMismatchedSignatures
	}
	for _, b := range B_s {
		tx.lockSig(b)
	}

	stmt, err := tx.tx.Prepare("INSERT INTO blind_signatures (b_, c_, keyset_id, amount, e, s, quote_id) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, b := range B_s {
		sig := sigs[i]
		var e, s string
		if sig.DLEQ != nil {
			e, s = sig.DLEQ.E, sig.DLEQ.S
		}
		if _, err := stmt.Exec(b, sig.C_, sig.Id, sig.Amount, e, s, quoteId); err != nil {
			return err
		}
	}
	return nil
}

func (tx *sqliteTransaction) GetOutputsForQuote(quoteId string) ([]string, error) {
	rows, err := tx.tx.Query("SELECT b_ FROM blind_signatures WHERE quote_id = ? ORDER BY rowid", quoteId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (tx *sqliteTransaction) Commit() error {
	if tx.done {
		return errTransactionDone
	}
	tx.done = true
	defer tx.db.access.Release(tx.id)
	return tx.tx.Commit()
}

func (tx *sqliteTransaction) Rollback() error {
	if tx.done {
		return errTransactionDone
	}
	tx.done = true
	defer tx.db.access.Release(tx.id)
	return tx.tx.Rollback()
}
