// Package sqlite is the durable MintDatabase backend: state survives a
// restart, backed by a single-file SQLite database via mattn/go-sqlite3.
// SQLite's own transactions provide atomic commit/rollback, but not the
// cross-transaction exclusive locking the mint needs on individual mint
// quotes, melt quotes, and blind-signature outputs — sql.Tx isolation
// alone won't serialize two goroutines racing to pay the same quote. So
// every sqliteTransaction also locks through the same storage.AccessManager
// the memory backend uses, making it the single source of truth for that
// contract regardless of which backend is running.
package sqlite

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/cashu/nuts/nut04"
	"github.com/nutmint/mintd/cashu/nuts/nut05"
	"github.com/nutmint/mintd/mint/storage"
)

//go:embed migrations
var migrations embed.FS

type SQLiteDB struct {
	db     *sql.DB
	access *storage.AccessManager
	nextId atomic.Uint64
}

// migrationsDir copies the embedded migration files to a temp directory
// on disk, since migrate.New wants a real filesystem source.
func migrationsDir() (string, error) {
	tempDir, err := os.MkdirTemp("", "migrations")
	if err != nil {
		return "", err
	}

	migrationFiles, err := migrations.ReadDir("migrations")
	if err != nil {
		return "", err
	}

	for _, file := range migrationFiles {
		filePath := filepath.Join(tempDir, file.Name())

		migrationFilePath := filepath.Join("migrations", file.Name())
		migrationFile, err := migrations.Open(migrationFilePath)
		if err != nil {
			return "", err
		}
		defer migrationFile.Close()

		destFile, err := os.Create(filePath)
		if err != nil {
			return "", err
		}
		defer destFile.Close()

		if _, err := io.Copy(destFile, migrationFile); err != nil {
			return "", err
		}
	}

	return tempDir, nil
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "mint.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	tempMigrationsDir, err := migrationsDir()
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tempMigrationsDir)

	m, err := migrate.New(fmt.Sprintf("file://%s", tempMigrationsDir), fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db, access: storage.NewAccessManager()}, nil
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) SaveSeed(seed []byte) error {
	_, err := s.db.Exec("INSERT INTO seed (id, seed) VALUES (?, ?)", "id", hex.EncodeToString(seed))
	return err
}

func (s *SQLiteDB) GetSeed() ([]byte, error) {
	var hexSeed string
	row := s.db.QueryRow("SELECT seed FROM seed WHERE id = ?", "id")
	if err := row.Scan(&hexSeed); err != nil {
		return nil, err
	}
	return hex.DecodeString(hexSeed)
}

func (s *SQLiteDB) SaveKeyset(keyset storage.DBKeyset) error {
	_, err := s.db.Exec(`
		INSERT INTO keysets (id, unit, active, derivation_path, derivation_path_idx, max_order, input_fee_ppk, valid_from, valid_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, keyset.Id, keyset.Unit, keyset.Active, keyset.DerivationPath, keyset.DerivationPathIdx, keyset.MaxOrder, keyset.InputFeePpk, keyset.ValidFrom, keyset.ValidTo)
	return err
}

func (s *SQLiteDB) GetKeysets() ([]storage.DBKeyset, error) {
	rows, err := s.db.Query("SELECT id, unit, active, derivation_path, derivation_path_idx, max_order, input_fee_ppk, valid_from, valid_to FROM keysets")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keysets := []storage.DBKeyset{}
	for rows.Next() {
		var keyset storage.DBKeyset
		if err := rows.Scan(&keyset.Id, &keyset.Unit, &keyset.Active, &keyset.DerivationPath, &keyset.DerivationPathIdx, &keyset.MaxOrder, &keyset.InputFeePpk, &keyset.ValidFrom, &keyset.ValidTo); err != nil {
			return nil, err
		}
		keysets = append(keysets, keyset)
	}
	return keysets, rows.Err()
}

func (s *SQLiteDB) UpdateKeysetActive(id string, active bool) error {
	result, err := s.db.Exec("UPDATE keysets SET active = ? WHERE id = ?", active, id)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New("keyset was not updated")
	}
	return nil
}

func (s *SQLiteDB) GetProofsUsed(ys []string) ([]storage.DBProof, error) {
	return s.proofsByYAndState(ys, storage.Spent)
}

func (s *SQLiteDB) GetPendingProofs(ys []string) ([]storage.DBProof, error) {
	return s.proofsByYAndState(ys, storage.Pending)
}

func (s *SQLiteDB) proofsByYAndState(ys []string, state storage.ProofState) ([]storage.DBProof, error) {
	if len(ys) == 0 {
		return []storage.DBProof{}, nil
	}
	query := `SELECT y, amount, keyset_id, secret, c, witness, state, melt_quote_id FROM proofs
		WHERE state = ? AND y in (?` + strings.Repeat(",?", len(ys)-1) + `)`

	args := make([]any, 0, len(ys)+1)
	args = append(args, state.String())
	for _, y := range ys {
		args = append(args, y)
	}
	return queryProofs(s.db, query, args...)
}

func (s *SQLiteDB) GetPendingProofsByQuote(meltQuoteId string) ([]storage.DBProof, error) {
	return queryProofs(s.db,
		`SELECT y, amount, keyset_id, secret, c, witness, state, melt_quote_id FROM proofs WHERE state = ? AND melt_quote_id = ?`,
		storage.Pending.String(), meltQuoteId)
}

func (s *SQLiteDB) GetProofsByKeysetId(keysetId string) ([]storage.DBProof, error) {
	return queryProofs(s.db,
		`SELECT y, amount, keyset_id, secret, c, witness, state, melt_quote_id FROM proofs WHERE keyset_id = ?`,
		keysetId)
}

func queryProofs(q queryer, query string, args ...any) ([]storage.DBProof, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	proofs := []storage.DBProof{}
	for rows.Next() {
		var proof storage.DBProof
		var witness sql.NullString
		var state string
		var meltQuoteId sql.NullString

		if err := rows.Scan(&proof.Y, &proof.Amount, &proof.Id, &proof.Secret, &proof.C, &witness, &state, &meltQuoteId); err != nil {
			return nil, err
		}
		if witness.Valid {
			proof.Witness = witness.String
		}
		if meltQuoteId.Valid {
			proof.MeltQuoteId = meltQuoteId.String
		}
		proof.State = stateFromString(state)
		proofs = append(proofs, proof)
	}
	return proofs, rows.Err()
}

func stateFromString(s string) storage.ProofState {
	switch s {
	case storage.Pending.String():
		return storage.Pending
	case storage.Spent.String():
		return storage.Spent
	default:
		return storage.Unspent
	}
}

func (s *SQLiteDB) GetMintQuote(id string) (storage.MintQuote, bool, error) {
	return scanMintQuote(s.db.QueryRow("SELECT id, payment_request, payment_hash, amount, state, expiry, pubkey FROM mint_quotes WHERE id = ?", id))
}

func (s *SQLiteDB) GetMintQuoteByPaymentHash(hash string) (storage.MintQuote, bool, error) {
	return scanMintQuote(s.db.QueryRow("SELECT id, payment_request, payment_hash, amount, state, expiry, pubkey FROM mint_quotes WHERE payment_hash = ?", hash))
}

func scanMintQuote(row *sql.Row) (storage.MintQuote, bool, error) {
	var q storage.MintQuote
	var state string
	var pubkey sql.NullString

	err := row.Scan(&q.Id, &q.PaymentRequest, &q.PaymentHash, &q.Amount, &state, &q.Expiry, &pubkey)
	if err == sql.ErrNoRows {
		return storage.MintQuote{}, false, nil
	}
	if err != nil {
		return storage.MintQuote{}, false, err
	}
	q.State = nut04.StringToState(state)

	if pubkey.Valid && len(pubkey.String) > 0 {
		hexPubkey, err := hex.DecodeString(pubkey.String)
		if err != nil {
			return storage.MintQuote{}, false, fmt.Errorf("invalid public key in db: %v", err)
		}
		publicKey, err := secp256k1.ParsePubKey(hexPubkey)
		if err != nil {
			return storage.MintQuote{}, false, fmt.Errorf("invalid public key in db: %v", err)
		}
		q.Pubkey = publicKey
	}

	return q, true, nil
}

func (s *SQLiteDB) GetMeltQuote(id string) (storage.MeltQuote, bool, error) {
	return scanMeltQuote(s.db.QueryRow("SELECT id, request, payment_hash, amount, fee_reserve, state, expiry, preimage, is_mpp, amount_msat FROM melt_quotes WHERE id = ?", id))
}

func (s *SQLiteDB) GetMeltQuoteByPaymentRequest(request string) (storage.MeltQuote, bool, error) {
	return scanMeltQuote(s.db.QueryRow("SELECT id, request, payment_hash, amount, fee_reserve, state, expiry, preimage, is_mpp, amount_msat FROM melt_quotes WHERE request = ?", request))
}

func scanMeltQuote(row *sql.Row) (storage.MeltQuote, bool, error) {
	var q storage.MeltQuote
	var state string
	var preimage sql.NullString

	err := row.Scan(&q.Id, &q.InvoiceRequest, &q.PaymentHash, &q.Amount, &q.FeeReserve, &state, &q.Expiry, &preimage, &q.IsMpp, &q.AmountMsat)
	if err == sql.ErrNoRows {
		return storage.MeltQuote{}, false, nil
	}
	if err != nil {
		return storage.MeltQuote{}, false, err
	}
	q.State = nut05.StringToState(state)
	if preimage.Valid {
		q.Preimage = preimage.String
	}
	return q, true, nil
}

func (s *SQLiteDB) GetBlindSignature(B_ string) (cashu.BlindedSignature, bool, error) {
	row := s.db.QueryRow("SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ = ?", B_)
	sig, ok, err := scanBlindSignature(row)
	return sig, ok, err
}

func scanBlindSignature(row *sql.Row) (cashu.BlindedSignature, bool, error) {
	var sig cashu.BlindedSignature
	var e, sVal sql.NullString

	err := row.Scan(&sig.Amount, &sig.C_, &sig.Id, &e, &sVal)
	if err == sql.ErrNoRows {
		return cashu.BlindedSignature{}, false, nil
	}
	if err != nil {
		return cashu.BlindedSignature{}, false, err
	}
	if e.Valid && sVal.Valid {
		sig.DLEQ = &cashu.DLEQProof{E: e.String, S: sVal.String}
	}
	return sig, true, nil
}

func (s *SQLiteDB) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	return queryBlindSignatures(s.db, B_s)
}

func (s *SQLiteDB) GetBlindSignaturesForKeyset(keysetId string) (cashu.BlindedSignatures, error) {
	rows, err := s.db.Query("SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE keyset_id = ?", keysetId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBlindSignatures(rows)
}

func queryBlindSignatures(q queryer, B_s []string) (cashu.BlindedSignatures, error) {
	if len(B_s) == 0 {
		return cashu.BlindedSignatures{}, nil
	}
	query := `SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ in (?` + strings.Repeat(",?", len(B_s)-1) + `)`
	args := make([]any, len(B_s))
	for i, b := range B_s {
		args[i] = b
	}

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBlindSignatures(rows)
}

func scanBlindSignatures(rows *sql.Rows) (cashu.BlindedSignatures, error) {
	signatures := cashu.BlindedSignatures{}
	for rows.Next() {
		var sig cashu.BlindedSignature
		var e, s sql.NullString

		if err := rows.Scan(&sig.Amount, &sig.C_, &sig.Id, &e, &s); err != nil {
			return nil, err
		}
		if e.Valid && s.Valid {
			sig.DLEQ = &cashu.DLEQProof{E: e.String, S: s.String}
		}
		signatures = append(signatures, sig)
	}
	return signatures, rows.Err()
}

func (s *SQLiteDB) GetIssuedEcash() (map[string]uint64, error) {
	return sumByKeyset(s.db, "SELECT keyset_id, amount FROM blind_signatures")
}

func (s *SQLiteDB) GetRedeemedEcash() (map[string]uint64, error) {
	return sumByKeyset(s.db, "SELECT keyset_id, amount FROM proofs WHERE state = ?", storage.Spent.String())
}

func sumByKeyset(q queryer, query string, args ...any) (map[string]uint64, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]uint64)
	for rows.Next() {
		var keysetId string
		var amount uint64
		if err := rows.Scan(&keysetId, &amount); err != nil {
			return nil, err
		}
		totals[keysetId] += amount
	}
	return totals, rows.Err()
}

func (s *SQLiteDB) BeginTransaction() (storage.Transaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	return &sqliteTransaction{tx: tx, db: s, id: s.nextId.Add(1)}, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx, so read helpers can
// run against either a plain connection or an in-flight transaction.
type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}
