package memory

import (
	"testing"
	"time"

	"github.com/nutmint/mintd/cashu/nuts/nut04"
	"github.com/nutmint/mintd/mint/storage"
)

func TestTransactionCommitPersists(t *testing.T) {
	db := New()

	tx, err := db.BeginTransaction()
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	quote := storage.MintQuote{Id: "quote1", Amount: 21, State: nut04.Unpaid}
	if err := tx.SaveMintQuote(quote); err != nil {
		t.Fatalf("SaveMintQuote: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, ok, err := db.GetMintQuote("quote1")
	if err != nil {
		t.Fatalf("GetMintQuote: %v", err)
	}
	if !ok || got.Amount != 21 {
		t.Fatalf("expected committed quote to be visible, got %+v ok=%v", got, ok)
	}
}

func TestTransactionRollbackDiscards(t *testing.T) {
	db := New()

	tx, err := db.BeginTransaction()
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := tx.SaveMintQuote(storage.MintQuote{Id: "quote2", Amount: 5}); err != nil {
		t.Fatalf("SaveMintQuote: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	_, ok, err := db.GetMintQuote("quote2")
	if err != nil {
		t.Fatalf("GetMintQuote: %v", err)
	}
	if ok {
		t.Fatal("expected rolled back quote to not be visible")
	}
}

func TestCommitAfterRollbackIsANoop(t *testing.T) {
	db := New()
	tx, err := db.BeginTransaction()
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatal("expected Commit after Rollback to report the transaction already done")
	}
}

func TestConcurrentTransactionsSerializeOnSameMintQuote(t *testing.T) {
	db := New()

	firstTx, err := db.BeginTransaction()
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := firstTx.SaveMintQuote(storage.MintQuote{Id: "shared", Amount: 1}); err != nil {
		t.Fatalf("SaveMintQuote: %v", err)
	}

	blocked := make(chan struct{})
	unblocked := make(chan struct{})
	go func() {
		secondTx, err := db.BeginTransaction()
		if err != nil {
			t.Errorf("BeginTransaction: %v", err)
			return
		}
		close(blocked)
		if _, _, err := secondTx.GetMintQuote("shared"); err != nil {
			t.Errorf("GetMintQuote: %v", err)
		}
		close(unblocked)
		secondTx.Rollback()
	}()

	<-blocked
	select {
	case <-unblocked:
		t.Fatal("second transaction should have blocked on the held lock")
	case <-time.After(50 * time.Millisecond):
	}

	if err := firstTx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("second transaction never unblocked after first committed")
	}
}
