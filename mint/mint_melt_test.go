package mint

import (
	"context"
	"testing"

	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/cashu/nuts/nut04"
	"github.com/nutmint/mintd/cashu/nuts/nut05"
	"github.com/nutmint/mintd/cashu/nuts/nut07"
	"github.com/nutmint/mintd/mint/lightning"
)

func mintEcash(t *testing.T, m *Mint, amount uint64) (cashu.Proofs, string) {
	t.Helper()
	ctx := context.Background()

	quote, err := m.RequestMintQuote(BOLT11_METHOD, amount, SAT_UNIT)
	if err != nil {
		t.Fatalf("RequestMintQuote: %v", err)
	}

	keysets, err := m.Keysets(ctx)
	if err != nil {
		t.Fatalf("Keysets: %v", err)
	}
	var activeId string
	for _, ks := range keysets {
		if ks.Active && ks.Unit == cashu.Sat {
			activeId = ks.Id
		}
	}
	pubkeys, err := m.KeysetPubkeys(ctx, activeId)
	if err != nil {
		t.Fatalf("KeysetPubkeys: %v", err)
	}

	msgs, rs, secrets := blindOutputs(t, activeId, cashu.AmountSplit(amount))
	sigs, err := m.MintTokens(ctx, BOLT11_METHOD, quote.Id, msgs)
	if err != nil {
		t.Fatalf("MintTokens: %v", err)
	}

	return unblind(t, sigs, rs, secrets, pubkeys), activeId
}

func TestMeltTokensSucceeds(t *testing.T) {
	m, backend := testMint(t)
	ctx := context.Background()

	proofs, _ := mintEcash(t, m, 21)

	invoiceReq, _, paymentHash, err := lightning.CreateFakeInvoice(21, false)
	if err != nil {
		t.Fatalf("CreateFakeInvoice: %v", err)
	}
	backend.Invoices = append(backend.Invoices, lightning.FakeBackendInvoice{
		PaymentRequest: invoiceReq,
		PaymentHash:    paymentHash,
		Amount:         21,
		Status:         lightning.Succeeded,
	})

	meltQuote, err := m.RequestMeltQuote(BOLT11_METHOD, invoiceReq, SAT_UNIT)
	if err != nil {
		t.Fatalf("RequestMeltQuote: %v", err)
	}
	if meltQuote.State != nut05.Unpaid {
		t.Fatalf("expected unpaid melt quote, got %v", meltQuote.State)
	}

	settled, err := m.MeltTokens(ctx, BOLT11_METHOD, meltQuote.Id, proofs)
	if err != nil {
		t.Fatalf("MeltTokens: %v", err)
	}
	if settled.State != nut05.Paid {
		t.Fatalf("expected melt quote to settle as paid, got %v", settled.State)
	}

	states, err := m.ProofsStateCheck(proofYs(proofs))
	if err != nil {
		t.Fatalf("ProofsStateCheck: %v", err)
	}
	for _, s := range states {
		if s.State != nut07.Spent {
			t.Fatalf("expected proof to be spent after melt, got state %v", s.State)
		}
	}
}

func TestMeltTokensFailsWithInsufficientAmount(t *testing.T) {
	m, backend := testMint(t)
	ctx := context.Background()

	proofs, _ := mintEcash(t, m, 5)

	invoiceReq, _, paymentHash, err := lightning.CreateFakeInvoice(21, false)
	if err != nil {
		t.Fatalf("CreateFakeInvoice: %v", err)
	}
	backend.Invoices = append(backend.Invoices, lightning.FakeBackendInvoice{
		PaymentRequest: invoiceReq,
		PaymentHash:    paymentHash,
		Amount:         21,
		Status:         lightning.Succeeded,
	})

	meltQuote, err := m.RequestMeltQuote(BOLT11_METHOD, invoiceReq, SAT_UNIT)
	if err != nil {
		t.Fatalf("RequestMeltQuote: %v", err)
	}

	if _, err := m.MeltTokens(ctx, BOLT11_METHOD, meltQuote.Id, proofs); err != cashu.InsufficientProofsAmount {
		t.Fatalf("expected InsufficientProofsAmount, got %v", err)
	}

	states, err := m.ProofsStateCheck(proofYs(proofs))
	if err != nil {
		t.Fatalf("ProofsStateCheck: %v", err)
	}
	for _, s := range states {
		if s.State != nut07.Unspent {
			t.Fatalf("expected proofs to remain unspent after a rejected melt, got %v", s.State)
		}
	}
}

func TestMeltTokensSettlesInternallyAgainstMintQuote(t *testing.T) {
	m, _ := testMint(t)
	ctx := context.Background()

	proofs, _ := mintEcash(t, m, 50)

	mintQuote, err := m.RequestMintQuote(BOLT11_METHOD, 21, SAT_UNIT)
	if err != nil {
		t.Fatalf("RequestMintQuote: %v", err)
	}

	meltQuote, err := m.RequestMeltQuote(BOLT11_METHOD, mintQuote.PaymentRequest, SAT_UNIT)
	if err != nil {
		t.Fatalf("RequestMeltQuote: %v", err)
	}
	if meltQuote.FeeReserve != 0 {
		t.Fatalf("expected zero fee reserve for internally settled quote, got %v", meltQuote.FeeReserve)
	}

	settled, err := m.MeltTokens(ctx, BOLT11_METHOD, meltQuote.Id, proofs)
	if err != nil {
		t.Fatalf("MeltTokens: %v", err)
	}
	if settled.State != nut05.Paid {
		t.Fatalf("expected melt quote to settle as paid, got %v", settled.State)
	}

	settledMintState, err := m.GetMintQuoteState(BOLT11_METHOD, mintQuote.Id)
	if err != nil {
		t.Fatalf("GetMintQuoteState: %v", err)
	}
	if settledMintState.State != nut04.Paid {
		t.Fatalf("expected paired mint quote to be marked paid, got %v", settledMintState.State)
	}
}
