package mint

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/cashu/nuts/nut04"
	"github.com/nutmint/mintd/crypto"
	"github.com/nutmint/mintd/mint/lightning"
	"github.com/nutmint/mintd/mint/storage/memory"
	"github.com/nutmint/mintd/signatory"
)

func testMint(t *testing.T) (*Mint, *lightning.FakeBackend) {
	t.Helper()

	backend := &lightning.FakeBackend{}
	cfg := Config{
		MintPath:        t.TempDir(),
		LightningClient: backend,
		Database:        memory.New(),
		SupportedUnits: map[cashu.Unit]signatory.UnitConfig{
			cashu.Sat: {FeePpk: 0, MaxOrder: 10},
		},
		MintInfo: MintInfo{Name: "test mint"},
	}

	m, err := LoadMint(cfg)
	if err != nil {
		t.Fatalf("LoadMint: %v", err)
	}
	return m, backend
}

// blindOutputs creates len(amounts) blinded messages against id, along
// with the blinding data needed to unblind the resulting signatures.
func blindOutputs(t *testing.T, id string, amounts []uint64) (cashu.BlindedMessages, []*secp256k1.PrivateKey, []string) {
	t.Helper()

	msgs := make(cashu.BlindedMessages, len(amounts))
	rs := make([]*secp256k1.PrivateKey, len(amounts))
	secrets := make([]string, len(amounts))

	for i, amount := range amounts {
		var secretBytes [32]byte
		if _, err := rand.Read(secretBytes[:]); err != nil {
			t.Fatalf("rand: %v", err)
		}
		secret := hex.EncodeToString(secretBytes[:])
		secrets[i] = secret

		var rBytes [32]byte
		if _, err := rand.Read(rBytes[:]); err != nil {
			t.Fatalf("rand: %v", err)
		}
		B_, r := crypto.BlindMessage([]byte(secret), rBytes[:])
		rs[i] = r

		msgs[i] = cashu.BlindedMessage{
			Amount: amount,
			Id:     id,
			B_:     hex.EncodeToString(B_.SerializeCompressed()),
		}
	}
	return msgs, rs, secrets
}

func unblind(t *testing.T, sigs cashu.BlindedSignatures, rs []*secp256k1.PrivateKey, secrets []string, keyset crypto.PublicKeys) cashu.Proofs {
	t.Helper()

	proofs := make(cashu.Proofs, len(sigs))
	for i, sig := range sigs {
		C_bytes, err := hex.DecodeString(sig.C_)
		if err != nil {
			t.Fatalf("decode C_: %v", err)
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			t.Fatalf("parse C_: %v", err)
		}

		A := keyset[sig.Amount]
		C := crypto.UnblindSignature(C_, rs[i], A)

		proofs[i] = cashu.Proof{
			Amount: sig.Amount,
			Id:     sig.Id,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs
}

func TestMintQuoteLifecycle(t *testing.T) {
	m, backend := testMint(t)

	quote, err := m.RequestMintQuote(BOLT11_METHOD, 100, SAT_UNIT)
	if err != nil {
		t.Fatalf("RequestMintQuote: %v", err)
	}
	if quote.State != nut04.Unpaid {
		t.Fatalf("expected quote to start unpaid, got %v", quote.State)
	}

	state, err := m.GetMintQuoteState(BOLT11_METHOD, quote.Id)
	if err != nil {
		t.Fatalf("GetMintQuoteState: %v", err)
	}
	if state.State != nut04.Paid {
		t.Fatalf("expected fake backend invoice to be settled already, got state %v", state.State)
	}
	_ = backend
}

func TestMintTokensThenSwap(t *testing.T) {
	m, _ := testMint(t)
	ctx := context.Background()

	quote, err := m.RequestMintQuote(BOLT11_METHOD, 8, SAT_UNIT)
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
	if activeId == "" {
		t.Fatal("no active sat keyset")
	}
	pubkeys, err := m.KeysetPubkeys(ctx, activeId)
	if err != nil {
		t.Fatalf("KeysetPubkeys: %v", err)
	}

	msgs, rs, secrets := blindOutputs(t, activeId, []uint64{8})
	sigs, err := m.MintTokens(ctx, BOLT11_METHOD, quote.Id, msgs)
	if err != nil {
		t.Fatalf("MintTokens: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("expected 1 signature, got %v", len(sigs))
	}

	// re-submitting the exact same outputs against an issued quote must
	// replay the original signatures rather than failing.
	replaySigs, err := m.MintTokens(ctx, BOLT11_METHOD, quote.Id, msgs)
	if err != nil {
		t.Fatalf("expected replay of identical outputs to succeed, got %v", err)
	}
	if len(replaySigs) != len(sigs) {
		t.Fatalf("expected %v replayed signatures, got %v", len(sigs), len(replaySigs))
	}
	for i := range sigs {
		if replaySigs[i].C_ != sigs[i].C_ {
			t.Fatalf("replayed signature %v does not match original", i)
		}
	}

	// re-submitting different outputs against the same issued quote
	// must be rejected, not silently minted.
	mismatchedMsgs, _, _ := blindOutputs(t, activeId, []uint64{8})
	if _, err := m.MintTokens(ctx, BOLT11_METHOD, quote.Id, mismatchedMsgs); err != cashu.RequestAlreadyPaid {
		t.Fatalf("expected RequestAlreadyPaid, got %v", err)
	}

	proofs := unblind(t, sigs, rs, secrets, pubkeys)

	swapMsgs, _, _ := blindOutputs(t, activeId, []uint64{4, 4})
	swapSigs, err := m.Swap(ctx, proofs, swapMsgs)
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if len(swapSigs) != 2 {
		t.Fatalf("expected 2 signatures from swap, got %v", len(swapSigs))
	}

	// replaying the same proofs must now fail: they were invalidated by the swap
	if _, err := m.Swap(ctx, proofs, swapMsgs); err != cashu.ProofAlreadyUsedErr {
		t.Fatalf("expected ProofAlreadyUsedErr on replay, got %v", err)
	}
}

// TestConcurrentSwapRejectsDoubleSpend races two goroutines swapping
// the same input proof. Exactly one must succeed; the other must see
// it as already spent, not pass a check performed before either
// transaction committed.
func TestConcurrentSwapRejectsDoubleSpend(t *testing.T) {
	m, _ := testMint(t)
	ctx := context.Background()

	quote, err := m.RequestMintQuote(BOLT11_METHOD, 8, SAT_UNIT)
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

	msgs, rs, secrets := blindOutputs(t, activeId, []uint64{8})
	sigs, err := m.MintTokens(ctx, BOLT11_METHOD, quote.Id, msgs)
	if err != nil {
		t.Fatalf("MintTokens: %v", err)
	}
	proofs := unblind(t, sigs, rs, secrets, pubkeys)

	outA, _, _ := blindOutputs(t, activeId, []uint64{8})
	outB, _, _ := blindOutputs(t, activeId, []uint64{8})

	results := make(chan error, 2)
	for _, out := range []cashu.BlindedMessages{outA, outB} {
		out := out
		go func() {
			_, err := m.Swap(ctx, proofs, out)
			results <- err
		}()
	}

	first, second := <-results, <-results
	successes, alreadyUsed := 0, 0
	for _, err := range []error{first, second} {
		switch err {
		case nil:
			successes++
		case cashu.ProofAlreadyUsedErr:
			alreadyUsed++
		default:
			t.Fatalf("unexpected error from concurrent swap: %v", err)
		}
	}
	if successes != 1 || alreadyUsed != 1 {
		t.Fatalf("expected exactly one swap to succeed and one to see ProofAlreadyUsedErr, got successes=%v alreadyUsed=%v", successes, alreadyUsed)
	}
}

func TestProofsStateCheckReportsUnspent(t *testing.T) {
	m, _ := testMint(t)

	states, err := m.ProofsStateCheck([]string{"nonexistent-y"})
	if err != nil {
		t.Fatalf("ProofsStateCheck: %v", err)
	}
	if len(states) != 1 || states[0].Y != "nonexistent-y" {
		t.Fatalf("unexpected states: %+v", states)
	}
}
