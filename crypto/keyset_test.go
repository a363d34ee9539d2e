package crypto

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/nutmint/mintd/cashu"
	"github.com/tyler-smith/go-bip39"
)

func masterFromMnemonic(t *testing.T, mnemonic string) *hdkeychain.ExtendedKey {
	t.Helper()
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		t.Fatalf("invalid mnemonic: %v", err)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("could not derive master key: %v", err)
	}
	return master
}

// TestKeysetDeterminism reproduces the standard test vector: a fixed
// mnemonic and max_order must always yield the same keyset id for a given
// unit and rotation index.
func TestKeysetDeterminism(t *testing.T) {
	const mnemonic = "dismiss price public alone audit gallery ignore process swap dance crane furnace"
	master := masterFromMnemonic(t, mnemonic)

	tests := []struct {
		index      uint32
		expectedId string
	}{
		{index: 0, expectedId: "005f6e8c540c9e61"},
		{index: 1, expectedId: "00c919b6c4fa90c6"},
	}

	for _, test := range tests {
		ks, err := GenerateKeyset(master, cashu.Sat, test.index, 32, 0)
		if err != nil {
			t.Fatalf("GenerateKeyset: %v", err)
		}
		if ks.Id != test.expectedId {
			t.Errorf("index %v: expected id '%v' but got '%v'", test.index, test.expectedId, ks.Id)
		}
	}

	// regenerating from the same seed must be byte-identical
	again, err := GenerateKeyset(master, cashu.Sat, 0, 32, 0)
	if err != nil {
		t.Fatalf("GenerateKeyset: %v", err)
	}
	first, err := GenerateKeyset(master, cashu.Sat, 0, 32, 0)
	if err != nil {
		t.Fatalf("GenerateKeyset: %v", err)
	}
	if again.Id != first.Id {
		t.Errorf("keyset derivation is not deterministic: '%v' != '%v'", again.Id, first.Id)
	}
	for amount, kp := range first.Keys {
		otherKp, ok := again.Keys[amount]
		if !ok {
			t.Fatalf("missing amount %v in second derivation", amount)
		}
		if !kp.PublicKey.IsEqual(otherKp.PublicKey) {
			t.Errorf("public key for amount %v differs across derivations", amount)
		}
	}
}

func TestGenerateKeysetMaxOrder(t *testing.T) {
	master := masterFromMnemonic(t, "dismiss price public alone audit gallery ignore process swap dance crane furnace")

	ks, err := GenerateKeyset(master, cashu.Sat, 0, 1, 0)
	if err != nil {
		t.Fatalf("GenerateKeyset: %v", err)
	}
	if len(ks.Keys) != 1 {
		t.Errorf("expected 1 denomination for max_order=1, got %v", len(ks.Keys))
	}
	if _, ok := ks.Keys[1]; !ok {
		t.Errorf("expected denomination 1 to be present")
	}
}

func TestGenerateKeysetUnknownUnit(t *testing.T) {
	master := masterFromMnemonic(t, "dismiss price public alone audit gallery ignore process swap dance crane furnace")
	if _, err := GenerateKeyset(master, cashu.Unit(99), 0, 1, 0); err == nil {
		t.Error("expected error for unsupported unit")
	}
}

func TestDeriveKeysetIdStable(t *testing.T) {
	master := masterFromMnemonic(t, "dismiss price public alone audit gallery ignore process swap dance crane furnace")
	ks, err := GenerateKeyset(master, cashu.Sat, 0, 32, 0)
	if err != nil {
		t.Fatalf("GenerateKeyset: %v", err)
	}
	if DeriveKeysetId(ks.PublicKeys()) != ks.Id {
		t.Error("DeriveKeysetId(ks.PublicKeys()) must reproduce ks.Id")
	}
}
