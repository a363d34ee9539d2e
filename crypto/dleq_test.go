package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestGenerateAndVerifyDLEQ(t *testing.T) {
	kBytes := make([]byte, 32)
	if _, err := rand.Read(kBytes); err != nil {
		t.Fatal(err)
	}
	k := secp256k1.PrivKeyFromBytes(kBytes)
	A := k.PubKey()

	secret := []byte("dleq test secret")
	rBytes := make([]byte, 32)
	if _, err := rand.Read(rBytes); err != nil {
		t.Fatal(err)
	}
	B_, _ := BlindMessage(secret, rBytes)
	C_ := SignBlindedMessage(B_, k)

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		t.Fatal(err)
	}
	proof := GenerateDLEQ(k, A, B_, C_, nonce)

	if !VerifyDLEQ(proof.E, proof.S, A, B_, C_) {
		t.Error("valid DLEQ proof failed to verify")
	}
}

func TestVerifyDLEQRejectsTamperedSignature(t *testing.T) {
	kBytes := make([]byte, 32)
	if _, err := rand.Read(kBytes); err != nil {
		t.Fatal(err)
	}
	k := secp256k1.PrivKeyFromBytes(kBytes)
	A := k.PubKey()

	secret := []byte("dleq tamper secret")
	rBytes := make([]byte, 32)
	if _, err := rand.Read(rBytes); err != nil {
		t.Fatal(err)
	}
	B_, _ := BlindMessage(secret, rBytes)
	C_ := SignBlindedMessage(B_, k)

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		t.Fatal(err)
	}
	proof := GenerateDLEQ(k, A, B_, C_, nonce)

	otherKBytes := make([]byte, 32)
	if _, err := rand.Read(otherKBytes); err != nil {
		t.Fatal(err)
	}
	wrongC_ := SignBlindedMessage(B_, secp256k1.PrivKeyFromBytes(otherKBytes))

	if VerifyDLEQ(proof.E, proof.S, A, B_, wrongC_) {
		t.Error("DLEQ proof verified against a tampered signature")
	}
}
