package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// DLEQProof is the scalar pair (e, s) binding a blind signature to the
// keypair that produced it, per NUT-12. r is only carried alongside a
// Proof (not a BlindSignature) so a wallet can later recompute C_ from C.
type DLEQProof struct {
	E *secp256k1.PrivateKey
	S *secp256k1.PrivateKey
}

// hashDLEQ computes e = SHA256(hex(R1) || hex(R2) || hex(A) || hex(C_)),
// where hex is the lowercase hex string of a point's uncompressed
// serialization: the Fiat-Shamir challenge binding the two commitments
// to the public key and the blind signature.
func hashDLEQ(R1, R2, A, C_ *secp256k1.PublicKey) *secp256k1.PrivateKey {
	var e string
	for _, pk := range []*secp256k1.PublicKey{R1, R2, A, C_} {
		e += hex.EncodeToString(pk.SerializeUncompressed())
	}
	hash := sha256.Sum256([]byte(e))
	return secp256k1.PrivKeyFromBytes(hash[:])
}

// GenerateDLEQ produces the NUT-12 proof that C_ = k*B_ was signed with the
// same private key k whose public key is A, without revealing k.
//
// r1 is a fresh random scalar (the caller must supply cryptographically
// random bytes): R1 = r1*G, R2 = r1*B_, e = hash(R1, R2, A, C_),
// s = r1 + e*k.
func GenerateDLEQ(k *secp256k1.PrivateKey, A, B_, C_ *secp256k1.PublicKey, r1Bytes []byte) *DLEQProof {
	r1 := secp256k1.PrivKeyFromBytes(r1Bytes)

	var r1Point, bPoint, r2Point secp256k1.JacobianPoint
	r1.PubKey().AsJacobian(&r1Point)
	B_.AsJacobian(&bPoint)
	secp256k1.ScalarMultNonConst(&r1.Key, &bPoint, &r2Point)
	r2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&r2Point.X, &r2Point.Y)

	e := hashDLEQ(r1.PubKey(), R2, A, C_)

	var s secp256k1.ModNScalar
	s.Mul2(&e.Key, &k.Key).Add(&r1.Key)
	sKey := secp256k1.NewPrivateKey(&s)

	return &DLEQProof{E: e, S: sKey}
}

// VerifyDLEQ checks a NUT-12 proof against the public key A, the blinded
// message B_, and the blind signature C_:
//
//	R1 = s*G - e*A
//	R2 = s*B_ - e*C_
//	e' = hash(R1, R2, A, C_)
//	valid iff e' == e
func VerifyDLEQ(e, s *secp256k1.PrivateKey, A, B_, C_ *secp256k1.PublicKey) bool {
	var negE secp256k1.ModNScalar
	negE.NegateVal(&e.Key)

	var sGPoint, aPoint, eANegPoint, r1Point secp256k1.JacobianPoint
	s.PubKey().AsJacobian(&sGPoint)
	A.AsJacobian(&aPoint)
	secp256k1.ScalarMultNonConst(&negE, &aPoint, &eANegPoint)
	secp256k1.AddNonConst(&sGPoint, &eANegPoint, &r1Point)
	r1Point.ToAffine()
	R1 := secp256k1.NewPublicKey(&r1Point.X, &r1Point.Y)

	var sBPoint, bPoint, cPoint, eCNegPoint, r2Point secp256k1.JacobianPoint
	B_.AsJacobian(&bPoint)
	secp256k1.ScalarMultNonConst(&s.Key, &bPoint, &sBPoint)
	C_.AsJacobian(&cPoint)
	secp256k1.ScalarMultNonConst(&negE, &cPoint, &eCNegPoint)
	secp256k1.AddNonConst(&sBPoint, &eCNegPoint, &r2Point)
	r2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&r2Point.X, &r2Point.Y)

	expected := hashDLEQ(R1, R2, A, C_)
	return expected.Key.Equals(&e.Key)
}
