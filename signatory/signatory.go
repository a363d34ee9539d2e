// Package signatory holds the mint's private keys. It is the only
// component allowed to touch a keyset's private scalars: every other
// package asks it to blind-sign a message or verify a proof and never
// sees a *secp256k1.PrivateKey itself.
package signatory

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/cashu/nuts/nut10"
	"github.com/nutmint/mintd/cashu/nuts/nut11"
	"github.com/nutmint/mintd/cashu/nuts/nut14"
	"github.com/nutmint/mintd/crypto"
	"github.com/tyler-smith/go-bip39"
)

// KeysetInfo is the metadata persisted for every keyset ever rotated,
// independent of the private key material itself.
type KeysetInfo struct {
	Id                string
	Unit              cashu.Unit
	Active            bool
	ValidFrom         int64
	ValidTo           int64
	DerivationPath    string
	DerivationPathIdx uint32
	MaxOrder          int
	InputFeePpk       uint
}

// UnitConfig is the fee schedule and denomination range a unit is
// configured with at Signatory construction time.
type UnitConfig struct {
	FeePpk   uint
	MaxOrder int
}

// Store is the persistence seam the Signatory needs: it must be able to
// list every keyset info ever created and persist newly rotated ones.
// Separate from mint/storage.MintDatabase because the Signatory has no
// business touching quotes or proofs.
type Store interface {
	ListKeysetInfo() ([]KeysetInfo, error)
	SaveKeysetInfo(KeysetInfo) error
	SetKeysetActive(id string, active bool) error
}

// ErrUnknownKeyset is returned when an operation names a keyset id the
// Signatory has never derived.
var ErrUnknownKeyset = fmt.Errorf("unknown keyset")

// ErrInactiveKeyset is returned when a blind-sign request targets a
// keyset that exists but is no longer active.
var ErrInactiveKeyset = fmt.Errorf("keyset is not active")

// ErrInvalidProof is returned when a proof's secret does not verify
// against the amount key of its claimed keyset.
var ErrInvalidProof = fmt.Errorf("invalid proof")

type Signatory struct {
	mu sync.RWMutex

	master *hdkeychain.ExtendedKey
	store  Store

	keysets map[string]*crypto.MintKeyset // all keysets ever derived, by id
	active  map[cashu.Unit]string         // unit -> active keyset id
}

// New derives the master extended key from seed and reconciles it
// against whatever keyset info the store already has, per unit.
//
// Cold-start reconciliation: every stored keyset is loaded and forced
// inactive. Then, per configured unit: if the keyset at the highest
// derivation index matches the configured (fee_ppk, max_order), it is
// reactivated as-is; otherwise a new keyset is created at
// highest_index+1 and activated. A unit with no prior keysets gets one
// at index 0. This makes restarting with identical config a no-op and
// a config change deterministically trigger exactly one rotation.
func New(seed []byte, supportedUnits map[cashu.Unit]UnitConfig, customPaths map[cashu.Unit]uint32, store Store) (*Signatory, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("could not derive master key: %w", err)
	}

	s := &Signatory{
		master:  master,
		store:   store,
		keysets: make(map[string]*crypto.MintKeyset),
		active:  make(map[cashu.Unit]string),
	}

	stored, err := store.ListKeysetInfo()
	if err != nil {
		return nil, fmt.Errorf("could not list stored keysets: %w", err)
	}

	byUnit := make(map[cashu.Unit][]KeysetInfo)
	for _, info := range stored {
		byUnit[info.Unit] = append(byUnit[info.Unit], info)
		if err := store.SetKeysetActive(info.Id, false); err != nil {
			return nil, fmt.Errorf("could not force keyset '%v' inactive: %w", info.Id, err)
		}
		inactive := info
		inactive.Active = false
		if err := s.loadKeyset(inactive); err != nil {
			return nil, err
		}
	}

	for unit, cfg := range supportedUnits {
		infos := byUnit[unit]

		var highest *KeysetInfo
		for i := range infos {
			if highest == nil || infos[i].DerivationPathIdx > highest.DerivationPathIdx {
				highest = &infos[i]
			}
		}

		var reuse *KeysetInfo
		if highest != nil && highest.InputFeePpk == cfg.FeePpk && highest.MaxOrder == cfg.MaxOrder {
			reuse = highest
		}

		if reuse != nil {
			reused := *reuse
			reused.Active = true
			if err := s.loadKeyset(reused); err != nil {
				return nil, err
			}
			if err := store.SetKeysetActive(reuse.Id, true); err != nil {
				return nil, fmt.Errorf("could not reactivate keyset '%v': %w", reuse.Id, err)
			}
			s.active[unit] = reuse.Id
			continue
		}

		nextIndex := uint32(0)
		if highest != nil {
			nextIndex = highest.DerivationPathIdx + 1
		}
		if customIdx, ok := customPaths[unit]; ok && highest == nil {
			nextIndex = customIdx
		}

		info, err := s.rotate(unit, nextIndex, cfg.MaxOrder, cfg.FeePpk)
		if err != nil {
			return nil, fmt.Errorf("could not rotate keyset for unit '%v': %w", unit, err)
		}
		s.active[unit] = info.Id
	}

	return s, nil
}

// NewFromMnemonic derives the seed from a BIP-39 mnemonic before calling
// New. Used to reproduce literal test vectors and for operator-entered
// recovery phrases.
func NewFromMnemonic(mnemonic string, supportedUnits map[cashu.Unit]UnitConfig, customPaths map[cashu.Unit]uint32, store Store) (*Signatory, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	return New(seed, supportedUnits, customPaths, store)
}

func (s *Signatory) loadKeyset(info KeysetInfo) error {
	ks, err := crypto.GenerateKeyset(s.master, info.Unit, info.DerivationPathIdx, info.MaxOrder, info.InputFeePpk)
	if err != nil {
		return fmt.Errorf("could not derive keyset '%v': %w", info.Id, err)
	}
	ks.Active = info.Active
	s.keysets[ks.Id] = ks
	return nil
}

// rotate derives, persists, and activates a brand new keyset for unit at
// index. It does not deactivate any previously active keyset for the
// unit: that's left to the caller, matching the contract that
// rotate_keyset never implicitly deactivates.
func (s *Signatory) rotate(unit cashu.Unit, index uint32, maxOrder int, feePpk uint) (KeysetInfo, error) {
	ks, err := crypto.GenerateKeyset(s.master, unit, index, maxOrder, feePpk)
	if err != nil {
		return KeysetInfo{}, err
	}
	ks.Active = true
	s.keysets[ks.Id] = ks

	info := KeysetInfo{
		Id:                ks.Id,
		Unit:              unit,
		Active:            true,
		ValidFrom:         time.Now().Unix(),
		DerivationPathIdx: index,
		MaxOrder:          ks.MaxOrder,
		InputFeePpk:       feePpk,
	}
	if err := s.store.SaveKeysetInfo(info); err != nil {
		return KeysetInfo{}, fmt.Errorf("could not save keyset info: %w", err)
	}
	return info, nil
}

// RotateKeyset creates a new keyset at the given index for unit and
// marks it active, without deactivating whatever keyset for unit was
// active before. It is the caller's job to then deactivate the previous
// one (typically by calling storage's set-active-keyset contract), per
// the same "does not deactivate directly" rule the rotation API
// documents.
func (s *Signatory) RotateKeyset(unit cashu.Unit, index uint32, maxOrder int, feePpk uint) (KeysetInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.rotate(unit, index, maxOrder, feePpk)
	if err != nil {
		return KeysetInfo{}, err
	}
	s.active[unit] = info.Id
	return info, nil
}

// Keyset returns the public-facing keys for a known keyset id.
func (s *Signatory) Keyset(id string) (KeysetInfo, crypto.PublicKeys, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ks, ok := s.keysets[id]
	if !ok {
		return KeysetInfo{}, nil, ErrUnknownKeyset
	}
	return s.infoOf(ks), ks.PublicKeys(), nil
}

func (s *Signatory) infoOf(ks *crypto.MintKeyset) KeysetInfo {
	unit, _ := cashu.UnitFromString(ks.Unit)
	return KeysetInfo{
		Id:                ks.Id,
		Unit:              unit,
		Active:            ks.Active,
		DerivationPathIdx: ks.DerivationPathIdx,
		MaxOrder:          ks.MaxOrder,
		InputFeePpk:       ks.InputFeePpk,
	}
}

// KeysetPubkeys returns only the public keys for a keyset id.
func (s *Signatory) KeysetPubkeys(id string) (crypto.PublicKeys, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ks, ok := s.keysets[id]
	if !ok {
		return nil, ErrUnknownKeyset
	}
	return ks.PublicKeys(), nil
}

// Pubkeys returns the public keys of every active keyset, keyed by id.
func (s *Signatory) Pubkeys() map[string]crypto.PublicKeys {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]crypto.PublicKeys)
	for id, ks := range s.keysets {
		if ks.Active {
			out[id] = ks.PublicKeys()
		}
	}
	return out
}

// Keysets returns the metadata (not the keys) of every keyset ever
// created.
func (s *Signatory) Keysets() []KeysetInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]KeysetInfo, 0, len(s.keysets))
	for _, ks := range s.keysets {
		out = append(out, s.infoOf(ks))
	}
	return out
}

// GetKeysetInfo returns the metadata for a single keyset id.
func (s *Signatory) GetKeysetInfo(id string) (KeysetInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ks, ok := s.keysets[id]
	if !ok {
		return KeysetInfo{}, false
	}
	return s.infoOf(ks), true
}

// BlindSign signs a blinded message with the amount key of its keyset,
// attaching a NUT-12 DLEQ proof. The keyset must be active: signing
// against a retired keyset is always rejected, including for swap and
// melt-change outputs, per this mint's uniform policy.
func (s *Signatory) BlindSign(msg cashu.BlindedMessage) (cashu.BlindedSignature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ks, ok := s.keysets[msg.Id]
	if !ok {
		return cashu.BlindedSignature{}, ErrUnknownKeyset
	}
	if !ks.Active {
		return cashu.BlindedSignature{}, ErrInactiveKeyset
	}
	kp, ok := ks.Keys[msg.Amount]
	if !ok {
		return cashu.BlindedSignature{}, cashu.InvalidBlindedMessageAmount
	}

	B_bytes, err := hex.DecodeString(msg.B_)
	if err != nil {
		return cashu.BlindedSignature{}, cashu.BuildCashuError(fmt.Sprintf("invalid B_: %v", err), cashu.StandardErrCode)
	}
	B_, err := secp256k1.ParsePubKey(B_bytes)
	if err != nil {
		return cashu.BlindedSignature{}, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}

	C_ := crypto.SignBlindedMessage(B_, kp.PrivateKey)

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return cashu.BlindedSignature{}, fmt.Errorf("could not generate DLEQ nonce: %w", err)
	}
	dleq := crypto.GenerateDLEQ(kp.PrivateKey, kp.PublicKey, B_, C_, nonce[:])

	return cashu.BlindedSignature{
		Amount: msg.Amount,
		C_:     hex.EncodeToString(C_.SerializeCompressed()),
		Id:     ks.Id,
		DLEQ: &cashu.DLEQProof{
			E: hex.EncodeToString(dleq.E.Serialize()),
			S: hex.EncodeToString(dleq.S.Serialize()),
		},
	}, nil
}

// VerifyProof checks that a proof's secret was signed by the claimed
// keyset's amount key, and evaluates any spending condition (P2PK,
// HTLC) carried in a well-known secret.
func (s *Signatory) VerifyProof(proof cashu.Proof) error {
	s.mu.RLock()
	ks, ok := s.keysets[proof.Id]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownKeyset
	}

	kp, ok := ks.Keys[proof.Amount]
	if !ok {
		return ErrInvalidProof
	}

	switch nut10.SecretType(proof) {
	case nut10.P2PK:
		if err := verifyP2PKLockedProof(proof); err != nil {
			return err
		}
	case nut10.HTLC:
		secret, err := nut10.DeserializeSecret(proof.Secret)
		if err != nil {
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
		if err := nut14.VerifyHTLCProof(proof, secret); err != nil {
			return err
		}
	}

	Cbytes, err := hex.DecodeString(proof.C)
	if err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("invalid C: %v", err), cashu.StandardErrCode)
	}
	C, err := secp256k1.ParsePubKey(Cbytes)
	if err != nil {
		return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}

	if !crypto.Verify([]byte(proof.Secret), kp.PrivateKey, C) {
		return ErrInvalidProof
	}
	return nil
}

// verifyP2PKLockedProof evaluates the NUT-11 spending condition carried
// in a P2PK-locked proof's secret against its witness.
func verifyP2PKLockedProof(proof cashu.Proof) error {
	secret, err := nut10.DeserializeSecret(proof.Secret)
	if err != nil {
		return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}

	var witness nut11.P2PKWitness
	if err := json.Unmarshal([]byte(proof.Witness), &witness); err != nil {
		witness.Signatures = []string{}
	}

	tags, err := nut11.ParseP2PKTags(secret.Tags)
	if err != nil {
		return err
	}

	hash := sha256.Sum256([]byte(proof.Secret))

	signaturesRequired := 1
	if tags.Locktime > 0 && time.Now().Unix() > tags.Locktime {
		if len(tags.Refund) == 0 {
			return nil
		}
		if len(witness.Signatures) < 1 {
			return nut11.EmptyWitnessErr
		}
		if !nut11.HasValidSignatures(hash[:], witness, signaturesRequired, tags.Refund) {
			return nut11.NotEnoughSignaturesErr
		}
		return nil
	}

	pubkey, err := nut11.ParsePublicKey(secret.Data)
	if err != nil {
		return err
	}
	keys := []*btcec.PublicKey{pubkey}
	if tags.NSigs > 0 {
		signaturesRequired = tags.NSigs
		if len(tags.Pubkeys) == 0 {
			return nut11.EmptyPubkeysErr
		}
		keys = append(keys, tags.Pubkeys...)
	}

	if len(witness.Signatures) < 1 {
		return nut11.EmptyWitnessErr
	}
	if !nut11.HasValidSignatures(hash[:], witness, signaturesRequired, keys) {
		return nut11.NotEnoughSignaturesErr
	}
	return nil
}
