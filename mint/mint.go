package mint

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/cashu/nuts/nut06"
	"github.com/nutmint/mintd/crypto"
	"github.com/nutmint/mintd/mint/lightning"
	"github.com/nutmint/mintd/mint/storage"
	"github.com/nutmint/mintd/signatory"
	"github.com/tyler-smith/go-bip39"
)

const (
	QuoteExpiryMins = 10
	BOLT11_METHOD   = "bolt11"
	SAT_UNIT        = "sat"
)

// Mint is the orchestrator: it owns quote and proof lifecycles and
// delegates every touch of private key material to a Signatory behind
// a Manager, so HTTP handlers and background watchers never block each
// other on signing.
type Mint struct {
	db  storage.MintDatabase
	sig *signatory.Manager

	lightningClient lightning.Client
	mintInfo        nut06.MintInfo
	limits          MintLimits
	logger          *slog.Logger
}

// LoadMint wires up a Mint from an already-constructed storage backend
// and lightning client. It derives (or loads) the signatory's master
// seed and reconciles the configured keysets against whatever was
// already persisted.
func LoadMint(config Config) (*Mint, error) {
	path := config.MintPath
	if len(path) == 0 {
		path = mintPath()
	}

	logger, err := setupLogger(path, config.LogLevel)
	if err != nil {
		return nil, err
	}

	if config.Database == nil {
		return nil, errors.New("invalid storage backend")
	}
	if config.LightningClient == nil {
		return nil, errors.New("invalid lightning client")
	}
	db := config.Database

	seed, err := db.GetSeed()
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("error reading seed from db: %w", err)
	}
	if len(seed) == 0 {
		if config.Mnemonic != "" {
			seed = bip39.NewSeed(config.Mnemonic, "")
		} else {
			seed, err = hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
			if err != nil {
				return nil, fmt.Errorf("error generating seed: %w", err)
			}
		}
		if err := db.SaveSeed(seed); err != nil {
			return nil, fmt.Errorf("error saving seed: %w", err)
		}
	}

	sig, err := signatory.New(seed, config.SupportedUnits, config.CustomDerivationPaths, keysetStore{db: db})
	if err != nil {
		return nil, fmt.Errorf("error setting up signatory: %w", err)
	}

	mint := &Mint{
		db:              db,
		sig:             signatory.NewManager(sig, logger),
		lightningClient: config.LightningClient,
		limits:          config.Limits,
		logger:          logger,
	}
	mint.SetMintInfo(config.MintInfo)

	for _, info := range sig.Keysets() {
		mint.logInfof("loaded keyset '%v' (unit %v, active: %v)", info.Id, info.Unit, info.Active)
	}

	return mint, nil
}

// mintPath returns the mint's path at $HOME/.gonuts/mint
func mintPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".gonuts", "mint")
	err = os.MkdirAll(path, 0700)
	if err != nil {
		log.Fatal(err)
	}
	return path
}

func setupLogger(mintPath string, logLevel LogLevel) (*slog.Logger, error) {
	replacer := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		if a.Key == slog.TimeKey {
			a.Value = slog.StringValue(time.Now().Truncate(time.Second * 2).Format(time.DateTime))
		}
		return a
	}

	logFile, err := os.OpenFile(filepath.Join(mintPath, "mint.log"), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %v", err)
	}

	logWriter := io.MultiWriter(os.Stdout, logFile)
	level := slog.LevelInfo
	switch logLevel {
	case Debug:
		level = slog.LevelDebug
	case Disable:
		logWriter = io.Discard
	}

	return slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: replacer,
	})), nil
}

// logInfof formats the strings with args and preserves the source position
// from where this method is called for the log msg. Otherwise all messages would be logged with
// source line of this log method and not the original caller
func (m *Mint) logInfof(format string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelInfo, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(context.Background(), r)
}

func (m *Mint) logErrorf(format string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelError, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(context.Background(), r)
}

func (m *Mint) logDebugf(format string, args ...any) {
	if !m.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelDebug, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(context.Background(), r)
}

// requestInvoice requests an invoice from the Lightning backend
// for the given amount
func (m *Mint) requestInvoice(amount uint64) (*lightning.Invoice, error) {
	invoice, err := m.lightningClient.CreateInvoice(amount)
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

// TransactionFees returns the total fee, in sats, a swap or melt using
// inputs as its proofs would charge. A proof whose keyset info cannot
// be read (an unknown keyset id, or a signatory error) adds no fee.
func (m *Mint) TransactionFees(inputs cashu.Proofs) uint {
	ctx := context.Background()
	var fees uint
	for _, proof := range inputs {
		info, ok, err := m.sig.GetKeysetInfo(ctx, proof.Id)
		if err != nil || !ok {
			continue
		}
		fees += info.InputFeePpk
	}
	return (fees + 999) / 1000
}

// balance returns the mint's outstanding liability: total ecash issued
// minus total ecash redeemed, across every keyset.
func (m *Mint) balance() (uint64, error) {
	issuedByKeyset, err := m.db.GetIssuedEcash()
	if err != nil {
		return 0, fmt.Errorf("error getting issued ecash: %w", err)
	}
	redeemedByKeyset, err := m.db.GetRedeemedEcash()
	if err != nil {
		return 0, fmt.Errorf("error getting redeemed ecash: %w", err)
	}

	var issued, redeemed uint64
	for _, amt := range issuedByKeyset {
		issued, _ = overflowAddUint64(issued, amt)
	}
	for _, amt := range redeemedByKeyset {
		redeemed, _ = overflowAddUint64(redeemed, amt)
	}
	outstanding, _ := underflowSubUint64(issued, redeemed)
	return outstanding, nil
}

// Keysets returns the metadata (not the key material) of every keyset
// the mint has ever derived, active or retired.
func (m *Mint) Keysets(ctx context.Context) ([]signatory.KeysetInfo, error) {
	return m.sig.Keysets(ctx)
}

// KeysetPubkeys returns the public amount keys for a single keyset.
func (m *Mint) KeysetPubkeys(ctx context.Context, id string) (crypto.PublicKeys, error) {
	return m.sig.KeysetPubkeys(ctx, id)
}

// Pubkeys returns the public amount keys for every active keyset, keyed
// by keyset id.
func (m *Mint) Pubkeys(ctx context.Context) (map[string]crypto.PublicKeys, error) {
	return m.sig.Pubkeys(ctx)
}

func (m *Mint) SetMintInfo(mintInfo MintInfo) {
	nuts := nut06.NutsMap{
		4: nut06.NutSetting{
			Methods: []nut06.MethodSetting{
				{
					Method:    BOLT11_METHOD,
					Unit:      SAT_UNIT,
					MinAmount: m.limits.MintingSettings.MinAmount,
					MaxAmount: m.limits.MintingSettings.MaxAmount,
				},
			},
			Disabled: false,
		},
		5: nut06.NutSetting{
			Methods: []nut06.MethodSetting{
				{
					Method:    BOLT11_METHOD,
					Unit:      SAT_UNIT,
					MinAmount: m.limits.MeltingSettings.MinAmount,
					MaxAmount: m.limits.MeltingSettings.MaxAmount,
				},
			},
			Disabled: false,
		},
		7:  map[string]bool{"supported": true},
		8:  map[string]bool{"supported": false},
		9:  map[string]bool{"supported": true},
		10: map[string]bool{"supported": true},
		11: map[string]bool{"supported": true},
		12: map[string]bool{"supported": true},
		14: map[string]bool{"supported": true},
	}

	info := nut06.MintInfo{
		Name:            mintInfo.Name,
		Version:         "nutmint/0.1.0",
		Description:     mintInfo.Description,
		LongDescription: mintInfo.LongDescription,
		Contact:         mintInfo.Contact,
		Motd:            mintInfo.Motd,
		Nuts:            nuts,
	}
	m.mintInfo = info
}

func (m *Mint) RetrieveMintInfo() (nut06.MintInfo, error) {
	seed, err := m.db.GetSeed()
	if err != nil {
		return nut06.MintInfo{}, fmt.Errorf("error reading seed from db: %w", err)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nut06.MintInfo{}, err
	}
	publicKey, err := master.ECPubKey()
	if err != nil {
		return nut06.MintInfo{}, err
	}

	mintBalance, err := m.balance()
	if err != nil {
		errmsg := fmt.Sprintf("error getting mint balance: %v", err)
		return nut06.MintInfo{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	mintingDisabled := false
	if m.limits.MaxBalance > 0 && mintBalance >= m.limits.MaxBalance {
		mintingDisabled = true
	}
	nut04setting := m.mintInfo.Nuts[4].(nut06.NutSetting)
	nut04setting.Disabled = mintingDisabled
	m.mintInfo.Nuts[4] = nut04setting
	m.mintInfo.Pubkey = hex.EncodeToString(publicKey.SerializeCompressed())

	return m.mintInfo, nil
}
