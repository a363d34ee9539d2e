package mint

import (
	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/mint/lightning"
	"github.com/nutmint/mintd/mint/storage"
	"github.com/nutmint/mintd/signatory"
)

// Config carries everything LoadMint needs to bring a mint up: where its
// state lives, the signatory's seed material and per-unit keyset
// parameters, and the collaborators (lightning backend, storage backend)
// wired in by the caller. Parsing this out of the environment or a
// config file is left to the caller; this package only consumes the
// already-resolved struct.
type Config struct {
	MintPath string
	LogLevel LogLevel

	// Mnemonic derives the signatory's master seed via BIP-39. Leave it
	// empty to let LoadMint generate and persist a random seed instead.
	Mnemonic string

	SupportedUnits        map[cashu.Unit]signatory.UnitConfig
	CustomDerivationPaths map[cashu.Unit]uint32

	LightningClient lightning.Client
	Database        storage.MintDatabase
	MintInfo        MintInfo
	Limits          MintLimits
}

type LogLevel int

const (
	Info LogLevel = iota
	Debug
	Disable
)

type MintInfo struct {
	Name            string
	Description     string
	LongDescription string
	Contact         [][]string
	Motd            string
}

type MintMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type MeltMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type MintLimits struct {
	MaxBalance      uint64
	MintingSettings MintMethodSettings
	MeltingSettings MeltMethodSettings
}
