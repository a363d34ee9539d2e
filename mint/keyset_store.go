package mint

import (
	"fmt"

	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/mint/storage"
	"github.com/nutmint/mintd/signatory"
)

// keysetStore adapts storage.MintDatabase's keyset rows to the narrower
// signatory.Store seam, so the Signatory never needs to know about
// quotes, proofs, or transactions.
type keysetStore struct {
	db storage.MintDatabase
}

func (ks keysetStore) ListKeysetInfo() ([]signatory.KeysetInfo, error) {
	rows, err := ks.db.GetKeysets()
	if err != nil {
		return nil, err
	}

	infos := make([]signatory.KeysetInfo, len(rows))
	for i, row := range rows {
		unit, err := cashu.UnitFromString(row.Unit)
		if err != nil {
			return nil, fmt.Errorf("keyset '%v' has invalid unit '%v': %w", row.Id, row.Unit, err)
		}
		infos[i] = signatory.KeysetInfo{
			Id:                row.Id,
			Unit:              unit,
			Active:            row.Active,
			ValidFrom:         row.ValidFrom,
			ValidTo:           row.ValidTo,
			DerivationPath:    row.DerivationPath,
			DerivationPathIdx: row.DerivationPathIdx,
			MaxOrder:          row.MaxOrder,
			InputFeePpk:       row.InputFeePpk,
		}
	}
	return infos, nil
}

func (ks keysetStore) SaveKeysetInfo(info signatory.KeysetInfo) error {
	return ks.db.SaveKeyset(storage.DBKeyset{
		Id:                info.Id,
		Unit:              info.Unit.String(),
		Active:            info.Active,
		ValidFrom:         info.ValidFrom,
		ValidTo:           info.ValidTo,
		DerivationPath:    info.DerivationPath,
		DerivationPathIdx: info.DerivationPathIdx,
		MaxOrder:          info.MaxOrder,
		InputFeePpk:       info.InputFeePpk,
	})
}

func (ks keysetStore) SetKeysetActive(id string, active bool) error {
	return ks.db.UpdateKeysetActive(id, active)
}
