package mint

import (
	"context"
	"fmt"

	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/cashu/nuts/nut04"
	"github.com/nutmint/mintd/mint/storage"
)

// RequestMintQuote will process a request to mint tokens
// and returns a mint quote or an error.
// The request to mint a token is explained in
// NUT-04 here: https://github.com/cashubtc/nuts/blob/main/04.md.
func (m *Mint) RequestMintQuote(method string, amount uint64, unit string) (storage.MintQuote, error) {
	if method != BOLT11_METHOD {
		return storage.MintQuote{}, cashu.PaymentMethodNotSupportedErr
	}
	if unit != SAT_UNIT {
		errmsg := fmt.Sprintf("unit '%v' not supported", unit)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.UnitErrCode)
	}

	if m.limits.MintingSettings.MaxAmount > 0 && amount > m.limits.MintingSettings.MaxAmount {
		return storage.MintQuote{}, cashu.MintAmountExceededErr
	}
	if m.limits.MaxBalance > 0 {
		balance, err := m.balance()
		if err != nil {
			errmsg := fmt.Sprintf("could not get mint balance: %v", err)
			return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		if sum, overflow := overflowAddUint64(balance, amount); overflow || sum > m.limits.MaxBalance {
			return storage.MintQuote{}, cashu.MintingDisabled
		}
	}

	m.logInfof("requesting invoice from lightning backend for %v sats", amount)
	invoice, err := m.requestInvoice(amount)
	if err != nil {
		errmsg := fmt.Sprintf("could not generate invoice: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		m.logErrorf("error generating random quote id: %v", err)
		return storage.MintQuote{}, cashu.StandardErr
	}
	mintQuote := storage.MintQuote{
		Id:             quoteId,
		Amount:         amount,
		PaymentRequest: invoice.PaymentRequest,
		PaymentHash:    invoice.PaymentHash,
		State:          nut04.Unpaid,
		Expiry:         invoice.Expiry,
	}

	tx, err := m.db.BeginTransaction()
	if err != nil {
		errmsg := fmt.Sprintf("could not start transaction: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	defer tx.Rollback()

	if err := tx.SaveMintQuote(mintQuote); err != nil {
		errmsg := fmt.Sprintf("error saving mint quote to db: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if err := tx.Commit(); err != nil {
		errmsg := fmt.Sprintf("error committing mint quote: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	return mintQuote, nil
}

// GetMintQuoteState returns the state of a mint quote.
// Used to check whether a mint quote has been paid.
func (m *Mint) GetMintQuoteState(method, quoteId string) (storage.MintQuote, error) {
	if method != BOLT11_METHOD {
		return storage.MintQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	tx, err := m.db.BeginTransaction()
	if err != nil {
		errmsg := fmt.Sprintf("could not start transaction: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	defer tx.Rollback()

	mintQuote, ok, err := tx.GetMintQuote(quoteId)
	if err != nil {
		errmsg := fmt.Sprintf("error reading mint quote from db: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if !ok {
		return storage.MintQuote{}, cashu.QuoteNotExistErr
	}

	if mintQuote.State == nut04.Unpaid {
		m.logDebugf("checking status of invoice with hash '%v'", mintQuote.PaymentHash)
		status, err := m.lightningClient.InvoiceStatus(mintQuote.PaymentHash)
		if err != nil {
			errmsg := fmt.Sprintf("error getting invoice status: %v", err)
			return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
		}

		if status.Settled {
			m.logInfof("mint quote '%v' with invoice payment hash '%v' was paid", mintQuote.Id, mintQuote.PaymentHash)
			mintQuote.State = nut04.Paid
			if err := tx.UpdateMintQuoteState(mintQuote.Id, mintQuote.State); err != nil {
				errmsg := fmt.Sprintf("error updating mint quote in db: %v", err)
				return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		errmsg := fmt.Sprintf("error committing mint quote state: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	return mintQuote, nil
}

// MintTokens verifies whether the mint quote with id has been paid and proceeds to
// sign the blindedMessages and return the BlindedSignatures if it was paid.
func (m *Mint) MintTokens(ctx context.Context, method, id string, blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	if method != BOLT11_METHOD {
		return nil, cashu.PaymentMethodNotSupportedErr
	}

	tx, err := m.db.BeginTransaction()
	if err != nil {
		errmsg := fmt.Sprintf("could not start transaction: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	defer tx.Rollback()

	mintQuote, ok, err := tx.GetMintQuote(id)
	if err != nil {
		errmsg := fmt.Sprintf("error reading mint quote from db: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if !ok {
		return nil, cashu.QuoteNotExistErr
	}

	var blindedMessagesAmount uint64
	B_s := make([]string, len(blindedMessages))
	for i, bm := range blindedMessages {
		sum, overflow := overflowAddUint64(blindedMessagesAmount, bm.Amount)
		if overflow {
			return nil, cashu.InvalidBlindedMessageAmount
		}
		blindedMessagesAmount = sum
		B_s[i] = bm.B_
	}

	// A quote already issued is only replayable, not re-mintable: a
	// re-submission with the exact same outputs (in the same order) as
	// the original request gets back the same signatures, so a client
	// that lost the response to a dropped connection can safely retry.
	// Any other set of outputs against an issued quote is rejected
	// outright rather than minting new ecash for an invoice already
	// spent.
	if mintQuote.State == nut04.Issued {
		issuedB_s, err := tx.GetOutputsForQuote(mintQuote.Id)
		if err != nil {
			errmsg := fmt.Sprintf("error reading issued outputs for quote: %v", err)
			return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		if !equalStringSlices(issuedB_s, B_s) {
			return nil, cashu.RequestAlreadyPaid
		}

		sigs := make(cashu.BlindedSignatures, len(B_s))
		for i, b := range B_s {
			found, err := tx.GetBlindSignatures([]string{b})
			if err != nil {
				errmsg := fmt.Sprintf("error reading blind signature for replay: %v", err)
				return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
			}
			if len(found) != 1 {
				errmsg := fmt.Sprintf("missing blind signature for previously issued output '%v'", b)
				return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
			}
			sigs[i] = found[0]
		}
		return sigs, nil
	}

	invoicePaid := mintQuote.State != nut04.Unpaid
	if !invoicePaid {
		m.logDebugf("checking status of invoice with hash '%v'", mintQuote.PaymentHash)
		invoiceStatus, err := m.lightningClient.InvoiceStatus(mintQuote.PaymentHash)
		if err != nil {
			errmsg := fmt.Sprintf("error getting invoice status: %v", err)
			return nil, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
		}
		if invoiceStatus.Settled {
			m.logInfof("mint quote '%v' with invoice payment hash '%v' was paid", mintQuote.Id, mintQuote.PaymentHash)
			invoicePaid = true
		}
	}
	if !invoicePaid {
		return nil, cashu.MintQuoteRequestNotPaid
	}

	if blindedMessagesAmount > mintQuote.Amount {
		return nil, cashu.OutputsOverQuoteAmountErr
	}

	existingSigs, err := tx.GetBlindSignatures(B_s)
	if err != nil {
		errmsg := fmt.Sprintf("error getting blind signatures from db: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if len(existingSigs) > 0 {
		return nil, cashu.BlindedMessageAlreadySigned
	}

	blindedSignatures := make(cashu.BlindedSignatures, len(blindedMessages))
	for i, msg := range blindedMessages {
		sig, err := m.sig.BlindSign(ctx, msg)
		if err != nil {
			return nil, signatoryErr(err)
		}
		blindedSignatures[i] = sig
	}

	if err := tx.SaveBlindSignatures(B_s, blindedSignatures, mintQuote.Id); err != nil {
		errmsg := fmt.Sprintf("error saving blind signatures: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if err := tx.UpdateMintQuoteState(mintQuote.Id, nut04.Issued); err != nil {
		errmsg := fmt.Sprintf("error updating mint quote state: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if err := tx.Commit(); err != nil {
		errmsg := fmt.Sprintf("error committing mint tokens: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	return blindedSignatures, nil
}
