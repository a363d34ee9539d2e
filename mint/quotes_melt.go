package mint

import (
	"context"
	"fmt"
	"strings"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/cashu/nuts/nut04"
	"github.com/nutmint/mintd/cashu/nuts/nut05"
	"github.com/nutmint/mintd/cashu/nuts/nut11"
	"github.com/nutmint/mintd/mint/lightning"
	"github.com/nutmint/mintd/mint/storage"
)

// RequestMeltQuote will process a request to melt tokens and return a MeltQuote.
// A melt is requested by a wallet to request the mint to pay an invoice.
func (m *Mint) RequestMeltQuote(method, request, unit string) (storage.MeltQuote, error) {
	if method != BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}
	if unit != SAT_UNIT {
		errmsg := fmt.Sprintf("unit '%v' not supported", unit)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.UnitErrCode)
	}

	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		errmsg := fmt.Sprintf("invalid invoice: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.MeltQuoteErrCode)
	}
	if bolt11.MSatoshi == 0 {
		return storage.MeltQuote{}, cashu.BuildCashuError("invoice has no amount", cashu.MeltQuoteErrCode)
	}
	satAmount := uint64(bolt11.MSatoshi) / 1000

	if m.limits.MeltingSettings.MaxAmount > 0 && satAmount > m.limits.MeltingSettings.MaxAmount {
		return storage.MeltQuote{}, cashu.MeltAmountExceededErr
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		m.logErrorf("error generating random quote id: %v", err)
		return storage.MeltQuote{}, cashu.StandardErr
	}
	fee := m.lightningClient.FeeReserve(satAmount)
	m.logInfof("got melt quote request for invoice of amount '%v'. Setting fee reserve to %v", satAmount, fee)

	meltQuote := storage.MeltQuote{
		Id:             quoteId,
		InvoiceRequest: request,
		PaymentHash:    bolt11.PaymentHash,
		Amount:         satAmount,
		FeeReserve:     fee,
		State:          nut05.Unpaid,
		Expiry:         uint64(time.Now().Add(time.Minute * QuoteExpiryMins).Unix()),
	}

	tx, err := m.db.BeginTransaction()
	if err != nil {
		errmsg := fmt.Sprintf("could not start transaction: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	defer tx.Rollback()

	// if a mint quote exists with the same invoice, the pair can be
	// settled internally, so no lightning fee is charged.
	mintQuote, ok, err := tx.GetMintQuoteByPaymentHash(bolt11.PaymentHash)
	if err != nil {
		errmsg := fmt.Sprintf("error reading mint quote from db: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if ok {
		m.logDebugf("found mint quote with same invoice as melt quote request. Settling internally, fee reserve set to 0")
		meltQuote.InvoiceRequest = mintQuote.PaymentRequest
		meltQuote.PaymentHash = mintQuote.PaymentHash
		meltQuote.FeeReserve = 0
	}

	if err := tx.SaveMeltQuote(meltQuote); err != nil {
		errmsg := fmt.Sprintf("error saving melt quote to db: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if err := tx.Commit(); err != nil {
		errmsg := fmt.Sprintf("error committing melt quote: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	return meltQuote, nil
}

// GetMeltQuoteState returns the state of a melt quote.
// Used to check whether a melt quote has been paid.
func (m *Mint) GetMeltQuoteState(ctx context.Context, method, quoteId string) (storage.MeltQuote, error) {
	if method != BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	meltQuote, ok, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		errmsg := fmt.Sprintf("error reading melt quote from db: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if !ok {
		return storage.MeltQuote{}, cashu.QuoteNotExistErr
	}

	if meltQuote.State != nut05.Pending {
		return meltQuote, nil
	}

	m.logDebugf("checking status of payment with hash '%v' for melt quote '%v'", meltQuote.PaymentHash, meltQuote.Id)
	paymentStatus, err := m.lightningClient.OutgoingPaymentStatus(ctx, meltQuote.PaymentHash)
	switch {
	case paymentStatus.PaymentStatus == lightning.Pending:
		m.logInfof("payment '%v' melt for quote '%v' is pending", meltQuote.PaymentHash, meltQuote.Id)
		return meltQuote, nil

	case paymentStatus.PaymentStatus == lightning.Succeeded:
		m.logInfof("payment %v succeeded. setting melt quote '%v' to '%v' and invalidating proofs",
			meltQuote.PaymentHash, meltQuote.Id, nut05.Paid)
		if err := m.settleQuoteAndProofs(meltQuote.Id, paymentStatus.Preimage); err != nil {
			return storage.MeltQuote{}, err
		}
		meltQuote.State = nut05.Paid
		meltQuote.Preimage = paymentStatus.Preimage

	case err != nil && strings.Contains(err.Error(), "payment failed"):
		m.logInfof("payment %v failed. setting melt quote '%v' to '%s' and removing proofs from pending",
			meltQuote.PaymentHash, meltQuote.Id, nut05.Unpaid)
		if err := m.failQuote(meltQuote.Id); err != nil {
			return storage.MeltQuote{}, err
		}
		meltQuote.State = nut05.Unpaid
	}

	return meltQuote, nil
}

// failQuote marks a melt quote unpaid and releases its pending proofs,
// so they become spendable again.
func (m *Mint) failQuote(quoteId string) error {
	pendingProofs, err := m.db.GetPendingProofsByQuote(quoteId)
	if err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("error reading pending proofs: %v", err), cashu.DBErrCode)
	}
	ys := make([]string, len(pendingProofs))
	for i, p := range pendingProofs {
		ys[i] = p.Y
	}

	tx, err := m.db.BeginTransaction()
	if err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("could not start transaction: %v", err), cashu.DBErrCode)
	}
	defer tx.Rollback()

	if err := tx.UpdateMeltQuote(quoteId, "", nut05.Unpaid); err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("error updating melt quote state: %v", err), cashu.DBErrCode)
	}
	if err := tx.RemovePendingProofs(ys); err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("error removing pending proofs: %v", err), cashu.DBErrCode)
	}
	if err := tx.Commit(); err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("error committing quote failure: %v", err), cashu.DBErrCode)
	}
	return nil
}

// settleQuoteAndProofs marks a melt quote paid and converts its pending
// proofs to spent.
func (m *Mint) settleQuoteAndProofs(quoteId, preimage string) error {
	pendingProofs, err := m.db.GetPendingProofsByQuote(quoteId)
	if err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("error reading pending proofs: %v", err), cashu.DBErrCode)
	}
	ys := make([]string, len(pendingProofs))
	for i, p := range pendingProofs {
		ys[i] = p.Y
	}

	tx, err := m.db.BeginTransaction()
	if err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("could not start transaction: %v", err), cashu.DBErrCode)
	}
	defer tx.Rollback()

	if err := tx.SetProofsState(ys, storage.Spent); err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("error settling proofs: %v", err), cashu.DBErrCode)
	}
	if err := tx.UpdateMeltQuote(quoteId, preimage, nut05.Paid); err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("error updating melt quote state: %v", err), cashu.DBErrCode)
	}
	if err := tx.Commit(); err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("error committing settlement: %v", err), cashu.DBErrCode)
	}
	return nil
}

// MeltTokens verifies whether proofs provided are valid
// and proceeds to attempt payment.
func (m *Mint) MeltTokens(ctx context.Context, method, quoteId string, proofs cashu.Proofs) (storage.MeltQuote, error) {
	if method != BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	Ys := proofYs(proofs)
	var proofsAmount uint64
	for _, proof := range proofs {
		sum, overflow := overflowAddUint64(proofsAmount, proof.Amount)
		if overflow {
			return storage.MeltQuote{}, cashu.InvalidProofErr
		}
		proofsAmount = sum
	}

	tx, err := m.db.BeginTransaction()
	if err != nil {
		errmsg := fmt.Sprintf("could not start transaction: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	defer tx.Rollback()

	meltQuote, ok, err := tx.GetMeltQuote(quoteId)
	if err != nil {
		errmsg := fmt.Sprintf("error reading melt quote from db: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if !ok {
		return storage.MeltQuote{}, cashu.QuoteNotExistErr
	}
	if meltQuote.State == nut05.Paid {
		return storage.MeltQuote{}, cashu.MeltQuoteAlreadyPaid
	}
	if meltQuote.State == nut05.Pending {
		return storage.MeltQuote{}, cashu.QuotePending
	}

	// Proof state is re-checked inside this same transaction, under
	// each proof's lock, so no other transaction can spend one of these
	// Ys between this check and AddPendingProofs below.
	if err := m.verifyProofs(ctx, tx, proofs, Ys); err != nil {
		return storage.MeltQuote{}, err
	}

	fees := m.TransactionFees(proofs)
	needed, overflow := overflowAddUint64(meltQuote.Amount, meltQuote.FeeReserve)
	if !overflow {
		needed, overflow = overflowAddUint64(needed, uint64(fees))
	}
	if overflow || proofsAmount < needed {
		return storage.MeltQuote{}, cashu.InsufficientProofsAmount
	}
	if nut11.ProofsSigAll(proofs) {
		return storage.MeltQuote{}, nut11.SigAllOnlySwap
	}

	m.logInfof("verified proofs in melt tokens request. Setting proofs as pending before attempting payment.")
	if err := tx.AddPendingProofs(proofs, meltQuote.Id); err != nil {
		errmsg := fmt.Sprintf("error setting proofs as pending in db: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	meltQuote.State = nut05.Pending
	if err := tx.UpdateMeltQuote(meltQuote.Id, "", nut05.Pending); err != nil {
		errmsg := fmt.Sprintf("error updating melt quote state: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	// before asking backend to send payment, check if quotes can be settled
	// internally (i.e mint and melt quotes exist with the same invoice)
	mintQuote, foundMintQuote, err := tx.GetMintQuoteByPaymentHash(meltQuote.PaymentHash)
	if err != nil {
		errmsg := fmt.Sprintf("error reading mint quote from db: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	if foundMintQuote {
		m.logDebugf("quotes '%v' and '%v' have same invoice so settling them internally", meltQuote.Id, mintQuote.Id)
		meltQuote, err = m.settleQuotesInternally(tx, mintQuote, meltQuote)
		if err != nil {
			return storage.MeltQuote{}, err
		}
		if err := tx.SetProofsState(Ys, storage.Spent); err != nil {
			errmsg := fmt.Sprintf("error invalidating proofs: %v", err)
			return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		if err := tx.Commit(); err != nil {
			errmsg := fmt.Sprintf("error committing internal settlement: %v", err)
			return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		return meltQuote, nil
	}
	if err := tx.Commit(); err != nil {
		errmsg := fmt.Sprintf("error committing pending melt quote: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	m.logInfof("attempting to pay invoice: %v", meltQuote.InvoiceRequest)
	sendPaymentResponse, err := m.lightningClient.SendPayment(ctx, meltQuote.InvoiceRequest, meltQuote.FeeReserve)
	if err != nil {
		if strings.Contains(err.Error(), "payment error") {
			m.logInfof("payment failed with error: %v. Removing pending proofs and marking quote '%v' as '%v'",
				err, meltQuote.Id, nut05.Unpaid)
			if err := m.failQuote(meltQuote.Id); err != nil {
				return storage.MeltQuote{}, err
			}
			meltQuote.State = nut05.Unpaid
			return meltQuote, nil
		}
		sendPaymentResponse.PaymentStatus = lightning.Failed
		m.logDebugf("SendPayment failed with error: %v. Will do extra check", err)
	}

	switch sendPaymentResponse.PaymentStatus {
	case lightning.Succeeded:
		m.logInfof("successfully paid invoice with hash '%v' for melt quote '%v'", meltQuote.PaymentHash, meltQuote.Id)
		if err := m.settleQuoteAndProofs(meltQuote.Id, sendPaymentResponse.Preimage); err != nil {
			return storage.MeltQuote{}, err
		}
		meltQuote.State = nut05.Paid
		meltQuote.Preimage = sendPaymentResponse.Preimage

	case lightning.Pending:
		m.logInfof("outgoing payment for quote '%v' is pending.", meltQuote.Id)

	case lightning.Failed:
		paymentStatus, err := m.lightningClient.OutgoingPaymentStatus(ctx, meltQuote.PaymentHash)
		switch {
		case paymentStatus.PaymentStatus == lightning.Pending:
			// leave as pending
		case paymentStatus.PaymentStatus == lightning.Succeeded:
			m.logInfof("successfully paid invoice with hash '%v' for melt quote '%v'", meltQuote.PaymentHash, meltQuote.Id)
			if err := m.settleQuoteAndProofs(meltQuote.Id, paymentStatus.Preimage); err != nil {
				return storage.MeltQuote{}, err
			}
			meltQuote.State = nut05.Paid
			meltQuote.Preimage = paymentStatus.Preimage
		case err != nil:
			m.logInfof("payment failed with error: %v. Removing pending proofs and marking quote '%v' as '%v'",
				err, meltQuote.Id, nut05.Unpaid)
			if err := m.failQuote(meltQuote.Id); err != nil {
				return storage.MeltQuote{}, err
			}
			meltQuote.State = nut05.Unpaid
		}
	}

	return meltQuote, nil
}

// settleQuotesInternally settles a mint/melt quote pair that share the
// same invoice, without calling out to the lightning backend again.
func (m *Mint) settleQuotesInternally(
	tx storage.Transaction,
	mintQuote storage.MintQuote,
	meltQuote storage.MeltQuote,
) (storage.MeltQuote, error) {
	invoice, err := m.lightningClient.InvoiceStatus(mintQuote.PaymentHash)
	if err != nil {
		errmsg := fmt.Sprintf("error getting invoice status from lightning backend: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
	}

	meltQuote.State = nut05.Paid
	meltQuote.Preimage = invoice.Preimage
	if err := tx.UpdateMeltQuote(meltQuote.Id, meltQuote.Preimage, meltQuote.State); err != nil {
		errmsg := fmt.Sprintf("error updating melt quote state: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	mintQuote.State = nut04.Paid
	if err := tx.UpdateMintQuoteState(mintQuote.Id, mintQuote.State); err != nil {
		errmsg := fmt.Sprintf("error updating mint quote state: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	return meltQuote, nil
}
