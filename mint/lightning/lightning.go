// Package lightning defines the Client collaborator the mint uses to
// create and settle bolt11 invoices and to send outgoing payments. It
// never decides mint-side state on its own; the mint package interprets
// whatever Client reports.
package lightning

import (
	"context"
	"errors"
)

const (
	InvoiceExpiryTime = 60 * 15
	FeePercent        = 1
)

var OutgoingPaymentNotFound = errors.New("outgoing payment not found")

// State is the settlement state of either an incoming invoice or an
// outgoing payment, as reported by the backend.
type State int

const (
	Pending State = iota
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	default:
		return "PENDING"
	}
}

// Invoice describes a bolt11 invoice the mint created or is watching.
type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Preimage       string
	Settled        bool
	Amount         uint64
	Expiry         uint64
}

// PaymentStatus describes the result of an outgoing payment attempt.
type PaymentStatus struct {
	Preimage      string
	PaymentStatus State
}

// InvoiceSubscriptionClient streams updates for a single invoice. Recv
// blocks until the invoice settles, expires, or the subscription errors.
type InvoiceSubscriptionClient interface {
	Recv() (Invoice, error)
}

// Client is the collaborator a mint uses to talk to a Lightning backend.
// SendPayment, OutgoingPaymentStatus and SubscribeInvoice take a context
// so the caller can cancel them; CreateInvoice and InvoiceStatus take
// none and cannot be cancelled by the caller.
type Client interface {
	CreateInvoice(amount uint64) (Invoice, error)
	InvoiceStatus(hash string) (Invoice, error)
	FeeReserve(amount uint64) uint64
	SendPayment(ctx context.Context, request string, maxFeeSat uint64) (PaymentStatus, error)
	OutgoingPaymentStatus(ctx context.Context, paymentHash string) (PaymentStatus, error)
	SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error)
}
