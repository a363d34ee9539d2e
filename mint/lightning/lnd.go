package lightning

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

const (
	LND_HOST          = "LND_REST_HOST"
	LND_CERT_PATH     = "LND_CERT_PATH"
	LND_MACAROON_PATH = "LND_MACAROON_PATH"
)

const InvoicePollInterval = 2 * time.Second

type LndClient struct {
	host     string
	client   *http.Client
	macaroon string // hex encoded
}

func CreateLndClient() (*LndClient, error) {
	host := os.Getenv(LND_HOST)
	if host == "" {
		return nil, errors.New(LND_HOST + " cannot be empty")
	}
	certPath := os.Getenv(LND_CERT_PATH)
	if certPath == "" {
		return nil, errors.New(LND_CERT_PATH + " cannot be empty")
	}
	macaroonPath := os.Getenv(LND_MACAROON_PATH)
	if macaroonPath == "" {
		return nil, errors.New(LND_MACAROON_PATH + " cannot be empty")
	}

	macaroonBytes, err := os.ReadFile(macaroonPath)
	if err != nil {
		return nil, fmt.Errorf("error reading macaroon: os.ReadFile %v", err)
	}
	macaroonHex := hex.EncodeToString(macaroonBytes)
	client, err := httpClient(certPath)
	if err != nil {
		return nil, fmt.Errorf("error creating lnd client: %v", err)
	}

	return &LndClient{host: host, client: client, macaroon: macaroonHex}, nil
}

func httpClient(tlsCert string) (*http.Client, error) {
	cert, err := os.ReadFile(tlsCert)
	if err != nil {
		return nil, fmt.Errorf("error reading cert: %v", err)
	}
	certPool := x509.NewCertPool()
	certPool.AppendCertsFromPEM(cert)

	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs: certPool,
			},
		},
	}, nil
}

func (lnd *LndClient) do(req *http.Request) (*http.Response, error) {
	req.Header.Add("Grpc-Metadata-macaroon", lnd.macaroon)
	return lnd.client.Do(req)
}

type addInvoiceResponse struct {
	Hash           string `json:"r_hash"`
	PaymentRequest string `json:"payment_request"`
}

func (lnd *LndClient) CreateInvoice(amount uint64) (Invoice, error) {
	body := map[string]any{"value": amount, "expiry": InvoiceExpiryTime}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Invoice{}, err
	}

	req, err := http.NewRequest(http.MethodPost, lnd.host+"/v1/invoices", bytes.NewBuffer(jsonBody))
	if err != nil {
		return Invoice{}, err
	}

	resp, err := lnd.do(req)
	if err != nil {
		return Invoice{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Invoice{}, fmt.Errorf("unable to get invoice from lnd")
	}

	var res addInvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Invoice{}, fmt.Errorf("error parsing response from lnd: %v", err)
	}

	hashBytes, err := base64.StdEncoding.DecodeString(res.Hash)
	if err != nil {
		return Invoice{}, fmt.Errorf("error decoding hash from lnd: %v", err)
	}
	hash := hex.EncodeToString(hashBytes)

	return Invoice{
		PaymentRequest: res.PaymentRequest,
		PaymentHash:    hash,
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(InvoiceExpiryTime * time.Second).Unix()),
	}, nil
}

func (lnd *LndClient) InvoiceStatus(hash string) (Invoice, error) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return Invoice{}, fmt.Errorf("invalid hash provided")
	}

	b64EncodedHash := base64.URLEncoding.EncodeToString(hashBytes)
	url := lnd.host + "/v2/invoices/lookup?payment_hash=" + b64EncodedHash

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return Invoice{}, err
	}

	resp, err := lnd.do(req)
	if err != nil {
		return Invoice{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Invoice{}, fmt.Errorf("error getting invoice status")
	}

	var res struct {
		State     string `json:"state"`
		RPreimage string `json:"r_preimage"`
		Value     string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Invoice{}, fmt.Errorf("error parsing response from lnd: %v", err)
	}

	amount, _ := strconv.ParseUint(res.Value, 10, 64)
	preimageBytes, _ := base64.StdEncoding.DecodeString(res.RPreimage)

	return Invoice{
		PaymentHash: hash,
		Preimage:    hex.EncodeToString(preimageBytes),
		Settled:     res.State == "SETTLED",
		Amount:      amount,
	}, nil
}

func (lnd *LndClient) FeeReserve(amount uint64) uint64 {
	fee := amount * FeePercent / 100
	if fee == 0 && amount > 0 {
		fee = 1
	}
	return fee
}

type sendPaymentResponse struct {
	PaymentError    string `json:"payment_error"`
	PaymentPreimage string `json:"payment_preimage"`
}

func (lnd *LndClient) SendPayment(ctx context.Context, request string, maxFeeSat uint64) (PaymentStatus, error) {
	url := lnd.host + "/v1/channels/transactions"

	body := map[string]any{"payment_request": request, "fee_limit_sat": maxFeeSat}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return PaymentStatus{PaymentStatus: Failed}, fmt.Errorf("invalid request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return PaymentStatus{PaymentStatus: Failed}, fmt.Errorf("error making payment: %v", err)
	}

	resp, err := lnd.do(req)
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, fmt.Errorf("error making payment: %v", err)
	}
	defer resp.Body.Close()

	var res sendPaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return PaymentStatus{PaymentStatus: Pending}, fmt.Errorf("error parsing response from lnd: %v", err)
	}

	if len(res.PaymentError) > 0 {
		return PaymentStatus{PaymentStatus: Failed}, fmt.Errorf("payment error: %v", res.PaymentError)
	}

	preimageBytes, _ := base64.StdEncoding.DecodeString(res.PaymentPreimage)
	return PaymentStatus{
		Preimage:      hex.EncodeToString(preimageBytes),
		PaymentStatus: Succeeded,
	}, nil
}

func (lnd *LndClient) OutgoingPaymentStatus(ctx context.Context, paymentHash string) (PaymentStatus, error) {
	url := lnd.host + "/v1/payments?include_incomplete=true"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PaymentStatus{}, err
	}

	resp, err := lnd.do(req)
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}
	defer resp.Body.Close()

	var res struct {
		Payments []struct {
			PaymentHash string `json:"payment_hash"`
			Status      string `json:"status"`
			Preimage    string `json:"payment_preimage"`
		} `json:"payments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}

	for _, p := range res.Payments {
		if p.PaymentHash != paymentHash {
			continue
		}
		switch p.Status {
		case "SUCCEEDED":
			return PaymentStatus{Preimage: p.Preimage, PaymentStatus: Succeeded}, nil
		case "FAILED":
			return PaymentStatus{PaymentStatus: Failed}, fmt.Errorf("payment failed")
		default:
			return PaymentStatus{PaymentStatus: Pending}, nil
		}
	}

	return PaymentStatus{PaymentStatus: Failed}, OutgoingPaymentNotFound
}

// lndInvoiceSub polls InvoiceStatus on an interval rather than attaching to
// LND's chunked-JSON streaming endpoint; acceptable for a mint that also
// polls GetMintQuoteState, at the cost of up to InvoicePollInterval of
// added latency before a settlement is observed.
type lndInvoiceSub struct {
	lnd         *LndClient
	ctx         context.Context
	paymentHash string
}

func (lnd *LndClient) SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error) {
	return &lndInvoiceSub{lnd: lnd, ctx: ctx, paymentHash: paymentHash}, nil
}

func (s *lndInvoiceSub) Recv() (Invoice, error) {
	ticker := time.NewTicker(InvoicePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return Invoice{}, s.ctx.Err()
		case <-ticker.C:
			invoice, err := s.lnd.InvoiceStatus(s.paymentHash)
			if err != nil {
				return Invoice{}, err
			}
			if invoice.Settled {
				return invoice, nil
			}
		}
	}
}
