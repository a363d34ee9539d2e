package signatory

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nutmint/mintd/cashu"
	"github.com/nutmint/mintd/crypto"
)

// QueueCapacity bounds how many in-flight requests the Manager will
// buffer before a caller gets ErrSendFull. It mirrors the signatory
// queue's fixed channel size: a mint under legitimate load still backs
// off rather than growing memory without bound.
const QueueCapacity = 10_000

// ErrSendFull is returned when the request queue is saturated.
var ErrSendFull = errors.New("signatory request queue is full")

// ErrRecv is returned when a request's response channel is closed
// without ever being answered. The Manager never closes a response
// channel; a request still buffered when Close is called gets no
// answer, and its caller returns only when its own context ends.
var ErrRecv = errors.New("signatory did not respond to request")

type request struct {
	do       func() (any, error)
	response chan result
}

type result struct {
	value any
	err   error
}

// Manager routes every call to a Signatory through a bounded queue, so
// that concurrent callers (HTTP handlers, invoice watchers) never touch
// private key material directly. One dispatcher goroutine takes requests
// off the queue and runs each in its own goroutine, so calls are not
// serialized and the number of running calls is not bounded; a caller
// gets ErrSendFull only when the queue itself is full.
type Manager struct {
	inner  *Signatory
	queue  chan request
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewManager starts the dispatcher goroutine and returns a Manager
// wrapping signatory. Call Close to stop the dispatcher.
func NewManager(signatory *Signatory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		inner:  signatory,
		queue:  make(chan request, QueueCapacity),
		cancel: cancel,
		logger: logger,
	}
	go m.run(ctx)
	return m
}

func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-m.queue:
			if !ok {
				return
			}
			go func(req request) {
				value, err := req.do()
				req.response <- result{value: value, err: err}
			}(req)
		}
	}
}

// Close stops the dispatcher goroutine. In-flight requests already
// dequeued are allowed to finish; anything still buffered is dropped.
func (m *Manager) Close() {
	m.cancel()
}

func (m *Manager) submit(ctx context.Context, do func() (any, error)) (any, error) {
	req := request{do: do, response: make(chan result, 1)}

	select {
	case m.queue <- req:
	default:
		return nil, ErrSendFull
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-req.response:
		if !ok {
			return nil, ErrRecv
		}
		return res.value, res.err
	}
}

func (m *Manager) BlindSign(ctx context.Context, msg cashu.BlindedMessage) (cashu.BlindedSignature, error) {
	v, err := m.submit(ctx, func() (any, error) {
		return m.inner.BlindSign(msg)
	})
	if err != nil {
		return cashu.BlindedSignature{}, err
	}
	return v.(cashu.BlindedSignature), nil
}

func (m *Manager) VerifyProof(ctx context.Context, proof cashu.Proof) error {
	_, err := m.submit(ctx, func() (any, error) {
		return nil, m.inner.VerifyProof(proof)
	})
	return err
}

func (m *Manager) Keyset(ctx context.Context, id string) (KeysetInfo, crypto.PublicKeys, error) {
	v, err := m.submit(ctx, func() (any, error) {
		info, pubkeys, err := m.inner.Keyset(id)
		return keysetResult{info, pubkeys}, err
	})
	if err != nil {
		return KeysetInfo{}, nil, err
	}
	r := v.(keysetResult)
	return r.info, r.pubkeys, nil
}

type keysetResult struct {
	info    KeysetInfo
	pubkeys crypto.PublicKeys
}

func (m *Manager) KeysetPubkeys(ctx context.Context, id string) (crypto.PublicKeys, error) {
	v, err := m.submit(ctx, func() (any, error) {
		return m.inner.KeysetPubkeys(id)
	})
	if err != nil {
		return nil, err
	}
	return v.(crypto.PublicKeys), nil
}

func (m *Manager) Pubkeys(ctx context.Context) (map[string]crypto.PublicKeys, error) {
	v, err := m.submit(ctx, func() (any, error) {
		return m.inner.Pubkeys(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]crypto.PublicKeys), nil
}

func (m *Manager) Keysets(ctx context.Context) ([]KeysetInfo, error) {
	v, err := m.submit(ctx, func() (any, error) {
		return m.inner.Keysets(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]KeysetInfo), nil
}

func (m *Manager) RotateKeyset(ctx context.Context, unit cashu.Unit, index uint32, maxOrder int, feePpk uint) (KeysetInfo, error) {
	v, err := m.submit(ctx, func() (any, error) {
		return m.inner.RotateKeyset(unit, index, maxOrder, feePpk)
	})
	if err != nil {
		return KeysetInfo{}, err
	}
	return v.(KeysetInfo), nil
}

func (m *Manager) GetKeysetInfo(ctx context.Context, id string) (KeysetInfo, bool, error) {
	v, err := m.submit(ctx, func() (any, error) {
		info, ok := m.inner.GetKeysetInfo(id)
		return keysetInfoResult{info, ok}, nil
	})
	if err != nil {
		return KeysetInfo{}, false, err
	}
	r := v.(keysetInfoResult)
	return r.info, r.ok, nil
}

type keysetInfoResult struct {
	info KeysetInfo
	ok   bool
}
