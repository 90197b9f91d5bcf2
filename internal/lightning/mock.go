package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MockClient implements Client in memory for testing and development.
type MockClient struct {
	mu         sync.Mutex
	invoices   map[PaymentHash]*Invoice
	autoSettle time.Duration
	err        error
	log        *zap.SugaredLogger
}

// NewMockClient creates a mock node. Invoices stay unpaid until Settle is
// called, unless auto-settling is enabled.
func NewMockClient(log *zap.SugaredLogger) *MockClient {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &MockClient{
		invoices: make(map[PaymentHash]*Invoice),
		log:      log,
	}
}

// SetAutoSettle makes every new invoice settle after d. Zero disables it.
func (m *MockClient) SetAutoSettle(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoSettle = d
}

// SetError makes every subsequent call fail with err wrapped as a node
// request error. Nil restores normal operation.
func (m *MockClient) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockClient) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nodeError("ping", m.err)
	}
	return nil
}

func (m *MockClient) AddInvoice(ctx context.Context, memo string, amount Millisatoshi) (*AddInvoiceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, nodeError("add invoice", m.err)
	}

	hash, err := generatePaymentHash()
	if err != nil {
		return nil, nodeError("add invoice", err)
	}

	m.invoices[hash] = &Invoice{
		PaymentHash:    hash,
		Memo:           memo,
		Value:          amount,
		PaymentRequest: fakePaymentRequest(hash, amount),
	}

	if m.autoSettle > 0 {
		time.AfterFunc(m.autoSettle, func() {
			m.log.Infof("mock: auto-settling invoice %s", hash.String()[:8])
			m.Settle(hash)
		})
	}

	return &AddInvoiceResult{PaymentHash: hash}, nil
}

func (m *MockClient) LookupInvoice(ctx context.Context, hash PaymentHash) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, nodeError("lookup invoice", m.err)
	}

	inv, ok := m.invoices[hash]
	if !ok {
		return nil, nil
	}
	out := *inv
	return &out, nil
}

// Settle marks an invoice as paid. It reports whether the invoice exists.
func (m *MockClient) Settle(hash PaymentHash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[hash]
	if ok {
		inv.Settled = true
	}
	return ok
}

// Invoices returns a snapshot of every invoice created so far.
func (m *MockClient) Invoices() []Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Invoice, 0, len(m.invoices))
	for _, inv := range m.invoices {
		out = append(out, *inv)
	}
	return out
}

func generatePaymentHash() (PaymentHash, error) {
	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return PaymentHash{}, err
	}
	return sha256.Sum256(preimage[:]), nil
}

// Fake BOLT11: regtest prefix, amount in millisatoshi and hash bytes.
func fakePaymentRequest(hash PaymentHash, amount Millisatoshi) string {
	return fmt.Sprintf("lnbcrt%dp1%s", amount.Value()*10, hash.String()[:52])
}
