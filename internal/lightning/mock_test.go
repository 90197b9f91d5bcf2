package lightning

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMockClient_AddAndLookup(t *testing.T) {
	m := NewMockClient(nil)
	ctx := context.Background()

	res, err := m.AddInvoice(ctx, "dir/foo", FromSatoshis(1000))
	if err != nil {
		t.Fatalf("AddInvoice failed: %v", err)
	}

	inv, err := m.LookupInvoice(ctx, res.PaymentHash)
	if err != nil {
		t.Fatalf("LookupInvoice failed: %v", err)
	}
	if inv == nil {
		t.Fatal("expected invoice to exist")
	}
	if inv.Memo != "dir/foo" {
		t.Errorf("Memo = %q, want %q", inv.Memo, "dir/foo")
	}
	if inv.Value != 1_000_000 {
		t.Errorf("Value = %d, want 1000000", inv.Value)
	}
	if inv.Settled {
		t.Error("new invoice should not be settled")
	}
	if !strings.HasPrefix(inv.PaymentRequest, "lnbcrt") {
		t.Errorf("PaymentRequest = %q, want lnbcrt prefix", inv.PaymentRequest)
	}

	if !m.Settle(res.PaymentHash) {
		t.Fatal("Settle reported missing invoice")
	}
	inv, _ = m.LookupInvoice(ctx, res.PaymentHash)
	if !inv.Settled {
		t.Error("expected invoice to be settled")
	}
}

func TestMockClient_UnknownInvoice(t *testing.T) {
	m := NewMockClient(nil)

	inv, err := m.LookupInvoice(context.Background(), PaymentHash{1, 2, 3})
	if err != nil {
		t.Fatalf("LookupInvoice failed: %v", err)
	}
	if inv != nil {
		t.Errorf("expected nil invoice, got %+v", inv)
	}
	if m.Settle(PaymentHash{1}) {
		t.Error("Settle of unknown invoice should report false")
	}
}

func TestMockClient_UniqueHashes(t *testing.T) {
	m := NewMockClient(nil)
	seen := make(map[PaymentHash]bool)
	for i := 0; i < 50; i++ {
		res, err := m.AddInvoice(context.Background(), "foo", 1000)
		if err != nil {
			t.Fatalf("AddInvoice failed: %v", err)
		}
		if seen[res.PaymentHash] {
			t.Fatalf("duplicate payment hash %s", res.PaymentHash)
		}
		seen[res.PaymentHash] = true
	}
	if len(m.Invoices()) != 50 {
		t.Errorf("Invoices() returned %d, want 50", len(m.Invoices()))
	}
}

func TestMockClient_SetError(t *testing.T) {
	m := NewMockClient(nil)
	m.SetError(errors.New("connection refused"))
	ctx := context.Background()

	if err := m.Ping(ctx); !errors.Is(err, ErrNodeRequest) {
		t.Errorf("Ping error = %v, want ErrNodeRequest", err)
	}
	if _, err := m.AddInvoice(ctx, "foo", 1000); !errors.Is(err, ErrNodeRequest) {
		t.Errorf("AddInvoice error = %v, want ErrNodeRequest", err)
	}
	if _, err := m.LookupInvoice(ctx, PaymentHash{}); !errors.Is(err, ErrNodeRequest) {
		t.Errorf("LookupInvoice error = %v, want ErrNodeRequest", err)
	}

	m.SetError(nil)
	if err := m.Ping(ctx); err != nil {
		t.Errorf("Ping after reset failed: %v", err)
	}
}

func TestMockClient_AutoSettle(t *testing.T) {
	m := NewMockClient(nil)
	m.SetAutoSettle(10 * time.Millisecond)

	res, err := m.AddInvoice(context.Background(), "foo", 1000)
	if err != nil {
		t.Fatalf("AddInvoice failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inv, _ := m.LookupInvoice(context.Background(), res.PaymentHash)
		if inv.Settled {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("invoice was not auto-settled")
}

func TestParsePaymentHash(t *testing.T) {
	valid := strings.Repeat("ab", 32)
	h, err := ParsePaymentHash(valid)
	if err != nil {
		t.Fatalf("ParsePaymentHash failed: %v", err)
	}
	if h.String() != valid {
		t.Errorf("String() = %q, want %q", h.String(), valid)
	}

	for _, input := range []string{"", "abc", strings.Repeat("zz", 32), strings.Repeat("ab", 31), strings.Repeat("ab", 33)} {
		if _, err := ParsePaymentHash(input); err == nil {
			t.Errorf("ParsePaymentHash(%q) succeeded, want error", input)
		}
	}
}
