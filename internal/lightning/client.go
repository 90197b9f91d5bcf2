// Package lightning talks to the Lightning node that issues and settles
// invoices for paid files.
package lightning

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNodeRequest is wrapped by every transport or RPC failure, whichever
// backend produced it.
var ErrNodeRequest = errors.New("failed lightning node request")

// PaymentHash identifies an invoice.
type PaymentHash [32]byte

// ParsePaymentHash decodes a 64 character hex string.
func ParsePaymentHash(s string) (PaymentHash, error) {
	var h PaymentHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("expected %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h PaymentHash) String() string {
	return hex.EncodeToString(h[:])
}

// Invoice is a node's view of an invoice.
type Invoice struct {
	PaymentHash    PaymentHash
	Memo           string
	Value          Millisatoshi
	PaymentRequest string // BOLT11
	Settled        bool
}

// AddInvoiceResult is returned when an invoice has been created.
type AddInvoiceResult struct {
	PaymentHash PaymentHash
}

// Client is the set of node operations needed to sell files.
type Client interface {
	// Ping checks that the node is reachable and accepts our credentials.
	Ping(ctx context.Context) error
	AddInvoice(ctx context.Context, memo string, amount Millisatoshi) (*AddInvoiceResult, error)
	// LookupInvoice returns nil and no error when the node has no such invoice.
	LookupInvoice(ctx context.Context, hash PaymentHash) (*Invoice, error)
}

func nodeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrNodeRequest, op, err)
}
