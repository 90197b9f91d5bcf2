package lightning

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CoreLightningClient implements Client over Core Lightning's JSON-RPC
// unix socket.
type CoreLightningClient struct {
	socketPath string
	nextID     atomic.Uint64
	log        *zap.SugaredLogger
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

type clnInvoiceParams struct {
	AmountMsat  uint64 `json:"amount_msat"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

type clnInvoiceResult struct {
	PaymentHash string `json:"payment_hash"`
	Bolt11      string `json:"bolt11"`
}

type clnListInvoicesParams struct {
	PaymentHash string `json:"payment_hash"`
}

type clnListInvoicesResult struct {
	Invoices []clnInvoice `json:"invoices"`
}

type clnInvoice struct {
	PaymentHash string  `json:"payment_hash"`
	Status      string  `json:"status"`
	Description string  `json:"description"`
	Bolt11      string  `json:"bolt11"`
	AmountMsat  clnMsat `json:"amount_msat"`
}

// clnMsat decodes amounts sent either as numbers or as "<n>msat" strings.
type clnMsat uint64

func (m *clnMsat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	s = strings.TrimSuffix(s, "msat")
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid msat amount %s: %w", b, err)
	}
	*m = clnMsat(v)
	return nil
}

// NewCoreLightningClient creates a client for the lightningd socket at
// socketPath. It does not connect until the first call.
func NewCoreLightningClient(socketPath string, log *zap.SugaredLogger) (*CoreLightningClient, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("core lightning RPC file path is required")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &CoreLightningClient{socketPath: socketPath, log: log}, nil
}

func (c *CoreLightningClient) Ping(ctx context.Context) error {
	if err := c.call(ctx, "getinfo", struct{}{}, nil); err != nil {
		return nodeError("ping", err)
	}
	return nil
}

func (c *CoreLightningClient) AddInvoice(ctx context.Context, memo string, amount Millisatoshi) (*AddInvoiceResult, error) {
	params := clnInvoiceParams{
		AmountMsat:  amount.Value(),
		Label:       "agora-" + uuid.NewString(),
		Description: memo,
	}

	var out clnInvoiceResult
	if err := c.call(ctx, "invoice", params, &out); err != nil {
		return nil, nodeError("add invoice", err)
	}

	hash, err := ParsePaymentHash(out.PaymentHash)
	if err != nil {
		return nil, nodeError("add invoice", fmt.Errorf("invalid payment hash: %w", err))
	}

	c.log.Debugf("created invoice %s (%s) for %s", hash, params.Label, amount)
	return &AddInvoiceResult{PaymentHash: hash}, nil
}

func (c *CoreLightningClient) LookupInvoice(ctx context.Context, hash PaymentHash) (*Invoice, error) {
	var out clnListInvoicesResult
	if err := c.call(ctx, "listinvoices", clnListInvoicesParams{PaymentHash: hash.String()}, &out); err != nil {
		return nil, nodeError("lookup invoice", err)
	}

	for _, inv := range out.Invoices {
		if inv.PaymentHash != hash.String() {
			continue
		}
		return &Invoice{
			PaymentHash:    hash,
			Memo:           inv.Description,
			Value:          Millisatoshi(inv.AmountMsat),
			PaymentRequest: inv.Bolt11,
			Settled:        inv.Status == "paid",
		}, nil
	}
	return nil, nil
}

// call sends one request on a fresh connection and decodes the result
// into out, which may be nil.
func (c *CoreLightningClient) call(ctx context.Context, method string, params, out any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("failed to send %s request: %w", method, err)
	}

	var resp rpcResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if resp.ID != req.ID {
		return fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}
