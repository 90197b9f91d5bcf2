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
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LNDConfig holds configuration for the LND REST client.
type LNDConfig struct {
	Authority    string // host:port of the REST listener
	CertPath     string // PEM certificate of the node; system roots if empty
	MacaroonPath string // binary macaroon; no credentials sent if empty
}

// LNDClient implements Client using LND's REST gateway.
type LNDClient struct {
	baseURL    string
	macaroon   string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

type lndAddInvoiceRequest struct {
	Memo      string `json:"memo"`
	ValueMsat uint64 `json:"value_msat,string"`
}

type lndAddInvoiceResponse struct {
	RHash          string `json:"r_hash"`
	PaymentRequest string `json:"payment_request"`
}

type lndInvoice struct {
	Memo           string `json:"memo"`
	RHash          string `json:"r_hash"`
	ValueMsat      uint64 `json:"value_msat,string"`
	PaymentRequest string `json:"payment_request"`
	Settled        bool   `json:"settled"`
	State          string `json:"state"`
}

type lndErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewLNDClient creates an LND REST client. It does not contact the node.
func NewLNDClient(cfg LNDConfig, log *zap.SugaredLogger) (*LNDClient, error) {
	if cfg.Authority == "" {
		return nil, fmt.Errorf("LND RPC authority is required")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CertPath != "" {
		pem, err := os.ReadFile(cfg.CertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read LND certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CertPath)
		}
		tlsConfig.RootCAs = pool
	}

	var macaroon string
	if cfg.MacaroonPath != "" {
		raw, err := os.ReadFile(cfg.MacaroonPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read LND macaroon: %w", err)
		}
		macaroon = hex.EncodeToString(raw)
	}

	return &LNDClient{
		baseURL:  "https://" + cfg.Authority,
		macaroon: macaroon,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		log: log,
	}, nil
}

func (c *LNDClient) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/v1/invoices?num_max_invoices=1", nil)
	if err != nil {
		return nodeError("ping", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nodeError("ping", statusError(resp))
	}
	return nil
}

func (c *LNDClient) AddInvoice(ctx context.Context, memo string, amount Millisatoshi) (*AddInvoiceResult, error) {
	body, err := json.Marshal(lndAddInvoiceRequest{Memo: memo, ValueMsat: amount.Value()})
	if err != nil {
		return nil, nodeError("add invoice", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/invoices", body)
	if err != nil {
		return nil, nodeError("add invoice", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nodeError("add invoice", statusError(resp))
	}

	var out lndAddInvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nodeError("add invoice", fmt.Errorf("failed to decode response: %w", err))
	}

	hash, err := decodeRHash(out.RHash)
	if err != nil {
		return nil, nodeError("add invoice", err)
	}

	c.log.Debugf("created invoice %s for %s", hash, amount)
	return &AddInvoiceResult{PaymentHash: hash}, nil
}

func (c *LNDClient) LookupInvoice(ctx context.Context, hash PaymentHash) (*Invoice, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/invoice/"+hash.String(), nil)
	if err != nil {
		return nil, nodeError("lookup invoice", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if isInvoiceNotFound(resp.StatusCode, body) {
			return nil, nil
		}
		return nil, nodeError("lookup invoice", fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body)))
	}

	var out lndInvoice
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nodeError("lookup invoice", fmt.Errorf("failed to decode response: %w", err))
	}

	return &Invoice{
		PaymentHash:    hash,
		Memo:           out.Memo,
		Value:          Millisatoshi(out.ValueMsat),
		PaymentRequest: out.PaymentRequest,
		Settled:        out.State == "SETTLED" || out.Settled,
	}, nil
}

func (c *LNDClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.macaroon != "" {
		req.Header.Set("Grpc-Metadata-macaroon", c.macaroon)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
}

// LND reports unknown invoices as gRPC NotFound (code 5), or with one of two
// messages depending on whether the node has any invoices at all.
func isInvoiceNotFound(status int, body []byte) bool {
	var e lndErrorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		return status == http.StatusNotFound
	}
	if e.Code == 5 {
		return true
	}
	return strings.Contains(e.Message, "unable to locate invoice") ||
		strings.Contains(e.Message, "there are no existing invoices")
}

func decodeRHash(s string) (PaymentHash, error) {
	var h PaymentHash
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid r_hash: %w", err)
	}
	if len(b) != len(h) {
		return h, errors.New("invalid r_hash length")
	}
	copy(h[:], b)
	return h, nil
}
