package paywall

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"agora/internal/apperr"
	"agora/internal/files"
	"agora/internal/lightning"
	"agora/internal/store"
)

var invoiceLocation = regexp.MustCompile(`^/files/foo\?invoice=([0-9a-f]{64})$`)

type testEnv struct {
	root       string
	controller *Controller
	mock       *lightning.MockClient
}

// newTestEnv serves a fresh directory. With withNode unset the controller
// has no lightning client.
func newTestEnv(t *testing.T, withNode bool) *testEnv {
	t.Helper()
	root := filepath.Join(t.TempDir(), "www")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatalf("failed to create root: %v", err)
	}
	vfs, err := files.NewVFS(root)
	if err != nil {
		t.Fatalf("NewVFS failed: %v", err)
	}

	env := &testEnv{root: root}
	var client lightning.Client
	if withNode {
		env.mock = lightning.NewMockClient(nil)
		client = env.mock
	}
	env.controller = New(vfs, client, nil, nil)
	return env
}

func (e *testEnv) write(t *testing.T, rel, contents string) {
	t.Helper()
	p := filepath.Join(e.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", rel, err)
	}
}

func (e *testEnv) serve(t *testing.T, tail string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/"+tail, nil)
	return rec, e.controller.Serve(rec, req, tail)
}

func (e *testEnv) serveInvoice(t *testing.T, tail, id string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/"+tail+"?invoice="+id, nil)
	return rec, e.controller.ServeInvoice(rec, req, tail, id)
}

// requestInvoice requests the paid file foo and returns the invoice id from
// the redirect.
func (e *testEnv) requestInvoice(t *testing.T) string {
	t.Helper()
	rec, err := e.serve(t, "foo")
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	m := invoiceLocation.FindStringSubmatch(rec.Header().Get("Location"))
	if m == nil {
		t.Fatalf("unexpected redirect %q", rec.Header().Get("Location"))
	}
	return m[1]
}

func TestServe_FreeFile(t *testing.T) {
	env := newTestEnv(t, false)
	env.write(t, "foo.txt", "bar")

	rec, err := env.serve(t, "foo.txt")
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "bar" {
		t.Errorf("got %d %q, want 200 \"bar\"", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestServe_UnknownExtensionHasNoContentType(t *testing.T) {
	env := newTestEnv(t, false)
	env.write(t, "foo", "<html>not sniffed</html>")

	rec, err := env.serve(t, "foo")
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if _, ok := rec.Header()["Content-Type"]; ok && rec.Header().Get("Content-Type") != "" {
		t.Errorf("unexpected Content-Type %q", rec.Header().Get("Content-Type"))
	}
}

func TestServe_TrailingSlashRedirects(t *testing.T) {
	env := newTestEnv(t, false)
	env.write(t, "dir/file", "x")

	rec, err := env.serve(t, "dir")
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/files/dir/" {
		t.Errorf("got %d %q, want redirect to /files/dir/", rec.Code, rec.Header().Get("Location"))
	}

	rec, err = env.serve(t, "dir/file/")
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/files/dir/file" {
		t.Errorf("got %d %q, want redirect to /files/dir/file", rec.Code, rec.Header().Get("Location"))
	}
}

func TestServe_RedirectKeepsEncoding(t *testing.T) {
	env := newTestEnv(t, false)
	env.write(t, "a b/file", "x")

	rec, err := env.serve(t, "a%20b")
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if got := rec.Header().Get("Location"); got != "/files/a%20b/" {
		t.Errorf("Location = %q, want /files/a%%20b/", got)
	}
}

func TestServe_Listing(t *testing.T) {
	env := newTestEnv(t, false)
	env.write(t, "big.bin", strings.Repeat("x", 4096))
	env.write(t, "small file.txt", "abc")
	env.write(t, "sub/x", "")
	env.write(t, ".hidden", "secret")
	env.write(t, ".index.md", "# Welcome\n\nSome *text*.\n")

	rec, err := env.serve(t, "")
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	body := rec.Body.String()

	for _, want := range []string{
		"<title>/ · Agora</title>",
		`<a href="big.bin" class="view">big.bin</a>`,
		`<span class="filesize">4.0 KiB</span>`,
		`<a href="small%20file.txt" class="view">small file.txt</a>`,
		`<span class="filesize">3 B</span>`,
		`<a href="sub/" class="view">sub/</a>`,
		"<h1>Welcome</h1>",
		"<em>text</em>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("listing missing %q", want)
		}
	}
	if strings.Contains(body, ".hidden") {
		t.Error("hidden file should not be listed")
	}
	if strings.Contains(body, ".index.md") {
		t.Error("index file should not be listed")
	}
	if n := strings.Count(body, "download href"); n != 2 {
		t.Errorf("got %d download links, want 2", n)
	}
	if strings.Index(body, "big.bin") > strings.Index(body, "small") || strings.Index(body, "small") > strings.Index(body, "sub/") {
		t.Error("entries should be sorted by name")
	}
}

func TestServe_ListingTitle(t *testing.T) {
	env := newTestEnv(t, false)
	env.write(t, "a b/c/x", "")

	rec, err := env.serve(t, "a%20b/c/")
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "<title>/a b/c/ · Agora</title>") {
		t.Errorf("unexpected title in %s", rec.Body.String())
	}
}

func TestServe_PaidListingHasNoDownloadLinks(t *testing.T) {
	env := newTestEnv(t, true)
	env.write(t, ".agora.yaml", "{paid: true, base-price: 1 sat}")
	env.write(t, "foo", "precious")

	rec, err := env.serve(t, "")
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if strings.Contains(rec.Body.String(), "download href") {
		t.Error("paid files should not have download links")
	}
	if !strings.Contains(rec.Body.String(), `class="view">foo</a>`) {
		t.Error("paid file should still be listed")
	}
}

func TestServe_Errors(t *testing.T) {
	env := newTestEnv(t, false)
	env.write(t, ".hidden/file", "x")
	env.write(t, "dir/file", "x")

	tests := []struct {
		tail string
		kind apperr.Kind
	}{
		{"missing", apperr.FilesystemIO},
		{".hidden/file", apperr.HiddenFileAccess},
		{"%2Ehidden%2Ffile", apperr.HiddenFileAccess},
		{"foo/../bar", apperr.InvalidFilePath},
		{"foo//bar", apperr.InvalidFilePath},
		{"dir%2F", apperr.InvalidFilePath},
	}
	for _, tt := range tests {
		_, err := env.serve(t, tt.tail)
		if !apperr.Is(err, tt.kind) {
			t.Errorf("Serve(%q) error = %v, want %v", tt.tail, err, tt.kind)
		}
	}
}

func TestPaidFile_RequiresNode(t *testing.T) {
	env := newTestEnv(t, false)
	env.write(t, ".agora.yaml", "paid: true")
	env.write(t, "foo", "precious")

	_, err := env.serve(t, "foo")
	if !apperr.Is(err, apperr.LndNotConfiguredPaidFileRequest) {
		t.Fatalf("error = %v, want LndNotConfiguredPaidFileRequest", err)
	}
	if want := "Paid file request requires LND client configuration: `www/foo`"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestPaidFile_MissingBasePrice(t *testing.T) {
	env := newTestEnv(t, true)
	env.write(t, ".agora.yaml", "paid: true")
	env.write(t, "foo", "precious")

	_, err := env.serve(t, "foo")
	if !apperr.Is(err, apperr.ConfigMissingBasePrice) {
		t.Fatalf("error = %v, want ConfigMissingBasePrice", err)
	}
	if len(env.mock.Invoices()) != 0 {
		t.Error("no invoice should be created")
	}
}

func TestPaidFile_InvoiceFlow(t *testing.T) {
	env := newTestEnv(t, true)
	env.write(t, ".agora.yaml", "{paid: true, base-price: 1000 sat}")
	env.write(t, "foo", "precious")

	id := env.requestInvoice(t)

	invoices := env.mock.Invoices()
	if len(invoices) != 1 {
		t.Fatalf("got %d invoices, want 1", len(invoices))
	}
	if invoices[0].Memo != "foo" || invoices[0].Value != lightning.FromSatoshis(1000) {
		t.Errorf("unexpected invoice %+v", invoices[0])
	}

	rec, err := env.serveInvoice(t, "foo", id)
	if err != nil {
		t.Fatalf("ServeInvoice failed: %v", err)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"<title>Invoice for foo · Agora</title>",
		invoices[0].PaymentRequest,
		"1,000 satoshis",
		`src="/invoice/` + id + `.svg"`,
		`href="/files/foo?invoice=` + id + `"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("invoice page missing %q", want)
		}
	}
	if strings.Contains(body, "precious") {
		t.Fatal("file contents served before payment")
	}

	env.mock.Settle(invoices[0].PaymentHash)

	rec, err = env.serveInvoice(t, "foo", id)
	if err != nil {
		t.Fatalf("ServeInvoice failed: %v", err)
	}
	if rec.Body.String() != "precious" {
		t.Errorf("body = %q, want file contents", rec.Body.String())
	}
}

func TestPaidFile_EachRequestCreatesInvoice(t *testing.T) {
	env := newTestEnv(t, true)
	env.write(t, ".agora.yaml", "{paid: true, base-price: 1 sat}")
	env.write(t, "foo", "precious")

	first := env.requestInvoice(t)
	second := env.requestInvoice(t)
	if first == second {
		t.Error("expected a fresh invoice per request")
	}
}

func TestServeInvoice_PathMismatch(t *testing.T) {
	env := newTestEnv(t, true)
	env.write(t, ".agora.yaml", "{paid: true, base-price: 1 sat}")
	env.write(t, "foo", "precious")
	env.write(t, "also-paid", "other")

	id := env.requestInvoice(t)

	_, err := env.serveInvoice(t, "also-paid", id)
	if !apperr.Is(err, apperr.InvoicePathMismatch) {
		t.Fatalf("error = %v, want InvoicePathMismatch", err)
	}
	if apperr.StatusOf(err) != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", apperr.StatusOf(err))
	}

	for _, inv := range env.mock.Invoices() {
		env.mock.Settle(inv.PaymentHash)
	}

	rec, err := env.serveInvoice(t, "also-paid", id)
	if !apperr.Is(err, apperr.InvoicePathMismatch) {
		t.Fatalf("settled invoice: error = %v, want InvoicePathMismatch", err)
	}
	if strings.Contains(rec.Body.String(), "other") {
		t.Error("settled invoice must not unlock another file")
	}
}

func TestServeInvoice_SettledRechecksAccess(t *testing.T) {
	env := newTestEnv(t, true)
	env.write(t, ".agora.yaml", "{paid: true, base-price: 1 sat}")
	env.write(t, "foo", "precious")

	id := env.requestInvoice(t)
	for _, inv := range env.mock.Invoices() {
		env.mock.Settle(inv.PaymentHash)
	}
	if err := os.Remove(filepath.Join(env.root, "foo")); err != nil {
		t.Fatalf("failed to remove file: %v", err)
	}

	_, err := env.serveInvoice(t, "foo", id)
	if !apperr.Is(err, apperr.FilesystemIO) || apperr.StatusOf(err) != http.StatusNotFound {
		t.Fatalf("error = %v, want not found", err)
	}
}

func TestServeInvoice_Errors(t *testing.T) {
	env := newTestEnv(t, true)
	unknown := strings.Repeat("ab", 32)

	_, err := env.serveInvoice(t, "foo", unknown)
	if !apperr.Is(err, apperr.InvoiceNotFound) {
		t.Errorf("error = %v, want InvoiceNotFound", err)
	}

	for _, id := range []string{"xyz", "abcd", strings.Repeat("ab", 33), ""} {
		_, err := env.serveInvoice(t, "foo", id)
		if !apperr.Is(err, apperr.InvoiceID) {
			t.Errorf("invoice %q: error = %v, want InvoiceId", id, err)
		}
	}

	env.mock.SetError(errors.New("connection refused"))
	_, err = env.serveInvoice(t, "foo", unknown)
	if !apperr.Is(err, apperr.LndRPCStatus) {
		t.Errorf("error = %v, want LndRpcStatus", err)
	}
	if !errors.Is(err, lightning.ErrNodeRequest) {
		t.Error("expected node error to be wrapped")
	}
}

func TestServeInvoice_RequiresNode(t *testing.T) {
	env := newTestEnv(t, false)

	_, err := env.serveInvoice(t, "foo", strings.Repeat("ab", 32))
	if !apperr.Is(err, apperr.LndNotConfiguredInvoiceRequest) {
		t.Fatalf("error = %v, want LndNotConfiguredInvoiceRequest", err)
	}
}

func TestAddInvoiceFailure(t *testing.T) {
	env := newTestEnv(t, true)
	env.write(t, ".agora.yaml", "{paid: true, base-price: 1 sat}")
	env.write(t, "foo", "precious")
	env.mock.SetError(errors.New("node offline"))

	rec, err := env.serve(t, "foo")
	if !apperr.Is(err, apperr.LndRPCStatus) {
		t.Fatalf("error = %v, want LndRpcStatus", err)
	}
	if rec.Header().Get("Location") != "" {
		t.Error("no redirect should be sent on failure")
	}
}

func TestServeInvoiceQRCode(t *testing.T) {
	env := newTestEnv(t, true)
	env.write(t, ".agora.yaml", "{paid: true, base-price: 1 sat}")
	env.write(t, "foo", "precious")
	id := env.requestInvoice(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/invoice/"+id+".svg", nil)
	if err := env.controller.ServeInvoiceQRCode(rec, req, id); err != nil {
		t.Fatalf("ServeInvoiceQRCode failed: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "<?xml") || !strings.Contains(body, "<svg") || !strings.Contains(body, "M4,4h1v1h-1z") {
		t.Errorf("unexpected svg %q", body)
	}

	rec = httptest.NewRecorder()
	err := env.controller.ServeInvoiceQRCode(rec, req, strings.Repeat("00", 32))
	if !apperr.Is(err, apperr.InvoiceNotFound) {
		t.Errorf("error = %v, want InvoiceNotFound", err)
	}
}

// longInvoiceClient returns invoices whose payment request cannot fit in
// a QR code.
type longInvoiceClient struct{}

func (longInvoiceClient) Ping(context.Context) error { return nil }

func (longInvoiceClient) AddInvoice(context.Context, string, lightning.Millisatoshi) (*lightning.AddInvoiceResult, error) {
	return nil, errors.New("not supported")
}

func (longInvoiceClient) LookupInvoice(_ context.Context, hash lightning.PaymentHash) (*lightning.Invoice, error) {
	return &lightning.Invoice{PaymentHash: hash, Memo: "foo", PaymentRequest: "lnbc" + strings.Repeat("q", 8000)}, nil
}

func TestServeInvoiceQRCode_TooLong(t *testing.T) {
	vfs, err := files.NewVFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewVFS failed: %v", err)
	}
	c := New(vfs, longInvoiceClient{}, nil, nil)

	id := strings.Repeat("ab", 32)
	rec := httptest.NewRecorder()
	err = c.ServeInvoiceQRCode(rec, httptest.NewRequest(http.MethodGet, "/invoice/"+id+".svg", nil), id)
	if !apperr.Is(err, apperr.PaymentRequestTooLongForQRCode) {
		t.Fatalf("error = %v, want PaymentRequestTooLongForQrCode", err)
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, true)
	env.write(t, "free.txt", "free")
	env.write(t, "paid/.agora.yaml", "{paid: true, base-price: 2 sat}")
	env.write(t, "paid/foo", "precious")

	history, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer history.Close()
	vfs, _ := files.NewVFS(env.root)
	env.controller = New(vfs, env.mock, history, nil)

	if _, err := env.serve(t, "free.txt"); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	rec, err := env.serve(t, "paid/foo")
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	loc := rec.Header().Get("Location")
	id := loc[strings.LastIndex(loc, "=")+1:]
	for _, inv := range env.mock.Invoices() {
		env.mock.Settle(inv.PaymentHash)
	}
	if _, err := env.serveInvoice(t, "paid/foo", id); err != nil {
		t.Fatalf("ServeInvoice failed: %v", err)
	}

	stats, err := history.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.TotalDownloads != 2 || stats.PaidDownloads != 1 {
		t.Errorf("got %d downloads (%d paid), want 2 (1 paid)", stats.TotalDownloads, stats.PaidDownloads)
	}
	if stats.TotalBytes != int64(len("free")+len("precious")) {
		t.Errorf("TotalBytes = %d", stats.TotalBytes)
	}

	top, err := history.TopFiles(context.Background(), 10)
	if err != nil {
		t.Fatalf("TopFiles failed: %v", err)
	}
	if len(top) != 2 || top[0].Path != "www/free.txt" || top[1].Path != "www/paid/foo" {
		t.Errorf("unexpected top files %+v", top)
	}
}

type countingLimiter struct {
	max       int
	pending   map[string]bool
	resources []string
}

func (l *countingLimiter) Allow(_ *http.Request, resource string) bool {
	l.resources = append(l.resources, resource)
	return len(l.pending) < l.max
}

func (l *countingLimiter) Track(_ *http.Request, _, hash string) { l.pending[hash] = true }
func (l *countingLimiter) Settled(hash string)                   { delete(l.pending, hash) }

func TestInvoiceLimiter(t *testing.T) {
	env := newTestEnv(t, true)
	env.write(t, ".agora.yaml", "{paid: true, base-price: 1 sat}")
	env.write(t, "foo", "precious")
	limiter := &countingLimiter{max: 1, pending: make(map[string]bool)}
	env.controller.SetInvoiceLimiter(limiter)

	id := env.requestInvoice(t)

	_, err := env.serve(t, "foo")
	if !apperr.Is(err, apperr.PendingInvoiceLimit) {
		t.Fatalf("error = %v, want PendingInvoiceLimit", err)
	}
	if len(env.mock.Invoices()) != 1 {
		t.Error("no invoice should be created over the limit")
	}
	for _, r := range limiter.resources {
		if r != "foo" {
			t.Errorf("limiter asked about %q, want foo", r)
		}
	}

	for _, inv := range env.mock.Invoices() {
		env.mock.Settle(inv.PaymentHash)
	}
	if _, err := env.serveInvoice(t, "foo", id); err != nil {
		t.Fatalf("ServeInvoice failed: %v", err)
	}
	if len(limiter.pending) != 0 {
		t.Error("settled invoice should be released")
	}
	env.requestInvoice(t)
}
