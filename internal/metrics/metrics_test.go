package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("failed to read metrics: %v", err)
	}
	return string(body)
}

func TestRecorders(t *testing.T) {
	RecordHTTPRequest("GET", "files", 200, 15*time.Millisecond)
	RecordRateLimited("invoice")
	RecordFileServed(false, 4)
	RecordFileServed(true, 1024)
	RecordInvoiceCreated()
	RecordInvoiceLookup("settled")
	RecordLightningError("add_invoice")

	out := scrape(t)
	for _, want := range []string{
		`agora_http_requests_total{method="GET",route="files",status="200"}`,
		`agora_http_request_duration_seconds_bucket{method="GET",route="files"`,
		`agora_http_rate_limited_total{route="invoice"}`,
		`agora_files_served_total{access="free"}`,
		`agora_bytes_served_total{access="paid"}`,
		`agora_invoices_created_total`,
		`agora_invoice_lookups_total{result="settled"}`,
		`agora_lightning_errors_total{op="add_invoice"}`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
