// Package paywall serves the files below the served directory, charging
// for paid files with Lightning invoices.
package paywall

import (
	"bytes"
	"context"
	"html/template"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"agora/internal/apperr"
	"agora/internal/files"
	"agora/internal/lightning"
	"agora/internal/metrics"
	"agora/internal/store"
	"agora/internal/web"
)

// InvoiceLimiter bounds the unpaid invoices a client may hold. resource is
// the still percent-encoded file path the invoice is issued for.
type InvoiceLimiter interface {
	Allow(r *http.Request, resource string) bool
	Track(r *http.Request, resource, hash string)
	Settled(hash string)
}

// Controller answers /files/ and /invoice/ requests. Nothing is kept
// between requests; invoice state lives in the Lightning node.
type Controller struct {
	vfs      *files.VFS
	client   lightning.Client // nil if no node is configured
	history  store.Store      // optional
	limiter  InvoiceLimiter   // optional
	log      *zap.SugaredLogger
	markdown goldmark.Markdown
}

// New creates a Controller. client and history may be nil.
func New(vfs *files.VFS, client lightning.Client, history store.Store, log *zap.SugaredLogger) *Controller {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Controller{
		vfs:      vfs,
		client:   client,
		history:  history,
		log:      log,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM, extension.Footnote)),
	}
}

// SetInvoiceLimiter limits the unpaid invoices per client.
func (c *Controller) SetInvoiceLimiter(l InvoiceLimiter) {
	c.limiter = l
}

// Serve handles a request for rawTail, the still percent-encoded part of
// the URL path after /files/.
func (c *Controller) Serve(w http.ResponseWriter, r *http.Request, rawTail string) error {
	p, mode, err := c.vfs.FileType(rawTail)
	if err != nil {
		return err
	}

	slash := rawTail == "" || strings.HasSuffix(rawTail, "/")
	switch {
	case mode.IsDir() && !slash:
		found(w, r.URL.EscapedPath()+"/")
		return nil
	case !mode.IsDir() && slash:
		found(w, strings.TrimSuffix(r.URL.EscapedPath(), "/"))
		return nil
	case mode.IsDir():
		return c.serveListing(w, rawTail, p)
	}
	return c.accessFile(w, r, rawTail, p)
}

func found(w http.ResponseWriter, location string) {
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusFound)
}

type listingEntry struct {
	Href     string
	Label    string
	Size     string
	Download bool
}

type listingPage struct {
	Entries []listingEntry
	Index   template.HTML
}

func (c *Controller) serveListing(w http.ResponseWriter, rawTail string, dir files.Path) error {
	entries, err := c.vfs.ReadDir(dir)
	if err != nil {
		return err
	}

	page := listingPage{Entries: make([]listingEntry, 0, len(entries))}
	for _, e := range entries {
		label := e.Name
		if e.Kind == files.KindDir {
			label += "/"
		}
		entry := listingEntry{
			Href:     web.EncodeHref(label),
			Label:    label,
			Download: e.Kind == files.KindFile && !e.Paid,
		}
		if e.Kind == files.KindFile {
			entry.Size = humanize.IBytes(uint64(e.Size))
		}
		page.Entries = append(page.Entries, entry)
	}

	index, ok, err := c.vfs.IndexMarkdown(dir)
	if err != nil {
		return err
	}
	if ok {
		var buf bytes.Buffer
		if err := c.markdown.Convert(index, &buf); err != nil {
			return apperr.Internalf("failed to render %s/%s: %v", dir.Display(), files.IndexFileName, err)
		}
		page.Index = template.HTML(buf.String())
	}

	// FileType already decoded rawTail successfully
	decoded, _ := url.PathUnescape(rawTail)
	return web.Render(w, http.StatusOK, "listing", "/"+decoded, page)
}

func (c *Controller) accessFile(w http.ResponseWriter, r *http.Request, rawTail string, p files.Path) error {
	paid, err := c.vfs.Paid(p)
	if err != nil {
		return err
	}
	if !paid {
		return c.streamFile(w, r, p, false)
	}

	if c.client == nil {
		return apperr.New(apperr.LndNotConfiguredPaidFileRequest, p.Display())
	}
	price, err := c.vfs.BasePrice(p)
	if err != nil {
		return err
	}

	if c.limiter != nil && !c.limiter.Allow(r, rawTail) {
		return &apperr.Error{Kind: apperr.PendingInvoiceLimit, Path: p.Display(), Detail: r.RemoteAddr}
	}

	result, err := c.client.AddInvoice(r.Context(), rawTail, price)
	if err != nil {
		metrics.RecordLightningError("add_invoice")
		return &apperr.Error{Kind: apperr.LndRPCStatus, Err: err}
	}
	metrics.RecordInvoiceCreated()
	if c.limiter != nil {
		c.limiter.Track(r, rawTail, result.PaymentHash.String())
	}
	c.log.Infow("invoice created", "path", p.Display(), "hash", result.PaymentHash.String(), "amount", price.String())

	found(w, r.URL.EscapedPath()+"?invoice="+result.PaymentHash.String())
	return nil
}

type invoicePage struct {
	Value          string
	Filename       string
	PaymentRequest string
	QRCodeURL      string
	ReloadURL      string
}

// ServeInvoice handles /files/<rawTail>?invoice=<hash>. A settled invoice
// grants access to the file it was issued for, and only to that file.
func (c *Controller) ServeInvoice(w http.ResponseWriter, r *http.Request, rawTail, invoiceID string) error {
	hash, err := parseInvoiceID(invoiceID)
	if err != nil {
		return err
	}
	invoice, err := c.lookupInvoice(r, hash)
	if err != nil {
		return err
	}

	if rawTail != invoice.Memo {
		return &apperr.Error{Kind: apperr.InvoicePathMismatch, Path: rawTail, Detail: invoice.Memo}
	}

	if invoice.Settled {
		metrics.RecordInvoiceLookup("settled")
		p, mode, err := c.vfs.FileType(invoice.Memo)
		if err != nil {
			return err
		}
		if mode.IsDir() {
			return apperr.Internalf("invoice %s was issued for directory `%s`", hash, p.Display())
		}
		if c.limiter != nil {
			c.limiter.Settled(hash.String())
		}
		return c.streamFile(w, r, p, true)
	}

	metrics.RecordInvoiceLookup("pending")
	return web.Render(w, http.StatusOK, "invoice", "Invoice for "+invoice.Memo, invoicePage{
		Value:          invoice.Value.String(),
		Filename:       invoice.Memo,
		PaymentRequest: invoice.PaymentRequest,
		QRCodeURL:      "/invoice/" + hash.String() + ".svg",
		ReloadURL:      r.URL.RequestURI(),
	})
}

// ServeInvoiceQRCode handles /invoice/<hash>.svg.
func (c *Controller) ServeInvoiceQRCode(w http.ResponseWriter, r *http.Request, invoiceID string) error {
	hash, err := parseInvoiceID(invoiceID)
	if err != nil {
		return err
	}
	invoice, err := c.lookupInvoice(r, hash)
	if err != nil {
		return err
	}

	svg, err := qrCodeSVG(strings.ToUpper(invoice.PaymentRequest))
	if err != nil {
		return &apperr.Error{Kind: apperr.PaymentRequestTooLongForQRCode, Err: err}
	}

	w.Header().Set("Content-Type", "image/svg+xml")
	_, err = w.Write(svg)
	return err
}

func parseInvoiceID(s string) (lightning.PaymentHash, error) {
	hash, err := lightning.ParsePaymentHash(s)
	if err != nil {
		return hash, &apperr.Error{Kind: apperr.InvoiceID, Detail: s, Err: err}
	}
	return hash, nil
}

func (c *Controller) lookupInvoice(r *http.Request, hash lightning.PaymentHash) (*lightning.Invoice, error) {
	if c.client == nil {
		return nil, apperr.New(apperr.LndNotConfiguredInvoiceRequest, r.URL.EscapedPath())
	}
	invoice, err := c.client.LookupInvoice(r.Context(), hash)
	if err != nil {
		metrics.RecordLightningError("lookup_invoice")
		metrics.RecordInvoiceLookup("error")
		return nil, &apperr.Error{Kind: apperr.LndRPCStatus, Err: err}
	}
	if invoice == nil {
		metrics.RecordInvoiceLookup("not_found")
		return nil, &apperr.Error{Kind: apperr.InvoiceNotFound, Detail: hash.String()}
	}
	return invoice, nil
}

func (c *Controller) streamFile(w http.ResponseWriter, r *http.Request, p files.Path, paid bool) error {
	f, err := c.vfs.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return apperr.IO(p.Display(), err)
	}

	if ctype := mime.TypeByExtension(filepath.Ext(p.Name())); ctype != "" {
		w.Header().Set("Content-Type", ctype)
	} else {
		// suppress content sniffing
		w.Header()["Content-Type"] = nil
	}

	cw := &countingWriter{ResponseWriter: w}
	http.ServeContent(cw, r, "", info.ModTime(), f)

	metrics.RecordFileServed(paid, cw.n)
	if c.history != nil && r.Method != http.MethodHead {
		// the client may already be gone
		ctx := context.WithoutCancel(r.Context())
		err := c.history.RecordDownload(ctx, &store.Download{
			Path:     p.Display(),
			Paid:     paid,
			Bytes:    cw.n,
			ServedAt: time.Now(),
		})
		if err != nil {
			c.log.Warnw("failed to record download", "path", p.Display(), "error", err)
		}
	}
	return nil
}

type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.n += int64(n)
	return n, err
}
