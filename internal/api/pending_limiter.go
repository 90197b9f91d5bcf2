package api

import (
	"net/http"
	"sync"
	"time"
)

// PendingInvoiceLimiter caps the number of distinct files a client holds
// unpaid invoices for. Asking again for a file that already has an unpaid
// invoice replaces that invoice and takes no new slot, so reloading a paid
// file never locks a client out.
type PendingInvoiceLimiter struct {
	mu         sync.Mutex
	maxFiles   int
	trustProxy bool
	byClient   map[string]map[string]pendingInvoice // client -> resource -> newest invoice
	byHash     map[string]invoiceHolder
}

type pendingInvoice struct {
	hash   string
	issued time.Time
}

type invoiceHolder struct {
	client   string
	resource string
}

// NewPendingInvoiceLimiter allows each client unpaid invoices for up to
// maxFiles files at once. With trustProxy the client is identified by
// X-Forwarded-For or X-Real-IP, otherwise by the connection's address.
func NewPendingInvoiceLimiter(maxFiles int, trustProxy bool) *PendingInvoiceLimiter {
	return &PendingInvoiceLimiter{
		maxFiles:   maxFiles,
		trustProxy: trustProxy,
		byClient:   make(map[string]map[string]pendingInvoice),
		byHash:     make(map[string]invoiceHolder),
	}
}

// Allow reports whether the client may be issued an invoice for resource.
func (l *PendingInvoiceLimiter) Allow(r *http.Request, resource string) bool {
	return l.allow(clientIP(r, l.trustProxy), resource)
}

// Track records the invoice issued to the client for resource.
func (l *PendingInvoiceLimiter) Track(r *http.Request, resource, hash string) {
	l.track(clientIP(r, l.trustProxy), resource, hash)
}

func (l *PendingInvoiceLimiter) allow(client, resource string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	held := l.byClient[client]
	if _, ok := held[resource]; ok {
		return true
	}
	return len(held) < l.maxFiles
}

func (l *PendingInvoiceLimiter) track(client, resource, hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	held := l.byClient[client]
	if held == nil {
		held = make(map[string]pendingInvoice)
		l.byClient[client] = held
	}
	if prev, ok := held[resource]; ok {
		delete(l.byHash, prev.hash)
	}
	held[resource] = pendingInvoice{hash: hash, issued: time.Now()}
	l.byHash[hash] = invoiceHolder{client: client, resource: resource}
}

// Settled frees the slot taken by a paid invoice. Unknown and superseded
// hashes are ignored.
func (l *PendingInvoiceLimiter) Settled(hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	holder, ok := l.byHash[hash]
	if !ok {
		return
	}
	delete(l.byHash, hash)
	l.release(holder.client, holder.resource)
}

func (l *PendingInvoiceLimiter) release(client, resource string) {
	held := l.byClient[client]
	delete(held, resource)
	if len(held) == 0 {
		delete(l.byClient, client)
	}
}

// PendingCount returns the number of files the client holds unpaid
// invoices for.
func (l *PendingInvoiceLimiter) PendingCount(client string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byClient[client])
}

// MaxPending returns the per-client limit.
func (l *PendingInvoiceLimiter) MaxPending() int {
	return l.maxFiles
}

// CleanupExpired forgets invoices issued more than maxAge ago, which should
// match the node's invoice expiry. It returns the number forgotten.
func (l *PendingInvoiceLimiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for client, held := range l.byClient {
		for resource, inv := range held {
			if inv.issued.Before(cutoff) {
				delete(l.byHash, inv.hash)
				l.release(client, resource)
				removed++
			}
		}
	}
	return removed
}
