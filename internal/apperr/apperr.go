// Package apperr defines the error kinds surfaced by request handling and
// the HTTP status each one maps to.
package apperr

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
)

// Kind identifies a class of request failure.
type Kind int

const (
	Internal Kind = iota
	InvalidFilePath
	InvalidURIPath
	HiddenFileAccess
	SymlinkAccess
	FilesystemIO
	RouteNotFound
	StaticAssetNotFound
	InvoiceNotFound
	InvoicePathMismatch
	InvoiceID
	ConfigDeserialize
	ConfigMissingBasePrice
	LndNotConfiguredPaidFileRequest
	LndNotConfiguredInvoiceRequest
	LndRPCStatus
	PaymentRequestTooLongForQRCode
	PendingInvoiceLimit
)

var kindNames = map[Kind]string{
	Internal:                        "Internal",
	InvalidFilePath:                 "InvalidFilePath",
	InvalidURIPath:                  "InvalidUriPath",
	HiddenFileAccess:                "HiddenFileAccess",
	SymlinkAccess:                   "SymlinkAccess",
	FilesystemIO:                    "FilesystemIo",
	RouteNotFound:                   "RouteNotFound",
	StaticAssetNotFound:             "StaticAssetNotFound",
	InvoiceNotFound:                 "InvoiceNotFound",
	InvoicePathMismatch:             "InvoicePathMismatch",
	InvoiceID:                       "InvoiceId",
	ConfigDeserialize:               "ConfigDeserialize",
	ConfigMissingBasePrice:          "ConfigMissingBasePrice",
	LndNotConfiguredPaidFileRequest: "LndNotConfiguredPaidFileRequest",
	LndNotConfiguredInvoiceRequest:  "LndNotConfiguredInvoiceRequest",
	LndRPCStatus:                    "LndRpcStatus",
	PaymentRequestTooLongForQRCode:  "PaymentRequestTooLongForQrCode",
	PendingInvoiceLimit:             "PendingInvoiceLimit",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a request failure. Path is always a display path, never a real
// filesystem path.
type Error struct {
	Kind   Kind
	Path   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case InvalidFilePath:
		return fmt.Sprintf("Invalid URI file path: %s", e.Detail)
	case InvalidURIPath:
		return fmt.Sprintf("Invalid URI path: %s", e.Detail)
	case HiddenFileAccess:
		return fmt.Sprintf("Forbidden access to hidden file: `%s`", e.Path)
	case SymlinkAccess:
		return fmt.Sprintf("Forbidden access to escaping symlink: `%s`", e.Path)
	case FilesystemIO:
		return fmt.Sprintf("IO error accessing filesystem at `%s`: %v", e.Path, e.Err)
	case RouteNotFound:
		return fmt.Sprintf("Route not found: %s", e.Detail)
	case StaticAssetNotFound:
		return fmt.Sprintf("Static asset not found: %s", e.Detail)
	case InvoiceNotFound:
		return fmt.Sprintf("Invoice not found: %s", e.Detail)
	case InvoicePathMismatch:
		return fmt.Sprintf("Invoice for `%s` used to access `%s`", e.Detail, e.Path)
	case InvoiceID:
		return fmt.Sprintf("Invalid invoice ID `%s`: %v", e.Detail, e.Err)
	case ConfigDeserialize:
		return fmt.Sprintf("Failed to deserialize config file at `%s`: %v", e.Path, e.Err)
	case ConfigMissingBasePrice:
		return fmt.Sprintf("Missing base price for paid file `%s`", e.Path)
	case LndNotConfiguredPaidFileRequest:
		return fmt.Sprintf("Paid file request requires LND client configuration: `%s`", e.Path)
	case LndNotConfiguredInvoiceRequest:
		return fmt.Sprintf("Invoice request requires LND client configuration: `%s`", e.Path)
	case LndRPCStatus:
		return fmt.Sprintf("LND RPC call failed: %v", e.Err)
	case PaymentRequestTooLongForQRCode:
		return fmt.Sprintf("Payment request too long for QR code: %v", e.Err)
	case PendingInvoiceLimit:
		return fmt.Sprintf("Too many unpaid invoices for client %s", e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("Internal error: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("Internal error: %s", e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status code for the error.
func (e *Error) Status() int {
	switch e.Kind {
	case InvalidFilePath, InvalidURIPath, InvoicePathMismatch, InvoiceID:
		return http.StatusBadRequest
	case HiddenFileAccess, SymlinkAccess, RouteNotFound, StaticAssetNotFound, InvoiceNotFound:
		return http.StatusNotFound
	case PendingInvoiceLimit:
		return http.StatusTooManyRequests
	case FilesystemIO:
		if errors.Is(e.Err, fs.ErrNotExist) {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// New returns an error of the given kind about a display path.
func New(kind Kind, path string) *Error {
	return &Error{Kind: kind, Path: path}
}

// IO wraps a filesystem error encountered at a display path. The real path
// carried by *fs.PathError is dropped.
func IO(path string, err error) *Error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	return &Error{Kind: FilesystemIO, Path: path, Err: err}
}

// Internalf reports a condition that indicates a bug.
func Internalf(format string, args ...any) *Error {
	return &Error{Kind: Internal, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or Internal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// StatusOf returns the HTTP status for err. Errors of unknown type are 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status()
	}
	return http.StatusInternalServerError
}
