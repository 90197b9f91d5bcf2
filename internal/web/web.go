// Package web holds the HTML templates and static assets served by agora.
package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

var pages = map[string]*template.Template{
	"listing": mustParse("listing"),
	"invoice": mustParse("invoice"),
	"error":   mustParse("error"),
}

func mustParse(name string) *template.Template {
	return template.Must(template.ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html"))
}

type page struct {
	Title string
	Data  any
}

// Render writes a full HTML page. The page is rendered before anything is
// written, so a template failure leaves w untouched.
func Render(w http.ResponseWriter, status int, name, title string, data any) error {
	t, ok := pages[name]
	if !ok {
		return fmt.Errorf("unknown page %q", name)
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", page{Title: title, Data: data}); err != nil {
		return fmt.Errorf("failed to render %s page: %w", name, err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := w.Write(buf.Bytes())
	return err
}

// ErrorPage is the data of the error page.
type ErrorPage struct {
	Code int
	Text string
}

// RenderError writes the error page for status, which shows nothing but
// the status itself.
func RenderError(w http.ResponseWriter, status int) error {
	text := http.StatusText(status)
	return Render(w, status, "error", text, ErrorPage{Code: status, Text: text})
}

// Asset returns an embedded static asset and its content type.
func Asset(name string) ([]byte, string, error) {
	if name == "" || strings.Contains(name, "..") {
		return nil, "", fs.ErrNotExist
	}
	data, err := fs.ReadFile(staticFS, path.Join("static", name))
	if err != nil {
		return nil, "", err
	}
	return data, mime.TypeByExtension(path.Ext(name)), nil
}

// EncodeHref percent-encodes a file name for use as a relative link.
// Everything but ASCII letters, digits and a few URL-safe punctuation
// characters is encoded, including all non-ASCII code points.
func EncodeHref(name string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if hrefSafe(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func hrefSafe(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	// '?' and ':' are left out: in a relative link they would start a
	// query or read as a scheme.
	return strings.IndexByte("!$&'()*+,-./;=@_~", c) >= 0
}
