// Package source loads plan files and writes them back. Local paths go
// through an afero filesystem; http(s) URLs are fetched with a disk-backed
// conditional-GET cache and cannot be written.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// ErrReadOnly is returned by Store for sources that cannot be written.
var ErrReadOnly = errors.New("source is read-only")

// Provider yields the raw text of a plan file and accepts a new text to
// persist under the same reference.
type Provider interface {
	Load(ctx context.Context, ref string) (string, error)
	Store(ctx context.Context, ref, text string) error
}

// Charset names how plan files are encoded on disk.
type Charset string

const (
	// CharsetAuto reads UTF-8 when the bytes are valid UTF-8 and
	// ISO-8859-1 otherwise.
	CharsetAuto   Charset = "auto"
	CharsetUTF8   Charset = "utf-8"
	CharsetLatin1 Charset = "latin1"
)

// ParseCharset accepts the common spellings of the supported charsets.
func ParseCharset(s string) (Charset, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return CharsetAuto, nil
	case "utf-8", "utf8":
		return CharsetUTF8, nil
	case "latin1", "latin-1", "iso-8859-1", "iso8859-1":
		return CharsetLatin1, nil
	}
	return "", fmt.Errorf("unsupported charset %q", s)
}

// Decode converts raw file bytes to text.
func (c Charset) Decode(b []byte) (string, error) {
	switch c {
	case CharsetUTF8:
		return string(b), nil
	case CharsetLatin1:
		return charmap.ISO8859_1.NewDecoder().String(string(b))
	default:
		if utf8.Valid(b) {
			return string(b), nil
		}
		return CharsetLatin1.Decode(b)
	}
}

// Encode converts text to file bytes. CharsetAuto writes UTF-8.
func (c Charset) Encode(text string) ([]byte, error) {
	if c == CharsetLatin1 {
		s, err := charmap.ISO8859_1.NewEncoder().String(text)
		if err != nil {
			return nil, fmt.Errorf("encode latin1: %w", err)
		}
		return []byte(s), nil
	}
	return []byte(text), nil
}

// IsURL reports whether ref names an http(s) resource.
func IsURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// Router sends URLs to HTTP and everything else to Files.
type Router struct {
	Files *FileProvider
	HTTP  *HTTPProvider
}

func (r *Router) pick(ref string) (Provider, error) {
	if IsURL(ref) {
		if r.HTTP == nil {
			return nil, fmt.Errorf("no http provider for %s", redactURL(ref))
		}
		return r.HTTP, nil
	}
	if r.Files == nil {
		return nil, fmt.Errorf("no file provider for %s", ref)
	}
	return r.Files, nil
}

func (r *Router) Load(ctx context.Context, ref string) (string, error) {
	p, err := r.pick(ref)
	if err != nil {
		return "", err
	}
	return p.Load(ctx, ref)
}

func (r *Router) Store(ctx context.Context, ref, text string) error {
	p, err := r.pick(ref)
	if err != nil {
		return err
	}
	return p.Store(ctx, ref, text)
}
