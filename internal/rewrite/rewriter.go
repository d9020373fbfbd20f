// Package rewrite makes proxied HTML documents keep routing through the proxy.
// Absolute links in a fixed set of attributes are rewritten while the document
// streams, and a small script is injected to cover URLs built at runtime.
package rewrite

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/template"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

//go:embed inject.js
var injectJS string

var injectTemplate = template.Must(template.New("inject").Parse(injectJS))

// urlAttrs are the attributes whose values are rewritten.
var urlAttrs = map[string]bool{
	"href":     true,
	"src":      true,
	"action":   true,
	"data-src": true,
	"srcset":   true,
}

// Rewriter holds the proxy root and the rendered client script. It is safe
// for concurrent use.
type Rewriter struct {
	root   string
	script []byte
}

// New builds a Rewriter. publicURL is the externally visible base of the
// proxy; empty means rewritten links are root-relative ("/https://...").
func New(publicURL string) (*Rewriter, error) {
	rw := &Rewriter{root: strings.TrimRight(publicURL, "/")}

	root, err := json.Marshal(rw.root)
	if err != nil {
		return nil, fmt.Errorf("encode proxy root: %w", err)
	}
	var sb strings.Builder
	// The CDATA markers keep the script well-formed in XHTML documents and
	// are plain comments to an HTML parser.
	sb.WriteString("<script data-link-proxy=\"\">//<![CDATA[\n")
	if err := injectTemplate.Execute(&sb, struct{ Root string }{string(root)}); err != nil {
		return nil, fmt.Errorf("render inject script: %w", err)
	}
	sb.WriteString("\n//]]></script>")
	rw.script = []byte(sb.String())

	return rw, nil
}

// Root returns the proxy root without a trailing slash.
func (rw *Rewriter) Root() string {
	return rw.root
}

// Script returns the <script> element injected into documents.
func (rw *Rewriter) Script() []byte {
	return rw.script
}

// Rewrite copies the HTML document from src to dst token by token. Tokens
// are written back as their original bytes unless an attribute changed.
// The script is injected once, right after <head>, or after <body>, or
// before the first other element when neither tag appears first. A charset
// declaration in that position stays ahead of the script so it remains
// within the first bytes of the document.
func (rw *Rewriter) Rewrite(dst io.Writer, src io.Reader) error {
	w := bufio.NewWriterSize(dst, 32*1024)
	z := html.NewTokenizer(src)
	injected, pending := false, false
	var raw []byte

	inject := func() error {
		injected, pending = true, false
		_, err := w.Write(rw.script)
		return err
	}

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if pending {
				if err := inject(); err != nil {
					return err
				}
			}
			if flushErr := w.Flush(); flushErr != nil {
				return flushErr
			}
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return fmt.Errorf("read document: %w", err)
			}
			return nil
		}

		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			if pending && !(tt == html.TextToken && isSpace(z.Raw())) {
				if err := inject(); err != nil {
					return err
				}
			}
			if _, err := w.Write(z.Raw()); err != nil {
				return err
			}
			continue
		}

		// Token() lowercases the tag name inside the tokenizer buffer, so
		// the raw bytes are copied first.
		raw = append(raw[:0], z.Raw()...)
		tok := z.Token()
		changed := rw.rewriteAttrs(tok.Attr)

		if !injected && tok.DataAtom != atom.Html {
			switch {
			case isCharsetMeta(tok):
				pending = true
			case !pending && tt == html.StartTagToken && (tok.DataAtom == atom.Head || tok.DataAtom == atom.Body):
				pending = true
			default:
				if err := inject(); err != nil {
					return err
				}
			}
		}

		if changed {
			_, err := w.WriteString(tok.String())
			if err != nil {
				return err
			}
		} else if _, err := w.Write(raw); err != nil {
			return err
		}
	}
}

// isCharsetMeta reports whether tok is <meta charset> or the equivalent
// http-equiv form.
func isCharsetMeta(tok html.Token) bool {
	if tok.DataAtom != atom.Meta {
		return false
	}
	for _, a := range tok.Attr {
		switch {
		case a.Key == "charset":
			return true
		case a.Key == "http-equiv" && strings.EqualFold(strings.TrimSpace(a.Val), "content-type"):
			return true
		}
	}
	return false
}

func isSpace(b []byte) bool {
	return len(bytes.TrimLeft(b, asciiSpace)) == 0
}

// rewriteAttrs applies the URL rule to allowlisted attributes in place.
func (rw *Rewriter) rewriteAttrs(attrs []html.Attribute) bool {
	changed := false
	for i := range attrs {
		a := &attrs[i]
		if !urlAttrs[a.Key] {
			continue
		}
		var (
			v  string
			ok bool
		)
		if a.Key == "srcset" {
			v, ok = rw.RewriteSrcset(a.Val)
		} else {
			v, ok = rw.RewriteURL(a.Val)
		}
		if ok {
			a.Val = v
			changed = true
		}
	}
	return changed
}
