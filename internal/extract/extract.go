// Package extract turns fetched documents into plain text suitable for
// chunking: HTML becomes sanitized markdown, PDF becomes its page text.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/ledongthuc/pdf"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// ErrEmpty is returned when a document yields no text.
var ErrEmpty = errors.New("document has no extractable text")

// Content is the text of one document.
type Content struct {
	Title string
	Text  string
}

// Extractor converts documents by media type.
type Extractor struct {
	md     *converter.Converter
	policy *bluemonday.Policy
}

func New() *Extractor {
	return &Extractor{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		policy: bluemonday.UGCPolicy(),
	}
}

// Extract picks a strategy from contentType, falling back to sniffing the
// body when the type is missing or generic.
func (e *Extractor) Extract(body []byte, contentType, sourceURL string) (Content, error) {
	var (
		c   Content
		err error
	)
	switch {
	case contentType == "application/pdf" || bytes.HasPrefix(body, []byte("%PDF-")):
		c, err = e.PDF(body)
	case strings.Contains(contentType, "html") || looksLikeHTML(body):
		c, err = e.HTML(body, sourceURL)
	default:
		c = Content{Text: strings.TrimSpace(string(body))}
	}
	if err != nil {
		return Content{}, err
	}
	if c.Text == "" {
		return Content{}, ErrEmpty
	}
	return c, nil
}

// HTML returns the page title and the body converted to markdown. Scripts,
// styles and unsafe markup are stripped before conversion. When conversion
// produces nothing the visible text of the page is used instead.
func (e *Extractor) HTML(body []byte, sourceURL string) (Content, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Content{}, fmt.Errorf("parsing html: %w", err)
	}
	title := strings.TrimSpace(findTitle(doc))

	clean := e.policy.SanitizeBytes(body)
	text, err := e.md.ConvertString(string(clean), converter.WithDomain(sourceURL))
	if err != nil || strings.TrimSpace(text) == "" {
		text = visibleText(doc)
	}
	return Content{Title: title, Text: strings.TrimSpace(text)}, nil
}

// PDF returns the plain text of all pages.
func (e *Extractor) PDF(body []byte) (Content, error) {
	r, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return Content{}, fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return Content{}, fmt.Errorf("reading pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return Content{}, fmt.Errorf("reading pdf text: %w", err)
	}
	return Content{Text: strings.TrimSpace(buf.String())}, nil
}

func looksLikeHTML(body []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(body[:min(len(body), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.Contains(head, []byte("<html"))
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" {
		if n.FirstChild != nil {
			return n.FirstChild.Data
		}
		return ""
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func visibleText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
