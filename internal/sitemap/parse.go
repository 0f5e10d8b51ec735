package sitemap

import (
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// ValidationError reports a sitemap document that could not be parsed.
type ValidationError struct {
	URL string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid sitemap %s: %v", e.URL, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

type document struct {
	XMLName  xml.Name
	URLs     []entry `xml:"url"`
	Sitemaps []entry `xml:"sitemap"`
}

type entry struct {
	Loc string `xml:"loc"`
}

// parsed is the content of one sitemap document.
type parsed struct {
	pages    []string
	children []string
}

var gzipMagic = []byte{0x1f, 0x8b}

// parseSitemap decodes a urlset or sitemapindex document. Gzip bodies are
// detected by their magic bytes so a .xml.gz served with or without a
// Content-Encoding header decodes the same way.
func parseSitemap(url string, body []byte, maxBytes int64) (parsed, error) {
	if bytes.HasPrefix(body, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return parsed{}, &ValidationError{URL: url, Err: fmt.Errorf("opening gzip: %w", err)}
		}
		defer zr.Close()
		raw, err := io.ReadAll(io.LimitReader(zr, maxBytes))
		if err != nil {
			return parsed{}, &ValidationError{URL: url, Err: fmt.Errorf("decompressing: %w", err)}
		}
		body = raw
	}

	var doc document
	if err := xml.Unmarshal(body, &doc); err != nil {
		return parsed{}, &ValidationError{URL: url, Err: err}
	}

	var p parsed
	switch doc.XMLName.Local {
	case "urlset":
		for _, e := range doc.URLs {
			loc := strings.TrimSpace(e.Loc)
			if loc == "" {
				continue
			}
			if isNestedSitemap(loc) {
				p.children = append(p.children, loc)
			} else {
				p.pages = append(p.pages, loc)
			}
		}
	case "sitemapindex":
		for _, e := range doc.Sitemaps {
			if loc := strings.TrimSpace(e.Loc); loc != "" {
				p.children = append(p.children, loc)
			}
		}
	default:
		return parsed{}, &ValidationError{URL: url, Err: fmt.Errorf("unexpected root element <%s>", doc.XMLName.Local)}
	}
	return p, nil
}

func isNestedSitemap(loc string) bool {
	l := strings.ToLower(loc)
	if i := strings.IndexAny(l, "?#"); i >= 0 {
		l = l[:i]
	}
	return strings.HasSuffix(l, ".xml") || strings.HasSuffix(l, ".xml.gz")
}

// parseRobots returns the distinct Sitemap: entries of a robots.txt body in
// order of appearance.
func parseRobots(body []byte) []string {
	var out []string
	seen := map[string]bool{}
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "sitemap") {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, value)
	}
	return out
}
