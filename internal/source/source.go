// Package source models the kinds of external content a data source can
// point at. Each kind carries only the fields meaningful to it.
package source

import (
	"fmt"
	"strings"

	"github.com/kalambet/sourcesync/internal/storage"
)

// MetaPathRegex is the data source metadata key holding a crawl path filter.
const MetaPathRegex = "pathRegex"

// MetaSitemapURL is the data source metadata key holding an explicit sitemap.
const MetaSitemapURL = "sitemapUrl"

// Source is a closed set of syncable source kinds.
type Source interface {
	Kind() storage.DataSourceType
	sealed()
}

type WebPage struct {
	URL string
}

// WebCrawl discovers pages through sitemaps under URL. SitemapURL is set when
// the configured URL already names a sitemap document.
type WebCrawl struct {
	URL        string
	SitemapURL string
	PathRegex  string
}

type RemoteFile struct {
	URL  string
	Name string
}

type YouTube struct {
	URL string
}

func (WebPage) Kind() storage.DataSourceType    { return storage.TypeWebPage }
func (WebCrawl) Kind() storage.DataSourceType   { return storage.TypeWebCrawl }
func (RemoteFile) Kind() storage.DataSourceType { return storage.TypeRemoteFile }
func (YouTube) Kind() storage.DataSourceType    { return storage.TypeYouTube }

func (WebPage) sealed()    {}
func (WebCrawl) sealed()   {}
func (RemoteFile) sealed() {}
func (YouTube) sealed()    {}

// UnsupportedTypeError is returned for data sources that cannot be synced.
type UnsupportedTypeError struct {
	Type storage.DataSourceType
}

func (e *UnsupportedTypeError) Error() string {
	if e.Type == storage.TypeFile {
		return "FILE data sources must be uploaded directly, cannot be synced"
	}
	return fmt.Sprintf("unsupported data source type %q: cannot be synced", e.Type)
}

// FromDataSource builds the Source variant for ds.
func FromDataSource(ds storage.DataSource) (Source, error) {
	switch ds.Type {
	case storage.TypeWebPage:
		return WebPage{URL: ds.URL}, nil
	case storage.TypeWebCrawl:
		return NewWebCrawl(ds.URL, storage.StringValue(ds.Metadata, MetaPathRegex),
			storage.StringValue(ds.Metadata, MetaSitemapURL)), nil
	case storage.TypeRemoteFile:
		return RemoteFile{URL: ds.URL, Name: ds.Name}, nil
	case storage.TypeYouTube:
		return YouTube{URL: ds.URL}, nil
	default:
		return nil, &UnsupportedTypeError{Type: ds.Type}
	}
}

// NewWebCrawl normalizes a crawl target. A URL ending in .xml or .xml.gz is
// taken as the sitemap itself and the crawl base becomes its origin.
func NewWebCrawl(rawURL, pathRegex, sitemapURL string) WebCrawl {
	c := WebCrawl{URL: rawURL, SitemapURL: sitemapURL, PathRegex: pathRegex}
	if c.SitemapURL == "" && IsSitemapURL(rawURL) {
		c.SitemapURL = rawURL
		c.URL = origin(rawURL)
	}
	c.URL = strings.TrimRight(c.URL, "/")
	return c
}

// IsSitemapURL reports whether u names a (possibly gzipped) XML sitemap.
func IsSitemapURL(u string) bool {
	p := u
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = strings.ToLower(p)
	return strings.HasSuffix(p, ".xml") || strings.HasSuffix(p, ".xml.gz")
}

func origin(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return u
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host
}
