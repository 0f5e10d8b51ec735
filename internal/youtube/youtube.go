// Package youtube fetches the title, author and transcript of a video.
package youtube

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"

	"github.com/kalambet/sourcesync/internal/fetch"
)

const (
	DefaultOEmbedURL     = "https://www.youtube.com/oembed"
	DefaultTranscriptURL = "https://www.youtube.com/api/timedtext"
)

// ErrInvalidURL is returned for URLs that do not name a video.
var ErrInvalidURL = errors.New("not a youtube video url")

// ErrNoTranscript is returned when the video has no captions in the
// requested language.
var ErrNoTranscript = errors.New("video has no transcript")

// Getter fetches a URL.
type Getter interface {
	Get(ctx context.Context, url string) (*fetch.Response, error)
}

// Config points the client at its endpoints. Zero values use YouTube.
type Config struct {
	OEmbedURL     string
	TranscriptURL string
	Language      string
}

// Video is the indexable content of one video.
type Video struct {
	ID         string
	URL        string
	Title      string
	Author     string
	Transcript string
}

// DisplayTitle is the title line prefixed to transcript chunks.
func (v Video) DisplayTitle() string {
	if v.Author == "" {
		return v.Title
	}
	return v.Title + " by " + v.Author
}

type Client struct {
	get    Getter
	config Config
}

func New(get Getter, cfg Config) *Client {
	if cfg.OEmbedURL == "" {
		cfg.OEmbedURL = DefaultOEmbedURL
	}
	if cfg.TranscriptURL == "" {
		cfg.TranscriptURL = DefaultTranscriptURL
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &Client{get: get, config: cfg}
}

// Fetch loads metadata and transcript for videoURL.
func (c *Client) Fetch(ctx context.Context, videoURL string) (Video, error) {
	id, err := VideoID(videoURL)
	if err != nil {
		return Video{}, err
	}
	v := Video{ID: id, URL: videoURL}

	meta, err := c.oembed(ctx, videoURL)
	if err != nil {
		return Video{}, err
	}
	v.Title, v.Author = meta.Title, meta.AuthorName

	v.Transcript, err = c.transcript(ctx, id)
	if err != nil {
		return Video{}, err
	}
	return v, nil
}

type oembedResponse struct {
	Title      string `json:"title"`
	AuthorName string `json:"author_name"`
}

func (c *Client) oembed(ctx context.Context, videoURL string) (oembedResponse, error) {
	q := url.Values{"url": {videoURL}, "format": {"json"}}
	resp, err := c.get.Get(ctx, c.config.OEmbedURL+"?"+q.Encode())
	if err != nil {
		return oembedResponse{}, fmt.Errorf("fetching video metadata: %w", err)
	}
	var out oembedResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return oembedResponse{}, fmt.Errorf("decoding video metadata: %w", err)
	}
	return out, nil
}

// timedText is the caption document served by the timedtext endpoint.
type timedText struct {
	XMLName xml.Name `xml:"transcript"`
	Lines   []struct {
		Start string `xml:"start,attr"`
		Text  string `xml:",chardata"`
	} `xml:"text"`
}

func (c *Client) transcript(ctx context.Context, id string) (string, error) {
	q := url.Values{"v": {id}, "lang": {c.config.Language}}
	resp, err := c.get.Get(ctx, c.config.TranscriptURL+"?"+q.Encode())
	if err != nil {
		return "", fmt.Errorf("fetching transcript: %w", err)
	}
	if len(strings.TrimSpace(string(resp.Body))) == 0 {
		return "", ErrNoTranscript
	}
	var doc timedText
	if err := xml.Unmarshal(resp.Body, &doc); err != nil {
		return "", fmt.Errorf("decoding transcript: %w", err)
	}

	var b strings.Builder
	for _, line := range doc.Lines {
		text := strings.Join(strings.Fields(html.UnescapeString(line.Text)), " ")
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(text)
	}
	if b.Len() == 0 {
		return "", ErrNoTranscript
	}
	return b.String(), nil
}

// VideoID extracts the video ID from watch, short, embed and youtu.be URLs.
func VideoID(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	var id string
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "music.youtube.com":
		if v := u.Query().Get("v"); v != "" {
			id = v
			break
		}
		for _, prefix := range []string{"/shorts/", "/embed/", "/live/"} {
			if rest, ok := strings.CutPrefix(u.Path, prefix); ok {
				id, _, _ = strings.Cut(rest, "/")
			}
		}
	}
	if id == "" || strings.ContainsAny(id, "/?&") {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, raw)
	}
	return id, nil
}
