// Package feed fetches and parses the syndication feed that drives a sync cycle.
package feed

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
)

// Item is one raw feed record
type Item struct {
	Title     string
	Link      string
	GUID      string
	Published time.Time // zero when the feed carries no date
	Fields    map[string]string
}

// Source fetches a single feed URL
type Source struct {
	url    string
	parser *gofeed.Parser
	logger *zap.Logger
}

// NewSource creates a feed source for url
func NewSource(url string, timeout time.Duration, logger *zap.Logger) *Source {
	parser := gofeed.NewParser()
	parser.Client = newHTTPClient(timeout)
	parser.UserAgent = "feedsync/1.0"

	return &Source{
		url:    url,
		parser: parser,
		logger: logger,
	}
}

// Fetch retrieves the feed and returns its items in document order
func (s *Source) Fetch(ctx context.Context) ([]Item, error) {
	f, err := s.parser.ParseURLWithContext(s.url, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed %s: %w", s.url, err)
	}

	items := ConvertItems(f)
	s.logger.Debug("Feed fetched",
		zap.String("url", s.url),
		zap.String("title", f.Title),
		zap.Int("items", len(items)),
	)
	return items, nil
}

// ConvertItems flattens parsed feed items into raw records
func ConvertItems(f *gofeed.Feed) []Item {
	if f == nil {
		return nil
	}

	items := make([]Item, 0, len(f.Items))
	for _, it := range f.Items {
		if it == nil {
			continue
		}

		item := Item{
			Title:  strings.TrimSpace(it.Title),
			Link:   it.Link,
			GUID:   it.GUID,
			Fields: make(map[string]string),
		}

		switch {
		case it.PublishedParsed != nil:
			item.Published = it.PublishedParsed.UTC()
		case it.UpdatedParsed != nil:
			item.Published = it.UpdatedParsed.UTC()
		}

		if it.Description != "" {
			item.Fields["description"] = it.Description
		}
		if it.Author != nil && it.Author.Name != "" {
			item.Fields["author"] = it.Author.Name
		}
		if len(it.Categories) > 0 {
			item.Fields["categories"] = strings.Join(it.Categories, ",")
		}
		if len(it.Enclosures) > 0 && it.Enclosures[0] != nil {
			item.Fields["enclosure"] = it.Enclosures[0].URL
		}
		for k, v := range it.Custom {
			if _, taken := item.Fields[k]; !taken {
				item.Fields[k] = v
			}
		}

		items = append(items, item)
	}

	return items
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 30 * time.Second,
		Proxy:               http.ProxyFromEnvironment,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
