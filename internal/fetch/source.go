// ABOUTME: Default HTTP fetch source speaking JSON Feed
// ABOUTME: Normalizes entries into feed.Item values for ingestion

package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/candlewick/feedd/internal/feed"
)

// jsonFeed is the subset of JSON Feed 1.1 the daemon consumes.
type jsonFeed struct {
	Title string         `json:"title"`
	Items []jsonFeedItem `json:"items"`
}

type jsonFeedItem struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Title         string `json:"title"`
	ContentHTML   string `json:"content_html"`
	ContentText   string `json:"content_text"`
	DatePublished string `json:"date_published"`
}

// HTTPSource retrieves JSON Feed documents over HTTP.
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource creates a source with a bounded request timeout.
func NewHTTPSource(timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, url string) ([]feed.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("Accept", "application/feed+json, application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	var doc jsonFeed
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", url, err)
	}

	items := make([]feed.Item, 0, len(doc.Items))
	for _, entry := range doc.Items {
		if entry.ID == "" {
			continue
		}
		content := entry.ContentHTML
		if content == "" {
			content = entry.ContentText
		}
		items = append(items, feed.Item{
			GUID: entry.ID,
			Attrs: map[string]any{
				"title":     entry.Title,
				"link":      entry.URL,
				"content":   content,
				"published": entry.DatePublished,
			},
		})
	}
	return items, nil
}
