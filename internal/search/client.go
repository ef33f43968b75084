package search

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxResults = 8

var (
	ErrNotConfigured = errors.New("search: api key not configured")
	ErrNoImage       = errors.New("search: image url or base64 data is required")
)

// Product is one normalized visual match.
type Product struct {
	Link      string `json:"link"`
	Source    string `json:"source"`
	Thumbnail string `json:"thumbnail"`
	Title     string `json:"title"`
	Price     string `json:"price,omitempty"`
	InStock   *bool  `json:"inStock,omitempty"`
	Image     string `json:"image,omitempty"`
}

type lensResponse struct {
	VisualMatches []struct {
		Title  string `json:"title"`
		Link   string `json:"link"`
		Source string `json:"source"`
		Price  *struct {
			Value string `json:"value"`
		} `json:"price"`
		InStock   *bool  `json:"in_stock"`
		Thumbnail string `json:"thumbnail"`
		Image     string `json:"image"`
	} `json:"visual_matches"`
	Error string `json:"error"`
}

// Client looks up purchasable products visually similar to an image via a
// google_lens-style search endpoint.
type Client struct {
	APIKey  string
	BaseURL string
	Blobs   BlobStore
	HTTP    *http.Client
}

func NewClient(apiKey, baseURL string, blobs BlobStore) *Client {
	if baseURL == "" {
		baseURL = "https://serpapi.com/search"
	}
	return &Client{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Blobs:   blobs,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

var dataURLRe = regexp.MustCompile(`^data:([A-Za-z0-9.+/-]+);base64,(.+)$`)

// uploadBase64 persists inline image data to object storage so the lens
// API can fetch it by URL.
func (c *Client) uploadBase64(ctx context.Context, data string) (string, error) {
	m := dataURLRe.FindStringSubmatch(data)
	if m == nil {
		return "", errors.New("search: invalid base64 image format")
	}
	contentType := m[1]
	raw, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		return "", fmt.Errorf("search: decode base64 image: %w", err)
	}
	ext := "png"
	if i := strings.Index(contentType, "/"); i >= 0 && i+1 < len(contentType) {
		ext = contentType[i+1:]
	}
	filename := fmt.Sprintf("%s.%s", uuid.NewString(), ext)
	return c.Blobs.Upload(ctx, filename, contentType, raw)
}

// FindSimilar resolves the image to a URL (uploading inline data first if
// needed), queries the lens endpoint, and returns at most 8 matches that
// carry a title, link and thumbnail.
func (c *Client) FindSimilar(ctx context.Context, imageURL, imageBase64 string) ([]Product, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	if imageURL == "" && imageBase64 != "" {
		var err error
		imageURL, err = c.uploadBase64(ctx, imageBase64)
		if err != nil {
			return nil, err
		}
	}
	if imageURL == "" {
		return nil, ErrNoImage
	}

	q := url.Values{}
	q.Set("engine", "google_lens")
	q.Set("url", imageURL)
	q.Set("api_key", c.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, fmt.Errorf("search: lens api status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded lensResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("search: %s", decoded.Error)
	}

	products := make([]Product, 0, maxResults)
	for _, m := range decoded.VisualMatches {
		if m.Title == "" || m.Link == "" || m.Thumbnail == "" {
			continue
		}
		// prefer the full image over the thumbnail; lens thumbnails
		// sometimes have access restrictions
		thumbnail := m.Thumbnail
		if m.Image != "" {
			thumbnail = m.Image
		}
		p := Product{
			Link:      m.Link,
			Source:    m.Source,
			Thumbnail: thumbnail,
			Title:     m.Title,
			InStock:   m.InStock,
			Image:     m.Image,
		}
		if m.Price != nil {
			p.Price = m.Price.Value
		}
		products = append(products, p)
		if len(products) == maxResults {
			break
		}
	}
	return products, nil
}
