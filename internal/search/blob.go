package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// BlobStore persists raw bytes to object storage and returns a public URL.
// Object storage itself is an external collaborator; this is only the
// boundary the visual lookup needs.
type BlobStore interface {
	Upload(ctx context.Context, filename, contentType string, data []byte) (string, error)
}

// HTTPBlobStore uploads against a blob service that answers PUT with a
// JSON body carrying the public URL.
type HTTPBlobStore struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPBlobStore(baseURL, token string) *HTTPBlobStore {
	return &HTTPBlobStore{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPBlobStore) Upload(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	if s.Client == nil {
		s.Client = &http.Client{Timeout: 30 * time.Second}
	}

	url := fmt.Sprintf("%s/%s", strings.TrimRight(s.BaseURL, "/"), filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return "", fmt.Errorf("blob upload: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.URL == "" {
		// some blob services answer with the request URL implied
		return url, nil
	}
	return decoded.URL, nil
}
