package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

type openRouterMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterChatReq struct {
	Model    string          `json:"model"`
	Messages []openRouterMsg `json:"messages"`
	Stream   bool            `json:"stream"`
}

type openRouterImage struct {
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message struct {
			Role      string            `json:"role"`
			Content   string            `json:"content"`
			Reasoning string            `json:"reasoning,omitempty"`
			Images    []openRouterImage `json:"images,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openRouterStreamResp struct {
	Choices []struct {
		Delta struct {
			Content   string            `json:"content"`
			Reasoning string            `json:"reasoning,omitempty"`
			Images    []openRouterImage `json:"images,omitempty"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func toOpenRouterMsgs(messages []Message) []openRouterMsg {
	out := make([]openRouterMsg, 0, len(messages))
	for _, m := range messages {
		out = append(out, openRouterMsg{Role: m.Role, Content: m.TextContent()})
	}
	return out
}

func (p *OpenRouterProvider) validate() error {
	if p.Client == nil {
		return errors.New("openrouter: http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return errors.New("openrouter: api key is required")
	}
	if strings.TrimSpace(p.Model) == "" {
		return errors.New("openrouter: model is required")
	}
	return nil
}

func (p *OpenRouterProvider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		req.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		req.Header.Set("X-Title", p.AppName)
	}
	return req, nil
}

func openRouterHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("openrouter: %s", msg)
}

func (p *OpenRouterProvider) Chat(ctx context.Context, messages []Message) (*Response, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	b, err := json.Marshal(openRouterChatReq{
		Model:    strings.TrimSpace(p.Model),
		Stream:   false,
		Messages: toOpenRouterMsgs(messages),
	})
	if err != nil {
		return nil, err
	}

	req, err := p.newRequest(ctx, b)
	if err != nil {
		return nil, err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, openRouterHTTPError(resp)
	}

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("openrouter: empty response")
	}

	msg := decoded.Choices[0].Message
	var parts []Part
	if msg.Reasoning != "" {
		parts = append(parts, Part{Type: PartReasoning, Text: msg.Reasoning})
	}
	if msg.Content != "" {
		parts = append(parts, Part{Type: PartText, Text: msg.Content})
	}
	for _, img := range msg.Images {
		parts = append(parts, Part{Type: PartImage, Image: img.ImageURL.URL})
	}
	return assistantResponse(parts), nil
}

// StreamChat streams assistant content, reasoning and image segments via
// SSE, then delivers the response metadata.
func (p *OpenRouterProvider) StreamChat(ctx context.Context, messages []Message) (<-chan Segment, <-chan *Response, <-chan error) {
	segments := make(chan Segment, 16)
	resps := make(chan *Response, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(segments)
		defer close(resps)
		defer close(errs)

		if err := p.validate(); err != nil {
			errs <- err
			return
		}

		b, err := json.Marshal(openRouterChatReq{
			Model:    strings.TrimSpace(p.Model),
			Stream:   true,
			Messages: toOpenRouterMsgs(messages),
		})
		if err != nil {
			errs <- err
			return
		}

		req, err := p.newRequest(ctx, b)
		if err != nil {
			errs <- err
			return
		}

		if p.Client.Timeout < 30*time.Second {
			p.Client.Timeout = 0
		}

		resp, err := p.Client.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- openRouterHTTPError(resp)
			return
		}

		var content, reasoning strings.Builder
		var images []Part

		emit := func(seg Segment) bool {
			select {
			case segments <- seg:
				return true
			case <-ctx.Done():
				errs <- ctx.Err()
				return false
			}
		}

		finish := func() {
			var parts []Part
			if reasoning.Len() > 0 {
				parts = append(parts, Part{Type: PartReasoning, Text: reasoning.String()})
			}
			if content.Len() > 0 {
				parts = append(parts, Part{Type: PartText, Text: content.String()})
			}
			parts = append(parts, images...)
			resps <- assistantResponse(parts)
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				finish()
				return
			}
			var decoded openRouterStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				errs <- err
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- errors.New(decoded.Error.Message)
				return
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			delta := decoded.Choices[0].Delta
			if delta.Reasoning != "" {
				reasoning.WriteString(delta.Reasoning)
				if !emit(Segment{Type: SegmentReasoning, Text: delta.Reasoning}) {
					return
				}
			}
			if delta.Content != "" {
				content.WriteString(delta.Content)
				if !emit(Segment{Type: SegmentText, Text: delta.Content}) {
					return
				}
			}
			for _, img := range delta.Images {
				part := Part{Type: PartImage, Image: img.ImageURL.URL}
				images = append(images, part)
				if !emit(Segment{Type: SegmentImage, Part: &part}) {
					return
				}
			}
		}

		if err := sc.Err(); err != nil {
			errs <- err
			return
		}

		finish()
	}()

	return segments, resps, errs
}
