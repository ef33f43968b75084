package ai

import "context"

const (
	SegmentText       = "text"
	SegmentReasoning  = "reasoning"
	SegmentImage      = "image"
	SegmentToolCall   = "tool-call"
	SegmentToolResult = "tool-result"
	SegmentError      = "error"
)

// Segment is one incremental unit of model output. Text and reasoning
// segments carry deltas in Text; structured segments carry a full Part.
type Segment struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Part *Part  `json:"part,omitempty"`
}

// Response is the generation metadata, available only after the segment
// stream has been fully drained.
type Response struct {
	Messages []Message `json:"messages"`
}

// TrailingAssistantID returns the id of the last assistant-authored entry,
// or "" when the response carries none.
func (r *Response) TrailingAssistantID() string {
	if r == nil {
		return ""
	}
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleAssistant {
			return r.Messages[i].ID
		}
	}
	return ""
}

// TrailingAssistantMessage returns the last assistant-authored entry.
func (r *Response) TrailingAssistantMessage() (Message, bool) {
	if r == nil {
		return Message{}, false
	}
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleAssistant {
			return r.Messages[i], true
		}
	}
	return Message{}, false
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (*Response, error)
}

// StreamProvider is an optional interface. Providers may implement
// incremental generation. Segments arrive in emission order; the response
// metadata is delivered once, after the segment channel closes. All three
// channels are closed when streaming ends.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan Segment, <-chan *Response, <-chan error)
}
