package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/formfind/internal/ai"
)

// assistantDirective is prepended to the opening user message of a short
// conversation before it is sent to the model. It is never persisted;
// stored history stays clean of instrumentation.
const assistantDirective = `You are FormFind, a furniture design AI focused on generating visual designs.

PRIMARY FOCUS:
- Generate furniture design images immediately when requested
- Create photorealistic furniture based on user specifications
- Help users find similar purchasable products matching their design interests

APPROACH:
- Prioritize visual output over lengthy explanations
- Generate designs directly without excessive text descriptions
- Only provide detailed design rationales when specifically asked
- Keep responses brief and focused on the visual output

When analyzing user-provided images, identify key design elements and offer relevant shopping suggestions.

Your main goal is to help users visualize furniture designs and find real products to purchase.`

type TurnRequest struct {
	ChatID        string
	Messages      []ai.Message
	SelectedModel string
}

type TurnResult struct {
	ChatID             string
	AssistantMessageID string
	Persisted          bool
}

// Turn is one accepted user turn: chat ensured, user message durable,
// per-chat lock held. Exactly one of Stream or Abort must be called to
// release the lock.
type Turn struct {
	svc     *Service
	userID  uint64
	req     TurnRequest
	chat    *Chat
	userMsg ai.Message
	release func()
}

// mostRecentUserMessage picks "this turn's" input: when the request
// carries several user-role entries, only the last one counts; earlier
// ones are history context.
func mostRecentUserMessage(messages []ai.Message) (ai.Message, int, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == ai.RoleUser {
			return messages[i], i, true
		}
	}
	return ai.Message{}, -1, false
}

// withDirective injects the behavioral directive into the first text part
// of the most recent user message when the visible history is short. It
// works on copies only; the caller's messages are never mutated.
func withDirective(messages []ai.Message) []ai.Message {
	if len(messages) > 2 {
		return messages
	}
	_, idx, ok := mostRecentUserMessage(messages)
	if !ok {
		return messages
	}
	out := append([]ai.Message(nil), messages...)
	msg := out[idx].Clone()
	for i := range msg.Parts {
		if msg.Parts[i].Type == ai.PartText {
			msg.Parts[i].Text = assistantDirective + "\n\nUser says: " + msg.Parts[i].Text
			break
		}
	}
	out[idx] = msg
	return out
}

// BeginTurn runs the pre-generation half of a turn: validate, authorize,
// ensure the chat exists, persist the user message. Authorization happens
// strictly before any write so a stranger can never leak content into
// another owner's chat, and the user message is durable before the first
// gateway call.
func (s *Service) BeginTurn(ctx context.Context, userID uint64, req TurnRequest) (*Turn, error) {
	if req.ChatID == "" {
		return nil, fmt.Errorf("chat id is required")
	}
	userMsg, _, ok := mostRecentUserMessage(req.Messages)
	if !ok {
		return nil, ErrNoUserMessage
	}

	release, err := s.locker.Acquire(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Turn, error) {
		release()
		return nil, err
	}

	chatRow, err := s.repo.GetChatByID(ctx, req.ChatID)
	switch {
	case err == nil:
		if chatRow.UserID != userID {
			return fail(ErrUnauthorized)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		title, terr := s.generateTitle(ctx, userMsg)
		if terr != nil {
			return fail(fmt.Errorf("generate title: %w", terr))
		}
		chatRow = &Chat{ID: req.ChatID, UserID: userID, Title: title, CreatedAt: time.Now()}
		if cerr := s.repo.CreateChat(ctx, chatRow); cerr != nil {
			return fail(cerr)
		}
	default:
		return fail(err)
	}

	if userMsg.ID == "" {
		userMsg.ID = uuid.NewString()
	}
	row, err := NewMessageV2(req.ChatID, userMsg, time.Now())
	if err != nil {
		return fail(err)
	}
	if err := s.repo.InsertMessage(ctx, row); err != nil {
		return fail(err)
	}

	return &Turn{
		svc:     s,
		userID:  userID,
		req:     req,
		chat:    chatRow,
		userMsg: userMsg,
		release: release,
	}, nil
}

// Abort releases the turn without running generation, for callers that
// cannot stream after BeginTurn succeeded. The user message stays
// persisted.
func (t *Turn) Abort() {
	t.release()
}

// Stream runs generation: it reads the gateway's segment sequence once,
// forwarding each segment to the returned channel as it arrives while
// accumulating the same sequence for persistence, then writes the
// assistant message under the gateway's trailing message id. All three
// channels are closed when the turn ends; the stream is never left open.
func (t *Turn) Stream(ctx context.Context) (<-chan ai.Segment, <-chan TurnResult, <-chan error) {
	out := make(chan ai.Segment, 16)
	results := make(chan TurnResult, 1)
	errs := make(chan error, 1)

	go func() {
		defer t.release()
		defer close(errs)
		defer close(results)
		defer close(out)

		genCtx, cancel := context.WithTimeout(ctx, t.svc.turnTimeout)
		defer cancel()

		provider, err := t.svc.registry.Get(genCtx, t.req.SelectedModel)
		if err != nil {
			errs <- err
			return
		}
		sp, ok := provider.(ai.StreamProvider)
		if !ok {
			errs <- fmt.Errorf("model %s does not support streaming", t.req.SelectedModel)
			return
		}

		segCh, respCh, errCh := sp.StreamChat(genCtx, withDirective(t.req.Messages))

		var acc accumulator
		canceled := false
		for seg := range segCh {
			if canceled {
				continue // drain so the provider goroutine can exit
			}
			if d := t.svc.smoothing; d > 0 {
				select {
				case <-time.After(d):
				case <-genCtx.Done():
					canceled = true
					continue
				}
			}
			select {
			case out <- seg:
				acc.add(seg)
			case <-genCtx.Done():
				canceled = true
			}
		}

		if canceled || genCtx.Err() != nil {
			// client gone or turn deadline hit; a half-received response
			// is never written as if complete
			errs <- genCtx.Err()
			return
		}

		// channel-close ordering: once segCh is closed the provider has
		// already settled errCh and respCh
		if err := <-errCh; err != nil {
			errs <- err
			return
		}
		resp := <-respCh

		assistantID := resp.TrailingAssistantID()
		if assistantID == "" {
			// the client already has the content; this is operator-facing only
			t.svc.log.Error("no assistant message in generation response",
				zap.String("chat_id", t.req.ChatID),
				zap.String("model", t.req.SelectedModel))
			t.svc.publish(context.WithoutCancel(ctx), TurnEvent{
				ChatID: t.req.ChatID,
				Kind:   EventAssistantMissing,
			})
			results <- TurnResult{ChatID: t.req.ChatID}
			return
		}

		assistant := ai.Message{
			ID:    assistantID,
			Role:  ai.RoleAssistant,
			Parts: acc.parts,
		}
		if m, ok := resp.TrailingAssistantMessage(); ok {
			assistant.Attachments = m.Attachments
		}

		persistCtx := context.WithoutCancel(ctx)
		row, err := NewMessageV2(t.req.ChatID, assistant, time.Now())
		if err == nil {
			err = t.svc.repo.InsertMessage(persistCtx, row)
		}
		if err != nil {
			// best-effort relative to the already-delivered stream
			t.svc.log.Error("failed to save assistant message",
				zap.String("chat_id", t.req.ChatID),
				zap.String("message_id", assistantID),
				zap.Error(err))
			t.svc.publish(persistCtx, TurnEvent{
				ChatID:    t.req.ChatID,
				MessageID: assistantID,
				Kind:      EventAssistantPersistFailed,
				Error:     err.Error(),
			})
			results <- TurnResult{ChatID: t.req.ChatID}
			return
		}

		t.svc.publish(persistCtx, TurnEvent{
			ChatID:    t.req.ChatID,
			MessageID: assistantID,
			Kind:      EventTurnCompleted,
		})
		results <- TurnResult{
			ChatID:             t.req.ChatID,
			AssistantMessageID: assistantID,
			Persisted:          true,
		}
	}()

	return out, results, errs
}

// accumulator folds the forwarded segment sequence into the parts that
// get persisted, so the stored assistant message always equals what the
// client saw. Adjacent deltas of the same kind coalesce into one part.
type accumulator struct {
	parts []ai.Part
}

func (a *accumulator) add(seg ai.Segment) {
	switch seg.Type {
	case ai.SegmentText, ai.SegmentReasoning:
		partType := ai.PartText
		if seg.Type == ai.SegmentReasoning {
			partType = ai.PartReasoning
		}
		if n := len(a.parts); n > 0 && a.parts[n-1].Type == partType {
			a.parts[n-1].Text += seg.Text
			return
		}
		a.parts = append(a.parts, ai.Part{Type: partType, Text: seg.Text})
	default:
		if seg.Part != nil {
			a.parts = append(a.parts, *seg.Part)
		}
	}
}
