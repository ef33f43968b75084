package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/formfind/internal/ai"
)

type Service struct {
	repo     *Repo
	guard    *Guard
	registry *ai.Registry
	locker   Locker
	events   EventSink
	log      *zap.Logger

	turnTimeout time.Duration
	smoothing   time.Duration
}

// Options carries the orchestration knobs. Zero values fall back to
// sensible defaults; Events may stay nil for rabbit-less deployments.
type Options struct {
	TurnTimeout    time.Duration
	SmoothingDelay time.Duration
	Locker         Locker
	Events         EventSink
	Logger         *zap.Logger
}

func NewService(repo *Repo, registry *ai.Registry, opts Options) *Service {
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 60 * time.Second
	}
	if opts.Locker == nil {
		opts.Locker = NewMemoryLocker()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		repo:        repo,
		guard:       NewGuard(repo),
		registry:    registry,
		locker:      opts.Locker,
		events:      opts.Events,
		log:         opts.Logger,
		turnTimeout: opts.TurnTimeout,
		smoothing:   opts.SmoothingDelay,
	}
}

func (s *Service) publish(ctx context.Context, ev TurnEvent) {
	if s.events == nil {
		return
	}
	ev.At = time.Now()
	if err := s.events.PublishTurnEvent(ctx, ev); err != nil {
		s.log.Warn("publish turn event",
			zap.String("chat_id", ev.ChatID),
			zap.String("kind", ev.Kind),
			zap.Error(err))
	}
}

const titleInstructions = "Generate a short title based on the first message a user " +
	"begins a conversation with. Keep it under 80 characters. Summarize the message. " +
	"Do not use quotes or colons."

// generateTitle derives the permanent chat title from the first user
// message. It runs once, at chat creation; the title never changes after.
func (s *Service) generateTitle(ctx context.Context, userMsg ai.Message) (string, error) {
	p, err := s.registry.Get(ctx, ai.SelectorTitle)
	if err != nil {
		return "", err
	}
	resp, err := p.Chat(ctx, []ai.Message{
		{Role: ai.RoleSystem, Parts: []ai.Part{{Type: ai.PartText, Text: titleInstructions}}},
		{Role: ai.RoleUser, Parts: []ai.Part{{Type: ai.PartText, Text: userMsg.TextContent()}}},
	})
	if err != nil {
		return "", err
	}
	msg, ok := resp.TrailingAssistantMessage()
	if !ok {
		return "", errors.New("title model returned no assistant message")
	}
	title := strings.TrimSpace(strings.Trim(msg.TextContent(), "\"'\n "))
	if title == "" {
		return "", errors.New("title model returned empty title")
	}
	if r := []rune(title); len(r) > 80 {
		title = string(r[:80])
	}
	return title, nil
}

// History returns the normalized message history of an owned chat.
func (s *Service) History(ctx context.Context, userID uint64, chatID string) ([]ai.Message, error) {
	if _, err := s.guard.Authorize(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, chatID)
}

// VoteMessage records explicit user feedback, at most one vote per
// message per chat.
func (s *Service) VoteMessage(ctx context.Context, userID uint64, chatID, messageID string, isUpvoted bool) error {
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}
	if _, err := s.guard.Authorize(ctx, userID, chatID); err != nil {
		return err
	}
	return s.repo.UpsertVote(ctx, &VoteV2{
		ChatID:    chatID,
		MessageID: messageID,
		IsUpvoted: isUpvoted,
	})
}

func (s *Service) ListVotes(ctx context.Context, userID uint64, chatID string) ([]VoteV2, error) {
	if _, err := s.guard.Authorize(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return s.repo.ListVotes(ctx, chatID)
}

// DeleteChat removes an owned chat and cascades over both message and
// vote generations. A second delete of the same id reports ErrNotFound.
func (s *Service) DeleteChat(ctx context.Context, userID uint64, chatID string) error {
	if _, err := s.guard.AuthorizeOwner(ctx, userID, chatID); err != nil {
		return err
	}
	if err := s.repo.DeleteChat(ctx, chatID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
