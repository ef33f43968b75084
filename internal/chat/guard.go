package chat

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotFound      = errors.New("chat not found")
	ErrNoUserMessage = errors.New("no user message found")
)

// Guard resolves chat access strictly through the chat's recorded owner.
type Guard struct {
	repo *Repo
}

func NewGuard(repo *Repo) *Guard {
	return &Guard{repo: repo}
}

// Authorize loads the chat and checks ownership. Not-found and
// owned-by-someone-else both come back as ErrUnauthorized so callers
// cannot probe for chat existence.
func (g *Guard) Authorize(ctx context.Context, userID uint64, chatID string) (*Chat, error) {
	c, err := g.repo.GetChatByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrUnauthorized
	}
	return c, nil
}

// AuthorizeOwner is the deletion-path variant: it distinguishes an absent
// chat (ErrNotFound) from one owned by someone else (ErrUnauthorized), so
// repeated deletes report not-found instead of a benign success.
func (g *Guard) AuthorizeOwner(ctx context.Context, userID uint64, chatID string) (*Chat, error) {
	c, err := g.repo.GetChatByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrUnauthorized
	}
	return c, nil
}
