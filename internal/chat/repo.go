package chat

import (
	"context"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/formfind/internal/ai"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateChat(ctx context.Context, c *Chat) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) GetChatByID(ctx context.Context, id string) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) InsertMessage(ctx context.Context, m *MessageV2) error {
	return r.db.WithContext(ctx).Create(m).Error
}

type datedMessage struct {
	msg ai.Message
	at  int64
	gen int // legacy rows sort before v2 rows at equal timestamps
}

// ListHistory returns the chat's messages across both storage generations,
// normalized and ordered oldest to newest.
func (r *Repo) ListHistory(ctx context.Context, chatID string) ([]ai.Message, error) {
	var legacy []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Find(&legacy).Error; err != nil {
		return nil, err
	}

	var current []MessageV2
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Find(&current).Error; err != nil {
		return nil, err
	}

	merged := make([]datedMessage, 0, len(legacy)+len(current))
	for _, m := range legacy {
		merged = append(merged, datedMessage{msg: m.UIMessage(), at: m.CreatedAt.UnixNano(), gen: 1})
	}
	for _, m := range current {
		ui, err := m.UIMessage()
		if err != nil {
			return nil, err
		}
		merged = append(merged, datedMessage{msg: ui, at: m.CreatedAt.UnixNano(), gen: 2})
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].at != merged[j].at {
			return merged[i].at < merged[j].at
		}
		return merged[i].gen < merged[j].gen
	})

	out := make([]ai.Message, 0, len(merged))
	for _, m := range merged {
		out = append(out, m.msg)
	}
	return out, nil
}

// UpsertVote writes at most one vote per (chat, message), overwriting the
// direction on conflict. New votes always target the current generation.
func (r *Repo) UpsertVote(ctx context.Context, v *VoteV2) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_id"}, {Name: "message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_upvoted"}),
		}).
		Create(v).Error
}

func (r *Repo) ListVotes(ctx context.Context, chatID string) ([]VoteV2, error) {
	var votes []VoteV2
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Find(&votes).Error; err != nil {
		return nil, err
	}
	return votes, nil
}

// DeleteChat removes the chat and every dependent row in both schema
// generations inside one transaction. Deleting an absent chat reports
// gorm.ErrRecordNotFound, never success.
func (r *Repo) DeleteChat(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c Chat
		if err := tx.First(&c, "id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", id).Delete(&Vote{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", id).Delete(&VoteV2{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", id).Delete(&MessageV2{}).Error; err != nil {
			return err
		}
		return tx.Delete(&c).Error
	})
}
