package chat

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/suPer8Hu/formfind/internal/ai"
)

// Chat ids are caller-assigned, so the client can open a stream against a
// conversation before the first turn is persisted.
type Chat struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Title     string    `gorm:"size:255;not null" json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

func (Chat) TableName() string { return "chats" }

// Message is the legacy generation: flat text content. Conversations
// created before the parts schema still reference these rows; new writes
// never target this table.
type Message struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	ChatID    string    `gorm:"size:36;index;not null" json:"chat_id"`
	Role      string    `gorm:"size:16;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// MessageV2 is the current generation: an ordered sequence of typed parts
// plus attachment descriptors, both stored as JSON.
type MessageV2 struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	ChatID      string         `gorm:"size:36;index;not null" json:"chat_id"`
	Role        string         `gorm:"size:16;not null" json:"role"`
	Parts       datatypes.JSON `gorm:"not null" json:"parts"`
	Attachments datatypes.JSON `json:"attachments"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (MessageV2) TableName() string { return "messages_v2" }

type Vote struct {
	ChatID    string `gorm:"primaryKey;size:36" json:"chat_id"`
	MessageID string `gorm:"primaryKey;size:36" json:"message_id"`
	IsUpvoted bool   `gorm:"not null" json:"is_upvoted"`
}

func (Vote) TableName() string { return "votes" }

type VoteV2 struct {
	ChatID    string `gorm:"primaryKey;size:36" json:"chat_id"`
	MessageID string `gorm:"primaryKey;size:36" json:"message_id"`
	IsUpvoted bool   `gorm:"not null" json:"is_upvoted"`
}

func (VoteV2) TableName() string { return "votes_v2" }

// UIMessage normalizes a legacy row into the in-memory shape: the flat
// content becomes a single text part.
func (m Message) UIMessage() ai.Message {
	return ai.Message{
		ID:    m.ID,
		Role:  m.Role,
		Parts: []ai.Part{{Type: ai.PartText, Text: m.Content}},
	}
}

func (m MessageV2) UIMessage() (ai.Message, error) {
	out := ai.Message{ID: m.ID, Role: m.Role}
	if len(m.Parts) > 0 {
		if err := json.Unmarshal(m.Parts, &out.Parts); err != nil {
			return ai.Message{}, err
		}
	}
	if len(m.Attachments) > 0 {
		if err := json.Unmarshal(m.Attachments, &out.Attachments); err != nil {
			return ai.Message{}, err
		}
	}
	return out, nil
}

// NewMessageV2 builds a current-generation row from the normalized shape.
func NewMessageV2(chatID string, msg ai.Message, at time.Time) (*MessageV2, error) {
	msgParts := msg.Parts
	if msgParts == nil {
		msgParts = []ai.Part{}
	}
	parts, err := json.Marshal(msgParts)
	if err != nil {
		return nil, err
	}
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []ai.Attachment{}
	}
	atts, err := json.Marshal(attachments)
	if err != nil {
		return nil, err
	}
	return &MessageV2{
		ID:          msg.ID,
		ChatID:      chatID,
		Role:        msg.Role,
		Parts:       datatypes.JSON(parts),
		Attachments: datatypes.JSON(atts),
		CreatedAt:   at,
	}, nil
}
