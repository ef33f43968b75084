package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/formfind/internal/ai"
	"github.com/suPer8Hu/formfind/internal/chat"
	"github.com/suPer8Hu/formfind/internal/common"
)

// wireMessage accepts both message generations on the wire: current
// clients send parts, older ones a flat content string.
type wireMessage struct {
	ID          string          `json:"id"`
	Role        string          `json:"role"`
	Parts       []ai.Part       `json:"parts"`
	Content     string          `json:"content"`
	Attachments []ai.Attachment `json:"attachments"`
}

func (w wireMessage) toUI() ai.Message {
	msg := ai.Message{
		ID:          w.ID,
		Role:        w.Role,
		Parts:       w.Parts,
		Attachments: w.Attachments,
	}
	if len(msg.Parts) == 0 && w.Content != "" {
		msg.Parts = []ai.Part{{Type: ai.PartText, Text: w.Content}}
	}
	return msg
}

type turnRequest struct {
	ID                string        `json:"id"`
	Messages          []wireMessage `json:"messages"`
	SelectedChatModel string        `json:"selectedChatModel"`
}

// terminalErrorText formats the text of a terminal error segment: the raw
// string, "Error: <message>" for errors, or a JSON fallback - never an
// empty placeholder.
func terminalErrorText(v any) string {
	switch e := v.(type) {
	case nil:
		return "Unknown error occurred"
	case string:
		return e
	case error:
		return "Error: " + e.Error()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "Unknown error occurred"
		}
		return string(b)
	}
}

// StreamChatTurn accepts one user turn and answers with a live segment
// stream. Setup failures map to plain statuses; anything after streaming
// has started becomes a terminal error event so the client never hangs.
func (h *Handler) StreamChatTurn(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		c.String(http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "Invalid request body")
		return
	}

	messages := make([]ai.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, m.toUI())
	}

	ctx := c.Request.Context()
	turn, err := h.ChatSvc.BeginTurn(ctx, uid, chat.TurnRequest{
		ChatID:        req.ID,
		Messages:      messages,
		SelectedModel: req.SelectedChatModel,
	})
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrNoUserMessage):
			c.String(http.StatusBadRequest, "No user message found")
		case errors.Is(err, chat.ErrUnauthorized):
			c.String(http.StatusUnauthorized, "Unauthorized")
		default:
			h.Log.Error("begin turn",
				zap.String("chat_id", req.ID),
				zap.Uint64("user_id", uid),
				zap.Error(err))
			c.String(http.StatusNotFound, "An error occurred while processing your request!")
		}
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		turn.Abort()
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeEvent := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	segments, results, errs := turn.Stream(ctx)

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	// the terminal outcome can become ready while segment events are still
	// buffered; it is stashed and written only after the segment channel
	// closes, so the client never loses forwarded content to the done event
	var res *chat.TurnResult
	var termErr error

	for segments != nil || (res == nil && termErr == nil && (errs != nil || results != nil)) {
		select {
		case seg, ok := <-segments:
			if !ok {
				segments = nil
				continue
			}
			writeEvent("segment", seg)

		case <-ticker.C:
			writeEvent("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				termErr = err
			}

		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			res = &r

		case <-ctx.Done():
			return
		}
	}

	if termErr != nil {
		writeEvent("error", ai.Segment{
			Type: ai.SegmentError,
			Text: terminalErrorText(termErr),
		})
		return
	}
	if res != nil {
		writeEvent("done", gin.H{
			"type":       "done",
			"message_id": res.AssistantMessageID,
			"persisted":  res.Persisted,
		})
	}
}

// DeleteChat removes a chat and all of its dependents. The statuses keep
// "not yours", "doesn't exist" and "unexpected failure" distinguishable.
func (h *Handler) DeleteChat(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		c.String(http.StatusNotFound, "Not Found")
		return
	}

	uid, ok := userIDFromContext(c)
	if !ok {
		c.String(http.StatusUnauthorized, "Unauthorized")
		return
	}

	err := h.ChatSvc.DeleteChat(c.Request.Context(), uid, id)
	switch {
	case err == nil:
		c.String(http.StatusOK, "Chat deleted")
	case errors.Is(err, chat.ErrUnauthorized):
		c.String(http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, chat.ErrNotFound):
		c.String(http.StatusNotFound, "Not Found")
	default:
		h.Log.Error("delete chat", zap.String("chat_id", id), zap.Error(err))
		c.String(http.StatusInternalServerError, "An error occurred while processing your request!")
	}
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID := c.Param("chat_id")

	msgs, err := h.ChatSvc.History(c.Request.Context(), uid, chatID)
	if err != nil {
		if errors.Is(err, chat.ErrUnauthorized) {
			common.Fail(c, http.StatusUnauthorized, 40102, "unauthorized")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}
	common.OK(c, gin.H{"messages": msgs})
}

type voteRequest struct {
	MessageID string `json:"messageId" binding:"required"`
	Type      string `json:"type" binding:"required"`
}

func (h *Handler) VoteMessage(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID := c.Param("chat_id")

	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Type != "up" && req.Type != "down" {
		common.Fail(c, http.StatusBadRequest, 10002, "type must be up or down")
		return
	}

	err := h.ChatSvc.VoteMessage(c.Request.Context(), uid, chatID, req.MessageID, req.Type == "up")
	if err != nil {
		if errors.Is(err, chat.ErrUnauthorized) {
			common.Fail(c, http.StatusUnauthorized, 40102, "unauthorized")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to record vote")
		return
	}
	common.OK(c, nil)
}

func (h *Handler) ListVotes(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID := c.Param("chat_id")

	votes, err := h.ChatSvc.ListVotes(c.Request.Context(), uid, chatID)
	if err != nil {
		if errors.Is(err, chat.ErrUnauthorized) {
			common.Fail(c, http.StatusUnauthorized, 40102, "unauthorized")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to list votes")
		return
	}
	common.OK(c, gin.H{"votes": votes})
}
