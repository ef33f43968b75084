package handlers

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/formfind/internal/chat"
	"github.com/suPer8Hu/formfind/internal/config"
	"github.com/suPer8Hu/formfind/internal/httpapi/middleware"
	"github.com/suPer8Hu/formfind/internal/search"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	ChatSvc *chat.Service
	Search  *search.Client
	Log     *zap.Logger
}

func NewHandler(db *gorm.DB, cfg config.Config, chatSvc *chat.Service, searchClient *search.Client, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		DB:      db,
		Cfg:     cfg,
		ChatSvc: chatSvc,
		Search:  searchClient,
		Log:     log,
	}
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func (h *Handler) Ping(c *gin.Context) {
	c.String(200, "pong")
}
