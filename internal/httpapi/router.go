package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/formfind/internal/chat"
	"github.com/suPer8Hu/formfind/internal/common"
	"github.com/suPer8Hu/formfind/internal/config"
	"github.com/suPer8Hu/formfind/internal/httpapi/handlers"
	"github.com/suPer8Hu/formfind/internal/httpapi/middleware"
	"github.com/suPer8Hu/formfind/internal/search"
)

func NewRouter(db *gorm.DB, cfg config.Config, chatSvc *chat.Service, searchClient *search.Client, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(db, cfg, chatSvc, searchClient, log)

	r.GET("/ping", h.Ping)

	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))

	authGroup.POST("/api/chat", h.StreamChatTurn)
	authGroup.DELETE("/api/chat", h.DeleteChat)
	authGroup.GET("/api/chat/:chat_id/messages", h.ListChatMessages)
	authGroup.PATCH("/api/chat/:chat_id/vote", h.VoteMessage)
	authGroup.GET("/api/chat/:chat_id/votes", h.ListVotes)
	authGroup.POST("/api/search/similar-products", h.SimilarProducts)

	return r
}
