package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hollis-ng/research-chat/internal/cache"
	"github.com/hollis-ng/research-chat/internal/common"
	"github.com/hollis-ng/research-chat/internal/config"
	"github.com/hollis-ng/research-chat/internal/httpapi/handlers"
	"github.com/hollis-ng/research-chat/internal/httpapi/middleware"
	"github.com/hollis-ng/research-chat/internal/store/rabbitmq"
	"gorm.io/gorm"
)

func NewRouter(db *gorm.DB, cfg config.Config, store cache.Store, rabbit *rabbitmq.Publisher) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, store, rabbit)

	r.GET("/ping", h.Ping)

	// users register + login
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// Chat (JWT required)
	authGroup.POST("/chat", h.SendChatMessage)
	authGroup.POST("/chat/async", h.SendChatMessageAsync)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)
	authGroup.GET("/chat/:chat_id", h.GetChat)
	authGroup.GET("/chat/:chat_id/streams", h.GetChatStreams)
	authGroup.GET("/history", h.ListChats)
	return r
}
