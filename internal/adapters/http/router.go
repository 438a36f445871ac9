// Package http exposes the call controls and the notification stream.
package http

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/app"
	"github.com/dkeye/voicecall/internal/config"
)

const clientTokenKey = "client_token"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware pins every browser to a client id kept in the "ct"
// cookie. The id selects the client's call manager.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func clientID(c *gin.Context) app.ClientID {
	return app.ClientID(c.GetString(clientTokenKey))
}

func SetupRouter(cfg *config.Config, reg *app.Registry) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoiceCallSessions", store))
	r.Use(ClientTokenMiddleware())

	h := &callHandlers{
		reg:     reg,
		events:  cfg.Events,
		limiter: NewStartLimiter(cfg.Limits.StartCalls, cfg.Limits.Interval),
	}

	api := r.Group("/api")
	api.GET("/call", h.snapshot)
	api.DELETE("/call", h.forget)
	api.GET("/call/defaults", h.defaults)
	api.POST("/call/start", h.start)
	api.POST("/call/end", h.end)
	api.GET("/ws/events", h.stream)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
