package http

import (
	"github.com/gin-gonic/gin"
	"github.com/gymflow/credits-service/internal/config"
	"github.com/gymflow/credits-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(credits *service.CreditService, summary *service.SummaryService, rl config.RateLimitConfig, auth config.AuthConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	r.Use(AuthMiddleware(auth.Secret))
	RegisterHandlers(r, credits, summary)
	return r
}
