package http

import (
	"github.com/gin-gonic/gin"
	"github.com/moltbank/teller-service/internal/config"
	"github.com/moltbank/teller-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(queue *service.QueueService, referral *service.ReferralService, cfg *config.Config, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	RegisterHandlers(r, queue, referral, cfg)
	return r
}
