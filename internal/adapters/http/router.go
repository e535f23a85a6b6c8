package http

import (
	"context"
	stdhttp "net/http"
	"strings"

	"github.com/dkeye/Streamer/internal/adapters/signal"
	"github.com/dkeye/Streamer/internal/app/orch"
	"github.com/dkeye/Streamer/internal/config"
	"github.com/dkeye/Streamer/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "ct"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser a stable token kept in the
// session cookie. It only labels logs.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			s.Set(clientTokenKey, token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save client token")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type streamQuery struct {
	URL     string `form:"url" binding:"required"`
	Profile string `form:"profile"`
}

// transcodeParam: an absent parameter means the configured default,
// otherwise only "true" (any case) enables transcoding, an empty value
// included.
func transcodeParam(c *gin.Context, def bool) bool {
	raw, ok := c.GetQuery("transcode")
	if !ok {
		return def
	}
	return strings.EqualFold(raw, "true")
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("StreamerSessions", store))
	r.Use(ClientTokenMiddleware())

	ctrl := signal.NewSignalWSController(o, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		StunServer: cfg.StunServer,
		Limiter:    signal.NewStartRateLimiter(cfg.StartLimit, cfg.StartInterval),
	})

	log.Info().Str("module", "adapters.http").Int64("read_limit", cfg.ReadLimit).Dur("ping_period", cfg.PingPeriod).Msg("router setup")

	r.GET("/stream", func(c *gin.Context) {
		var q streamQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("stream endpoint without url")
			c.JSON(stdhttp.StatusBadRequest, gin.H{"error": "url query parameter is required"})
			return
		}
		ctrl.HandleSignal(ctx, c, signal.VariantQuery, domain.StreamRequest{
			SourceURL: q.URL,
			Profile:   q.Profile,
			Transcode: transcodeParam(c, cfg.TranscodeDefault),
		})
	})

	r.GET("/rtsp", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c, signal.VariantInBand, domain.StreamRequest{
			Profile:   c.Query("profile"),
			Transcode: transcodeParam(c, cfg.TranscodeDefault),
		})
	})

	r.GET("/webrtc", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c, signal.VariantLoopback, domain.StreamRequest{})
	})

	api := r.Group("/api")
	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(stdhttp.StatusOK, gin.H{
			"active":   o.Registry.Count(),
			"sessions": o.Registry.Snapshot(),
		})
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(stdhttp.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
