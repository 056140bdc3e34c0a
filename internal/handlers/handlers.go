package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/navi-crwn/pixelhop-sub000/internal/admission"
	"github.com/navi-crwn/pixelhop-sub000/internal/config"
	"github.com/navi-crwn/pixelhop-sub000/internal/fetch"
	"github.com/navi-crwn/pixelhop-sub000/internal/ingest"
	"github.com/navi-crwn/pixelhop-sub000/internal/metastore"
	"github.com/navi-crwn/pixelhop-sub000/internal/middleware"
	"github.com/navi-crwn/pixelhop-sub000/internal/retention"
	"github.com/navi-crwn/pixelhop-sub000/internal/security"
)

type Ingester interface {
	Ingest(ctx context.Context, in ingest.Input) (ingest.Result, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (fetch.Result, error)
}

type Sweeper interface {
	Run(ctx context.Context) (retention.Summary, error)
}

// Deps are the collaborators behind the HTTP surface. Cache may be nil when
// redis is not configured.
type Deps struct {
	Pipeline  Ingester
	Store     metastore.Store
	Fetcher   Fetcher
	Admission admission.Checker
	Sweeper   Sweeper
	Cache     *redis.Client
}

type HandlerSet struct {
	log       zerolog.Logger
	cfg       *config.AppConfig
	pipeline  Ingester
	store     metastore.Store
	fetcher   Fetcher
	admission admission.Checker
	sweeper   Sweeper
	cache     *redis.Client
}

func NewHandlerSet(log zerolog.Logger, cfg *config.AppConfig, deps Deps) HandlerSet {
	checker := deps.Admission
	if checker == nil {
		checker = admission.AllowAll{}
	}
	return HandlerSet{
		log:       log.With().Str("component", "http").Logger(),
		cfg:       cfg,
		pipeline:  deps.Pipeline,
		store:     deps.Store,
		fetcher:   deps.Fetcher,
		admission: checker,
		sweeper:   deps.Sweeper,
		cache:     deps.Cache,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")

	images := v1.Group("/images")
	images.POST("", middleware.BodyLimit(h.cfg.HTTP.MaxUploadBytes), h.UploadImage)
	images.POST("/url", middleware.BodyLimit(64<<10), h.UploadFromURL)
	images.GET("/:id", h.GetImage)

	admin := v1.Group("/admin")
	admin.Use(
		middleware.AdminAuth(h.cfg.Security.AdminJWTSecret),
		middleware.RequireScope(security.AdminScope),
	)
	admin.POST("/sweep", h.AdminSweep)
}
