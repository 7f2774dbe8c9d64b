package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/usageledger/internal/config"
	"github.com/smallbiznis/usageledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/usageledger/internal/observability/logger"
	obstracing "github.com/smallbiznis/usageledger/internal/observability/tracing"
	"github.com/smallbiznis/usageledger/internal/pipeline"
	"github.com/smallbiznis/usageledger/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// RunReader is the read side of run history.
type RunReader interface {
	ListRuns(ctx context.Context, req pipeline.ListRunsRequest) (*pipeline.ListRunsResponse, error)
	GetRun(ctx context.Context, id string) (*pipeline.RunView, error)
}

// Limiter takes one token from a shared bucket.
type Limiter interface {
	Take(ctx context.Context, key string, rate float64, burst int) (bool, time.Duration, error)
}

type Server struct {
	engine  *gin.Engine
	cfg     config.Config
	log     *zap.Logger
	runs    RunReader
	limiter Limiter
}

type ServerParams struct {
	fx.In

	Gin    *gin.Engine
	Cfg    config.Config
	Log    *zap.Logger
	Runs   *pipeline.Query
	Bucket *ratelimit.TokenBucket `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	var limiter Limiter
	if p.Bucket != nil {
		limiter = p.Bucket
	}
	return New(p.Gin, p.Cfg, p.Log, p.Runs, limiter)
}

// New registers the ops routes on engine. limiter may be nil.
func New(engine *gin.Engine, cfg config.Config, log *zap.Logger, runs RunReader, limiter Limiter) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Server{
		engine:  engine,
		cfg:     cfg,
		log:     log.Named("server"),
		runs:    runs,
		limiter: limiter,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.APIRateLimit())

	api.GET("/runs", s.ListRuns)
	api.GET("/runs/:id", s.GetRun)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
