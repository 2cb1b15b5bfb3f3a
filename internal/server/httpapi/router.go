// Package httpapi is the thin JSON API over the intent lifecycle.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/logging"
	"github.com/dmitrijs2005/paykeeper/internal/server/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Options configures the router.
type Options struct {
	JWTSecret      []byte
	IdempotencyTTL time.Duration
	Metrics        *metrics.Metrics
	Logger         logging.Logger
	Tracer         trace.Tracer
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(svc IntentService, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("paykeeper/httpapi")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 15 * time.Minute
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key"},
		ExposeHeaders: []string{ReplayedHeaderName},
		MaxAge:        12 * time.Hour,
	}))
	engine.Use(Observability(opts.Tracer, opts.Logger))
	engine.Use(RequestOrigin())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))

	h := NewIntentHandler(svc)
	idem := cache.New(opts.IdempotencyTTL, 2*opts.IdempotencyTTL)

	v1 := engine.Group("/api/v1")
	v1.Use(RequirePrincipal(opts.JWTSecret, opts.Logger))
	{
		v1.POST("/intents", Idempotency(idem, opts.IdempotencyTTL), h.Create)
		v1.GET("/intents", h.List)
		v1.GET("/intents/:id", h.Get)
		v1.POST("/intents/:id/advance", h.Advance)
		v1.GET("/intents/:id/receipt", h.Receipt)
	}

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody{Error: errorDetail{Code: "not_found", Message: "route not found"}})
	})

	return engine
}

// Server runs the HTTP API until its context is cancelled.
type Server struct {
	srv    *http.Server
	logger logging.Logger
}

func NewServer(addr string, handler http.Handler, l logging.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger: l.With("module", "http_server"),
	}
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Starting HTTP server", "address", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info(ctx, "Stopping HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
