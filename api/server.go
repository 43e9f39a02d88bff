// Package api exposes the HTTP and websocket surface: order intake,
// book/order queries, the market pulse, the personas collaborator and
// the push event feed.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	cerrors "github.com/tulipex/tulipcore/common/errors"
	"github.com/tulipex/tulipcore/internal/intake"
	"github.com/tulipex/tulipcore/internal/ledger"
	"github.com/tulipex/tulipcore/internal/matching"
	"github.com/tulipex/tulipcore/internal/personas"
)

// BookProvider hands out the live book for a symbol.
type BookProvider interface {
	Book(symbol string) (*matching.Book, bool)
}

// Server wires the gin engine over the core services.
type Server struct {
	gatekeeper *intake.Gatekeeper
	store      *ledger.Store
	books      BookProvider
	registry   *personas.Registry
	hub        *Hub
	symbol     string
	depthCap   int
	logger     *zap.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer builds the router. Call Run to serve.
func NewServer(gatekeeper *intake.Gatekeeper, store *ledger.Store, books BookProvider, registry *personas.Registry, hub *Hub, symbol string, depthCap int, logger *zap.Logger) *Server {
	s := &Server{
		gatekeeper: gatekeeper,
		store:      store,
		books:      books,
		registry:   registry,
		hub:        hub,
		symbol:     symbol,
		depthCap:   depthCap,
		logger:     logger.Named("api"),
	}
	s.engine = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.Default())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/orders", s.submitOrder)
		apiGroup.GET("/orders", s.listOrders)
		apiGroup.DELETE("/orders/:id", s.cancelOrder)
		apiGroup.GET("/book", s.queryBook)
		apiGroup.GET("/pulse", s.marketPulse)

		apiGroup.GET("/personas", s.listPersonas)
		apiGroup.POST("/personas", s.createPersona)
		apiGroup.GET("/personas/:id", s.getPersona)
		apiGroup.PUT("/personas/:id", s.updatePersona)
		apiGroup.DELETE("/personas/:id", s.deletePersona)
	}

	if s.hub != nil {
		router.GET("/ws", s.hub.Serve)
	}
	return router
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("http server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// writeError maps the error taxonomy onto HTTP statuses. Validation and
// not-found surface directly; transient exhaustion reports a retryable
// failure (the caller retries with the same idempotency key, which is
// safe); everything else is a 500.
func writeError(c *gin.Context, err error) {
	switch cerrors.KindOf(err) {
	case cerrors.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case cerrors.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case cerrors.KindDuplicate, cerrors.KindConflict:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case cerrors.KindTransientStorage:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, retry with the same idempotency key"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
