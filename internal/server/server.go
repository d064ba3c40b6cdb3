// Package server is the operator HTTP surface. It only reads engine state
// or asks an engine to reset or resync; it never touches a book directly.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"depthsync/internal/logger"
	"depthsync/internal/orderbook"
)

const (
	HeaderRequestID = "X-Request-ID"

	defaultDepthLimit = 20
	maxDepthLimit     = 5000
	shutdownTimeout   = 5 * time.Second
)

type Server struct {
	registry *orderbook.Registry
	engine   *gin.Engine
}

func New(registry *orderbook.Registry) *Server {
	s := &Server{registry: registry}

	r := gin.New()
	r.Use(requestID(), accessLog(), recoverer())
	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	sym := r.Group("/symbols")
	sym.GET("", s.listSymbols)
	sym.GET("/:symbol/status", s.status)
	sym.GET("/:symbol/depth", s.depth)
	sym.POST("/:symbol/reset", s.reset)
	sym.POST("/:symbol/resync", s.resync)

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on a unix socket or TCP address until ctx is
// cancelled. A stale socket file is removed first and the new one is
// restricted to the current user.
func (s *Server) ListenAndServe(ctx context.Context, network, addr string) error {
	if network == "unix" {
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	if network == "unix" {
		defer os.Remove(addr)
		if err := os.Chmod(addr, 0o600); err != nil {
			ln.Close()
			return err
		}
	}

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info(ctx, "operator http listening", zap.String("network", network), zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	reports, err := s.registry.Statuses(c.Request.Context())
	if err != nil {
		fail(c, http.StatusServiceUnavailable, err)
		return
	}
	ready := 0
	for _, r := range reports {
		if r.Ready {
			ready++
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "symbols": len(reports), "ready": ready})
}

func (s *Server) listSymbols(c *gin.Context) {
	reports, err := s.registry.Statuses(c.Request.Context())
	if err != nil {
		fail(c, http.StatusServiceUnavailable, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

func (s *Server) status(c *gin.Context) {
	e, ok := s.lookup(c)
	if !ok {
		return
	}
	st, err := e.Status(c.Request.Context())
	if err != nil {
		fail(c, engineErrStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// depth serves a top-N view only while the book is READY; otherwise the
// current status is returned with 503 so callers never consume a book that
// is being rebuilt.
func (s *Server) depth(c *gin.Context) {
	e, ok := s.lookup(c)
	if !ok {
		return
	}
	limit := defaultDepthLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxDepthLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and " + strconv.Itoa(maxDepthLimit)})
			return
		}
		limit = n
	}

	d, err := e.Depth(c.Request.Context(), limit)
	if err != nil {
		fail(c, engineErrStatus(err), err)
		return
	}
	if d.Status != orderbook.StatusReady {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "book not ready", "status": d.Status})
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) reset(c *gin.Context) {
	s.command(c, "reset", (*orderbook.Engine).Reset)
}

func (s *Server) resync(c *gin.Context) {
	s.command(c, "resync", (*orderbook.Engine).Resync)
}

func (s *Server) command(c *gin.Context, name string, fn func(*orderbook.Engine, context.Context) error) {
	e, ok := s.lookup(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := fn(e, ctx); err != nil {
		fail(c, engineErrStatus(err), err)
		return
	}
	logger.Info(ctx, "operator command", zap.String("command", name), zap.String("symbol", e.Symbol()))

	st, err := e.Status(ctx)
	if err != nil {
		fail(c, engineErrStatus(err), err)
		return
	}
	c.JSON(http.StatusAccepted, st)
}

func (s *Server) lookup(c *gin.Context) (*orderbook.Engine, bool) {
	e, ok := s.registry.Engine(c.Param("symbol"))
	if !ok {
		fail(c, http.StatusNotFound, orderbook.ErrUnknownSymbol)
		return nil, false
	}
	return e, true
}

func engineErrStatus(err error) int {
	if errors.Is(err, orderbook.ErrEngineClosed) {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"error": err.Error()})
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(HeaderRequestID, rid)
		c.Request = c.Request.WithContext(logger.WithTrace(c.Request.Context(), rid))
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug(c.Request.Context(), "http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func recoverer() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(c.Request.Context(), "http panic",
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic", r))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
