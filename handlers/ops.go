// Package handlers serves the operational HTTP endpoints of the railflow
// processes.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type OpsHandler struct {
	status func() any
	checks map[string]Check
}

func NewOpsHandler(status func() any, checks map[string]Check) *OpsHandler {
	if checks == nil {
		checks = map[string]Check{}
	}
	return &OpsHandler{status: status, checks: checks}
}

func (h *OpsHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN", "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func (h *OpsHandler) Status(c *gin.Context) {
	if h.status == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, h.status())
}

func NewRouter(h *OpsHandler, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger))

	router.GET("/health", h.Health)
	router.GET("/status", h.Status)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// Serve runs router on port until ctx is cancelled.
func Serve(ctx context.Context, port int, router http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
