// ============================================================================
// SceneScape HTTP Server - 任務 REST API
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 以 gin 對外提供任務提交、查詢、取消與即時推送
//
// 路由:
//   POST /api/tasks              依 kind 提交任務，202 {"id": ...}
//   GET  /api/tasks              列表（status, limit, offset）
//   GET  /api/tasks/stats        Controller 統計
//   GET  /api/tasks/history      已封存的任務（需設定 history）
//   GET  /api/tasks/:id          單一任務
//   POST /api/tasks/:id/cancel   取消任務
//   GET  /ws/tasks               WebSocket 即時推送
//   GET  /metrics                Prometheus（有 Collector 時）
//   GET  /posters/*, /backdrops/* 圖片快取（有 ImageDir 時）
//   GET  /health                 健康檢查
//
// 錯誤格式: {"error": "..."}
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/scenescape/internal/controller"
	"github.com/ChuLiYu/scenescape/internal/metrics"
	"github.com/ChuLiYu/scenescape/internal/tasks"
	"github.com/ChuLiYu/scenescape/pkg/types"
)

// DefaultHistoryLimit /api/tasks/history 未指定 limit 時的筆數
const DefaultHistoryLimit = 50

// Options 選用元件
type Options struct {
	Metrics  *metrics.Collector // nil 表示不提供 /metrics
	ImageDir string             // 圖片快取目錄，非空時提供 /posters 與 /backdrops
	Logger   logrus.FieldLogger
}

// Server HTTP 服務
type Server struct {
	controller *controller.Controller
	catalog    *tasks.Catalog
	metrics    *metrics.Collector
	hub        *Hub
	imageDir   string
	router     *gin.Engine
	log        logrus.FieldLogger
}

// NewServer 建立服務並註冊路由
func NewServer(ctrl *controller.Controller, catalog *tasks.Catalog, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		controller: ctrl,
		catalog:    catalog,
		metrics:    opts.Metrics,
		imageDir:   opts.ImageDir,
		log:        logger.WithField("component", "http"),
	}
	s.hub = NewHub(ctrl, logger)
	s.router = s.routes()
	return s
}

// Handler 返回 http.Handler（測試用）
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub 返回 WebSocket Hub
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.health)

	api := r.Group("/api/tasks")
	{
		api.POST("", s.submitTask)
		api.GET("", s.listTasks)
		api.GET("/stats", s.stats)
		api.GET("/history", s.history)
		api.GET("/:id", s.getTask)
		api.POST("/:id/cancel", s.cancelTask)
	}

	r.GET("/ws/tasks", s.hub.ServeWS)

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	if s.imageDir != "" {
		for _, kind := range []string{tasks.ImagePoster, tasks.ImageBackdrop} {
			r.Static("/"+kind+"s", filepath.Join(s.imageDir, kind+"s"))
		}
	}
	return r
}

// Run 監聽 addr 直到 ctx 結束，然後優雅關閉
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		return err
	case <-ctx.Done():
	}

	// 先關閉 WebSocket，Shutdown 不會等待已劫持的連線
	s.hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("HTTP server stopped")
	return nil
}

// requestLogger 以 logrus 記錄每個請求
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		})
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("Request failed")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("Request rejected")
		default:
			entry.Debug("Request handled")
		}
	}
}

func abort(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, errorResponse{Error: err.Error()})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"workers_running": s.controller.Stats().Running,
	})
}

// submitTask 依 kind 提交任務
func (s *Server) submitTask(c *gin.Context) {
	var req tasks.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	id, err := s.catalog.Submit(s.controller, req)
	switch {
	case err == nil:
	case errors.Is(err, tasks.ErrUnknownKind),
		errors.Is(err, tasks.ErrInvalidParams),
		errors.Is(err, controller.ErrInvalidJobID):
		abort(c, http.StatusBadRequest, err)
		return
	default:
		s.log.WithError(err).WithField("kind", req.Kind).Error("Task submission failed")
		abort(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) listTasks(c *gin.Context) {
	var opts controller.ListOptions

	if raw := c.Query("status"); raw != "" {
		status, ok := types.ParseStatus(raw)
		if !ok {
			abort(c, http.StatusBadRequest, errors.New("invalid status: "+raw))
			return
		}
		opts.Status = status
	}

	var err error
	if opts.Limit, err = intQuery(c, "limit", 0); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if opts.Offset, err = intQuery(c, "offset", 0); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	jobs := s.controller.List(opts)
	c.JSON(http.StatusOK, gin.H{
		"tasks": newJobViews(jobs, time.Now()),
		"count": len(jobs),
	})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.controller.Stats())
}

func (s *Server) history(c *gin.Context) {
	store := s.controller.History()
	if store == nil {
		abort(c, http.StatusNotFound, errors.New("task history is not configured"))
		return
	}

	limit, err := intQuery(c, "limit", DefaultHistoryLimit)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	jobs, err := store.Recent(c.Request.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to read task history")
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks": newJobViews(jobs, time.Now()),
		"count": len(jobs),
	})
}

func (s *Server) getTask(c *gin.Context) {
	job, ok := s.controller.Get(types.JobID(c.Param("id")))
	if !ok {
		abort(c, http.StatusNotFound, errors.New("task not found"))
		return
	}
	c.JSON(http.StatusOK, newJobView(job, time.Now()))
}

func (s *Server) cancelTask(c *gin.Context) {
	id := types.JobID(c.Param("id"))
	if _, ok := s.controller.Get(id); !ok {
		abort(c, http.StatusNotFound, errors.New("task not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": s.controller.Cancel(id)})
}

// intQuery 讀取非負整數參數
func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key + ": " + raw)
	}
	return n, nil
}
