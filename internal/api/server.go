package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"btc-scalper/audit"
	"btc-scalper/internal/engine"
	"btc-scalper/order"
	"btc-scalper/risk"
)

// StatusSource 运行状态来源，通常是 *engine.Engine。
type StatusSource interface {
	Status() engine.Status
}

// Shutdowner 紧急停机入口，通常是 *order.EmergencyShutdown。
type Shutdowner interface {
	Execute(ctx context.Context, reason string) order.ShutdownReport
}

// Deps 运维接口依赖。Audit 和 Metrics 可为 nil。
type Deps struct {
	Status    StatusSource
	Kill      *risk.KillSwitch
	Emergency Shutdowner
	Audit     *audit.Ring
	Metrics   http.Handler
}

// Server 运维 HTTP 接口：状态查询、熔断开关、紧急停机、审计与指标。
type Server struct {
	Router *gin.Engine
	deps   Deps
	logger *zap.Logger
}

type killRequest struct {
	Reason string `json:"reason"`
}

type releaseRequest struct {
	Token string `json:"token" binding:"required"`
}

// NewServer 创建并注册路由。
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	s := &Server{Router: r, deps: deps, logger: logger}
	s.routes()
	return s
}

// Handler 供 http.Server 使用。
func (s *Server) Handler() http.Handler { return s.Router }

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)
	s.Router.GET("/status", s.status)
	s.Router.GET("/audit/recent", s.recentAudit)
	if s.deps.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	ops := s.Router.Group("/kill")
	{
		ops.GET("", s.killState)
		ops.POST("", s.activateKill)
		ops.POST("/release", s.releaseKill)
	}
	s.Router.POST("/emergency", s.emergency)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("api request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": msg}})
}

func (s *Server) health(c *gin.Context) {
	st := s.deps.Status.Status()
	code := http.StatusOK
	if st.State != engine.StateRunning.String() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"state":      st.State,
		"bookReady":  st.BookReady,
		"killSwitch": st.KillSwitch.Active,
	})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Status.Status())
}

func (s *Server) killState(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Kill.State())
}

func (s *Server) activateKill(c *gin.Context) {
	var req killRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator halt"
	}
	activated := s.deps.Kill.Activate(risk.TriggerManual, req.Reason)
	s.logger.Warn("kill switch requested via api",
		zap.String("reason", req.Reason),
		zap.Bool("activated", activated))
	c.JSON(http.StatusOK, gin.H{"activated": activated, "state": s.deps.Kill.State()})
}

func (s *Server) releaseKill(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", "token required")
		return
	}
	if !s.deps.Kill.IsActive() {
		respondError(c, http.StatusConflict, "not_active", "kill switch is not active")
		return
	}
	if !s.deps.Kill.Deactivate(req.Token) {
		// 令牌错误与冷却中不区分
		respondError(c, http.StatusForbidden, "rejected", "bad token or cooldown not elapsed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.deps.Kill.State()})
}

func (s *Server) emergency(c *gin.Context) {
	var req killRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	rep := s.deps.Emergency.Execute(c.Request.Context(), req.Reason)
	s.logger.Error("emergency shutdown via api",
		zap.String("reason", rep.Reason),
		zap.Int("cancelled", rep.CancelledOrders),
		zap.String("flatten_order", rep.FlattenOrderID))
	c.JSON(http.StatusOK, rep)
}

func (s *Server) recentAudit(c *gin.Context) {
	if s.deps.Audit == nil {
		c.JSON(http.StatusOK, gin.H{"total": 0, "records": []audit.Record{}})
		return
	}
	n := 20
	if raw := c.Query("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			respondError(c, http.StatusBadRequest, "bad_request", "n must be a positive integer")
			return
		}
		n = v
	}
	c.JSON(http.StatusOK, gin.H{
		"total":   s.deps.Audit.Total(),
		"records": s.deps.Audit.Recent(n),
	})
}
