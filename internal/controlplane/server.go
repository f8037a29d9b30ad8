package controlplane

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/internal/events"
	"github.com/betbot/perpmm/internal/ports"
	"github.com/betbot/perpmm/internal/risk"
)

var log = logrus.WithField("component", "controlplane")

// Config 控制面依赖
type Config struct {
	// Status 返回可并发读取的状态快照
	Status func() any
	// Sink 暂停/恢复以 Control 事件送回主循环
	Sink    ports.EventSink
	Breaker *risk.CircuitBreaker
	// Token 非空时要求请求头 Authorization: Bearer <token>（只作用于写操作）
	Token string
}

// Server 做市器的 HTTP 控制面：查看状态、暂停/恢复报价、紧急停机
type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg}
}

type controlRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)

	api.POST("/pause", s.auth, s.handleControl(true))
	api.POST("/resume", s.auth, s.handleControl(false))
	api.POST("/halt", s.auth, s.handleHalt)
	return r
}

func (s *Server) auth(c *gin.Context) {
	if s.cfg.Token == "" {
		return
	}
	if c.GetHeader("Authorization") != "Bearer "+s.cfg.Token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.cfg.Status == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.cfg.Status())
}

func (s *Server) handleControl(paused bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req controlRequest
		_ = c.ShouldBindJSON(&req)
		if req.Reason == "" {
			req.Reason = "api"
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		ev := events.Control{Paused: paused, Reason: req.Reason, Timestamp: time.Now()}
		if err := s.cfg.Sink.Publish(ctx, ev); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		log.Infof("控制指令: paused=%v reason=%s from=%s", paused, req.Reason, c.ClientIP())
		c.JSON(http.StatusAccepted, gin.H{"paused": paused})
	}
}

// handleHalt 打开断路器，主循环在下一次唤醒时撤单并退出
func (s *Server) handleHalt(c *gin.Context) {
	s.cfg.Breaker.Halt()
	log.Warnf("⚠️ 收到紧急停机指令 from=%s", c.ClientIP())
	c.JSON(http.StatusAccepted, gin.H{"halted": true})
}

// Start 非阻塞启动，ctx 取消时优雅关闭
func (s *Server) Start(ctx context.Context, addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("控制面服务退出")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv, nil
}
