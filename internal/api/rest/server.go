package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/SwitchBench/internal/api/websocket"
	"github.com/KevinKickass/SwitchBench/internal/auth"
	"github.com/KevinKickass/SwitchBench/internal/config"
	"github.com/KevinKickass/SwitchBench/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Controller is the bench surface the API drives. The lifecycle manager
// implements it; handlers stay thin.
type Controller interface {
	GetStatus() any
	SetMachineState(ctx context.Context, state types.MachineState) error
	SetTimer(ctx context.Context, end time.Time) error
	ClearTimer(ctx context.Context) error
	SetStationEnabled(ctx context.Context, id int, enabled bool) error
	ResetStation(ctx context.Context, id int) error
	UpdateSettings(ctx context.Context, settings types.SystemSettings) error
	ListHistory(ctx context.Context, stationID, limit int) ([]types.HistoryEntry, error)
}

type Server struct {
	router      *gin.Engine
	ctrl        Controller
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.Service
}

func NewServer(cfg *config.Config, ctrl Controller, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.Service) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		ctrl:        ctrl,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH ====================
		authPublic := v1.Group("/auth")
		{
			authPublic.POST("/login", s.login)
		}

		authProtected := v1.Group("/auth")
		authProtected.Use(s.authService.Middleware())
		{
			authProtected.PUT("/pin", s.changePIN)
		}

		// ==================== STATUS (PUBLIC READ) ====================
		v1.GET("/status", s.getStatus)
		v1.GET("/stations/:id/history", s.getStationHistory)

		// ==================== MACHINE CONTROL ====================
		machine := v1.Group("/machine")
		machine.Use(s.authService.Middleware())
		{
			machine.POST("/state", s.setMachineState)
			machine.POST("/timer", s.setTimer)
			machine.DELETE("/timer", s.clearTimer)
		}

		// ==================== STATIONS ====================
		stations := v1.Group("/stations")
		stations.Use(s.authService.Middleware())
		{
			stations.POST("/:id/enable", s.enableStation)
			stations.POST("/:id/disable", s.disableStation)
			stations.POST("/:id/reset", s.resetStation)
		}

		// ==================== SETTINGS ====================
		settings := v1.Group("/settings")
		settings.Use(s.authService.Middleware())
		{
			settings.PUT("", s.updateSettings)
		}

		// ==================== WEBSOCKET (PUBLIC BROADCAST) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// GET /api/v1/status
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.GetStatus())
}
