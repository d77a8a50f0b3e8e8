package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"metersim/config"
	"metersim/internal/alerts"
	"metersim/internal/ledger"
	"metersim/internal/simulation"
	"metersim/internal/storage"
	"metersim/internal/webhook"
	"metersim/internal/ws"
)

type Server struct {
	router     *gin.Engine
	server     *http.Server
	store      *storage.Store
	ledger     *ledger.Ledger
	emitter    *alerts.Emitter
	dispatcher *webhook.Dispatcher
	scheduler  *simulation.Scheduler
	wsHandler  *ws.Handler
	hub        *ws.Hub
	meterCfg   config.MeterConfig
	port       int
	logger     *zap.Logger
}

type ServerConfig struct {
	Port       int
	Store      *storage.Store
	Ledger     *ledger.Ledger
	Emitter    *alerts.Emitter
	Dispatcher *webhook.Dispatcher
	Scheduler  *simulation.Scheduler
	Hub        *ws.Hub
	Meter      config.MeterConfig
	Logger     *zap.Logger
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:     router,
		store:      cfg.Store,
		ledger:     cfg.Ledger,
		emitter:    cfg.Emitter,
		dispatcher: cfg.Dispatcher,
		scheduler:  cfg.Scheduler,
		hub:        cfg.Hub,
		wsHandler:  ws.NewHandler(cfg.Hub, cfg.Logger),
		meterCfg:   cfg.Meter,
		port:       cfg.Port,
		logger:     cfg.Logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/realtime/stream", func(c *gin.Context) {
		s.wsHandler.ServeHTTP(c.Writer, c.Request)
	})

	api := s.router.Group("/api/v1")
	{
		api.GET("/readings/latest", s.latestReadingHandler)
		api.GET("/readings", s.readingsHandler)

		api.GET("/historical", s.historicalHandler)
		api.GET("/historical/daily", s.dailySummaryHandler)

		api.GET("/balance", s.balanceHandler)
		api.POST("/balance/recharge", s.rechargeHandler)
		api.GET("/balance/transactions", s.transactionsHandler)

		api.GET("/alerts", s.alertsHandler)
		api.GET("/alerts/summary", s.alertsSummaryHandler)
		api.POST("/alerts/:id/read", s.markAlertReadHandler)
		api.POST("/alerts/read-all", s.markAllAlertsReadHandler)

		api.GET("/webhooks", s.listWebhooksHandler)
		api.POST("/webhooks", s.createWebhookHandler)
		api.PUT("/webhooks/:id", s.updateWebhookHandler)
		api.DELETE("/webhooks/:id", s.deleteWebhookHandler)
		api.POST("/webhooks/:id/test", s.testWebhookHandler)

		api.GET("/device/status", s.deviceStatusHandler)
		api.POST("/device/disconnect", s.disconnectHandler)
		api.POST("/device/reconnect", s.reconnectHandler)

		api.GET("/simulation/status", s.simulationStatusHandler)
		api.POST("/simulation/start", s.simulationStartHandler)
		api.POST("/simulation/stop", s.simulationStopHandler)
	}
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	s.logger.Info("API server starting", zap.Int("port", s.port))
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// meterID resolves the meter a request addresses, defaulting to the
// provisioned meter.
func (s *Server) meterID(c *gin.Context) string {
	if id := c.Query("meter_id"); id != "" {
		return id
	}
	return s.meterCfg.MeterID
}
