package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"metersim/internal/alerts"
	"metersim/internal/storage"
	"metersim/internal/webhook"
)

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "Energy meter simulation server is running",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"simulation": s.scheduler.Status(),
		"clients":    s.hub.ClientCount(),
	})
}

// --- readings ---

func (s *Server) latestReadingHandler(c *gin.Context) {
	sample, err := s.store.LatestSample(s.meterID(c))
	if err != nil {
		s.renderError(c, err, "no readings for this meter")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": sample})
}

func (s *Server) readingsHandler(c *gin.Context) {
	minutes, err := strconv.Atoi(c.DefaultQuery("minutes", "60"))
	if err != nil || minutes <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "minutes must be a positive integer"})
		return
	}

	now := time.Now()
	samples, err := s.store.SamplesInRange(s.meterID(c), now.Add(-time.Duration(minutes)*time.Minute), now)
	if err != nil {
		s.renderError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(samples), "data": samples})
}

// --- historical ---

func (s *Server) historicalHandler(c *gin.Context) {
	to := time.Now()
	from := to.AddDate(0, 0, -7)

	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "from must be RFC3339"})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "to must be RFC3339"})
			return
		}
		to = t
	}

	buckets, err := s.store.BucketsInRange(s.meterID(c), from, to)
	if err != nil {
		s.renderError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(buckets), "data": buckets})
}

func (s *Server) dailySummaryHandler(c *gin.Context) {
	day := time.Now()
	if v := c.Query("date"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "date must be YYYY-MM-DD"})
			return
		}
		day = t
	}

	summary, err := s.store.GetDailySummary(s.meterID(c), day)
	if err != nil {
		s.renderError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": summary})
}

// --- balance ---

func (s *Server) balanceHandler(c *gin.Context) {
	bal, err := s.store.GetBalance(s.meterID(c))
	if err != nil {
		s.renderError(c, err, "balance not found for this meter")
		return
	}

	status := "active"
	if bal.CurrentBalance <= s.emitter.CriticalBalance() {
		status = "low_balance"
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"meter_id":        bal.MeterID,
			"current_balance": bal.CurrentBalance,
			"last_updated":    bal.LastUpdated,
			"status":          status,
		},
	})
}

type rechargeRequest struct {
	MeterID     string  `json:"meter_id"`
	Amount      float64 `json:"amount" binding:"required,gt=0"`
	Description string  `json:"description"`
}

func (s *Server) rechargeHandler(c *gin.Context) {
	var req rechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "amount must be a positive number"})
		return
	}

	meterID := req.MeterID
	if meterID == "" {
		meterID = s.meterCfg.MeterID
	}

	entry, err := s.ledger.Recharge(meterID, req.Amount, req.Description)
	if err != nil {
		s.renderError(c, err, "balance not found for this meter")
		return
	}

	s.dispatcher.Dispatch(webhook.EventRechargeCompleted, meterID, gin.H{
		"meter_id":       meterID,
		"amount":         req.Amount,
		"balance_before": entry.BalanceBefore,
		"balance_after":  entry.BalanceAfter,
		"transaction_id": entry.TransactionID,
	})

	// A recharge that still leaves the balance low is worth flagging.
	if entry.BalanceAfter <= s.emitter.LowBalance() {
		s.emitter.Raise(meterID, alerts.TypeLowBalance,
			"Balance still low after recharge", storage.SeverityWarning)
		s.dispatcher.Dispatch(webhook.EventBalanceLow, meterID, gin.H{
			"meter_id": meterID,
			"balance":  entry.BalanceAfter,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Recharge completed successfully",
		"data": gin.H{
			"transaction_id": entry.TransactionID,
			"meter_id":       meterID,
			"amount_added":   req.Amount,
			"balance_before": entry.BalanceBefore,
			"balance_after":  entry.BalanceAfter,
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func (s *Server) transactionsHandler(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	var txns []storage.Transaction
	if txnType := c.Query("type"); txnType != "" {
		txns, err = s.store.TransactionsByType(s.meterID(c), txnType, limit)
	} else {
		txns, err = s.store.Transactions(s.meterID(c), limit)
	}
	if err != nil {
		s.renderError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(txns), "data": txns})
}

// --- alerts ---

func (s *Server) alertsHandler(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	unreadOnly := c.Query("unread") == "true"

	list, err := s.store.Alerts(s.meterID(c), limit, unreadOnly)
	if err != nil {
		s.renderError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(list), "data": list})
}

func (s *Server) alertsSummaryHandler(c *gin.Context) {
	summary, err := s.store.GetAlertsSummary(s.meterID(c))
	if err != nil {
		s.renderError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": summary})
}

func (s *Server) markAlertReadHandler(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid alert id"})
		return
	}
	if err := s.store.MarkAlertRead(uint(id)); err != nil {
		s.renderError(c, err, "alert not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) markAllAlertsReadHandler(c *gin.Context) {
	if err := s.store.MarkAllAlertsRead(s.meterID(c)); err != nil {
		s.renderError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// --- webhooks ---

type webhookRequest struct {
	Name      string   `json:"name" binding:"required"`
	URL       string   `json:"url" binding:"required"`
	Events    []string `json:"events" binding:"required"`
	IsActive  *bool    `json:"is_active"`
	SecretKey string   `json:"secret_key"`
}

func (s *Server) listWebhooksHandler(c *gin.Context) {
	hooks, err := s.store.ListWebhooks()
	if err != nil {
		s.renderError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(hooks), "data": hooks})
}

func (s *Server) createWebhookHandler(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "name, url and events are required"})
		return
	}

	hook := storage.Webhook{
		Name:      req.Name,
		URL:       req.URL,
		IsActive:  true,
		SecretKey: req.SecretKey,
	}
	if req.IsActive != nil {
		hook.IsActive = *req.IsActive
	}
	if err := hook.SetEvents(req.Events); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid events list"})
		return
	}

	if err := s.store.CreateWebhook(&hook); err != nil {
		s.renderError(c, err, "")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": hook})
}

func (s *Server) updateWebhookHandler(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid webhook id"})
		return
	}

	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "name, url and events are required"})
		return
	}

	hook := storage.Webhook{
		Name:      req.Name,
		URL:       req.URL,
		IsActive:  true,
		SecretKey: req.SecretKey,
	}
	hook.ID = uint(id)
	if req.IsActive != nil {
		hook.IsActive = *req.IsActive
	}
	if err := hook.SetEvents(req.Events); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid events list"})
		return
	}

	if err := s.store.UpdateWebhook(&hook); err != nil {
		s.renderError(c, err, "webhook not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": hook})
}

func (s *Server) deleteWebhookHandler(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid webhook id"})
		return
	}
	if err := s.store.DeleteWebhook(uint(id)); err != nil {
		s.renderError(c, err, "webhook not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) testWebhookHandler(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid webhook id"})
		return
	}

	hook, err := s.store.GetWebhook(uint(id))
	if err != nil {
		s.renderError(c, err, "webhook not found")
		return
	}

	err = s.dispatcher.Send(hook, webhook.EventTest, s.meterCfg.MeterID, gin.H{
		"message":   "This is a test webhook",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Test webhook sent successfully"})
}

// --- device ---

func (s *Server) deviceStatusHandler(c *gin.Context) {
	m, err := s.store.GetMeter(s.meterID(c))
	if err != nil {
		s.renderError(c, err, "meter not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": m})
}

func (s *Server) disconnectHandler(c *gin.Context) {
	meterID := s.meterID(c)
	if err := s.store.UpdateConnectionStatus(meterID, storage.StatusDisconnected); err != nil {
		s.renderError(c, err, "meter not found")
		return
	}

	s.emitter.Raise(meterID, alerts.TypeMeterDisconnected, "Meter disconnected by operator", storage.SeverityWarning)
	s.dispatcher.Dispatch(webhook.EventMeterDisconnected, meterID, gin.H{"meter_id": meterID})

	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"meter_id": meterID, "status": storage.StatusDisconnected}})
}

func (s *Server) reconnectHandler(c *gin.Context) {
	meterID := s.meterID(c)
	if err := s.store.UpdateConnectionStatus(meterID, storage.StatusConnected); err != nil {
		s.renderError(c, err, "meter not found")
		return
	}

	s.emitter.Raise(meterID, alerts.TypeMeterConnected, "Meter reconnected", storage.SeverityInfo)
	s.dispatcher.Dispatch(webhook.EventMeterConnected, meterID, gin.H{"meter_id": meterID})

	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"meter_id": meterID, "status": storage.StatusConnected}})
}

// --- simulation control ---

func (s *Server) simulationStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.scheduler.Status()})
}

func (s *Server) simulationStartHandler(c *gin.Context) {
	s.scheduler.Start()
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.scheduler.Status()})
}

func (s *Server) simulationStopHandler(c *gin.Context) {
	s.scheduler.Stop()
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.scheduler.Status()})
}

func (s *Server) renderError(c *gin.Context, err error, notFoundMsg string) {
	if errors.Is(err, storage.ErrNotFound) {
		if notFoundMsg == "" {
			notFoundMsg = "not found"
		}
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": notFoundMsg})
		return
	}
	s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal server error"})
}
