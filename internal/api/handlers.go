package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/pulsetrade/pulse/internal/executor"
	"github.com/pulsetrade/pulse/internal/risk"
	"github.com/pulsetrade/pulse/internal/signal"
	"github.com/pulsetrade/pulse/internal/store"
)

// premiumConfidenceFloor is the calibrated confidence a signal needs to be
// served under premium_only. It matches the single-source directional bar.
const premiumConfidenceFloor = 0.80

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"version":          s.appCfg.Version,
		"strategy_version": s.versions.Active(),
		"uptime_seconds":   int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleReadiness(c *gin.Context) {
	checks := gin.H{}
	ready := true

	if _, err := s.db.SignalStats(c.Request.Context()); err != nil {
		checks["store"] = err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}

	if s.nc != nil {
		if s.nc.IsConnected() {
			checks["bus"] = "ok"
		} else {
			checks["bus"] = "disconnected"
			ready = false
		}
	}

	// Serviceable when a broker account answers, or when simulation
	// fallback keeps execute requests answerable without one.
	switch {
	case s.features.SimulationFallback:
		checks["broker"] = "simulation fallback"
	case s.anyBrokerReachable(c.Request.Context()):
		checks["broker"] = "ok"
	default:
		checks["broker"] = "unreachable"
		ready = false
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}

func (s *Server) anyBrokerReachable(ctx context.Context) bool {
	for _, ex := range s.executors {
		if ex.BrokerReachable(ctx) {
			return true
		}
	}
	return false
}

func (s *Server) handleLatestSignals(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			abortWithError(c, http.StatusBadRequest, "INVALID_LIMIT", "limit must be 1..500")
			return
		}
		limit = n
	}

	var minConfidence float64
	if raw := c.Query("premium_only"); raw != "" {
		premium, err := strconv.ParseBool(raw)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "INVALID_PREMIUM_ONLY", "premium_only must be a boolean")
			return
		}
		if premium {
			minConfidence = premiumConfidenceFloor
		}
	}

	sigs, err := s.db.Latest(c.Request.Context(), c.Query("symbol"), minConfidence, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("latest signals query failed")
		abortWithError(c, http.StatusInternalServerError, "STORE_ERROR", "signal query failed")
		return
	}

	out := make([]gin.H, 0, len(sigs))
	for _, sig := range sigs {
		out = append(out, gin.H{"signal": sig, "verified": signal.VerifyFingerprint(sig)})
	}
	c.JSON(http.StatusOK, gin.H{"signals": out, "count": len(out)})
}

func (s *Server) handleGetSignal(c *gin.Context) {
	sig, err := s.db.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		abortWithError(c, http.StatusNotFound, "SIGNAL_NOT_FOUND", "no such signal")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("signal_id", c.Param("id")).Msg("signal lookup failed")
		abortWithError(c, http.StatusInternalServerError, "STORE_ERROR", "signal lookup failed")
		return
	}

	// verified is recomputed here so a tampered row is visible to readers.
	c.JSON(http.StatusOK, gin.H{"signal": sig, "verified": signal.VerifyFingerprint(sig)})
}

func (s *Server) handleSignalStats(c *gin.Context) {
	stats, err := s.db.SignalStats(c.Request.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("stats query failed")
		abortWithError(c, http.StatusInternalServerError, "STORE_ERROR", "stats query failed")
		return
	}
	c.JSON(http.StatusOK, stats)
}

type executeRequest struct {
	SignalID   string `json:"signal_id" binding:"required"`
	ExecutorID string `json:"executor_id" binding:"required"`
}

// handleExecute routes a stored signal to one executor on demand. The
// executor applies the same idempotency and risk gates as bus delivery.
func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	ex, ok := s.executors[req.ExecutorID]
	if !ok {
		abortWithError(c, http.StatusNotFound, "EXECUTOR_NOT_FOUND", "unknown executor "+req.ExecutorID)
		return
	}

	sig, err := s.db.Get(c.Request.Context(), req.SignalID)
	if errors.Is(err, store.ErrNotFound) {
		abortWithError(c, http.StatusNotFound, "SIGNAL_NOT_FOUND", "no such signal")
		return
	}
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "STORE_ERROR", "signal lookup failed")
		return
	}

	order, err := ex.Handle(c.Request.Context(), sig)
	var rej *risk.PolicyRejection
	switch {
	case errors.As(err, &rej):
		c.JSON(http.StatusConflict, gin.H{
			"success":     false,
			"executor_id": req.ExecutorID,
			"signal_id":   req.SignalID,
			"error": gin.H{
				"code":    "POLICY_REJECTED",
				"reason":  string(rej.Reason),
				"message": rej.Error(),
			},
			"correlation_id": c.GetString(ctxKeyCorrelation),
		})
		return
	case errors.Is(err, executor.ErrTamperedSignal):
		abortWithError(c, http.StatusInternalServerError, "INVARIANT_VIOLATION", err.Error())
		return
	case err != nil:
		s.log.Error().Err(err).Str("signal_id", req.SignalID).Msg("manual execution failed")
		abortWithError(c, http.StatusInternalServerError, "EXECUTION_ERROR", "order submission failed")
		return
	case order == nil:
		// Valid request, nothing to do: position already open, sized below
		// minimum, or short policy noop.
		c.JSON(http.StatusOK, gin.H{
			"success":     false,
			"executor_id": req.ExecutorID,
			"signal_id":   req.SignalID,
			"reason":      "NO_ACTION",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"order_id":    order.OrderID,
		"executor_id": req.ExecutorID,
		"simulated":   order.Simulated,
		"order":       order,
	})
}

func (s *Server) handleTradingStatus(c *gin.Context) {
	states, err := s.db.AllExecutorStates(c.Request.Context())
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "STORE_ERROR", "state query failed")
		return
	}

	type executorStatus struct {
		ExecutorID    string  `json:"executor_id"`
		Paused        bool    `json:"paused"`
		PauseReason   string  `json:"pause_reason,omitempty"`
		OpenPositions int     `json:"open_positions"`
		DailyPnlPct   float64 `json:"daily_pnl_pct"`
		DrawdownPct   float64 `json:"drawdown_pct"`
		Cursor        string  `json:"cursor"`
	}
	out := make([]executorStatus, 0, len(states))
	for _, st := range states {
		open, err := s.db.OpenPositions(c.Request.Context(), st.ExecutorID)
		if err != nil {
			abortWithError(c, http.StatusInternalServerError, "STORE_ERROR", "position query failed")
			return
		}
		var daily, drawdown float64
		if st.DayStartEquity > 0 {
			daily = (st.Equity - st.DayStartEquity) / st.DayStartEquity
		}
		if st.PeakEquity > 0 {
			drawdown = (st.PeakEquity - st.Equity) / st.PeakEquity
		}
		out = append(out, executorStatus{
			ExecutorID:    st.ExecutorID,
			Paused:        st.Paused,
			PauseReason:   st.PauseReason,
			OpenPositions: len(open),
			DailyPnlPct:   daily,
			DrawdownPct:   drawdown,
			Cursor:        st.Cursor,
		})
	}
	c.JSON(http.StatusOK, gin.H{"executors": out})
}

func (s *Server) handleAccountStates(c *gin.Context) {
	states, err := s.db.AllExecutorStates(c.Request.Context())
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "STORE_ERROR", "state query failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"states": states})
}

func (s *Server) handleUnpause(c *gin.Context) {
	id := c.Param("executor")
	if err := s.guard.Unpause(c.Request.Context(), id); err != nil {
		abortWithError(c, http.StatusNotFound, "EXECUTOR_NOT_FOUND", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"executor_id": id, "paused": false})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const streamPoll = time.Second

// handleSignalStream pushes newly stored signals over a websocket. Each
// connection tails the store independently from the moment it connects.
func (s *Server) handleSignalStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	cursor := ""
	if latest, err := s.db.Latest(ctx, "", 0, 1); err == nil && len(latest) == 1 {
		cursor = latest[0].SignalID
	}

	ticker := time.NewTicker(streamPoll)
	defer ticker.Stop()

	// Reader goroutine notices client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			next, ok := s.pushSince(ctx, conn, cursor)
			if !ok {
				return
			}
			cursor = next
		}
	}
}

// pushSince writes everything past cursor. ok is false after a write
// failure, which ends the connection.
func (s *Server) pushSince(ctx context.Context, conn *websocket.Conn, cursor string) (string, bool) {
	batch, err := s.db.GetSince(ctx, cursor, 100)
	if err != nil {
		s.log.Warn().Err(err).Msg("stream tail query failed")
		return cursor, true
	}
	for _, sig := range batch {
		if err := conn.WriteJSON(sig); err != nil {
			return cursor, false
		}
		cursor = sig.SignalID
	}
	return cursor, true
}
