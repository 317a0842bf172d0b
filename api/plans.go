package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ignition/store"
)

type createPlanRequest struct {
	Symbol          string    `json:"symbol" binding:"required"`
	Side            string    `json:"side" binding:"required"`
	ListingTime     time.Time `json:"listing_time" binding:"required"`
	Leverage        int       `json:"leverage" binding:"required,min=1"`
	PositionPct     float64   `json:"position_pct" binding:"required,gt=0"`
	StopLossPct     float64   `json:"stop_loss_pct"`
	TrailingExitPct float64   `json:"trailing_exit_pct"`
	MaxSlippagePct  float64   `json:"max_slippage_pct"`
	Notes           string    `json:"notes"`
}

// handleCreatePlan records a new listing-event plan for the scheduler to
// pick up on its next plan tick (or precision-fire thread, once armed).
func (s *Server) handleCreatePlan(c *gin.Context) {
	var req createPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SafeBadRequest(c, "invalid request: "+err.Error())
		return
	}
	side := strings.ToUpper(req.Side)
	if side != "BUY" && side != "SELL" {
		SafeBadRequest(c, "side must be BUY or SELL")
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if !strings.HasSuffix(symbol, "USDT") {
		symbol += "USDT"
	}

	plan := &store.ManualPlan{
		Symbol:          symbol,
		Side:            side,
		ListingTime:     req.ListingTime.UTC(),
		Leverage:        req.Leverage,
		PositionPct:     req.PositionPct,
		StopLossPct:     req.StopLossPct,
		TrailingExitPct: req.TrailingExitPct,
		MaxSlippagePct:  req.MaxSlippagePct,
		Notes:           req.Notes,
	}
	if err := s.store.Plan().Create(plan); err != nil {
		SafeInternalError(c, "create plan", err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

func (s *Server) handleListPlans(c *gin.Context) {
	plans, err := s.store.Plan().List()
	if err != nil {
		SafeInternalError(c, "list plans", err)
		return
	}
	c.JSON(http.StatusOK, plans)
}

func (s *Server) handleGetPlan(c *gin.Context) {
	plan, err := s.store.Plan().GetByID(c.Param("id"))
	if err != nil {
		SafeInternalError(c, "get plan", err)
		return
	}
	if plan == nil {
		SafeNotFound(c, "plan")
		return
	}
	c.JSON(http.StatusOK, plan)
}

// handleCancelPlan transitions a still-PENDING plan to CANCELLED; a plan
// already claimed by the scheduler (EXECUTING or terminal) cannot be
// cancelled from here.
func (s *Server) handleCancelPlan(c *gin.Context) {
	cancelled, err := s.store.Plan().Cancel(c.Param("id"))
	if err != nil {
		SafeInternalError(c, "cancel plan", err)
		return
	}
	if !cancelled {
		SafeBadRequest(c, "plan is no longer cancellable")
		return
	}
	c.Status(http.StatusNoContent)
}
