package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"ignition/store"
)

// handleListPositions defaults to the open book (ACTIVE positions). Passing
// ?all=true switches to a newest-first, limit/offset-paginated view across
// every status, for the dashboard's position-history screen.
func (s *Server) handleListPositions(c *gin.Context) {
	if c.Query("all") != "true" {
		positions, err := s.store.Position().ListActive()
		if err != nil {
			SafeInternalError(c, "list positions", err)
			return
		}
		c.JSON(http.StatusOK, positions)
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	positions, err := s.store.Position().ListHistory(limit, offset)
	if err != nil {
		SafeInternalError(c, "list position history", err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) parsePositionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		SafeBadRequest(c, "invalid position id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetPosition(c *gin.Context) {
	id, ok := s.parsePositionID(c)
	if !ok {
		return
	}
	pos, err := s.store.Position().GetByID(id)
	if err != nil {
		SafeInternalError(c, "get position", err)
		return
	}
	if pos == nil {
		SafeNotFound(c, "position")
		return
	}
	c.JSON(http.StatusOK, pos)
}

type exitParamsRequest struct {
	StopLossPct     *float64 `json:"stop_loss_pct"`
	TrailingExitPct *float64 `json:"trailing_exit_pct"`
}

// handleSetExitParams edits the operator-tunable exit thresholds on an
// ACTIVE position. If the local row has already drifted to non-ACTIVE
// (e.g. the monitor closed it moments ago), it re-checks the exchange:
// still open there restores ACTIVE before applying the edit, confirmed
// closed rejects with 400, and an unreachable exchange optimistically
// restores ACTIVE rather than blocking the operator on a transport blip.
func (s *Server) handleSetExitParams(c *gin.Context) {
	id, ok := s.parsePositionID(c)
	if !ok {
		return
	}
	var req exitParamsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SafeBadRequest(c, "invalid request")
		return
	}

	pos, err := s.store.Position().GetByID(id)
	if err != nil {
		SafeInternalError(c, "get position", err)
		return
	}
	if pos == nil {
		SafeNotFound(c, "position")
		return
	}

	if pos.Status != store.PositionStatusActive {
		if !s.confirmStillOpenOrRestore(pos) {
			SafeBadRequest(c, "position is closed")
			return
		}
	}

	if err := s.store.Position().SetExitParams(id, req.StopLossPct, req.TrailingExitPct); err != nil {
		SafeInternalError(c, "set exit params", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// confirmStillOpenOrRestore implements the restore-or-reject check above;
// it returns true when the position was (or was assumed) restored to
// ACTIVE and the edit may proceed.
func (s *Server) confirmStillOpenOrRestore(pos *store.Position) bool {
	exchangePositions, err := s.gw.GetOpenPositions()
	if err != nil {
		_ = s.store.Position().RestoreActive(pos.ID)
		return true
	}
	want := "long"
	if strings.ToUpper(pos.Side) == "SELL" {
		want = "short"
	}
	for _, ep := range exchangePositions {
		if ep.Symbol == pos.Symbol && ep.Side == want {
			_ = s.store.Position().RestoreActive(pos.ID)
			return true
		}
	}
	return false
}
