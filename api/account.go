package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ignition/store"
)

type positionProjection struct {
	*store.Position
	MarkPrice         float64 `json:"mark_price"`
	StopLossPrice     float64 `json:"stop_loss_price"`
	TrailingStopPrice float64 `json:"trailing_stop_price,omitempty"`
}

// handleGetAccount composes the dashboard's single-call account view:
// available balance plus every active position annotated with its current
// mark price and projected stop-loss/trailing-stop trigger prices, so the
// UI never has to re-derive the monitor's arithmetic itself.
func (s *Server) handleGetAccount(c *gin.Context) {
	balance, err := s.gw.GetFuturesAvailableBalance()
	if err != nil {
		SafeInternalError(c, "get account balance", err)
		return
	}

	positions, err := s.store.Position().ListActive()
	if err != nil {
		SafeInternalError(c, "list positions", err)
		return
	}

	projections := make([]positionProjection, 0, len(positions))
	for _, pos := range positions {
		mark, _ := s.gw.GetMarkPrice(pos.Symbol)
		markF, _ := mark.Float64()
		if markF == 0 {
			markF = pos.EntryPrice
		}
		projections = append(projections, positionProjection{
			Position:          pos,
			MarkPrice:         markF,
			StopLossPrice:     stopLossPrice(pos),
			TrailingStopPrice: trailingStopPrice(pos),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"available_balance": balance.String(),
		"positions":         projections,
	})
}

func stopLossPrice(pos *store.Position) float64 {
	if strings.ToUpper(pos.Side) == "BUY" {
		return pos.EntryPrice * (1 - pos.StopLossPct)
	}
	return pos.EntryPrice * (1 + pos.StopLossPct)
}

// trailingStopPrice projects the trigger price from the extremum observed
// so far; it returns 0 until the monitor has recorded one.
func trailingStopPrice(pos *store.Position) float64 {
	if strings.ToUpper(pos.Side) == "BUY" {
		if pos.HighestPrice == nil {
			return 0
		}
		return *pos.HighestPrice * (1 - pos.TrailingExitPct)
	}
	if pos.LowestPrice == nil {
		return 0
	}
	return *pos.LowestPrice * (1 + pos.TrailingExitPct)
}
