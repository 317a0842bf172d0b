package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const defaultLogLimit = 100

func (s *Server) handleListLogs(c *gin.Context) {
	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	logs, err := s.store.ExecutionLog().List(limit)
	if err != nil {
		SafeInternalError(c, "list logs", err)
		return
	}
	c.JSON(http.StatusOK, logs)
}
