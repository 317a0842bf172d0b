package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleGetExchangeCredential(c *gin.Context) {
	cred, err := s.store.Exchange().Get()
	if err != nil {
		SafeInternalError(c, "get exchange credential", err)
		return
	}
	if cred == nil {
		c.JSON(http.StatusOK, gin.H{"configured": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"configured": true,
		"testnet":    cred.Testnet,
		"api_key":    MaskSensitiveString(string(cred.APIKey)),
	})
}

type setExchangeCredentialRequest struct {
	APIKey    string `json:"api_key" binding:"required"`
	SecretKey string `json:"secret_key" binding:"required"`
	Testnet   bool   `json:"testnet"`
}

func (s *Server) handleSetExchangeCredential(c *gin.Context) {
	var req setExchangeCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SafeBadRequest(c, "invalid request")
		return
	}
	if err := s.store.Exchange().Set(req.APIKey, req.SecretKey, req.Testnet); err != nil {
		SafeInternalError(c, "set exchange credential", err)
		return
	}
	c.Status(http.StatusNoContent)
}
