package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ignition/auth"
)

type bootstrapPasswordRequest struct {
	Password string `json:"password" binding:"required,min=8"`
}

// handleBootstrapPassword sets the admin account's initial password. It
// only succeeds while no password has been set yet, so it can be exposed
// unauthenticated without becoming a standing attack surface.
func (s *Server) handleBootstrapPassword(c *gin.Context) {
	user, err := s.store.User().GetByID("admin")
	if err != nil || user == nil {
		SafeNotFound(c, "admin user")
		return
	}
	if user.PasswordHash != "" {
		SafeForbidden(c, "admin password already set")
		return
	}
	var req bootstrapPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SafeBadRequest(c, "invalid request")
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		SafeInternalError(c, "hash password", err)
		return
	}
	if err := s.store.User().UpdatePassword("admin", hash); err != nil {
		SafeInternalError(c, "set password", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	OTPCode  string `json:"otp_code"`
}

// handleLogin authenticates the operator and, if 2FA is enabled, verifies
// the submitted TOTP code in the same request.
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SafeBadRequest(c, "invalid request")
		return
	}

	user, err := s.store.User().GetByEmail(req.Email)
	if err != nil || user == nil || !auth.CheckPassword(req.Password, user.PasswordHash) {
		SafeUnauthorized(c)
		return
	}

	if user.OTPVerified {
		if req.OTPCode == "" {
			c.JSON(http.StatusPreconditionRequired, gin.H{"error": "otp_code required", "requires_otp": true})
			return
		}
		if !auth.VerifyOTP(user.OTPSecret, req.OTPCode) {
			SafeUnauthorized(c)
			return
		}
	}

	token, err := auth.GenerateJWT(user.ID, user.Email)
	if err != nil {
		SafeInternalError(c, "generate token", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user_id": user.ID, "email": user.Email})
}

// handleOTPSetup generates a fresh TOTP secret for the operator and
// returns the QR-code enrollment URL; OTPVerified stays false until the
// operator proves possession via handleOTPVerify.
func (s *Server) handleOTPSetup(c *gin.Context) {
	userID := c.MustGet("user_id").(string)
	user, err := s.store.User().GetByID(userID)
	if err != nil || user == nil {
		SafeNotFound(c, "user")
		return
	}

	secret, err := auth.GenerateOTPSecret()
	if err != nil {
		SafeInternalError(c, "generate otp secret", err)
		return
	}
	if err := s.store.User().SetOTPSecret(userID, secret); err != nil {
		SafeInternalError(c, "save otp secret", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"otp_secret":  secret,
		"qr_code_url": auth.GetOTPQRCodeURL(secret, user.Email),
	})
}

type otpVerifyRequest struct {
	OTPCode string `json:"otp_code" binding:"required"`
}

// handleOTPVerify completes 2FA enrollment once the operator submits a
// code generated from the secret returned by handleOTPSetup.
func (s *Server) handleOTPVerify(c *gin.Context) {
	userID := c.MustGet("user_id").(string)
	var req otpVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SafeBadRequest(c, "invalid request")
		return
	}
	user, err := s.store.User().GetByID(userID)
	if err != nil || user == nil {
		SafeNotFound(c, "user")
		return
	}
	if !auth.VerifyOTP(user.OTPSecret, req.OTPCode) {
		SafeBadRequest(c, "otp code incorrect")
		return
	}
	if err := s.store.User().UpdateOTPVerified(userID, true); err != nil {
		SafeInternalError(c, "update otp status", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"otp_verified": true})
}
