// Package api exposes the dashboard's HTTP surface: manual-plan
// submission/cancellation, position exit-param edits, and read endpoints
// for account/position/plan composition. The listing-event engine itself
// (scheduler, execution, monitor) runs independently of this package.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"ignition/auth"
	"ignition/gateway"
	"ignition/store"
)

// Server is the dashboard's HTTP API.
type Server struct {
	router     *gin.Engine
	store      *store.Store
	gw         *gateway.BinanceGateway
	port       int
	httpServer *http.Server
	accessLog  zerolog.Logger
}

// NewServer builds the dashboard API over the shared store and exchange
// gateway.
func NewServer(st *store.Store, gw *gateway.BinanceGateway, port int) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:    router,
		store:     st,
		gw:        gw,
		port:      port,
		accessLog: zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger(),
	}

	router.Use(s.accessLogMiddleware())
	router.Use(corsMiddleware())
	s.setupRoutes()
	return s
}

// accessLogMiddleware records one structured line per request, separate
// from the engine's logrus narrative logs.
func (s *Server) accessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.accessLog.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(started)).
			Msg("request")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-OTP-Code")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/health", s.handleHealth)
	s.router.POST("/api/auth/login", s.handleLogin)
	s.router.POST("/api/auth/bootstrap-password", s.handleBootstrapPassword)

	protected := s.router.Group("/api")
	protected.Use(s.authRequired())
	{
		protected.POST("/auth/otp/setup", s.handleOTPSetup)
		protected.POST("/auth/otp/verify", s.handleOTPVerify)

		protected.POST("/manual-plans", s.handleCreatePlan)
		protected.GET("/manual-plans", s.handleListPlans)
		protected.GET("/manual-plans/:id", s.handleGetPlan)
		protected.POST("/manual-plans/:id/cancel", s.otpRequired(), s.handleCancelPlan)

		protected.GET("/positions", s.handleListPositions)
		protected.GET("/positions/:id", s.handleGetPosition)
		protected.PUT("/positions/:id/exit-params", s.otpRequired(), s.handleSetExitParams)

		protected.GET("/logs", s.handleListLogs)
		protected.GET("/account", s.handleGetAccount)

		protected.GET("/exchange", s.handleGetExchangeCredential)
		protected.PUT("/exchange", s.otpRequired(), s.handleSetExchangeCredential)
	}
}

// Start runs the HTTP server until Stop is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    ":" + strconv.Itoa(s.port),
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authRequired enforces a valid, non-blacklisted Bearer JWT on every route
// it guards.
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			SafeUnauthorized(c)
			c.Abort()
			return
		}
		tokenString := header[len(prefix):]
		if auth.IsTokenBlacklisted(tokenString) {
			SafeUnauthorized(c)
			c.Abort()
			return
		}
		claims, err := auth.ValidateJWT(tokenString)
		if err != nil {
			SafeUnauthorized(c)
			c.Abort()
			return
		}
		c.Set("user_id", claims.UserID)
		c.Next()
	}
}

// otpRequired gates a route behind a TOTP code once the operator has 2FA
// enabled: a configured user with no X-OTP-Code header gets 428, a wrong
// code gets 401. A user who never completed OTP setup passes through.
func (s *Server) otpRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := c.Get("user_id")
		user, err := s.store.User().GetByID(userID.(string))
		if err != nil || user == nil {
			SafeUnauthorized(c)
			c.Abort()
			return
		}
		if !user.OTPVerified {
			c.Next()
			return
		}
		code := c.GetHeader("X-OTP-Code")
		if code == "" {
			c.JSON(http.StatusPreconditionRequired, gin.H{"error": "X-OTP-Code header required"})
			c.Abort()
			return
		}
		if !auth.VerifyOTP(user.OTPSecret, code) {
			SafeUnauthorized(c)
			c.Abort()
			return
		}
		c.Next()
	}
}
