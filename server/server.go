// Package server exposes the facilitator over HTTP: POST /verify,
// POST /settle, and GET /supported, plus a health probe. Policy
// enforcement happens here, between verification and settlement, so
// the facilitator core stays a pure payment engine.
package server

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	x402 "github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/facilitator"
	"github.com/mark3labs/x402-facilitator/policy"
)

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	// X402Version is the protocol version (2 for v2).
	X402Version int `json:"x402Version"`

	// PaymentPayload contains the signed payment data from the client.
	PaymentPayload x402.PaymentPayload `json:"paymentPayload"`

	// PaymentRequirements contains the payment option that was accepted.
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the body of POST /settle.
type SettleRequest struct {
	// X402Version is the protocol version (2 for v2).
	X402Version int `json:"x402Version"`

	// PaymentPayload contains the signed payment data from the client.
	PaymentPayload x402.PaymentPayload `json:"paymentPayload"`

	// PaymentRequirements contains the payment option that was accepted.
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`

	// Groups names the policy groups to enforce. Empty means all.
	Groups []string `json:"groups,omitempty"`
}

// Server serves the facilitator API.
type Server struct {
	facilitator *facilitator.Facilitator
	policy      *policy.Engine
	logger      *slog.Logger
	engine      *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithPolicyEngine enables policy enforcement on /settle.
func WithPolicyEngine(engine *policy.Engine) Option {
	return func(s *Server) { s.policy = engine }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates the HTTP server around a facilitator.
func New(f *facilitator.Facilitator, opts ...Option) *Server {
	s := &Server{
		facilitator: f,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.POST("/verify", s.handleVerify)
	engine.POST("/settle", s.handleSettle)
	engine.GET("/supported", s.handleSupported)
	engine.GET("/healthz", s.handleHealth)

	s.engine = engine
	return s
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until the listener fails.
func (s *Server) Run(addr string) error {
	s.logger.Info("facilitator listening", "addr", addr)
	return s.engine.Run(addr)
}

func (s *Server) handleVerify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	response := s.facilitator.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if !response.IsValid {
		s.logger.Info("verification rejected",
			"reason", response.InvalidReason,
			"network", req.PaymentRequirements.Network)
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleSettle(c *gin.Context) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	requirements := req.PaymentRequirements

	// Policy needs the counterparty, which only verification can
	// establish. Verify is pure, so running it here costs no state.
	var reservation *policy.Reservation
	if s.policy != nil {
		verify := s.facilitator.Verify(c.Request.Context(), req.PaymentPayload, requirements)
		if !verify.IsValid {
			c.JSON(http.StatusOK, &x402.SettleResponse{
				Success:      false,
				ErrorReason:  verify.InvalidReason,
				ErrorMessage: verify.InvalidMessage,
				Network:      requirements.Network,
				Payer:        verify.Payer,
			})
			return
		}

		amount, err := x402.ParseAmount(requirements.Amount)
		if err != nil {
			c.JSON(http.StatusOK, &x402.SettleResponse{
				Success:     false,
				ErrorReason: x402.ReasonMalformedRequirements,
				Network:     requirements.Network,
			})
			return
		}

		var violation *policy.Violation
		reservation, violation = s.policy.Reserve(
			policy.DirectionIncoming, verify.Payer, requirements.Resource, amount, req.Groups)
		if violation != nil {
			s.logger.Info("settlement rejected by policy",
				"kind", violation.Kind,
				"group", violation.Group,
				"payer", verify.Payer)
			c.JSON(http.StatusForbidden, &x402.SettleResponse{
				Success:      false,
				ErrorReason:  x402.ReasonPolicyViolation,
				ErrorMessage: violation.Error(),
				Network:      requirements.Network,
				Payer:        verify.Payer,
			})
			return
		}
	}

	response := s.facilitator.Settle(c.Request.Context(), req.PaymentPayload, requirements, reservation)
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.facilitator.Supported())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
