// Package mcpserver exposes the facilitator to MCP clients as three
// tools: x402_verify, x402_settle, and x402_supported. Agents that
// broker payments for their users call these instead of the HTTP API.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	x402 "github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/facilitator"
	"github.com/mark3labs/x402-facilitator/policy"
)

// Server wraps an MCP server around a facilitator.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	facilitator *facilitator.Facilitator
	policy      *policy.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithPolicyEngine enables policy enforcement on x402_settle.
func WithPolicyEngine(engine *policy.Engine) Option {
	return func(s *Server) { s.policy = engine }
}

// New creates the MCP server and registers the facilitator tools.
func New(name, version string, f *facilitator.Facilitator, opts ...Option) *Server {
	s := &Server{
		mcpServer:   mcpserver.NewMCPServer(name, version),
		facilitator: f,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer.AddTool(mcp.NewTool("x402_verify",
		mcp.WithDescription("Verify a signed x402 payment against its payment requirements without settling it."),
		mcp.WithString("payment_payload", mcp.Required(),
			mcp.Description("JSON-encoded x402 payment payload")),
		mcp.WithString("payment_requirements", mcp.Required(),
			mcp.Description("JSON-encoded x402 payment requirements")),
	), s.handleVerify)

	s.mcpServer.AddTool(mcp.NewTool("x402_settle",
		mcp.WithDescription("Settle a verified x402 payment on chain. Settlement is idempotent per challenge nonce."),
		mcp.WithString("payment_payload", mcp.Required(),
			mcp.Description("JSON-encoded x402 payment payload")),
		mcp.WithString("payment_requirements", mcp.Required(),
			mcp.Description("JSON-encoded x402 payment requirements")),
	), s.handleSettle)

	s.mcpServer.AddTool(mcp.NewTool("x402_supported",
		mcp.WithDescription("List the payment scheme and network pairs this facilitator can settle."),
	), s.handleSupported)

	return s
}

// Handler returns a streamable HTTP handler for the MCP server.
func (s *Server) Handler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

// ServeStdio serves the MCP server over stdio.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func (s *Server) handleVerify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload, requirements, err := parsePaymentArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	response := s.facilitator.Verify(ctx, *payload, *requirements)
	return jsonResult(response)
}

func (s *Server) handleSettle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload, requirements, err := parsePaymentArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var reservation *policy.Reservation
	if s.policy != nil {
		verify := s.facilitator.Verify(ctx, *payload, *requirements)
		if !verify.IsValid {
			return jsonResult(&x402.SettleResponse{
				Success:      false,
				ErrorReason:  verify.InvalidReason,
				ErrorMessage: verify.InvalidMessage,
				Network:      requirements.Network,
				Payer:        verify.Payer,
			})
		}

		amount, err := x402.ParseAmount(requirements.Amount)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid amount: %v", err)), nil
		}

		var violation *policy.Violation
		reservation, violation = s.policy.Reserve(
			policy.DirectionIncoming, verify.Payer, requirements.Resource, amount, nil)
		if violation != nil {
			return jsonResult(&x402.SettleResponse{
				Success:      false,
				ErrorReason:  x402.ReasonPolicyViolation,
				ErrorMessage: violation.Error(),
				Network:      requirements.Network,
				Payer:        verify.Payer,
			})
		}
	}

	response := s.facilitator.Settle(ctx, *payload, *requirements, reservation)
	return jsonResult(response)
}

func (s *Server) handleSupported(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.facilitator.Supported())
}

func parsePaymentArgs(req mcp.CallToolRequest) (*x402.PaymentPayload, *x402.PaymentRequirements, error) {
	payloadJSON, err := req.RequireString("payment_payload")
	if err != nil {
		return nil, nil, err
	}
	requirementsJSON, err := req.RequireString("payment_requirements")
	if err != nil {
		return nil, nil, err
	}

	var payload x402.PaymentPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, nil, fmt.Errorf("invalid payment_payload: %w", err)
	}
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal([]byte(requirementsJSON), &requirements); err != nil {
		return nil, nil, fmt.Errorf("invalid payment_requirements: %w", err)
	}
	return &payload, &requirements, nil
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
