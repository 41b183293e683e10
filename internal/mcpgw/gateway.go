// Package mcpgw implements the MCP-style JSON-RPC 2.0 channel between the
// dispatcher and its sub-agent processes.
//
// The server side (Gateway) exposes an executor.Toolbox through the methods
// initialize, notifications/initialized, tools/list, tools/call and ping.
// The client side (Client) speaks the same protocol over one of three
// transports:
//   - stdio: newline-delimited JSON on a subprocess's stdin/stdout
//   - http:  POST /mcp on a chi router
//   - nats:  request/reply on cardmate.agents.<name>
package mcpgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cardmate/advisor/internal/executor"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/rs/zerolog/log"
)

// ProtocolVersion is the MCP revision announced during initialize.
const ProtocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeToolNotFound   = -32001
)

// Gateway serves a toolbox over JSON-RPC.
type Gateway struct {
	name    string
	version string
	tools   *executor.Toolbox
}

// NewGateway creates a gateway announcing itself as name.
func NewGateway(name, version string, tools *executor.Toolbox) *Gateway {
	return &Gateway{name: name, version: version, tools: tools}
}

// Name returns the server name announced during initialize.
func (gw *Gateway) Name() string { return gw.name }

// HandleJSONRPC processes one request. Notifications return nil.
func (gw *Gateway) HandleJSONRPC(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	switch req.Method {

	// ── Discovery ────────────────────────────────────
	case "initialize":
		return gw.handleInitialize(req)

	case "tools/list":
		return gw.handleToolsList(req)

	// ── Tool Invocation ──────────────────────────────
	case "tools/call":
		return gw.handleToolsCall(ctx, req)

	// ── Notifications (no response) ──────────────────
	case "notifications/initialized":
		log.Debug().Str("agent", gw.name).Msg("MCP client initialized")
		return nil

	case "ping":
		return resultResponse(req.ID, map[string]string{"status": "pong"})

	default:
		if req.ID == nil {
			return nil
		}
		return errorResponse(req.ID, CodeMethodNotFound, "Method not found",
			fmt.Sprintf("Method '%s' is not supported by %s", req.Method, gw.name))
	}
}

func (gw *Gateway) handleInitialize(req *models.MCPRequest) *models.MCPResponse {
	return resultResponse(req.ID, map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]interface{}{
			"tools": map[string]bool{"listChanged": false},
		},
		"serverInfo": map[string]string{
			"name":    gw.name,
			"version": gw.version,
		},
	})
}

func (gw *Gateway) handleToolsList(req *models.MCPRequest) *models.MCPResponse {
	descs := gw.tools.Descriptors()
	tools := make([]models.MCPToolInfo, 0, len(descs))
	for _, d := range descs {
		tools = append(tools, models.MCPToolInfo{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.JSONSchema(),
		})
	}
	return resultResponse(req.ID, map[string]interface{}{"tools": tools})
}

func (gw *Gateway) handleToolsCall(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	var params models.MCPToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		detail := "missing tool name"
		if err != nil {
			detail = err.Error()
		}
		return errorResponse(req.ID, CodeInvalidParams, "Invalid params", detail)
	}

	out, err := gw.tools.Call(ctx, params.Name, params.Arguments)
	switch {
	case errors.Is(err, executor.ErrUnknownTool):
		return errorResponse(req.ID, CodeToolNotFound, "Tool not found",
			fmt.Sprintf("Tool '%s' is not served by %s", params.Name, gw.name))
	case executor.IsArgumentError(err):
		return errorResponse(req.ID, CodeInvalidParams, "Invalid params", err.Error())
	case err != nil:
		log.Warn().Err(err).Str("agent", gw.name).Str("tool", params.Name).Msg("Tool execution failed")
		return resultResponse(req.ID, models.MCPToolResult{
			Content: []models.MCPContent{{Type: "text", Text: executor.ErrorPayload(err)}},
			IsError: true,
		})
	}
	return resultResponse(req.ID, models.MCPToolResult{
		Content: []models.MCPContent{{Type: "text", Text: out}},
	})
}

// ── Response helpers ────────────────────────────────────────

func resultResponse(id interface{}, v interface{}) *models.MCPResponse {
	raw, err := json.Marshal(v)
	if err != nil {
		return errorResponse(id, CodeInternalError, "Internal error", err.Error())
	}
	return &models.MCPResponse{Jsonrpc: "2.0", Result: raw, ID: id}
}

func errorResponse(id interface{}, code int, msg string, data interface{}) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Error:   &models.MCPError{Code: code, Message: msg, Data: data},
		ID:      id,
	}
}

// handleRaw decodes one wire message and returns the encoded response, or
// nil when no response is due.
func (gw *Gateway) handleRaw(ctx context.Context, data []byte) (out []byte) {
	var req models.MCPRequest
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("agent", gw.name).Interface("panic", r).Msg("MCP request handling panicked")
			out, _ = json.Marshal(errorResponse(req.ID, CodeInternalError, "Internal error", fmt.Sprint(r)))
		}
	}()
	if err := json.Unmarshal(data, &req); err != nil {
		out, _ := json.Marshal(errorResponse(nil, CodeParseError, "Parse error", err.Error()))
		return out
	}
	resp := gw.HandleJSONRPC(ctx, &req)
	if resp == nil {
		return nil
	}
	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(errorResponse(req.ID, CodeInternalError, "Internal error", err.Error()))
	}
	return out
}
