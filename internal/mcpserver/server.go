package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Lure tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("lure", "1.0.0")
	client := NewLureClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolSubmitMessage, h.HandleSubmitMessage)
	s.AddTool(ToolGetSession, h.HandleGetSession)
	s.AddTool(ToolListSessions, h.HandleListSessions)
	s.AddTool(ToolFinalizeSession, h.HandleFinalizeSession)

	return s
}
