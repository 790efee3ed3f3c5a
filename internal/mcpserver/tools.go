package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Lure MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolSubmitMessage = mcp.NewTool("submit_message",
	mcp.WithDescription(
		"Feed an inbound message into a honeypot session. "+
			"Creates the session on first use, scores the message for scam signals, "+
			"and returns the honeypot persona's reply along with the current "+
			"detection state (scamDetected, confidence)."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session identifier. Any stable ID for the conversation, e.g. a phone number hash or chat thread ID.")),
	mcp.WithString("text",
		mcp.Required(),
		mcp.Description("The message text as received from the suspected scammer.")),
	mcp.WithString("sender",
		mcp.Description("Label for the sender, defaults to 'scammer'.")),
)

var ToolGetSession = mcp.NewTool("get_session",
	mcp.WithDescription(
		"Fetch the full state of a honeypot session: transcript, turn count, "+
			"scam detection status, confidence score, and whether it has been finalized. "+
			"Use this to review what a scammer has said so far."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session identifier to look up.")),
)

var ToolListSessions = mcp.NewTool("list_sessions",
	mcp.WithDescription(
		"List all honeypot sessions with their turn counts, detection status, "+
			"and confidence scores. Use this to find active conversations worth reviewing."),
)

var ToolFinalizeSession = mcp.NewTool("finalize_session",
	mcp.WithDescription(
		"Close a honeypot session and dispatch its intelligence report "+
			"(transcript, extracted bank accounts, phone numbers, URLs, keywords) "+
			"to the configured collector. Safe to retry: if delivery fails the "+
			"session stays open, and re-finalizing an already-closed session is a no-op."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session identifier to finalize.")),
)
