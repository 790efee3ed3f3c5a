package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *LureClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *LureClient) *Handlers {
	return &Handlers{client: client}
}

// HandleSubmitMessage feeds a message into a session.
func (h *Handlers) HandleSubmitMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	text := req.GetString("text", "")
	sender := req.GetString("sender", "scammer")

	raw, err := h.client.SubmitMessage(ctx, sessionID, sender, text)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit message: %v", err)), nil
	}

	out, err := formatTurnResult(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	return mcp.NewToolResultText(out), nil
}

// HandleGetSession fetches a session transcript.
func (h *Handlers) HandleGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session: %v", err)), nil
	}

	out, err := formatSession(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	return mcp.NewToolResultText(out), nil
}

// HandleListSessions lists all sessions.
func (h *Handlers) HandleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListSessions(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list sessions: %v", err)), nil
	}

	out, err := formatSessionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sessions: %v", err)), nil
	}

	return mcp.NewToolResultText(out), nil
}

// HandleFinalizeSession closes a session and dispatches its report.
func (h *Handlers) HandleFinalizeSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.FinalizeSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to finalize session: %v", err)), nil
	}

	out, err := formatFinalizeOutcome(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse outcome: %v", err)), nil
	}

	return mcp.NewToolResultText(out), nil
}

// -----------------------------------------------------------------------------
// Formatters
// -----------------------------------------------------------------------------

func formatTurnResult(raw json.RawMessage) (string, error) {
	var res struct {
		SessionID    string  `json:"sessionId"`
		Reply        string  `json:"reply"`
		ScamDetected bool    `json:"scamDetected"`
		Confidence   float64 `json:"confidence"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Session: %s\n", res.SessionID)
	fmt.Fprintf(&sb, "Scam detected: %v (confidence %.2f)\n", res.ScamDetected, res.Confidence)
	fmt.Fprintf(&sb, "\nHoneypot reply:\n%s", res.Reply)
	return sb.String(), nil
}

func formatSession(raw json.RawMessage) (string, error) {
	var sess struct {
		ID           string  `json:"sessionId"`
		ScamDetected bool    `json:"scamDetected"`
		Confidence   float64 `json:"confidence"`
		TurnCount    int     `json:"turnCount"`
		Status       string  `json:"status"`
		History      []struct {
			Sender string `json:"sender"`
			Text   string `json:"text"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &sess); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Session: %s\n", sess.ID)
	fmt.Fprintf(&sb, "Status: %s | Turns: %d\n", sess.Status, sess.TurnCount)
	fmt.Fprintf(&sb, "Scam detected: %v (confidence %.2f)\n\n", sess.ScamDetected, sess.Confidence)
	sb.WriteString("Transcript:\n")
	for _, m := range sess.History {
		fmt.Fprintf(&sb, "  [%s] %s\n", m.Sender, m.Text)
	}
	return sb.String(), nil
}

func formatSessionList(raw json.RawMessage) (string, error) {
	var res struct {
		Count    int `json:"count"`
		Sessions []struct {
			ID           string  `json:"sessionId"`
			ScamDetected bool    `json:"scamDetected"`
			Confidence   float64 `json:"confidence"`
			TurnCount    int     `json:"turnCount"`
			Status       string  `json:"status"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", err
	}

	if res.Count == 0 {
		return "No sessions found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d session(s):\n\n", res.Count)
	for _, s := range res.Sessions {
		flag := ""
		if s.ScamDetected {
			flag = " [SCAM]"
		}
		fmt.Fprintf(&sb, "- %s%s\n", s.ID, flag)
		fmt.Fprintf(&sb, "  Status: %s | Turns: %d | Confidence: %.2f\n", s.Status, s.TurnCount, s.Confidence)
	}
	return sb.String(), nil
}

func formatFinalizeOutcome(raw json.RawMessage) (string, error) {
	var res struct {
		SessionID string          `json:"sessionId"`
		Status    string          `json:"status"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		Message   string          `json:"message,omitempty"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", err
	}

	var sb strings.Builder
	switch res.Status {
	case "already_finalized":
		fmt.Fprintf(&sb, "Session %s was already finalized. No report sent.", res.SessionID)
	case "success":
		fmt.Fprintf(&sb, "Session %s finalized. Intelligence report dispatched.\n", res.SessionID)
		if len(res.Payload) > 0 {
			fmt.Fprintf(&sb, "\nReport:\n%s", formatJSON(res.Payload))
		}
	case "error":
		fmt.Fprintf(&sb, "Report delivery for session %s failed: %s\n", res.SessionID, res.Message)
		sb.WriteString("The session remains open; retry finalize_session later.")
	default:
		fmt.Fprintf(&sb, "Finalize of session %s returned status %q.", res.SessionID, res.Status)
	}
	return sb.String(), nil
}

// formatJSON pretty-prints raw JSON, falling back to the raw bytes.
func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
