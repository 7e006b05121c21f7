// Package mcpadapter exposes read-only grading tools over the Model Context
// Protocol.
package mcpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/core/ports"
)

const (
	serverName    = "scan-grader"
	serverVersion = "1.0.0"
)

type Server struct {
	sessions  ports.SessionRepository
	previewer ports.GradePreviewer
	feedback  ports.FeedbackReporter
	logger    *slog.Logger
}

// New takes the durable session store rather than the live pipeline; the MCP
// server runs as its own process and only sees checkpoints.
func New(sessions ports.SessionRepository, previewer ports.GradePreviewer, feedback ports.FeedbackReporter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sessions: sessions, previewer: previewer, feedback: feedback, logger: logger}
}

// MCPServer registers every tool whose backing port is configured.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))

	if s.previewer != nil {
		srv.AddTool(mcp.NewTool("preview_grade",
			mcp.WithDescription("Compute the final grade for a piece of work under the user's grade policy."),
			mcp.WithBoolean("has_work", mcp.Required(), mcp.Description("Whether the student attempted the question.")),
			mcp.WithNumber("raw_percentage", mcp.Description("Raw score percentage, 0 to 100.")),
			mcp.WithNumber("proficiency_level", mcp.Description("Proficiency level, 0 to 4. Takes precedence over raw_percentage.")),
			mcp.WithString("user_id", mcp.Description("Teacher whose grade policy applies.")),
		), s.previewGrade)
	}
	if s.sessions != nil {
		srv.AddTool(mcp.NewTool("session_status",
			mcp.WithDescription("Show the last checkpoint of the scan session held under a key."),
			mcp.WithString("key", mcp.Required(), mcp.Description("Session key, usually the device identifier.")),
		), s.sessionStatus)
	}
	if s.feedback != nil {
		srv.AddTool(mcp.NewTool("feedback_summary",
			mcp.WithDescription("Summarize teacher verdicts per grading strategy."),
			mcp.WithString("user_id", mcp.Description("Restrict to one teacher.")),
			mcp.WithString("since", mcp.Description("RFC 3339 lower bound.")),
		), s.feedbackSummary)
	}
	return srv
}

// ServeStdio blocks until stdin closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.MCPServer())
}

func (s *Server) previewGrade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hasWork, err := req.RequireBool("has_work")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	in := domain.NormalizationInput{HasWork: hasWork}
	args := req.GetArguments()
	if _, ok := args["raw_percentage"]; ok {
		pct := req.GetFloat("raw_percentage", 0)
		in.RawPercentage = &pct
	}
	if _, ok := args["proficiency_level"]; ok {
		level := req.GetInt("proficiency_level", 0)
		in.ProficiencyLevel = &level
	}

	grade, policy, err := s.previewer.PreviewGrade(ctx, req.GetString("user_id", ""), in)
	if err != nil {
		return s.toolError("preview_grade", err), nil
	}
	return jsonResult(map[string]any{"final_grade": grade, "policy": policy})
}

func (s *Server) sessionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	record, err := s.sessions.Load(ctx, key)
	if err != nil {
		return s.toolError("session_status", err), nil
	}

	status := map[string]any{
		"session_id":       record.SessionID,
		"state":            record.ScanState,
		"page_count":       len(record.AdditionalImages) + 1,
		"student_id":       record.StudentID,
		"question_index":   record.CurrentQuestionIndex,
		"saved_at":         record.SavedAt().UTC(),
		"graded_questions": len(record.MultiQuestionResults),
	}
	if record.FinalImage == "" {
		status["page_count"] = 0
	}
	if record.Adjudication != nil {
		status["adjudication"] = record.Adjudication
	}
	return jsonResult(status)
}

func (s *Server) feedbackSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := domain.FeedbackFilter{UserID: req.GetString("user_id", "")}
	if raw := req.GetString("since", ""); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since: %v", err)), nil
		}
		filter.Since = since
	}
	rows, err := s.feedback.Summarize(ctx, filter)
	if err != nil {
		return s.toolError("feedback_summary", err), nil
	}
	return jsonResult(map[string]any{"strategies": rows})
}

// toolError reports domain failures inside the tool result so the client sees
// them; only transport problems become protocol errors.
func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return mcp.NewToolResultError("no saved session for this key")
	case errors.Is(err, domain.ErrUnrecoverableSession):
		return mcp.NewToolResultError("saved session cannot be restored")
	case domain.IsKind(err, domain.ErrInvalidInput):
		return mcp.NewToolResultError(err.Error())
	default:
		s.logger.Error("mcp_tool_failed", "tool", tool, "error", err)
		return mcp.NewToolResultError("internal error")
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}
