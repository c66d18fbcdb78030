package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/amakenya/ama/internal/assistant"
	"github.com/amakenya/ama/internal/retrieval"
	"github.com/amakenya/ama/internal/storage"
	"github.com/amakenya/ama/internal/usercontext"
)

// MCPRetriever abstracts semantic search for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, query, county string, topK int) ([]retrieval.ContextChunk, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Contexts  ContextProvider
	Assistant Answerer
	Retriever MCPRetriever
}

// NewMCPServer creates an MCP server exposing the civic assistant to agent
// hosts over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"ama",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("ama — Kenya civic knowledge assistant with per-user personalization."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("civic_ask",
			mcp.WithDescription("Ask the civic assistant a question, personalized to a user and grounded in the knowledge base."),
			mcp.WithString("user_id", mcp.Description("User the answer is personalized for"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Conversation session identifier"), mcp.Required()),
			mcp.WithString("query", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("language", mcp.Description("Response language, 'en' or 'sw' (default en)")),
		),
		mcpCivicAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Semantically search the civic knowledge base and return matching chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("county", mcp.Description("Boost results from this county")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("get_user_context",
			mcp.WithDescription("Return the aggregated personalization context for a user as JSON."),
			mcp.WithString("user_id", mcp.Description("User identifier"), mcp.Required()),
		),
		mcpGetUserContext(deps),
	)

	s.AddTool(
		mcp.NewTool("record_event",
			mcp.WithDescription("Record a civic action (issue report, promise track, post, comment, politician follow) for a user."),
			mcp.WithString("user_id", mcp.Description("User identifier"), mcp.Required()),
			mcp.WithString("kind", mcp.Description("Event kind: issue_report, promise_track, post, comment, politician_follow"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Issue type or topic, when applicable")),
			mcp.WithString("target", mcp.Description("Politician name for follows")),
		),
		mcpRecordEvent(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"ama://base-prompt",
			"Base System Prompt",
			mcp.WithResourceDescription("The system prompt personalization is layered on"),
			mcp.WithMIMEType("text/plain"),
		),
		mcpResourceBasePrompt(),
	)

	return s
}

func mcpCivicAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		resp, err := deps.Assistant.Answer(ctx, assistant.Request{
			UserID:    userID,
			SessionID: sessionID,
			Query:     query,
			Language:  req.GetString("language", "en"),
		})
		if errors.Is(err, usercontext.ErrProfileNotFound) {
			return mcpError(fmt.Sprintf("no profile for user %s", userID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("answering failed: %v", err)), nil
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		county := req.GetString("county", "")
		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		chunks, err := deps.Retriever.Retrieve(ctx, query, county, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		type chunkResult struct {
			ID     string  `json:"id"`
			DocID  string  `json:"doc_id"`
			Title  string  `json:"title"`
			County string  `json:"county,omitempty"`
			Text   string  `json:"text"`
			Score  float32 `json:"score"`
			Local  bool    `json:"local"`
		}

		results := make([]chunkResult, len(chunks))
		for i, c := range chunks {
			results[i] = chunkResult{
				ID:     c.ID,
				DocID:  c.DocID,
				Title:  c.Title,
				County: c.County,
				Text:   c.Text,
				Score:  c.Score,
				Local:  c.Local,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpGetUserContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		uc, err := deps.Contexts.GetUserContext(ctx, userID)
		if errors.Is(err, usercontext.ErrProfileNotFound) {
			return mcpError(fmt.Sprintf("no profile for user %s", userID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to build context: %v", err)), nil
		}

		b, err := json.Marshal(uc)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal context: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecordEvent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		kind, err := req.RequireString("kind")
		if err != nil {
			return mcpError("kind is required"), nil
		}
		if !validKinds[kind] {
			return mcpError(fmt.Sprintf("unknown event kind %q", kind)), nil
		}

		event := storage.Event{
			ID:        uuid.NewString(),
			UserID:    userID,
			Kind:      kind,
			Category:  req.GetString("category", ""),
			Target:    req.GetString("target", ""),
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.RecordEvent(ctx, event); err != nil {
			return mcpError(fmt.Sprintf("failed to record event: %v", err)), nil
		}

		payload, err := json.Marshal(map[string]string{"user_id": userID})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal rollup payload: %v", err)), nil
		}
		job := storage.Job{ID: uuid.NewString(), Type: storage.JobActivityRollup, PayloadJSON: string(payload)}
		if err := deps.Store.EnqueueJob(job); err != nil {
			return mcpError(fmt.Sprintf("event recorded but failed to queue rollup: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Recorded %s event %s", kind, event.ID)), nil
	}
}

func mcpResourceBasePrompt() server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     assistant.BasePrompt,
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
