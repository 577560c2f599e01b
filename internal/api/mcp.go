package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tadeu718/devmesh/internal/storage"
)

// NewMCPServer exposes the fleet memory to LLM agents as MCP tools. The
// tools ride the same search layer as the HTTP endpoints; nothing here can
// write.
func NewMCPServer(searcher Searcher, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"devmesh",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("DevMesh — semantic memory over the fleet's journal. Search canonical log templates or query raw events."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_templates",
			mcp.WithDescription("Semantically search canonical log templates and return the closest patterns with representative events."),
			mcp.WithString("query", mcp.Description("Natural-language search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum templates to return (default 10)")),
			mcp.WithNumber("examples", mcp.Description("Example events per template (default 2)")),
			mcp.WithString("service", mcp.Description("Restrict to one service")),
			mcp.WithString("level", mcp.Description("Restrict to one log level")),
		),
		mcpSearchTemplates(searcher),
	)

	s.AddTool(
		mcp.NewTool("query_logs",
			mcp.WithDescription("Query raw log events by relational filters (service, host, level, time range)."),
			mcp.WithString("service", mcp.Description("Filter by service name")),
			mcp.WithString("host", mcp.Description("Filter by host name")),
			mcp.WithString("level", mcp.Description("Filter by log level")),
			mcp.WithString("start_time", mcp.Description("Window start, RFC3339")),
			mcp.WithString("end_time", mcp.Description("Window end, RFC3339")),
			mcp.WithNumber("limit", mcp.Description("Maximum events to return (default 50)")),
		),
		mcpQueryLogs(searcher),
	)

	return s
}

func mcpSearchTemplates(searcher Searcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		examples := req.GetInt("examples", 2)
		filter := storage.TemplateFilter{
			Service: req.GetString("service", ""),
			Level:   req.GetString("level", ""),
		}

		res, err := searcher.SearchTemplates(ctx, query, limit, examples, filter)
		if err != nil {
			return mcpError(fmt.Sprintf("template search failed: %v", err)), nil
		}
		if res.Degraded {
			return mcpError("embedding backend unreachable; semantic search is degraded"), nil
		}

		out := TemplateSearchResponse{Results: []TemplateSearchHit{}}
		for _, h := range res.Hits {
			hit := TemplateSearchHit{
				Template: toTemplateResponse(h.Template),
				Distance: h.Distance,
				Examples: []EventResponse{},
			}
			for _, e := range h.Examples {
				hit.Examples = append(hit.Examples, toEventResponse(e))
			}
			out.Results = append(out.Results, hit)
		}

		b, err := json.Marshal(out.Results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpQueryLogs(searcher Searcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filter := storage.EventFilter{
			Service: req.GetString("service", ""),
			Host:    req.GetString("host", ""),
			Level:   req.GetString("level", ""),
			Limit:   req.GetInt("limit", 50),
		}
		if s := req.GetString("start_time", ""); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid start_time: %v", err)), nil
			}
			filter.Start = t
		}
		if s := req.GetString("end_time", ""); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid end_time: %v", err)), nil
			}
			filter.End = t
		}

		events, err := searcher.QueryEvents(ctx, filter)
		if err != nil {
			return mcpError(fmt.Sprintf("log query failed: %v", err)), nil
		}

		out := make([]EventResponse, len(events))
		for i, e := range events {
			out[i] = toEventResponse(e)
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
