package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/sourcesync/internal/operation"
	"github.com/kalambet/sourcesync/internal/retrieval"
	"github.com/kalambet/sourcesync/internal/source"
	"github.com/kalambet/sourcesync/internal/storage"
)

// OperationGetter loads index operations for status reporting.
type OperationGetter interface {
	GetOperation(ctx context.Context, id string) (storage.IndexOperation, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Syncer     Syncer
	Operations OperationGetter
	Searcher   Searcher // optional; search_index reports an error when nil
	Version    string
	Logger     *slog.Logger
}

// NewMCPServer creates an MCP server with the sourcesync tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	s := server.NewMCPServer(
		"sourcesync",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("sourcesync keeps external data sources (web pages, crawled sites, remote files, YouTube videos) indexed in a local vector store."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("sync_data_source",
			mcp.WithDescription("Re-index a data source. Returns the data source after the sync has been dispatched."),
			mcp.WithString("data_source_id", mcp.Description("ID of the data source"), mcp.Required()),
		),
		mcpSync(deps),
	)

	s.AddTool(
		mcp.NewTool("crawl_data_source",
			mcp.WithDescription("Crawl the sitemaps of a WEB_CRAWL data source and queue every matching page for indexing."),
			mcp.WithString("data_source_id", mcp.Description("ID of the data source"), mcp.Required()),
			mcp.WithString("url", mcp.Description("Site or sitemap URL; defaults to the data source URL")),
			mcp.WithString("path_regex", mcp.Description("Only index pages whose path matches this regular expression")),
		),
		mcpCrawl(deps),
	)

	s.AddTool(
		mcp.NewTool("get_index_operation",
			mcp.WithDescription("Report the status, counts and errors of an index operation."),
			mcp.WithString("operation_id", mcp.Description("ID of the index operation"), mcp.Required()),
		),
		mcpGetOperation(deps),
	)

	s.AddTool(
		mcp.NewTool("search_index",
			mcp.WithDescription("Semantically search the indexed content and return the most relevant chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("data_source_id", mcp.Description("Restrict results to one data source")),
		),
		mcpSearch(deps),
	)

	return s
}

func mcpSync(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("data_source_id")
		if err != nil {
			return mcpError("data_source_id is required"), nil
		}

		ds, err := deps.Syncer.Sync(context.WithoutCancel(ctx), id, true)
		if err != nil {
			return mcpError(describeError("sync", err)), nil
		}
		return mcpJSON(ds)
	}
}

func mcpCrawl(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("data_source_id")
		if err != nil {
			return mcpError("data_source_id is required"), nil
		}

		op, err := deps.Syncer.Crawl(context.WithoutCancel(ctx), id,
			req.GetString("url", ""), req.GetString("path_regex", ""), map[string]any{"origin": "mcp"})
		if err != nil {
			return mcpError(describeError("crawl", err)), nil
		}
		return mcpJSON(op)
	}
}

func mcpGetOperation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("operation_id")
		if err != nil {
			return mcpError("operation_id is required"), nil
		}

		op, err := deps.Operations.GetOperation(ctx, id)
		if err != nil {
			return mcpError(describeError("get operation", err)), nil
		}
		return mcpJSON(op)
	}
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Searcher == nil {
			return mcpError("search not available: no embedding model configured"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		chunks, err := deps.Searcher.Retrieve(ctx, query, limit, retrieval.Filter{
			DataSourceID: req.GetString("data_source_id", ""),
		})
		if err != nil {
			deps.Logger.Error("search failed", "error", err)
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		type chunkResult struct {
			ID           string  `json:"id"`
			DataSourceID string  `json:"data_source_id"`
			SourceType   string  `json:"source_type"`
			URL          string  `json:"url,omitempty"`
			Text         string  `json:"text"`
			Score        float32 `json:"score"`
		}

		results := make([]chunkResult, len(chunks))
		for i, c := range chunks {
			results[i] = chunkResult{
				ID:           c.ID,
				DataSourceID: c.DataSourceID,
				SourceType:   c.SourceType,
				URL:          c.URL,
				Text:         c.Text,
				Score:        c.Score,
			}
		}
		return mcpJSON(results)
	}
}

// describeError renders err for a tool result, naming the typed failures.
func describeError(action string, err error) string {
	var (
		conflict    *operation.ConflictError
		unsupported *source.UnsupportedTypeError
	)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Sprintf("not found: %v", err)
	case errors.As(err, &conflict):
		return fmt.Sprintf("conflict: %v", err)
	case errors.As(err, &unsupported):
		return fmt.Sprintf("unsupported: %v", err)
	}
	return fmt.Sprintf("%s failed: %v", action, err)
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
