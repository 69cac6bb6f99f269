// Package mcp exposes a vecmemo service as MCP tools over stdio.
package mcp

import (
	"context"
	"fmt"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/abdul-hamid-achik/vecmemo/internal/service"
	"github.com/abdul-hamid-achik/vecmemo/internal/version"
)

// IndexInput is the input for vecmemo_index.
type IndexInput struct {
	SourceType string `json:"source_type" jsonschema:"Short tag classifying the document, e.g. \"note\" or \"event\"."`
	SourceID   int64  `json:"source_id" jsonschema:"Application-side 64-bit id of the document."`
	Text       string `json:"text" jsonschema:"The document text to index."`
	PairID     *int64 `json:"pair_id,omitempty" jsonschema:"Optional related document id."`
	ParentID   *int64 `json:"parent_id,omitempty" jsonschema:"Optional parent document id."`
}

// SearchInput is the input for vecmemo_search.
type SearchInput struct {
	Query      string  `json:"query" jsonschema:"Natural-language query."`
	Limit      int     `json:"limit,omitempty" jsonschema:"Maximum number of results."`
	MinScore   float64 `json:"min_score,omitempty" jsonschema:"Minimum cosine similarity in [-1, 1]."`
	SourceType string  `json:"source_type,omitempty" jsonschema:"Restrict results to one source type."`
	Match      string  `json:"match,omitempty" jsonschema:"Full-text filter applied to stored chunk text."`
}

// DeleteInput is the input for vecmemo_delete.
type DeleteInput struct {
	SourceID   int64  `json:"source_id" jsonschema:"Document id to delete."`
	SourceType string `json:"source_type,omitempty" jsonschema:"Source type; empty deletes the id across all types."`
}

// StatsInput is the input for vecmemo_stats (empty).
type StatsInput struct{}

// Server wraps the official MCP SDK server around a bound service.
type Server struct {
	server *sdkmcp.Server
	svc    *service.Service
}

// NewServer creates the MCP server and registers the document tools.
func NewServer(svc *service.Service) *Server {
	s := &Server{svc: svc}

	s.server = sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "vecmemo",
		Version: version.Version,
	}, &sdkmcp.ServerOptions{
		Instructions: "vecmemo provides semantic search over application documents. " +
			"Use vecmemo_index to store a document, vecmemo_search to find similar ones, " +
			"vecmemo_delete to remove one, and vecmemo_stats for index statistics.",
	})

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "vecmemo_index",
		Description: "Chunk, embed and store a document so it becomes searchable. Re-indexing the same (source_type, source_id) replaces the previous content.",
	}, s.handleIndex)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "vecmemo_search",
		Description: "Search indexed documents by semantic similarity. Returns chunks ranked by cosine score.",
	}, s.handleSearch)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "vecmemo_delete",
		Description: "Delete an indexed document and garbage-collect its orphaned embeddings.",
	}, s.handleDelete)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "vecmemo_stats",
		Description: "Get index statistics: embeddings, chunks, distinct sources and queue state.",
	}, s.handleStats)

	return s
}

// Run serves MCP over stdio until the context ends.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &sdkmcp.StdioTransport{})
}

func (s *Server) handleIndex(ctx context.Context, req *sdkmcp.CallToolRequest, input IndexInput) (*sdkmcp.CallToolResult, any, error) {
	if input.SourceType == "" || input.Text == "" {
		return errorResult("source_type and text are required"), nil, nil
	}
	if err := s.svc.Index(ctx, input.SourceType, input.SourceID, input.Text, input.PairID, input.ParentID); err != nil {
		return errorResult(fmt.Sprintf("Index failed: %v", err)), nil, nil
	}
	return textResult(fmt.Sprintf("Indexed %s/%d.", input.SourceType, input.SourceID)), nil, nil
}

func (s *Server) handleSearch(ctx context.Context, req *sdkmcp.CallToolRequest, input SearchInput) (*sdkmcp.CallToolResult, any, error) {
	if input.Query == "" {
		return errorResult("query is required"), nil, nil
	}

	opts := service.DefaultSearchOptions()
	if input.Limit > 0 {
		opts.Limit = input.Limit
	}
	if input.MinScore != 0 {
		opts.MinScore = input.MinScore
	}
	opts.SourceType = input.SourceType
	opts.Match = input.Match
	opts.IncludeText = s.svc.DB().StoresText()

	results, err := s.svc.Search(ctx, input.Query, opts)
	if err != nil {
		return errorResult(fmt.Sprintf("Search failed: %v", err)), nil, nil
	}
	if len(results) == 0 {
		return textResult("No results."), nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d results:\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s/%d (score %.3f, chunk %d)\n", i+1, r.SourceType, r.SourceID, r.Score, r.ChunkID)
		if r.Text != "" {
			sb.WriteString("   ")
			sb.WriteString(strings.ReplaceAll(r.Text, "\n", "\n   "))
			sb.WriteString("\n")
		}
	}
	return textResult(sb.String()), nil, nil
}

func (s *Server) handleDelete(ctx context.Context, req *sdkmcp.CallToolRequest, input DeleteInput) (*sdkmcp.CallToolResult, any, error) {
	deleted, err := s.svc.Delete(ctx, input.SourceID, input.SourceType)
	if err != nil {
		return errorResult(fmt.Sprintf("Delete failed: %v", err)), nil, nil
	}
	return textResult(fmt.Sprintf("Deleted %d chunks.", deleted)), nil, nil
}

func (s *Server) handleStats(ctx context.Context, req *sdkmcp.CallToolRequest, input StatsInput) (*sdkmcp.CallToolResult, any, error) {
	stats, err := s.svc.Stats(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("Stats failed: %v", err)), nil, nil
	}
	svc := s.svc.Service()
	text := fmt.Sprintf(
		"Service: %s (%s, %d dims)\nEmbeddings: %d\nChunks: %d\nSources: %d\nQueue: %d pending, %d succeeded, %d failed",
		svc.Name, svc.Model, svc.Dimensions,
		stats.Embeddings, stats.Chunks, stats.Sources,
		stats.Queue.Pending, stats.Queue.Succeeded, stats.Queue.Failed)
	return textResult(text), nil, nil
}

func textResult(text string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: text}},
	}
}

func errorResult(text string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: text}},
		IsError: true,
	}
}
