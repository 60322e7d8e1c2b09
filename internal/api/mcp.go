package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/streamdl/internal/ytdlp"
)

// Prober inspects sources without downloading them.
type Prober interface {
	Probe(ctx context.Context, url string) (ytdlp.Info, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Prober       Prober
	Requirements []ytdlp.Requirement
	Version      string
}

// NewMCPServer creates an MCP server exposing source probing and toolchain
// diagnostics.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"streamdl",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("streamdl extracts audio from media URLs. Probe a URL before asking the service to download it."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("probe_source",
			mcp.WithDescription("Inspect a media URL and report its title and whether it is a single item or a collection, without downloading anything."),
			mcp.WithString("url", mcp.Description("Media or playlist URL"), mcp.Required()),
		),
		mcpProbeSource(deps),
	)

	s.AddTool(
		mcp.NewTool("check_toolchain",
			mcp.WithDescription("Report whether the external binaries used for extraction are installed."),
		),
		mcpCheckToolchain(deps),
	)

	return s
}

type probeResult struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Type      string `json:"type"`
	MultiItem bool   `json:"multi_item"`
	Items     int    `json:"items"`
}

func mcpProbeSource(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil || strings.TrimSpace(url) == "" {
			return mcpError("url is required"), nil
		}

		info, err := deps.Prober.Probe(ctx, strings.TrimSpace(url))
		if err != nil {
			return mcpError(fmt.Sprintf("probe failed: %v", err)), nil
		}

		b, err := json.Marshal(probeResult{
			ID:        info.ID,
			Title:     info.Title,
			Type:      info.Type,
			MultiItem: info.IsMulti(),
			Items:     info.Entries,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCheckToolchain(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		type binary struct {
			Name      string `json:"name"`
			Command   string `json:"command"`
			Available bool   `json:"available"`
			Path      string `json:"path,omitempty"`
			Detail    string `json:"detail,omitempty"`
		}

		statuses := ytdlp.CheckBinaries(deps.Requirements)
		results := make([]binary, len(statuses))
		for i, st := range statuses {
			results[i] = binary{
				Name:      st.Name,
				Command:   st.Command,
				Available: st.Available,
				Path:      st.Path,
				Detail:    st.Detail,
			}
		}

		b, err := json.Marshal(results)
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
