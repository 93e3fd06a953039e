package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	corerpc "github.com/artpar/shipyard/internal/core/rpc"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewMCPServer exposes every method of d as an MCP tool of the same name.
// Tool arguments are the method's named arguments.
func NewMCPServer(d *Dispatcher, version string, logger *slog.Logger) *mcp.Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := mcp.NewServer(&mcp.Implementation{Name: "shipyard", Version: version}, &mcp.ServerOptions{
		Logger: logger.With("component", "mcp"),
	})

	for _, m := range d.Methods() {
		srv.AddTool(&mcp.Tool{
			Name:        m.Name,
			Description: m.Description,
			InputSchema: inputSchema(m),
		}, toolHandler(d, m.Name))
	}
	return srv
}

// NewMCPHandler serves srv over the streamable HTTP transport.
func NewMCPHandler(srv *mcp.Server, logger *slog.Logger) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return srv
	}, &mcp.StreamableHTTPOptions{Logger: logger})
}

func inputSchema(m Method) *jsonschema.Schema {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(m.Params)),
	}
	for _, p := range m.Params {
		schema.Properties[p.Name] = &jsonschema.Schema{Type: p.Type}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return schema
}

func toolHandler(d *Dispatcher, method string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}

		resp := d.Dispatch(ctx, corerpc.Request{Method: method, Args: args})
		if resp.Error != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(resp.Error.Kind + ": " + resp.Error.Message))
			return &res, nil
		}

		text := string(resp.Result)
		if text == "" {
			text = "null"
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, nil
	}
}
