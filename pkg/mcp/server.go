package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/rmax-ai/lampchain/pkg/graph"
	"github.com/rmax-ai/lampchain/pkg/guard"
	"github.com/rmax-ai/lampchain/pkg/invite"
	"github.com/rmax-ai/lampchain/pkg/lamp"
)

// Server exposes the lamp graph over the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	store     lamp.Store
	guard     *guard.Guard
	resolver  *invite.Resolver
	logger    *zap.Logger
}

// NewServer creates a new MCP server instance over st, usually a
// client.Client pointed at lampd.
func NewServer(st lamp.Store, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{
		mcpServer: server.NewMCPServer(
			"lampchain",
			version,
		),
		store:    st,
		guard:    guard.New(st, logger),
		resolver: invite.NewResolver(st, logger),
		logger:   logger,
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	// lampchain://graph
	s.mcpServer.AddResource(mcp.NewResource(
		"lampchain://graph",
		"Lamp Graph",
		mcp.WithResourceDescription("Every lamp (id, coordinates, message) and every invitation edge"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadGraph)

	// lampchain://count
	s.mcpServer.AddResource(mcp.NewResource(
		"lampchain://count",
		"Lamp Counter",
		mcp.WithResourceDescription("Number of diyas lit worldwide"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadCount)
}

// --- Tools ---

func (s *Server) registerTools() {
	// resolve_invite
	s.mcpServer.AddTool(mcp.NewTool(
		"resolve_invite",
		mcp.WithDescription("Check an invite. Accepts a share link, or a lamp_id and token pair. Returns the inviting lamp's position when valid."),
		mcp.WithString("link", mcp.Description("A share link containing lamp and token parameters")),
		mcp.WithString("lamp_id", mcp.Description("The inviting lamp id")),
		mcp.WithString("token", mcp.Description("The share token from the link")),
	), s.handleResolveInvite)

	// check_origin
	s.mcpServer.AddTool(mcp.NewTool(
		"check_origin",
		mcp.WithDescription("Check whether a network origin may still light a diya."),
		mcp.WithString("origin", mcp.Required(), mcp.Description("The network origin, usually a public IP address")),
	), s.handleCheckOrigin)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"lampchain-aware",
		mcp.WithPromptDescription("Provides context about Chain of Light concepts (lamps, invites, origins)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func (s *Server) handleReadGraph(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	rec := graph.NewReconciler(s.store, graph.NewCache(), s.logger)
	if err := rec.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to fetch graph: %w", err)
	}
	return jsonContents(request.Params.URI, rec.Cache().Snapshot())
}

func (s *Server) handleReadCount(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	n, err := s.store.CountLamps(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count lamps: %w", err)
	}
	return jsonContents(request.Params.URI, map[string]int{"count": n})
}

func (s *Server) handleResolveInvite(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := invite.Ref{
		LampID: mcp.ParseString(request, "lamp_id", ""),
		Token:  mcp.ParseString(request, "token", ""),
	}
	if link := mcp.ParseString(request, "link", ""); link != "" {
		parsed, err := invite.ParseLink(link)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid link: %v", err)), nil
		}
		ref = parsed
	}
	if ref.LampID == "" || ref.Token == "" {
		return mcp.NewToolResultError("Provide a link, or both lamp_id and token"), nil
	}

	parent, ok := s.resolver.Resolve(ctx, ref.LampID, ref.Token)
	if !ok {
		return mcp.NewToolResultText("Invite: invalid\nThe lamp does not exist or the token does not match."), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Invite: valid\nParent: %s\nPosition: %.4f, %.4f",
		parent.ID, parent.Coordinates.Lat, parent.Coordinates.Lng)), nil
}

func (s *Server) handleCheckOrigin(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	origin := mcp.ParseString(request, "origin", "")
	verdict := s.guard.CanContribute(ctx, origin, "")

	switch {
	case verdict.Allowed:
		return mcp.NewToolResultText("Decision: allowed\nThis origin has not lit a diya yet."), nil
	case verdict.Reason == guard.ReasonAlreadyContributed:
		return mcp.NewToolResultText("Decision: denied\nReason: already_contributed"), nil
	default:
		// Fail closed and tell the agent why
		return mcp.NewToolResultError(fmt.Sprintf("Decision: denied\nReason: %s", verdict.Reason)), nil
	}
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "lampchain-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are interacting with Chain of Light, a shared map of diyas (lamps).

Concepts:
- Lamp: one diya with a position and a short message. Lamps are never edited or deleted.
- Origin: the network origin (public IP) a lamp came from. Each origin may light one lamp.
- Invite: a share link carrying a lamp id and a secret token. Lighting a lamp from a valid
  invite connects the new lamp to the inviter with an edge.
- Edge: inviter -> invited. The graph may have several parents per lamp.

Use 'check_origin' before suggesting someone light a diya.
Use 'resolve_invite' to check a link before relying on it; an invalid invite still allows
lighting a lamp, it just creates no connection.
Read 'lampchain://graph' for the full map and 'lampchain://count' for the counter.
`

	return mcp.NewGetPromptResult(
		"lampchain-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
