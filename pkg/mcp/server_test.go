package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rmax-ai/lampchain/pkg/graph"
	"github.com/rmax-ai/lampchain/pkg/invite"
	"github.com/rmax-ai/lampchain/pkg/lamp"
	"github.com/rmax-ai/lampchain/pkg/lamp/lamptest"
)

func seed(t *testing.T, st *lamptest.MemoryStore) (parent, child lamp.Lamp) {
	t.Helper()
	ctx := context.Background()
	var err error
	parent, err = st.CreateLamp(ctx, lamp.NewLamp{Coordinates: lamp.Coordinates{Lat: 28.61, Lng: 77.21}, Message: "first light", Origin: "1.2.3.4"})
	if err != nil {
		t.Fatalf("seed parent: %v", err)
	}
	child, err = st.CreateLamp(ctx, lamp.NewLamp{Coordinates: lamp.Coordinates{Lat: 19.07, Lng: 72.87}, Message: "second", Origin: "5.6.7.8"})
	if err != nil {
		t.Fatalf("seed child: %v", err)
	}
	if _, err := st.CreateEdge(ctx, parent.ID, child.ID); err != nil {
		t.Fatalf("seed edge: %v", err)
	}
	return parent, child
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("Expected content in result")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("Expected TextContent, got %T", result.Content[0])
	}
	return text.Text
}

func callTool(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPServer_ReadGraph(t *testing.T) {
	st := lamptest.NewMemoryStore()
	parent, child := seed(t, st)
	s := NewServer(st, "test", nil)

	req := mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: "lampchain://graph",
		},
	}

	result, err := s.handleReadGraph(context.Background(), req)
	if err != nil {
		t.Fatalf("handleReadGraph failed: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("Expected 1 resource content, got %d", len(result))
	}

	content, ok := result[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("Expected TextResourceContents")
	}
	if content.MIMEType != "application/json" {
		t.Errorf("Expected application/json, got %s", content.MIMEType)
	}

	var snap graph.Snapshot
	if err := json.Unmarshal([]byte(content.Text), &snap); err != nil {
		t.Fatalf("Failed to parse result JSON: %v", err)
	}
	if len(snap.Lamps) != 2 || len(snap.Edges) != 1 {
		t.Fatalf("Expected 2 lamps and 1 edge, got %d and %d", len(snap.Lamps), len(snap.Edges))
	}
	if snap.Edges[0].ParentID != parent.ID || snap.Edges[0].ChildID != child.ID {
		t.Errorf("Unexpected edge: %+v", snap.Edges[0])
	}
	if strings.Contains(content.Text, parent.ShareToken) || strings.Contains(content.Text, "1.2.3.4") {
		t.Error("Graph resource leaked a share token or origin")
	}
}

func TestMCPServer_ReadGraph_StoreDown(t *testing.T) {
	st := lamptest.NewMemoryStore()
	st.ErrList = lamp.Unavailable(errors.New("down"))
	s := NewServer(st, "test", nil)

	_, err := s.handleReadGraph(context.Background(), mcp.ReadResourceRequest{})
	if !errors.Is(err, lamp.ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
}

func TestMCPServer_ReadCount(t *testing.T) {
	st := lamptest.NewMemoryStore()
	seed(t, st)
	s := NewServer(st, "test", nil)

	req := mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: "lampchain://count"}}
	result, err := s.handleReadCount(context.Background(), req)
	if err != nil {
		t.Fatalf("handleReadCount failed: %v", err)
	}
	content := result[0].(mcp.TextResourceContents)

	var body map[string]int
	if err := json.Unmarshal([]byte(content.Text), &body); err != nil {
		t.Fatalf("Failed to parse result JSON: %v", err)
	}
	if body["count"] != 2 {
		t.Errorf("Expected count 2, got %d", body["count"])
	}
}

func TestMCPServer_ResolveInvite(t *testing.T) {
	st := lamptest.NewMemoryStore()
	parent, _ := seed(t, st)
	s := NewServer(st, "test", nil)

	tests := []struct {
		name      string
		args      map[string]interface{}
		wantError bool
		wantText  string
	}{
		{"valid pair", map[string]interface{}{"lamp_id": parent.ID, "token": parent.ShareToken}, false, "Invite: valid"},
		{"valid link", map[string]interface{}{"link": invite.BuildLink("https://chainoflight.example/", parent.ID, parent.ShareToken)}, false, parent.ID},
		{"token mismatch", map[string]interface{}{"lamp_id": parent.ID, "token": "guess"}, false, "Invite: invalid"},
		{"link without invite", map[string]interface{}{"link": "https://chainoflight.example/"}, true, "Invalid link"},
		{"nothing supplied", map[string]interface{}{}, true, "Provide a link"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.handleResolveInvite(context.Background(), callTool("resolve_invite", tt.args))
			if err != nil {
				t.Fatalf("handleResolveInvite failed: %v", err)
			}
			if result.IsError != tt.wantError {
				t.Errorf("IsError = %v, want %v", result.IsError, tt.wantError)
			}
			if text := resultText(t, result); !strings.Contains(text, tt.wantText) {
				t.Errorf("Expected %q in %q", tt.wantText, text)
			}
		})
	}
}

func TestMCPServer_CheckOrigin(t *testing.T) {
	st := lamptest.NewMemoryStore()
	seed(t, st)
	s := NewServer(st, "test", nil)

	tests := []struct {
		name      string
		origin    string
		storeErr  error
		wantError bool
		wantText  string
	}{
		{"fresh origin", "9.9.9.9", nil, false, "allowed"},
		{"already lit", "1.2.3.4", nil, false, "already_contributed"},
		{"missing origin", "", nil, true, "missing_origin"},
		{"store down fails closed", "9.9.9.9", lamp.Unavailable(errors.New("down")), true, "origin_check_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st.ErrHasOrigin = tt.storeErr
			defer func() { st.ErrHasOrigin = nil }()

			result, err := s.handleCheckOrigin(context.Background(), callTool("check_origin", map[string]interface{}{"origin": tt.origin}))
			if err != nil {
				t.Fatalf("handleCheckOrigin failed: %v", err)
			}
			if result.IsError != tt.wantError {
				t.Errorf("IsError = %v, want %v", result.IsError, tt.wantError)
			}
			if text := resultText(t, result); !strings.Contains(text, tt.wantText) {
				t.Errorf("Expected %q in %q", tt.wantText, text)
			}
		})
	}
}

func TestMCPServer_Prompt(t *testing.T) {
	s := NewServer(lamptest.NewMemoryStore(), "", nil)

	req := mcp.GetPromptRequest{}
	req.Params.Name = "lampchain-aware"
	result, err := s.handleGetPrompt(context.Background(), req)
	if err != nil {
		t.Fatalf("handleGetPrompt failed: %v", err)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(result.Messages))
	}

	req.Params.Name = "other"
	if _, err := s.handleGetPrompt(context.Background(), req); err == nil {
		t.Error("Expected error for unknown prompt")
	}
}
