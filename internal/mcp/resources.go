package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"controlbar://about",
			"ControlBar About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, the layout contract and usage notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"controlbar://session/{sessionId}/order",
			"Session Button Order",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Stored ranks and settings panel rows for one controlled session."),
		),
		s.handleSessionOrderResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	layoutCfg := s.cfg.Layout
	payload := map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"layout": map[string]interface{}{
			"form_id":         layoutCfg.FormID,
			"input_id":        layoutCfg.InputID,
			"bar_id":          layoutCfg.BarID,
			"fixed_left_id":   layoutCfg.FixedLeftID,
			"right_group_ids": layoutCfg.RightGroupIDs,
			"default_rank":    layoutCfg.DefaultRank,
			"pin_first":       layoutCfg.PinFirst,
			"pin_last":        layoutCfg.PinLast,
		},
		"controlled_sessions": s.hub.Sessions(),
		"facts":               s.factStatus(),
		"notes": []string{
			"Resources are read-only; use tools for passes and rank edits.",
			"Lower rank sorts earlier. Ranks must lie strictly between pin_first and pin_last.",
			"Ranks are never deleted: a button that disappears keeps its place for when it returns.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}

	return jsonResource(request.Params.URI, payload)
}

func (s *Server) factStatus() map[string]interface{} {
	if s.engine == nil {
		return map[string]interface{}{"enabled": false}
	}
	return map[string]interface{}{
		"enabled":  s.cfg.Mangle.Enable,
		"ready":    s.engine.Ready(),
		"buffered": len(s.engine.Facts()),
	}
}

func (s *Server) handleSessionOrderResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	sessionID := argString(request.Params.Arguments["sessionId"])
	if sessionID == "" {
		return nil, fmt.Errorf("missing sessionId")
	}
	ctrl, ok := s.hub.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("no layout controller for session %s", sessionID)
	}

	svc := ctrl.Engine().Settings()
	payload := map[string]interface{}{
		"session_id":     sessionID,
		"button_order":   svc.ButtonOrder(),
		"panel":          ctrl.Panel().View(),
		"top_bar_hidden": svc.TopBarHidden(),
	}
	return jsonResource(request.Params.URI, payload)
}

func jsonResource(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}
