package controller

import (
	"context"
	"fmt"
	"io"

	"controlbar-mcp-server/internal/config"
	"controlbar-mcp-server/internal/dom"
	"controlbar-mcp-server/internal/layout"
	"controlbar-mcp-server/internal/settings"

	"go.uber.org/zap"
)

// Render reconciles a saved page offline and writes the resulting markup.
// Ranks discovered on the way stay in svc's memory.
func Render(ctx context.Context, cfg config.Config, svc *settings.Service, in io.Reader, out io.Writer, log *zap.Logger) (layout.Result, error) {
	doc, err := dom.Parse(in)
	if err != nil {
		return layout.Result{}, err
	}

	panel := layout.NewPanel(cfg.Panel, cfg.Layout, doc, doc, svc, log)
	if _, err := panel.Install(ctx); err != nil {
		return layout.Result{}, fmt.Errorf("install panel: %w", err)
	}
	engine := layout.NewEngine(cfg.Layout, doc, svc, layout.Options{
		Panel:     panel,
		TopBar:    doc,
		SessionID: "render",
		Logger:    log,
	})

	res, err := engine.Reconcile(ctx)
	if err != nil {
		return res, err
	}
	if err := doc.Render(out); err != nil {
		return res, fmt.Errorf("render document: %w", err)
	}
	return res, nil
}
