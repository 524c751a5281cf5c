package layout

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"os"
	"sync"

	"controlbar-mcp-server/internal/config"
	"controlbar-mcp-server/internal/settings"

	"go.uber.org/zap"
)

//go:embed templates/settings.html
var templateFS embed.FS

// Panel projects the bar's dynamic members into the editable settings list
// and writes user edits back to the store and the live tree.
type Panel struct {
	cfg      config.PanelConfig
	layout   config.LayoutConfig
	surface  PanelSurface
	tree     Tree
	settings *settings.Service
	log      *zap.Logger

	mu        sync.Mutex
	members   []Member
	installed bool
}

func NewPanel(cfg config.PanelConfig, layoutCfg config.LayoutConfig, surface PanelSurface, tree Tree, svc *settings.Service, log *zap.Logger) *Panel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Panel{cfg: cfg, layout: layoutCfg, surface: surface, tree: tree, settings: svc, log: log}
}

// Markup renders the settings template with the configured list id.
func (p *Panel) Markup() (string, error) {
	var (
		raw []byte
		err error
	)
	if p.cfg.TemplatePath != "" {
		raw, err = os.ReadFile(p.cfg.TemplatePath)
	} else {
		raw, err = templateFS.ReadFile("templates/settings.html")
	}
	if err != nil {
		return "", fmt.Errorf("read panel template: %w", err)
	}
	tmpl, err := template.New("settings").Parse(string(raw))
	if err != nil {
		return "", fmt.Errorf("parse panel template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ ListID string }{p.cfg.ListID}); err != nil {
		return "", fmt.Errorf("render panel template: %w", err)
	}
	return buf.String(), nil
}

// Install appends the template into the host panel region once. A missing
// region is reported as false, not as an error.
func (p *Panel) Install(ctx context.Context) (bool, error) {
	if p.surface == nil {
		return false, nil
	}
	markup, err := p.Markup()
	if err != nil {
		return false, err
	}
	ok, err := p.surface.InstallPanel(ctx, p.cfg.Region, p.cfg.ListID, markup)
	if err != nil {
		return false, fmt.Errorf("install panel: %w", err)
	}
	if !ok {
		p.log.Warn("settings panel region missing", zap.String("region", p.cfg.Region))
	}

	p.mu.Lock()
	p.installed = ok
	p.mu.Unlock()
	return ok, nil
}

// Refresh rebuilds the list from the current bar membership.
func (p *Panel) Refresh(ctx context.Context, members []Member) error {
	p.mu.Lock()
	p.members = append([]Member(nil), members...)
	p.mu.Unlock()
	return p.render(ctx)
}

// Entries is the list as currently shown, ranks read fresh from the store.
func (p *Panel) Entries() []PanelEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := make([]PanelEntry, 0, len(p.members))
	for _, m := range p.members {
		entries = append(entries, PanelEntry{ID: m.ID, Title: m.Title, Rank: p.settings.RankOrDefault(m.ID)})
	}
	return entries
}

// View is the list state handed to the surface.
func (p *Panel) View() PanelView {
	view := PanelView{Entries: p.Entries()}
	if len(view.Entries) == 0 {
		view.EmptyMessage = p.cfg.EmptyMessage
	}
	return view
}

// Edit applies a user-entered rank. Invalid input leaves the stored rank as
// it was, re-renders the prior value and returns ErrInvalidRank.
func (p *Panel) Edit(ctx context.Context, id, raw string) (int, error) {
	rank, err := ParseRank(raw, p.layout)
	if err != nil {
		p.log.Info("rejected rank input", zap.String("id", id), zap.String("input", raw))
		if rerr := p.render(ctx); rerr != nil {
			p.log.Warn("settings panel refresh failed", zap.Error(rerr))
		}
		return 0, err
	}

	p.settings.SetRank(id, rank)
	p.settings.Persist()

	if p.tree != nil {
		if err := p.tree.SetOrder(ctx, id, rank); err != nil && !errors.Is(err, ErrUnknownElement) {
			return rank, fmt.Errorf("restyle %s: %w", id, err)
		}
	}
	p.log.Debug("rank updated", zap.String("id", id), zap.Int("rank", rank))
	return rank, p.render(ctx)
}

func (p *Panel) render(ctx context.Context) error {
	if p.surface == nil {
		return nil
	}
	return p.surface.RenderPanel(ctx, p.cfg.ListID, p.View())
}
