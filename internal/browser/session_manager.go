package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"controlbar-mcp-server/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned when no browser is attached.
	ErrNotConnected = errors.New("browser not connected")
	// ErrUnknownSession is returned for session ids the manager does not track.
	ErrUnknownSession = errors.New("unknown session")
)

// Session describes one chat page under control.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	Touch      bool      `json:"touch"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta Session
	page *rod.Page
	tree *PageTree
}

// SessionManager owns the Chrome connection and the chat pages it drives.
type SessionManager struct {
	cfg        config.BrowserConfig
	log        *zap.Logger
	mu         sync.RWMutex
	browser    *rod.Browser
	sessions   map[string]*sessionRecord
	controlURL string
}

func NewSessionManager(cfg config.BrowserConfig, log *zap.Logger) *SessionManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionManager{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*sessionRecord),
	}
}

// Start connects to an existing Chrome or launches one.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.log.Warn("stale browser connection, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		m.sessions = make(map[string]*sessionRecord)
	}

	if err := m.loadSessions(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	controlURL, err := m.resolveControlURL()
	if err != nil {
		return err
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	m.log.Info("browser connected", zap.String("control_url", controlURL))
	return nil
}

func (m *SessionManager) resolveControlURL() (string, error) {
	if m.cfg.DebuggerURL != "" {
		return m.cfg.DebuggerURL, nil
	}

	launch := launcher.New().Headless(m.cfg.IsHeadless())
	if len(m.cfg.Launch) > 0 {
		launch = launch.Bin(m.cfg.Launch[0])
		for _, rawFlag := range m.cfg.Launch[1:] {
			name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
	}
	url, err := launch.Launch()
	if err != nil {
		return "", fmt.Errorf("launch chrome: %w", err)
	}
	return url, nil
}

// ControlURL returns the DevTools WebSocket URL.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes tracked pages and the browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.sessions {
		if rec.page != nil {
			_ = rec.page.Close()
		}
		delete(m.sessions, id)
	}

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	m.log.Info("browser shutdown complete")
	return err
}

// List returns metadata for all known sessions.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec.meta)
	}
	return out
}

// OpenChat opens url in a fresh incognito page.
func (m *SessionManager) OpenChat(ctx context.Context, url string) (*Session, error) {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, ErrNotConnected
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	m.emulate(page)
	if err := page.Timeout(m.cfg.NavigationTimeout()).Navigate(url); err != nil {
		m.log.Warn("navigation did not complete", zap.String("url", url), zap.Error(err))
	}
	_ = page.Timeout(m.cfg.NavigationTimeout()).WaitLoad()

	return m.track(page, url, "active"), nil
}

// Attach binds to an existing target. An empty targetID picks the first page
// whose URL starts with the configured chat URL.
func (m *SessionManager) Attach(ctx context.Context, targetID string) (*Session, error) {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, ErrNotConnected
	}

	if targetID == "" {
		found, err := m.findChatTarget(browser)
		if err != nil {
			return nil, err
		}
		targetID = found
	}

	page, err := browser.Timeout(m.cfg.AttachTimeout()).PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}
	page = page.CancelTimeout()
	m.emulate(page)

	url := ""
	if info, err := page.Info(); err == nil {
		url = info.URL
	}
	return m.track(page, url, "attached"), nil
}

func (m *SessionManager) findChatTarget(browser *rod.Browser) (string, error) {
	targets, err := proto.TargetGetTargets{}.Call(browser)
	if err != nil {
		return "", fmt.Errorf("list targets: %w", err)
	}
	for _, info := range targets.TargetInfos {
		if info.Type == proto.TargetTargetInfoTypePage && m.cfg.ChatURL != "" && strings.HasPrefix(info.URL, m.cfg.ChatURL) {
			return string(info.TargetID), nil
		}
	}
	return "", fmt.Errorf("no open page matches %q", m.cfg.ChatURL)
}

func (m *SessionManager) emulate(page *rod.Page) {
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            m.cfg.EmulateTouch,
	}).Call(page); err != nil {
		m.log.Warn("failed to set viewport", zap.Error(err))
	}
	if !m.cfg.EmulateTouch {
		return
	}
	maxPoints := 5
	if err := (proto.EmulationSetTouchEmulationEnabled{Enabled: true, MaxTouchPoints: &maxPoints}).Call(page); err != nil {
		m.log.Warn("failed to enable touch emulation", zap.Error(err))
	}
}

func (m *SessionManager) track(page *rod.Page, url, status string) *Session {
	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   string(page.TargetID),
		URL:        url,
		Status:     status,
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}
	if info, err := page.Info(); err == nil {
		meta.Title = info.Title
	}

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page, tree: NewPageTree(page, m.log.With(zap.String("session", meta.ID)))}
	m.mu.Unlock()

	if err := m.persistSessions(); err != nil {
		m.log.Warn("persist sessions failed", zap.Error(err))
	}
	m.log.Info("session tracked", zap.String("session", meta.ID), zap.String("target", meta.TargetID), zap.String("status", status))
	return &meta
}

// Close stops tracking a session and closes its page.
func (m *SessionManager) Close(sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if err := m.persistSessions(); err != nil {
		m.log.Warn("persist sessions failed", zap.Error(err))
	}
	if rec.page == nil {
		return nil
	}
	return rec.page.Close()
}

// Page returns the rod page behind a live session.
func (m *SessionManager) Page(sessionID string) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.page == nil {
		return nil, false
	}
	return rec.page, true
}

// Tree returns the layout tree of a live session.
func (m *SessionManager) Tree(sessionID string) (*PageTree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if rec.tree == nil {
		return nil, fmt.Errorf("session %s is %s", sessionID, rec.meta.Status)
	}
	return rec.tree, nil
}

// UpdateMetadata applies updater to a session's metadata.
func (m *SessionManager) UpdateMetadata(sessionID string, updater func(Session) Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[sessionID]; ok {
		rec.meta = updater(rec.meta)
	}
}

func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// persistSessions writes session metadata so a restart can list them.
func (m *SessionManager) persistSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	m.mu.RLock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		sessions = append(sessions, rec.meta)
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.SessionStore), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.cfg.SessionStore, data, 0o644)
}

// loadSessions restores persisted metadata as detached sessions. Callers
// hold m.mu.
func (m *SessionManager) loadSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}
	data, err := os.ReadFile(m.cfg.SessionStore)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var sessions []Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return err
	}
	for _, s := range sessions {
		if _, live := m.sessions[s.ID]; live {
			continue
		}
		s.Status = "detached"
		m.sessions[s.ID] = &sessionRecord{meta: s}
	}
	return nil
}
