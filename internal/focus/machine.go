// Package focus relocates the chat input on touch devices: typing lifts the
// textarea above the quick-reply bar and a settled blur returns it.
package focus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the textarea's position.
type State int

const (
	Docked State = iota
	Relocated
)

func (s State) String() string {
	if s == Relocated {
		return "relocated"
	}
	return "docked"
}

// Mover performs the DOM side of a transition.
type Mover interface {
	Relocate(ctx context.Context) error
	Restore(ctx context.Context) error
}

// BlurOutcome says what a blur event did.
type BlurOutcome string

const (
	BlurScheduled  BlurOutcome = "scheduled"
	BlurMoving     BlurOutcome = "ignored-moving"
	BlurSuppressed BlurOutcome = "suppressed"
	BlurDocked     BlurOutcome = "ignored-docked"
)

// Status is a point-in-time view of the machine.
type Status struct {
	State          string `json:"state"`
	Moving         bool   `json:"moving"`
	SuppressNext   bool   `json:"suppress_next_blur"`
	RestorePending bool   `json:"restore_pending"`
	Relocations    int    `json:"relocations"`
	Restores       int    `json:"restores"`
}

// Machine is the two-state focus controller for one textarea.
type Machine struct {
	mover     Mover
	blurDelay time.Duration
	moveGuard time.Duration
	log       *zap.Logger

	mu          sync.Mutex
	state       State
	moving      bool
	suppress    bool
	guard       *time.Timer
	restore     *time.Timer
	relocations int
	restores    int
	closed      bool
}

func NewMachine(mover Mover, blurDelay, moveGuard time.Duration, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{mover: mover, blurDelay: blurDelay, moveGuard: moveGuard, log: log}
}

// Input handles an input event on the textarea.
func (m *Machine) Input(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if m.restore != nil {
		m.restore.Stop()
		m.restore = nil
	}
	if m.state == Relocated {
		return nil
	}

	m.moving = true
	if err := m.mover.Relocate(ctx); err != nil {
		m.moving = false
		return fmt.Errorf("relocate textarea: %w", err)
	}
	m.state = Relocated
	m.relocations++
	m.log.Debug("textarea relocated")

	if m.guard != nil {
		m.guard.Stop()
	}
	m.guard = time.AfterFunc(m.moveGuard, m.clearMoving)
	return nil
}

// Blur handles a blur event. A blur caused by the relocation itself, or one
// a companion asked to skip, leaves the textarea where it is.
func (m *Machine) Blur(ctx context.Context) BlurOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.moving:
		return BlurMoving
	case m.suppress:
		m.suppress = false
		return BlurSuppressed
	case m.state != Relocated || m.closed:
		return BlurDocked
	}

	if m.restore != nil {
		m.restore.Stop()
	}
	m.restore = time.AfterFunc(m.blurDelay, func() { m.restoreNow(ctx) })
	return BlurScheduled
}

// SuppressNextBlur lets a companion control keep the textarea relocated
// across the blur its own mousedown causes.
func (m *Machine) SuppressNextBlur() {
	m.mu.Lock()
	m.suppress = true
	m.mu.Unlock()
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:          m.state.String(),
		Moving:         m.moving,
		SuppressNext:   m.suppress,
		RestorePending: m.restore != nil,
		Relocations:    m.relocations,
		Restores:       m.restores,
	}
}

// Close stops pending timers. Later events are ignored.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.guard != nil {
		m.guard.Stop()
	}
	if m.restore != nil {
		m.restore.Stop()
		m.restore = nil
	}
}

func (m *Machine) clearMoving() {
	m.mu.Lock()
	m.moving = false
	m.mu.Unlock()
}

func (m *Machine) restoreNow(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restore = nil
	if m.state != Relocated || m.closed {
		return
	}
	if err := m.mover.Restore(ctx); err != nil {
		m.log.Warn("textarea restore failed", zap.Error(err))
		return
	}
	m.state = Docked
	m.restores++
	m.log.Debug("textarea returned")
}
