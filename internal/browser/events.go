package browser

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Event types pushed by the in-page hooks.
const (
	EventMutation      = "mutation"
	EventRank          = "rank"
	EventFocusInput    = "focus-input"
	EventFocusBlur     = "focus-blur"
	EventCompanionDown = "companion-down"
	// EventPageReset is raised by Drain, not by the page: the hooks are gone,
	// so the document was reloaded or replaced.
	EventPageReset = "page-reset"
)

// Event is one entry of the in-page event buffer.
type Event struct {
	Type  string  `json:"type"`
	Scope string  `json:"scope,omitempty"`
	Added int     `json:"added,omitempty"`
	ID    string  `json:"id,omitempty"`
	Value string  `json:"value,omitempty"`
	TS    float64 `json:"ts"`
}

// Time converts the page timestamp.
func (e Event) Time() time.Time {
	return time.UnixMilli(int64(e.TS))
}

// hooksJS creates the event buffer, the delegated rank listener and the
// layout stylesheet. Running it twice changes nothing.
const hooksJS = `
(listSelector, barId, topBarClass) => {
	window.__controlbarEvents = Array.isArray(window.__controlbarEvents) ? window.__controlbarEvents : [];
	if (window.__controlbarHooked) return false;
	window.__controlbarHooked = true;

	const push = (ev) => { ev.ts = Date.now(); window.__controlbarEvents.push(ev); };
	window.__controlbarPush = push;

	document.addEventListener('change', (e) => {
		const input = e.target;
		if (!input || !input.matches || !input.matches(listSelector + ' input.cb--rank')) return;
		push({ type: 'rank', id: input.dataset.id || '', value: String(input.value) });
	}, true);

	const style = document.createElement('style');
	style.id = 'cb--style';
	style.textContent =
		'#' + barId + ' { display: flex; flex-wrap: wrap; align-items: center; }\n' +
		'.' + topBarClass + ' { display: none !important; }\n';
	document.head.appendChild(style);
	return true;
}
`

const drainJS = `
() => {
	const buf = Array.isArray(window.__controlbarEvents) ? window.__controlbarEvents : [];
	window.__controlbarEvents = [];
	return { hooked: !!window.__controlbarHooked, events: buf };
}
`

// InstallHooks prepares the page for event streaming. It reports whether the
// hooks were newly installed.
func (t *PageTree) InstallHooks(ctx context.Context, listID, barID, topBarClass string) (bool, error) {
	var installed bool
	if err := t.evalInto(ctx, &installed, hooksJS, "#"+listID, barID, topBarClass); err != nil {
		return false, fmt.Errorf("install hooks: %w", err)
	}
	if installed {
		t.log.Debug("page hooks installed")
	}
	return installed, nil
}

type drained struct {
	Hooked bool    `json:"hooked"`
	Events []Event `json:"events"`
}

// Drain empties the in-page buffer. A page whose hooks are gone yields a
// single EventPageReset and loses its registered observers, which died with
// the old document.
func (t *PageTree) Drain(ctx context.Context) ([]Event, error) {
	var out drained
	if err := t.evalInto(ctx, &out, drainJS); err != nil {
		return nil, fmt.Errorf("drain events: %w", err)
	}
	return t.settle(out), nil
}

func (t *PageTree) settle(out drained) []Event {
	if out.Hooked {
		return out.Events
	}
	t.mu.Lock()
	if len(t.observers) > 0 {
		t.log.Info("page hooks lost, dropping observers", zap.Int("scopes", len(t.observers)))
	}
	t.observers = make(map[string][]func(int))
	t.mu.Unlock()
	return []Event{{Type: EventPageReset, TS: float64(time.Now().UnixMilli())}}
}

// Stream drains the buffer every interval until ctx is done. Mutation events
// are routed to observers first; every event is then passed to handle.
func (t *PageTree) Stream(ctx context.Context, interval time.Duration, handle func(Event)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			events, err := t.Drain(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				t.log.Debug("event drain failed", zap.Error(err))
				continue
			}
			for _, ev := range events {
				t.Dispatch(ev)
				if handle != nil {
					handle(ev)
				}
			}
		}
	}
}

// Dispatch delivers a mutation event to the observers of its scope.
func (t *PageTree) Dispatch(ev Event) {
	if ev.Type != EventMutation {
		return
	}
	t.mu.Lock()
	fns := append([]func(int){}, t.observers[ev.Scope]...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn(ev.Added)
	}
}
