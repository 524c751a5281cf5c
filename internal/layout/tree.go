package layout

import (
	"context"
	"errors"
)

var (
	// ErrUnknownElement is returned when an identifier is not present in the tree.
	ErrUnknownElement = errors.New("element not found")
	// ErrInvalidRank is returned for rank input that is not an integer between the pins.
	ErrInvalidRank = errors.New("invalid rank")
)

// Candidate describes one element as seen by a snapshot.
type Candidate struct {
	ID       string `json:"id"`
	Tag      string `json:"tag"`
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	// Order is the element's current inline order style, "" when unset.
	Order string `json:"order,omitempty"`
	// Source is the index of the selector that matched, -1 if not from a source scan.
	Source int `json:"source"`
}

// ContainerState is what a snapshot knows about one layout container.
type ContainerState struct {
	Present  bool   `json:"present"`
	ParentID string `json:"parent_id,omitempty"`
	Order    string `json:"order,omitempty"`
}

// Query tells a Tree what to capture.
type Query struct {
	FormID           string   `json:"form_id"`
	InputID          string   `json:"input_id,omitempty"`
	BarID            string   `json:"bar_id"`
	FixedLeftSlotID  string   `json:"fixed_left_slot_id"`
	RightGroupSlotID string   `json:"right_group_slot_id"`
	PinnedIDs        []string `json:"pinned_ids"`
	Sources          []string `json:"sources"`
}

// Snapshot is a read-only capture of the toolbar region.
type Snapshot struct {
	FormPresent bool `json:"form_present"`
	// InputPresent is false when the query names an input that is missing.
	InputPresent   bool           `json:"input_present"`
	Bar            ContainerState `json:"bar"`
	FixedLeftSlot  ContainerState `json:"fixed_left_slot"`
	RightGroupSlot ContainerState `json:"right_group_slot"`
	// Pinned holds the fixed-left and right-group elements that exist, in query order.
	Pinned []Candidate `json:"pinned"`
	// Candidates are source matches in scan order; a node matched by an earlier
	// selector is not repeated.
	Candidates []Candidate `json:"candidates"`
	// Members are the bar's element children in DOM order, slots excluded.
	Members []Candidate `json:"members"`
}

// ContainerSpec asks the tree to create a container under ParentID unless
// an element with ID already exists.
type ContainerSpec struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
}

// Move appends element ID to container To. Moves never clone.
type Move struct {
	ID string `json:"id"`
	To string `json:"to"`
}

// OrderWrite sets the inline order style of element ID.
type OrderWrite struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

// Plan is the minimal set of writes that takes a snapshot to the target layout.
type Plan struct {
	// Skipped is set when the host form and the bar are both missing.
	Skipped    bool            `json:"skipped"`
	Create     []ContainerSpec `json:"create,omitempty"`
	Moves      []Move          `json:"moves,omitempty"`
	Orders     []OrderWrite    `json:"orders,omitempty"`
	Discovered []string        `json:"discovered,omitempty"`
	// Members is the bar membership once the plan is applied, in DOM order.
	Members []Member `json:"members"`
}

// Empty reports whether applying the plan would write nothing.
func (p Plan) Empty() bool {
	return len(p.Create) == 0 && len(p.Moves) == 0 && len(p.Orders) == 0
}

// Member is one dynamic element living in the bar.
type Member struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Rank  int    `json:"rank"`
}

// ApplyReport lists what a tree actually did with a plan.
type ApplyReport struct {
	Created  int      `json:"created"`
	Moved    int      `json:"moved"`
	Restyled int      `json:"restyled"`
	Failed   []string `json:"failed,omitempty"`
}

// Tree is the host document the engine reconciles.
type Tree interface {
	Snapshot(ctx context.Context, q Query) (Snapshot, error)
	// Apply performs the plan in order: creates, moves, then order writes.
	// Failures on single elements are reported, not returned.
	Apply(ctx context.Context, p Plan) (ApplyReport, error)
	// SetOrder restyles one element. It returns ErrUnknownElement if id is absent.
	SetOrder(ctx context.Context, id string, order int) error
}

// PanelEntry is one editable row of the settings panel.
type PanelEntry struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Rank  int    `json:"rank"`
}

// PanelView is what the settings panel list shows.
type PanelView struct {
	Entries      []PanelEntry `json:"entries"`
	EmptyMessage string       `json:"empty_message,omitempty"`
}

// PanelSurface hosts the settings panel.
type PanelSurface interface {
	// InstallPanel appends markup into region unless listID already exists.
	// It reports false when region is missing.
	InstallPanel(ctx context.Context, region, listID, markup string) (bool, error)
	RenderPanel(ctx context.Context, listID string, view PanelView) error
}

// TopBar toggles the visibility class of the host's top bar.
type TopBar interface {
	SetTopBarHidden(ctx context.Context, selector, class string, hidden bool) error
}

// Observer attaches a mutation observer to the first element matching
// selector. fn receives the number of added nodes per batch. It reports
// false when no element matches.
type Observer interface {
	Observe(ctx context.Context, selector string, subtree bool, fn func(added int)) (bool, error)
}
